package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newGeminiHandler returns an http.Handler simulating the Google Gemini API
// as the genai SDK speaks it:
//
//	POST {base}/models/{model}:generateContent
//	POST {base}/models/{model}:streamGenerateContent
//	POST {base}/models/{model}:embedContent
//	POST {base}/models/{model}:batchEmbedContents
//	GET  {base}/models
func newGeminiHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		model := extractGeminiModel(path)

		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed", "method_not_allowed")
			return
		}
		applyLatency(cfg)

		switch {
		case strings.HasSuffix(path, ":generateContent"):
			if shouldError(cfg) {
				writeGeminiError(w, http.StatusInternalServerError, "mock internal error")
				return
			}
			handleGeminiGenerate(w, cfg, model, false)

		case strings.HasSuffix(path, ":streamGenerateContent"):
			if shouldError(cfg) {
				writeGeminiError(w, http.StatusInternalServerError, "mock internal error")
				return
			}
			handleGeminiGenerate(w, cfg, model, true)

		case strings.HasSuffix(path, ":embedContent"):
			writeJSON(w, http.StatusOK, map[string]any{
				"embedding": map[string]any{"values": fakeEmbedding(768)},
			})

		case strings.HasSuffix(path, ":batchEmbedContents"):
			handleGeminiBatchEmbed(w, r)

		default:
			writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", path))
		}
	})

	// GET /v1beta/models — health-check target.
	mux.HandleFunc("/v1beta/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{"name": "models/gemini-2.5-pro", "displayName": "Gemini 2.5 Pro"},
				{"name": "models/gemini-2.5-flash", "displayName": "Gemini 2.5 Flash"},
				{"name": "models/gemini-2.0-flash", "displayName": "Gemini 2.0 Flash"},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func handleGeminiGenerate(w http.ResponseWriter, cfg Config, model string, stream bool) {
	content := fakeSentence(cfg.StreamWords)
	resp := map[string]any{
		"candidates": []any{
			map[string]any{
				"content": map[string]any{
					"role":  "model",
					"parts": []map[string]string{{"text": content}},
				},
				"finishReason": "STOP",
				"index":        0,
			},
		},
		"usageMetadata": map[string]int{
			"promptTokenCount":     10,
			"candidatesTokenCount": cfg.StreamWords,
			"totalTokenCount":      10 + cfg.StreamWords,
		},
		"responseId":   fmt.Sprintf("gemini-%x", rand.Int64()),
		"modelVersion": model,
	}

	if stream {
		// The genai SDK consumes streamGenerateContent as a JSON array of
		// GenerateContentResponse objects.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode([]any{resp})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func handleGeminiBatchEmbed(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Requests []any `json:"requests"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	n := len(req.Requests)
	if n == 0 {
		n = 1
	}
	embeddings := make([]map[string]any, n)
	for i := range embeddings {
		embeddings[i] = map[string]any{
			"embedding": map[string]any{"values": fakeEmbedding(768)},
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"embeddings": embeddings})
}

func writeGeminiError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  "INTERNAL",
		},
	})
}

// extractGeminiModel pulls the model out of a path like
// /v1beta/models/gemini-2.5-pro:generateContent.
func extractGeminiModel(path string) string {
	const prefix = "/v1beta/models/"
	if idx := strings.Index(path, prefix); idx >= 0 {
		rest := path[idx+len(prefix):]
		if col := strings.Index(rest, ":"); col >= 0 {
			return rest[:col]
		}
		return rest
	}
	return "gemini-2.5-flash"
}
