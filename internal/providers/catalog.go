package providers

import "sort"

// CatalogEntry describes a routable model: its owning provider, family, cost
// per 1K tokens (blended input/output, USD) and capability set.
type CatalogEntry struct {
	Model        string
	Provider     string
	Family       string
	CostPer1K    float64
	Capabilities []Capability
}

var (
	chatCaps   = []Capability{CapChat, CapStreaming}
	fnCaps     = []Capability{CapChat, CapStreaming, CapFunctionCalling}
	visionCaps = []Capability{CapChat, CapStreaming, CapFunctionCalling, CapVision}
	embedCaps  = []Capability{CapEmbeddings}
)

// Catalog is the routing table for POST /v1/chat/completions and friends.
// Ordering here is irrelevant; lookups go through the index built in init.
var Catalog = []CatalogEntry{

	// ─── OpenAI ───────────────────────────────────────────────────────────────
	{"gpt-4o", "openai", "gpt-4o", 0.00625, visionCaps},
	{"gpt-4o-2024-11-20", "openai", "gpt-4o", 0.00625, visionCaps},
	{"gpt-4o-mini", "openai", "gpt-4o-mini", 0.000375, visionCaps},
	{"gpt-4o-mini-2024-07-18", "openai", "gpt-4o-mini", 0.000375, visionCaps},
	{"gpt-4-turbo", "openai", "gpt-4", 0.02, visionCaps},
	{"gpt-4", "openai", "gpt-4", 0.045, fnCaps},
	{"gpt-3.5-turbo", "openai", "gpt-3.5", 0.001, fnCaps},
	{"o1", "openai", "o1", 0.0375, chatCaps},
	{"o1-mini", "openai", "o1-mini", 0.00825, chatCaps},
	{"o3-mini", "openai", "o3-mini", 0.00275, fnCaps},
	{"gpt-4.1", "openai", "gpt-4.1", 0.005, visionCaps},
	{"gpt-4.1-mini", "openai", "gpt-4.1-mini", 0.001, visionCaps},
	{"gpt-4.1-nano", "openai", "gpt-4.1-nano", 0.00025, fnCaps},
	{"text-embedding-3-small", "openai", "text-embedding-3", 0.00002, embedCaps},
	{"text-embedding-3-large", "openai", "text-embedding-3", 0.00013, embedCaps},
	{"text-embedding-ada-002", "openai", "text-embedding-ada", 0.0001, embedCaps},

	// ─── Anthropic ────────────────────────────────────────────────────────────
	{"claude-opus-4-0", "anthropic", "claude-opus", 0.045, visionCaps},
	{"claude-sonnet-4-0", "anthropic", "claude-sonnet", 0.009, visionCaps},
	{"claude-3-7-sonnet-latest", "anthropic", "claude-sonnet", 0.009, visionCaps},
	{"claude-3-5-sonnet-latest", "anthropic", "claude-sonnet", 0.009, visionCaps},
	{"claude-3-5-haiku-latest", "anthropic", "claude-haiku", 0.0024, fnCaps},
	{"claude-3-haiku-20240307", "anthropic", "claude-haiku", 0.00075, fnCaps},

	// ─── Google Gemini ────────────────────────────────────────────────────────
	{"gemini-2.5-pro", "gemini", "gemini-pro", 0.00563, visionCaps},
	{"gemini-2.5-flash", "gemini", "gemini-flash", 0.00089, visionCaps},
	{"gemini-2.0-flash", "gemini", "gemini-flash", 0.00025, visionCaps},
	{"gemini-2.0-flash-lite", "gemini", "gemini-flash", 0.000188, chatCaps},
	{"text-embedding-004", "gemini", "text-embedding-004", 0.0000125, embedCaps},
	{"embedding-001", "gemini", "embedding-001", 0.0000125, embedCaps},

	// ─── OpenAI-compatible vendors ────────────────────────────────────────────
	{"grok-3", "xai", "grok", 0.0075, fnCaps},
	{"grok-3-mini", "xai", "grok-mini", 0.000425, fnCaps},
	{"llama-3.3-70b-versatile", "groq", "llama-3.3", 0.000695, fnCaps},
	{"llama-3.1-8b-instant", "groq", "llama-3.1", 0.000065, chatCaps},
	{"deepseek-chat", "deepseek", "deepseek-v3", 0.000415, fnCaps},
	{"deepseek-reasoner", "deepseek", "deepseek-r1", 0.001185, chatCaps},
	{"mistral-large-latest", "together", "mistral-large", 0.004, fnCaps},
	{"mistral-small-latest", "together", "mistral-small", 0.0004, fnCaps},
}

var catalogIndex map[string]*CatalogEntry

func init() {
	catalogIndex = make(map[string]*CatalogEntry, len(Catalog))
	for i := range Catalog {
		catalogIndex[Catalog[i].Model] = &Catalog[i]
	}
}

// LookupModel returns the catalog entry for model, or nil if unknown.
func LookupModel(model string) *CatalogEntry {
	return catalogIndex[model]
}

// ModelsFor returns the catalog entries owned by provider, sorted by model
// name for deterministic listings.
func ModelsFor(provider string) []CatalogEntry {
	var out []CatalogEntry
	for _, e := range Catalog {
		if e.Provider == provider {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// SortedCatalog returns all entries sorted by model name.
func SortedCatalog() []CatalogEntry {
	out := make([]CatalogEntry, len(Catalog))
	copy(out, Catalog)
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

// CostPer1KTokens returns the blended per-1K-token cost for model.
func CostPer1KTokens(model string) (float64, bool) {
	e := LookupModel(model)
	if e == nil {
		return 0, false
	}
	return e.CostPer1K, true
}

// DefaultFailoverOrder lists providers from cheapest flagship model to most
// expensive. Used to seed the cost_optimized failover group when no explicit
// group configuration is present.
func DefaultFailoverOrder() []string {
	cheapest := map[string]float64{}
	for _, e := range Catalog {
		if !HasAll(e.Capabilities, []Capability{CapChat}) {
			continue
		}
		if c, ok := cheapest[e.Provider]; !ok || e.CostPer1K < c {
			cheapest[e.Provider] = e.CostPer1K
		}
	}
	names := make([]string, 0, len(cheapest))
	for n := range cheapest {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		if cheapest[names[i]] != cheapest[names[j]] {
			return cheapest[names[i]] < cheapest[names[j]]
		}
		return names[i] < names[j]
	})
	return names
}
