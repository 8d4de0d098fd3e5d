// Package sse decodes server-sent event streams from upstream providers.
//
// The decoder is deliberately tolerant: it accepts CRLF and bare-LF line
// endings, `data:` with or without a following space, comment keep-alive
// lines (leading ':'), and frames split across arbitrary read boundaries.
package sse

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// DoneSentinel is the payload OpenAI-wire streams send as their final frame.
const DoneSentinel = "[DONE]"

// Decoder reads SSE frames from an upstream response body.
type Decoder struct {
	scanner *bufio.Scanner
	// data lines accumulated for the frame in progress; the SSE grammar
	// joins multiple data lines with \n.
	pending []string
	err     error
}

// maxFrameSize bounds a single SSE line. Provider deltas are small; 1 MiB
// leaves ample headroom for tool-call payloads.
const maxFrameSize = 1 << 20

// NewDecoder wraps r in a frame decoder.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxFrameSize)
	sc.Split(scanLines)
	return &Decoder{scanner: sc}
}

// scanLines is bufio.ScanLines with CR-only line ending tolerance.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		adv := i + 1
		if data[i] == '\r' {
			if adv == len(data) && !atEOF {
				// Cannot tell \r from \r\n yet.
				return 0, nil, nil
			}
			if adv < len(data) && data[adv] == '\n' {
				adv++
			}
		}
		return adv, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// Next returns the data payload of the next complete frame. It skips comment
// keep-alives and non-data fields. io.EOF signals a cleanly ended stream.
func (d *Decoder) Next() (string, error) {
	if d.err != nil {
		return "", d.err
	}
	for d.scanner.Scan() {
		line := d.scanner.Text()
		switch {
		case line == "":
			// Blank line terminates a frame.
			if len(d.pending) == 0 {
				continue
			}
			payload := strings.Join(d.pending, "\n")
			d.pending = d.pending[:0]
			return payload, nil
		case strings.HasPrefix(line, ":"):
			// Comment / keep-alive.
			continue
		case strings.HasPrefix(line, "data:"):
			v := strings.TrimPrefix(line, "data:")
			v = strings.TrimPrefix(v, " ")
			d.pending = append(d.pending, v)
		default:
			// event:, id:, retry: — the upstream wire formats we speak
			// carry everything in data lines.
		}
	}
	if err := d.scanner.Err(); err != nil {
		d.err = err
		return "", err
	}
	// Tolerate a final frame not followed by a blank line before EOF.
	if len(d.pending) > 0 {
		payload := strings.Join(d.pending, "\n")
		d.pending = d.pending[:0]
		return payload, nil
	}
	d.err = io.EOF
	return "", io.EOF
}
