// Package stream decodes server-sent-event chat completion streams into
// content deltas.
package stream

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"
)

// chunk mirrors the chat-completions streaming payload; only the first
// choice's incremental content is extracted.
type chunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Decoder turns a chunked event-stream body into a sequence of content
// deltas. Chunk boundaries are arbitrary: partial lines are buffered and
// only complete lines are parsed. Lines without the "data: " prefix are
// ignored, unparseable payload lines are skipped, and the "[DONE]" sentinel
// ends the sequence even if more bytes remain buffered.
//
// A Decoder is not safe for concurrent use and cannot be resumed once Next
// has returned a terminal error.
type Decoder struct {
	r    *bufio.Reader
	done bool
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Next returns the next non-empty content delta. It returns io.EOF when the
// stream ends, either via the end sentinel or source exhaustion. Transport
// failures are returned wrapped; no retry is attempted here.
func (d *Decoder) Next() (string, error) {
	if d.done {
		return "", io.EOF
	}

	for {
		line, err := d.r.ReadString('\n')
		if err != nil {
			d.done = true
			if errors.Is(err, io.EOF) {
				// Source exhausted without the sentinel: give any
				// fully-buffered trailing payload one final attempt.
				if delta, ok := d.decodeLine(line); ok {
					return delta, nil
				}
				return "", io.EOF
			}
			return "", fmt.Errorf("reading stream: %w", err)
		}

		if delta, ok := d.decodeLine(line); ok {
			return delta, nil
		}
		if d.done {
			return "", io.EOF
		}
	}
}

// decodeLine extracts a delta from one line. It reports whether a non-empty
// delta was produced and flips d.done when the end sentinel is seen.
func (d *Decoder) decodeLine(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, dataPrefix) {
		return "", false
	}

	payload := trimmed[len(dataPrefix):]
	if payload == doneSentinel {
		d.done = true
		return "", false
	}

	var c chunk
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		// Tolerate malformed frames; a payload split across chunks can
		// masquerade as a complete line and fail to parse.
		return "", false
	}
	if len(c.Choices) == 0 || c.Choices[0].Delta.Content == "" {
		return "", false
	}
	return c.Choices[0].Delta.Content, true
}

// Collect drains the decoder and returns the concatenated deltas. Partial
// content accumulated before a mid-stream failure is returned alongside the
// error.
func Collect(d *Decoder) (string, error) {
	var b strings.Builder
	for {
		delta, err := d.Next()
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.WriteString(delta)
	}
}
