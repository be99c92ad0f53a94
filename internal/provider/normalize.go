package provider

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// envelope covers every response shape the backends produce, either as a
// whole body or as one line of a newline-delimited stream.
type envelope struct {
	Message *struct {
		Content *string `json:"content"`
	} `json:"message"`
	Response *string `json:"response"`
	Choices  []struct {
		Message *struct {
			Content *string `json:"content"`
		} `json:"message"`
		Delta *struct {
			Content *string `json:"content"`
		} `json:"delta"`
		Text *string `json:"text"`
	} `json:"choices"`
	Content json.RawMessage `json:"content"`
	Delta   *struct {
		Text *string `json:"text"`
	} `json:"delta"`
	Done bool   `json:"done"`
	Type string `json:"type"`
}

// text extracts the content carried by the envelope. ok is false when none of
// the known keys is present.
func (e *envelope) text() (string, bool) {
	switch {
	case e.Message != nil && e.Message.Content != nil:
		return *e.Message.Content, true
	case e.Response != nil:
		return *e.Response, true
	case len(e.Choices) > 0:
		c := e.Choices[0]
		switch {
		case c.Message != nil && c.Message.Content != nil:
			return *c.Message.Content, true
		case c.Delta != nil && c.Delta.Content != nil:
			return *c.Delta.Content, true
		case c.Text != nil:
			return *c.Text, true
		}
	case len(e.Content) > 0:
		return contentText(e.Content)
	case e.Delta != nil && e.Delta.Text != nil:
		return *e.Delta.Text, true
	}
	return "", false
}

// contentText handles "content" given either as a string or as a list of
// typed blocks, of which only text blocks are kept.
func contentText(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", false
	}
	var b strings.Builder
	for _, blk := range blocks {
		if blk.Type == "" || blk.Type == "text" {
			b.WriteString(blk.Text)
		}
	}
	return b.String(), true
}

// NormalizeBody turns a raw backend response body into completion text. It
// accepts a single JSON envelope or a newline-delimited sequence of fragment
// envelopes whose chunks are concatenated in line order.
func NormalizeBody(body []byte) (string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("%w: empty body", ErrResponseShape)
	}

	var single envelope
	if err := json.Unmarshal(trimmed, &single); err == nil {
		text, ok := single.text()
		if !ok {
			return "", fmt.Errorf("%w: no content key in response", ErrResponseShape)
		}
		return text, nil
	}

	var b strings.Builder
	fragments := 0
	for i, line := range bytes.Split(trimmed, []byte("\n")) {
		line = bytes.TrimSpace(line)
		line = bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data:")))
		if len(line) == 0 || bytes.Equal(line, []byte("[DONE]")) {
			continue
		}
		var frag envelope
		if err := json.Unmarshal(line, &frag); err != nil {
			return "", fmt.Errorf("%w: line %d is not JSON: %v", ErrResponseShape, i+1, err)
		}
		text, ok := frag.text()
		if !ok {
			// Terminal and bookkeeping frames carry no chunk.
			if frag.Done || frag.Type != "" {
				continue
			}
			return "", fmt.Errorf("%w: line %d has no content key", ErrResponseShape, i+1)
		}
		b.WriteString(text)
		fragments++
	}
	if fragments == 0 {
		return "", fmt.Errorf("%w: stream held no content fragments", ErrResponseShape)
	}
	return b.String(), nil
}
