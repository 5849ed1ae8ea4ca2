// Package sse implements a streaming decoder over Anthropic-style
// Server-Sent Events chunks. It never buffers a full response body: each
// chunk is scanned for complete "data: " lines as they arrive, carrying any
// partial trailing line over to the next chunk.
package sse

import (
	"bytes"
	"encoding/json"
	"unicode/utf8"
)

// ToolUse is emitted for a content_block_start event whose content_block
// type is "tool_use".
type ToolUse struct {
	Name      string
	InputJSON json.RawMessage
}

// Usage is emitted for message_delta / message_stop events carrying usage
// and/or a stop_reason.
type Usage struct {
	InputTokens  int
	OutputTokens int
	StopReason   string // empty if absent on this event
	HasStopReason bool
}

// Handlers receives scanner callbacks. Any nil field is skipped.
type Handlers struct {
	OnText    func(text string)
	OnToolUse func(ToolUse)
	OnUsage   func(Usage)
}

// Scanner holds the carry-over buffer for one upstream response. Feed is
// called once per chunk, in arrival order; it is not safe for concurrent
// use by multiple goroutines on the same Scanner.
type Scanner struct {
	carry    []byte
	handlers Handlers
}

func New(h Handlers) *Scanner {
	return &Scanner{handlers: h}
}

// Feed scans one chunk. Invalid UTF-8 chunks are dropped silently (spec
// §4.3); valid chunks are appended to the carry buffer and split on "\n",
// with any trailing partial line held over to the next Feed call.
func (s *Scanner) Feed(chunk []byte) {
	if !utf8.Valid(chunk) {
		return
	}

	s.carry = append(s.carry, chunk...)

	for {
		idx := bytes.IndexByte(s.carry, '\n')
		if idx < 0 {
			break
		}
		line := s.carry[:idx]
		s.carry = s.carry[idx+1:]
		s.handleLine(line)
	}
}

func (s *Scanner) handleLine(line []byte) {
	line = bytes.TrimRight(line, "\r")

	const prefix = "data: "
	if !bytes.HasPrefix(line, []byte(prefix)) {
		return
	}
	payload := line[len(prefix):]
	if len(bytes.TrimSpace(payload)) == 0 {
		return
	}

	var envelope struct {
		Type         string `json:"type"`
		ContentBlock *struct {
			Type  string          `json:"type"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		} `json:"content_block"`
		Delta *struct {
			Type       string `json:"type"`
			Text       string `json:"text"`
			StopReason *string `json:"stop_reason"`
		} `json:"delta"`
		Usage *struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
		Message *struct {
			Usage *struct {
				InputTokens  int `json:"input_tokens"`
				OutputTokens int `json:"output_tokens"`
			} `json:"usage"`
		} `json:"message"`
	}

	if err := json.Unmarshal(payload, &envelope); err != nil {
		return
	}

	switch envelope.Type {
	case "content_block_start":
		if envelope.ContentBlock != nil && envelope.ContentBlock.Type == "tool_use" {
			if s.handlers.OnToolUse != nil {
				s.handlers.OnToolUse(ToolUse{
					Name:      envelope.ContentBlock.Name,
					InputJSON: envelope.ContentBlock.Input,
				})
			}
		}

	case "content_block_delta":
		if envelope.Delta != nil && envelope.Delta.Text != "" {
			if s.handlers.OnText != nil {
				s.handlers.OnText(envelope.Delta.Text)
			}
		}

	case "message_delta":
		var usage Usage
		hasUsage := false
		if envelope.Usage != nil {
			usage.InputTokens = envelope.Usage.InputTokens
			usage.OutputTokens = envelope.Usage.OutputTokens
			hasUsage = true
		}
		if envelope.Delta != nil && envelope.Delta.StopReason != nil {
			usage.StopReason = *envelope.Delta.StopReason
			usage.HasStopReason = true
		}
		if (hasUsage || usage.HasStopReason) && s.handlers.OnUsage != nil {
			s.handlers.OnUsage(usage)
		}

	case "message_stop":
		if envelope.Message != nil && envelope.Message.Usage != nil {
			if s.handlers.OnUsage != nil {
				s.handlers.OnUsage(Usage{
					InputTokens:  envelope.Message.Usage.InputTokens,
					OutputTokens: envelope.Message.Usage.OutputTokens,
				})
			}
		}
	}
}
