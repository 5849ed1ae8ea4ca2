package sse

import "testing"

func TestTextDeltaAcrossChunks(t *testing.T) {
	var texts []string
	s := New(Handlers{OnText: func(text string) { texts = append(texts, text) }})

	s.Feed([]byte("event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"Hel"))
	s.Feed([]byte("lo\"}}\n\n"))

	if len(texts) != 1 || texts[0] != "Hello" {
		t.Fatalf("texts = %v, want [Hello]", texts)
	}
}

func TestToolUseEmission(t *testing.T) {
	var tools []ToolUse
	s := New(Handlers{OnToolUse: func(tu ToolUse) { tools = append(tools, tu) }})

	s.Feed([]byte(`data: {"type":"content_block_start","content_block":{"type":"tool_use","name":"read_file","input":{"path":"a.txt"}}}` + "\n\n"))

	if len(tools) != 1 || tools[0].Name != "read_file" {
		t.Fatalf("tools = %v, want one read_file tool use", tools)
	}
}

func TestUsageFromMessageDelta(t *testing.T) {
	var usages []Usage
	s := New(Handlers{OnUsage: func(u Usage) { usages = append(usages, u) }})

	s.Feed([]byte(`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"input_tokens":12,"output_tokens":1}}` + "\n\n"))

	if len(usages) != 1 {
		t.Fatalf("usages = %v, want one entry", usages)
	}
	got := usages[0]
	if got.InputTokens != 12 || got.OutputTokens != 1 || got.StopReason != "end_turn" {
		t.Fatalf("usage = %+v, want (12,1,end_turn)", got)
	}
}

func TestTextAndUsageInSameChunk(t *testing.T) {
	var order []string
	s := New(Handlers{
		OnText:  func(string) { order = append(order, "text") },
		OnUsage: func(Usage) { order = append(order, "usage") },
	})

	chunk := `data: {"type":"content_block_delta","delta":{"text":"hi"}}` + "\n\n" +
		`data: {"type":"message_delta","delta":{"stop_reason":"end_turn"},"usage":{"input_tokens":1,"output_tokens":1}}` + "\n\n"
	s.Feed([]byte(chunk))

	if len(order) != 2 || order[0] != "text" || order[1] != "usage" {
		t.Fatalf("order = %v, want [text usage]", order)
	}
}

func TestInvalidUTF8ChunkDropped(t *testing.T) {
	called := false
	s := New(Handlers{OnText: func(string) { called = true }})

	s.Feed([]byte{0xff, 0xfe, 0xfd})
	s.Feed([]byte("data: {\"type\":\"content_block_delta\",\"delta\":{\"text\":\"x\"}}\n\n"))

	if !called {
		t.Fatal("valid chunk after an invalid one should still be processed")
	}
}

func TestUnparseableJSONDropped(t *testing.T) {
	called := false
	s := New(Handlers{OnText: func(string) { called = true }})

	s.Feed([]byte("data: {not json}\n\n"))
	if called {
		t.Fatal("malformed JSON line should not trigger a callback")
	}
}

func TestMessageStopUsage(t *testing.T) {
	var usages []Usage
	s := New(Handlers{OnUsage: func(u Usage) { usages = append(usages, u) }})

	s.Feed([]byte(`data: {"type":"message_stop","message":{"usage":{"input_tokens":5,"output_tokens":9}}}` + "\n\n"))

	if len(usages) != 1 || usages[0].InputTokens != 5 || usages[0].OutputTokens != 9 {
		t.Fatalf("usages = %v, want one (5,9) entry", usages)
	}
}
