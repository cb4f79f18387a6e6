package agent_test

import (
	"io"
	"strings"
	"testing"

	"hive/pkg/agent"
)

func TestParseChunk_SkipsMalformedLines(t *testing.T) {
	chunk := []byte(`{"type":"system","session_id":"s1"}
not json
{"type":"assistant","message":{"content":[{"type":"text","text":"hi"}]}}
{"broken":
[1,2,3]
null

{"type":"result","usage":{"input_tokens":1}}`)

	events := agent.ParseChunk(chunk)
	if len(events) != 3 {
		t.Fatalf("events: got %d, want 3", len(events))
	}
	wantTypes := []string{"system", "assistant", "result"}
	for i, ev := range events {
		if ev.Type != wantTypes[i] {
			t.Errorf("event %d: got type %q, want %q", i, ev.Type, wantTypes[i])
		}
	}
	if events[1].Text() != "hi" {
		t.Errorf("assistant text: got %q", events[1].Text())
	}
}

func TestParseChunk_IsStateless(t *testing.T) {
	first := agent.ParseChunk([]byte(`{"type":"sys`))
	if len(first) != 0 {
		t.Fatalf("partial line should be dropped, got %d events", len(first))
	}
	second := agent.ParseChunk([]byte(`{"type":"result"}`))
	if len(second) != 1 || second[0].Type != "result" {
		t.Fatalf("second chunk must decode on its own: %+v", second)
	}
	if got := agent.ParseChunk(nil); len(got) != 0 {
		t.Fatalf("empty chunk: got %d events", len(got))
	}
}

func TestDecoder_PullsEventsAndCountsSkips(t *testing.T) {
	dec := agent.NewDecoder(strings.NewReader("{\"type\":\"system\"}\ngarbage\n\n{\"type\":\"result\"}"))

	var types []string
	for {
		ev, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		types = append(types, ev.Type)
	}
	if strings.Join(types, ",") != "system,result" {
		t.Fatalf("types: got %v", types)
	}
	if dec.Skipped() != 1 {
		t.Fatalf("skipped: got %d, want 1", dec.Skipped())
	}
}

func TestExtractCost_FullUsage(t *testing.T) {
	events := agent.ParseChunk([]byte(`{"type":"result","model":"x","cost_usd":0.0123,"usage":{"input_tokens":1000,"output_tokens":500,"cache_read_tokens":200,"cache_write_tokens":100}}`))
	c := agent.ExtractCost(events[0])
	if c == nil {
		t.Fatal("expected cost for result event")
	}
	if c.InputTokens != 1000 || c.OutputTokens != 500 || c.CacheReadTokens != 200 || c.CacheWriteTokens != 100 {
		t.Fatalf("tokens: got %+v", c)
	}
	if c.Model != "x" {
		t.Fatalf("model: got %q, want %q", c.Model, "x")
	}
	if c.CostUSD == nil || *c.CostUSD != 0.0123 {
		t.Fatalf("cost_usd: got %v", c.CostUSD)
	}
}

func TestExtractCost_DefaultsAndAliases(t *testing.T) {
	bare := agent.ParseChunk([]byte(`{"type":"result","usage":{"input_tokens":10,"output_tokens":5}}`))
	c := agent.ExtractCost(bare[0])
	if c.CacheReadTokens != 0 || c.CacheWriteTokens != 0 {
		t.Fatalf("cache defaults: got %+v", c)
	}
	if c.CostUSD != nil {
		t.Fatalf("cost_usd should be nil when absent, got %v", *c.CostUSD)
	}

	aliased := agent.ParseChunk([]byte(`{"type":"result","total_cost_usd":1.5,"usage":{"cache_read_input_tokens":7,"cache_creation_input_tokens":3}}`))
	c = agent.ExtractCost(aliased[0])
	if c.CacheReadTokens != 7 || c.CacheWriteTokens != 3 {
		t.Fatalf("aliased cache tokens: got %+v", c)
	}
	if c.CostUSD == nil || *c.CostUSD != 1.5 {
		t.Fatalf("total_cost_usd: got %v", c.CostUSD)
	}
}

func TestExtractCost_NonResult(t *testing.T) {
	for _, line := range []string{`{"type":"system"}`, `{"type":"assistant"}`} {
		ev := agent.ParseChunk([]byte(line))[0]
		if agent.ExtractCost(ev) != nil {
			t.Errorf("%s: expected nil cost", line)
		}
		if agent.SessionComplete(ev) {
			t.Errorf("%s: should not complete session", line)
		}
	}
	if !agent.SessionComplete(agent.ParseChunk([]byte(`{"type":"result"}`))[0]) {
		t.Error("result should complete session")
	}
}

func TestExtractSessionID(t *testing.T) {
	events := agent.ParseChunk([]byte(`{"type":"assistant","session_id":"nope"}
{"type":"system","session_id":"first"}
{"type":"system","session_id":"second"}`))
	id, ok := agent.ExtractSessionID(events)
	if !ok || id != "first" {
		t.Fatalf("got %q ok=%v, want first", id, ok)
	}
	if _, ok := agent.ExtractSessionID(nil); ok {
		t.Fatal("empty list should yield no session")
	}
	if _, ok := agent.ExtractSessionID(agent.ParseChunk([]byte(`{"type":"result"}`))); ok {
		t.Fatal("no system event should yield no session")
	}
}

func TestResultText(t *testing.T) {
	ev := agent.ParseChunk([]byte(`{"type":"result","result":"{\"verdict\":\"pass\"}"}`))[0]
	if ev.Text() != `{"verdict":"pass"}` {
		t.Fatalf("got %q", ev.Text())
	}
}

func TestContextTokens(t *testing.T) {
	events := agent.ParseChunk([]byte(`{"type":"assistant","message":{"usage":{"input_tokens":10,"cache_read_input_tokens":1000,"cache_creation_input_tokens":90,"output_tokens":5}}}
{"type":"assistant","message":{"content":[]}}
{"type":"result","usage":{"input_tokens":10}}`))
	if n, ok := agent.ContextTokens(events[0]); !ok || n != 1100 {
		t.Fatalf("assistant usage: got (%d, %v), want (1100, true)", n, ok)
	}
	for _, ev := range events[1:] {
		if _, ok := agent.ContextTokens(ev); ok {
			t.Errorf("%s event without message usage should report false", ev.Type)
		}
	}
}

func TestTranscriptUsage_SumsAssistantMessagesOnce(t *testing.T) {
	transcript := strings.Join([]string{
		`{"type":"user","message":{"role":"user","content":"hi"}}`,
		`{"type":"assistant","message":{"id":"msg_1","model":"m1","usage":{"input_tokens":10,"output_tokens":5,"cache_read_input_tokens":100,"cache_creation_input_tokens":7}}}`,
		`{"type":"assistant","message":{"id":"msg_1","model":"m1","usage":{"input_tokens":10,"output_tokens":5,"cache_read_input_tokens":100,"cache_creation_input_tokens":7}}}`,
		`not json`,
		`{"type":"assistant","message":{"id":"msg_2","model":"m2","usage":{"input_tokens":1,"output_tokens":2}}}`,
	}, "\n")

	c, err := agent.TranscriptUsage(strings.NewReader(transcript))
	if err != nil {
		t.Fatalf("TranscriptUsage: %v", err)
	}
	if c.InputTokens != 11 || c.OutputTokens != 7 || c.CacheReadTokens != 100 || c.CacheWriteTokens != 7 {
		t.Errorf("usage = %+v", c)
	}
	if c.Model != "m2" || c.CostUSD != nil {
		t.Errorf("model=%q cost=%v", c.Model, c.CostUSD)
	}
}
