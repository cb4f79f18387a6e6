package agent

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Event kinds emitted by the agent on its structured output stream.
const (
	KindSystem    = "system"
	KindAssistant = "assistant"
	KindUser      = "user"
	KindResult    = "result"
)

// Event is one decoded line of the agent's NDJSON stream. Fields holds the
// full top-level object so callers can reach kind-specific payloads.
type Event struct {
	Type      string
	Subtype   string
	SessionID string
	Fields    map[string]json.RawMessage
}

// Raw returns the event re-encoded as JSON.
func (e Event) Raw() json.RawMessage {
	b, err := json.Marshal(e.Fields)
	if err != nil {
		return nil
	}
	return b
}

// Text returns the human-readable text carried by the event: the text
// blocks of an assistant message, or the result string of a result event.
func (e Event) Text() string {
	switch e.Type {
	case KindResult:
		return stringField(e.Fields, "result")
	case KindAssistant:
		var msg struct {
			Content []struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"content"`
		}
		raw, ok := e.Fields["message"]
		if !ok || json.Unmarshal(raw, &msg) != nil {
			return ""
		}
		var b strings.Builder
		for _, c := range msg.Content {
			if c.Type == "text" && c.Text != "" {
				if b.Len() > 0 {
					b.WriteByte('\n')
				}
				b.WriteString(c.Text)
			}
		}
		return b.String()
	default:
		return ""
	}
}

// decodeLine decodes a single line. ok is false for blank or malformed
// lines and for JSON values that are not objects.
func decodeLine(line []byte) (Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil || fields == nil {
		return Event{}, false
	}
	return Event{
		Type:      stringField(fields, "type"),
		Subtype:   stringField(fields, "subtype"),
		SessionID: stringField(fields, "session_id"),
		Fields:    fields,
	}, true
}

// ParseChunk decodes every complete JSON line in chunk, in order. Malformed
// lines are dropped. The final line does not need a trailing newline. The
// function keeps no state between calls.
func ParseChunk(chunk []byte) []Event {
	var events []Event
	for _, line := range bytes.Split(chunk, []byte{'\n'}) {
		if ev, ok := decodeLine(line); ok {
			events = append(events, ev)
		}
	}
	return events
}

// Decoder pulls events from a byte stream one line at a time.
type Decoder struct {
	r       *bufio.Reader
	skipped int
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next returns the next well-formed event. Malformed lines are skipped and
// counted. It returns io.EOF once the stream is exhausted; a final line
// without a newline is still decoded.
func (d *Decoder) Next() (Event, error) {
	for {
		line, err := d.r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			if ev, ok := decodeLine(line); ok {
				return ev, nil
			}
			d.skipped++
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return Event{}, io.EOF
			}
			return Event{}, err
		}
	}
}

// Skipped reports how many malformed lines have been discarded so far.
func (d *Decoder) Skipped() int { return d.skipped }

// Cost is the usage reported by a result event.
type Cost struct {
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64
	CostUSD          *float64 // nil when the agent did not report a price
	Model            string
}

// ExtractCost returns the usage carried by a result event, or nil for any
// other event. Cache counts default to zero.
func ExtractCost(ev Event) *Cost {
	if ev.Type != KindResult {
		return nil
	}
	var usage map[string]json.RawMessage
	if raw, ok := ev.Fields["usage"]; ok {
		_ = json.Unmarshal(raw, &usage)
	}
	lookup := func(keys ...string) (json.RawMessage, bool) {
		for _, src := range []map[string]json.RawMessage{usage, ev.Fields} {
			for _, k := range keys {
				if v, ok := src[k]; ok && string(v) != "null" {
					return v, true
				}
			}
		}
		return nil, false
	}
	tokens := func(keys ...string) int64 {
		raw, ok := lookup(keys...)
		if !ok {
			return 0
		}
		var f float64
		if json.Unmarshal(raw, &f) != nil || f < 0 {
			return 0
		}
		return int64(f)
	}

	c := &Cost{
		InputTokens:      tokens("input_tokens"),
		OutputTokens:     tokens("output_tokens"),
		CacheReadTokens:  tokens("cache_read_tokens", "cache_read_input_tokens"),
		CacheWriteTokens: tokens("cache_write_tokens", "cache_creation_input_tokens"),
	}
	if raw, ok := lookup("cost_usd", "total_cost_usd"); ok {
		var f float64
		if json.Unmarshal(raw, &f) == nil && f >= 0 {
			c.CostUSD = &f
		}
	}
	if raw, ok := lookup("model"); ok {
		_ = json.Unmarshal(raw, &c.Model)
	}
	return c
}

// ContextTokens returns the prompt size of an assistant turn: input plus
// cache read and cache creation tokens from message.usage. It reports false
// for events that carry no usage.
func ContextTokens(ev Event) (int64, bool) {
	if ev.Type != KindAssistant {
		return 0, false
	}
	var msg struct {
		Usage *struct {
			Input       int64 `json:"input_tokens"`
			CacheRead   int64 `json:"cache_read_input_tokens"`
			CacheCreate int64 `json:"cache_creation_input_tokens"`
		} `json:"usage"`
	}
	raw, ok := ev.Fields["message"]
	if !ok || json.Unmarshal(raw, &msg) != nil || msg.Usage == nil {
		return 0, false
	}
	return msg.Usage.Input + msg.Usage.CacheRead + msg.Usage.CacheCreate, true
}

// SessionComplete reports whether ev terminates the agent session.
func SessionComplete(ev Event) bool {
	return ev.Type == KindResult
}

// ExtractSessionID returns the session ID of the first system event.
func ExtractSessionID(events []Event) (string, bool) {
	for _, ev := range events {
		if ev.Type == KindSystem {
			if ev.SessionID == "" {
				return "", false
			}
			return ev.SessionID, true
		}
	}
	return "", false
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// maxTranscriptLine bounds one transcript entry; tool results can be large.
const maxTranscriptLine = 16 << 20

// transcriptLine is the part of a session transcript entry that carries usage.
type transcriptLine struct {
	Type    string `json:"type"`
	Message struct {
		ID    string `json:"id"`
		Model string `json:"model"`
		Usage struct {
			InputTokens              int64 `json:"input_tokens"`
			OutputTokens             int64 `json:"output_tokens"`
			CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
			CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		} `json:"usage"`
	} `json:"message"`
}

// TranscriptUsage sums token usage over the assistant messages of a session
// transcript (JSONL). Entries repeating a message ID are counted once.
// Interactive sessions report no price, so CostUSD stays nil.
func TranscriptUsage(r io.Reader) (Cost, error) {
	var c Cost
	seen := make(map[string]bool)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxTranscriptLine)
	for sc.Scan() {
		var line transcriptLine
		if json.Unmarshal(sc.Bytes(), &line) != nil || line.Type != "assistant" {
			continue
		}
		if id := line.Message.ID; id != "" {
			if seen[id] {
				continue
			}
			seen[id] = true
		}
		u := line.Message.Usage
		c.InputTokens += u.InputTokens
		c.OutputTokens += u.OutputTokens
		c.CacheReadTokens += u.CacheReadInputTokens
		c.CacheWriteTokens += u.CacheCreationInputTokens
		if line.Message.Model != "" {
			c.Model = line.Message.Model
		}
	}
	if err := sc.Err(); err != nil {
		return c, fmt.Errorf("read transcript: %w", err)
	}
	return c, nil
}
