package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ContextWindow bounds the transcript sent on each model call. The stored
// State history is never rewritten; only the request copy is compacted.
type ContextWindow struct {
	Limit           int // estimated tokens the request may use, system prompt included
	Reserve         int // tokens kept free for the reply
	TruncateToolsAt int // tool outputs longer than this many runes are elided in the middle
	KeepRecent      int // messages always kept at the tail
}

// DefaultContextWindow fits a 16k context.
func DefaultContextWindow() ContextWindow {
	return ContextWindow{Limit: 16000, Reserve: 2000, TruncateToolsAt: 4000, KeepRecent: 12}
}

// WindowForModel returns the window for a model name, falling back to
// DefaultContextWindow for unknown models.
func WindowForModel(model string) ContextWindow {
	w := DefaultContextWindow()
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "kimi"),
		strings.Contains(m, "claude"), strings.Contains(m, "sonnet"), strings.Contains(m, "opus"):
		w.Limit, w.Reserve = 190000, 4000
	case strings.Contains(m, "gpt-4o"), strings.Contains(m, "gpt-4.1"):
		w.Limit, w.Reserve = 120000, 4000
	case strings.Contains(m, "gemini"):
		w.Limit, w.Reserve = 900000, 8000
	case strings.Contains(m, "deepseek"), strings.Contains(m, "llama-3.1"), strings.Contains(m, "llama3.1"):
		w.Limit, w.Reserve = 60000, 3000
	}
	return w
}

// ContextError reports a transcript that does not fit even after compaction.
type ContextError struct {
	Agent    string
	Required int
	Limit    int
}

func (e *ContextError) Error() string {
	return fmt.Sprintf("agent %s: context needs ~%d tokens, window allows %d", e.Agent, e.Required, e.Limit)
}

// EstimateTokens approximates the token count of text: about four
// characters per token plus a little for whitespace-heavy text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	chars := len([]rune(text))
	ws := strings.Count(text, " ") + strings.Count(text, "\n") + strings.Count(text, "\t")
	if n := chars/4 + ws/6; n > 0 {
		return n
	}
	return 1
}

// EstimateMessages approximates the tokens of a transcript, counting
// roles, tool calls and a small per-message framing overhead.
func EstimateMessages(msgs []ChatMessage) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(string(m.Role)) + EstimateTokens(m.Content) + 4
		for _, tc := range m.ToolCalls {
			args, _ := json.Marshal(tc.Args)
			total += EstimateTokens(tc.Name) + EstimateTokens(string(args))
		}
	}
	return total
}

// Fit returns msgs compacted to the window. It first elides the middle of
// long tool outputs, then drops the oldest turns after the opening task
// message. The input slice is not modified.
func (w ContextWindow) Fit(agent, system string, msgs []ChatMessage) ([]ChatMessage, error) {
	if w.Limit <= 0 {
		return msgs, nil
	}
	budget := w.Limit - w.Reserve - EstimateTokens(system)
	if EstimateMessages(msgs) <= budget {
		return msgs, nil
	}

	out := truncateToolOutputs(msgs, w.TruncateToolsAt)
	if EstimateMessages(out) <= budget {
		return out, nil
	}

	out = dropOldTurns(out, w.KeepRecent)
	if n := EstimateMessages(out); n > budget {
		return nil, &ContextError{Agent: agent, Required: n, Limit: budget}
	}
	return out, nil
}

func truncateToolOutputs(msgs []ChatMessage, maxRunes int) []ChatMessage {
	if maxRunes <= 0 {
		return msgs
	}
	out := make([]ChatMessage, len(msgs))
	copy(out, msgs)
	for i, m := range out {
		if m.Role != RoleTool {
			continue
		}
		r := []rune(m.Content)
		if len(r) <= maxRunes {
			continue
		}
		half := maxRunes / 2
		out[i].Content = string(r[:half]) +
			fmt.Sprintf("\n...[%d characters elided]...\n", len(r)-2*half) +
			string(r[len(r)-half:])
	}
	return out
}

// dropOldTurns keeps the first message and the last keep messages. The
// tail never starts with a tool result whose call was dropped.
func dropOldTurns(msgs []ChatMessage, keep int) []ChatMessage {
	if keep <= 0 || len(msgs) <= keep+1 {
		return msgs
	}
	tail := msgs[len(msgs)-keep:]
	for len(tail) > 0 && tail[0].Role == RoleTool {
		tail = tail[1:]
	}
	first := msgs[0]
	first.Content += fmt.Sprintf("\n\n[%d earlier messages omitted to fit the context window]", len(msgs)-1-len(tail))
	out := make([]ChatMessage, 0, len(tail)+1)
	out = append(out, first)
	return append(out, tail...)
}
