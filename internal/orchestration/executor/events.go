package executor

import (
	"encoding/json"
	"strings"

	"github.com/zjrosen/gaffer/internal/orchestration/scheduler"
)

// streamEvent is one line of the agent CLI's stream-json output: a
// system init event first, assistant and user message events while the
// turn runs, and a single result event last. Tool activity arrives
// either as tool_use/tool_result content blocks inside messages or as
// flat top-level tool events, depending on the CLI build.
type streamEvent struct {
	Type      string          `json:"type"`
	SubType   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Message   *streamMessage  `json:"message,omitempty"`
	Tool      *streamTool     `json:"tool,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`

	// Result event fields.
	TotalCostUSD float64 `json:"total_cost_usd,omitempty"`
	DurationMs   int64   `json:"duration_ms,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	Result       string  `json:"result,omitempty"`
	NumTurns     int     `json:"num_turns,omitempty"`
}

type streamMessage struct {
	Role    string        `json:"role,omitempty"`
	Content []streamBlock `json:"content,omitempty"`
	Usage   *streamUsage  `json:"usage,omitempty"`
}

// streamBlock is one content block inside a message: text, a tool_use
// call, or a tool_result answering an earlier call by tool_use_id.
type streamBlock struct {
	Type      string          `json:"type,omitempty"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// streamTool is the flat tool envelope used by top-level tool_use and
// tool_result events.
type streamTool struct {
	ID      string          `json:"id,omitempty"`
	Name    string          `json:"name,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Content string          `json:"content,omitempty"`
	Output  string          `json:"output,omitempty"`
}

type streamUsage struct {
	InputTokens              int64 `json:"input_tokens,omitempty"`
	OutputTokens             int64 `json:"output_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
}

// contextTokens is the conversation context the model carried for this
// message: fresh input plus everything replayed from cache.
func (u *streamUsage) contextTokens() int64 {
	if u == nil {
		return 0
	}
	return u.InputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
}

// errorMessage extracts a readable message from the polymorphic error
// field. The CLI sends either an object with a message or a bare code
// string like "rate_limit_exceeded".
func (e *streamEvent) errorMessage() string {
	if len(e.Error) == 0 {
		return ""
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(e.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	var code string
	if err := json.Unmarshal(e.Error, &code); err == nil {
		return code
	}
	return ""
}

// runState folds stream events into a scheduler.Result while the
// process runs. Tool hooks fire as the matching events are observed,
// so the audit trail is written live rather than after the run.
type runState struct {
	req scheduler.Request
	res scheduler.Result

	toolNames map[string]string
	text      strings.Builder
	gotResult bool
}

func newRunState(req scheduler.Request) *runState {
	return &runState{
		req:       req,
		res:       scheduler.Result{SessionID: req.SessionID},
		toolNames: make(map[string]string),
	}
}

func (s *runState) observe(ev *streamEvent) {
	// Resuming forks the conversation under a fresh session id, so the
	// latest id the CLI reports is the one to keep.
	if ev.SessionID != "" {
		s.res.SessionID = ev.SessionID
	}

	switch ev.Type {
	case "assistant":
		s.observeAssistant(ev)
	case "user":
		s.observeUser(ev)
	case "tool_use":
		if ev.Tool != nil {
			s.preTool(ev.Tool.ID, ev.Tool.Name, toolPayload(ev.Tool))
		}
	case "tool_result":
		if ev.Tool != nil {
			s.postTool(ev.Tool.ID, ev.Tool.Name, toolPayload(ev.Tool))
		}
	case "result":
		s.gotResult = true
		s.res.CostUSD = ev.TotalCostUSD
		if ev.Result != "" {
			s.res.Output = ev.Result
		}
		if ev.IsError {
			s.res.Err = firstNonEmpty(ev.errorMessage(), ev.Result, "agent reported an error")
		}
	case "error":
		s.res.Err = firstNonEmpty(ev.errorMessage(), "agent reported an error")
	}
}

func (s *runState) observeAssistant(ev *streamEvent) {
	if ev.Message == nil {
		return
	}
	// Each assistant message reports the full context so far; the
	// largest value is the execution's context footprint.
	if tokens := ev.Message.Usage.contextTokens(); tokens > s.res.TokensUsed {
		s.res.TokensUsed = tokens
	}
	for _, block := range ev.Message.Content {
		switch block.Type {
		case "text":
			s.text.WriteString(block.Text)
		case "tool_use":
			s.preTool(block.ID, block.Name, toolPayload(struct {
				ID    string          `json:"id,omitempty"`
				Name  string          `json:"name,omitempty"`
				Input json.RawMessage `json:"input,omitempty"`
			}{block.ID, block.Name, block.Input}))
		}
	}
}

func (s *runState) observeUser(ev *streamEvent) {
	if ev.Message == nil {
		return
	}
	for _, block := range ev.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		name := s.toolNames[block.ToolUseID]
		s.postTool(block.ToolUseID, name, toolPayload(struct {
			ID      string          `json:"id,omitempty"`
			Name    string          `json:"name,omitempty"`
			Content json.RawMessage `json:"content,omitempty"`
		}{block.ToolUseID, name, block.Content}))
	}
}

func (s *runState) preTool(id, name string, payload []byte) {
	if id != "" && name != "" {
		s.toolNames[id] = name
	}
	s.res.ToolCallsCount++
	if s.req.OnPreToolUse != nil {
		s.req.OnPreToolUse(name, payload)
	}
}

func (s *runState) postTool(id, name string, payload []byte) {
	if name == "" {
		name = s.toolNames[id]
	}
	if s.req.OnPostToolUse != nil {
		s.req.OnPostToolUse(name, payload)
	}
}

// result finalizes the accumulated state once the stream has ended.
// The result event's text wins; accumulated assistant text is the
// fallback for streams that die before one arrives.
func (s *runState) result() scheduler.Result {
	if s.res.Output == "" {
		s.res.Output = s.text.String()
	}
	return s.res
}

func toolPayload(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
