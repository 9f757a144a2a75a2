package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HookType identifies a lifecycle interception point.
type HookType string

const (
	HookBeforeInbound     HookType = "before_inbound"
	HookBeforeOutbound    HookType = "before_outbound"
	HookBeforeToolCall    HookType = "before_tool_call"
	HookOnSessionStart    HookType = "on_session_start"
	HookOnSessionEnd      HookType = "on_session_end"
	HookTransformResponse HookType = "transform_response"
)

// HookPriority is a totally ordered priority class; lower runs first.
type HookPriority int

const (
	HookPrioritySystem HookPriority = 0
	HookPriorityHigh   HookPriority = 1
	HookPriorityNormal HookPriority = 2
	HookPriorityLow    HookPriority = 3
)

// HookActionKind tags the variant of HookAction.
type HookActionKind string

const (
	HookActionShell   HookActionKind = "shell"
	HookActionHTTP    HookActionKind = "http"
	HookActionInline  HookActionKind = "inline"
	HookActionWebhook HookActionKind = "webhook"
)

// HookAction is a tagged variant describing how a hook executes.
type HookAction struct {
	Kind    HookActionKind
	Command string // Shell
	URL     string // Http, Webhook
	Method  string // Http
	Code    string // Inline
}

// Hook is a named reaction to a lifecycle event.
type Hook struct {
	Name        string
	Description string
	Type        HookType
	Action      HookAction
	Priority    HookPriority
	Source      string
	Enabled     bool
	TimeoutMS   int64
}

// HookEvent is the payload handed to a hook action.
type HookEvent struct {
	Kind       string `json:"kind"`
	Content    string `json:"content,omitempty"`
	Sender     string `json:"sender,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	Parameters any    `json:"parameters,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// HookOutcome is the sum-type result of invoking a single hook.
//
// Exactly one of the fields is meaningful per Kind:
//   - continue: none
//   - modified: ModifiedContent / ModifiedParams
//   - block: Reason
//   - error: Message
type HookOutcome struct {
	Kind string // "continue" | "modified" | "block" | "error"

	ModifiedContent *string
	ModifiedParams  any

	Reason  string
	Message string
}

func OutcomeContinue() HookOutcome { return HookOutcome{Kind: "continue"} }
func OutcomeModifiedContent(s string) HookOutcome {
	return HookOutcome{Kind: "modified", ModifiedContent: &s}
}
func OutcomeModifiedParams(v any) HookOutcome {
	return HookOutcome{Kind: "modified", ModifiedParams: v}
}
func OutcomeBlock(reason string) HookOutcome {
	return HookOutcome{Kind: "block", Reason: reason}
}
func OutcomeError(message string) HookOutcome {
	return HookOutcome{Kind: "error", Message: message}
}

// RegistrationError reports a failed hook registration.
type RegistrationError struct {
	Reason string
}

func (e *RegistrationError) Error() string { return "hook registration failed: " + e.Reason }

// TimeoutError reports a hook exceeding its configured timeout.
type TimeoutError struct {
	Name      string
	TimeoutMS int64
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("hook %q timed out after %dms", e.Name, e.TimeoutMS)
}

// InboundResult is returned by RunBeforeInbound.
type InboundResult struct {
	Allow           bool
	ModifiedContent *string
	BlockReason     string
}

// OutboundResult is returned by RunBeforeOutbound.
type OutboundResult struct {
	Allow           bool
	ModifiedContent *string
	BlockReason     string
}

// ToolCallResult is returned by RunBeforeToolCall.
type ToolCallResult struct {
	Allow          bool
	ModifiedParams any
	BlockReason    string
}

// TransformResult is returned by RunTransformResponse.
type TransformResult struct {
	Content string
}

// Engine manages registration, ordering, and execution of lifecycle hooks.
//
// Each hook type's list is kept sorted by priority ascending; the lock is
// held only across in-memory work (map/slice mutation), never across a
// hook action's own I/O.
type Engine struct {
	mu     sync.RWMutex
	hooks  map[HookType][]*Hook
	logger *slog.Logger
	client *http.Client
}

// NewEngine creates an empty hook engine.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		hooks:  make(map[HookType][]*Hook),
		logger: logger.With("component", "hooks.engine"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

// Register adds a hook. Names must be unique within a hook type; an empty
// name or a duplicate (type, name) pair is rejected without mutation.
func (e *Engine) Register(hook Hook) (*Hook, error) {
	if hook.Name == "" {
		return nil, &RegistrationError{Reason: "hook name cannot be empty"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	entries := e.hooks[hook.Type]
	for _, h := range entries {
		if h.Name == hook.Name {
			return nil, &RegistrationError{
				Reason: fmt.Sprintf("hook %q already registered for %s", hook.Name, hook.Type),
			}
		}
	}

	h := hook
	entries = append(entries, &h)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Priority < entries[j].Priority })
	e.hooks[hook.Type] = entries
	return &h, nil
}

// Unregister removes a hook by (type, name). Reports whether it existed.
func (e *Engine) Unregister(hookType HookType, name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries := e.hooks[hookType]
	for i, h := range entries {
		if h.Name == name {
			e.hooks[hookType] = append(entries[:i:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

// SetEnabled toggles a hook's Enabled flag. Reports whether it existed.
func (e *Engine) SetEnabled(hookType HookType, name string, enabled bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, h := range e.hooks[hookType] {
		if h.Name == name {
			h.Enabled = enabled
			return true
		}
	}
	return false
}

// ListHooks returns every registered hook across all types.
func (e *Engine) ListHooks() []Hook {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Hook
	for _, entries := range e.hooks {
		for _, h := range entries {
			out = append(out, *h)
		}
	}
	return out
}

// ListHooksByType returns the registered hooks of a single type, in
// priority order.
func (e *Engine) ListHooksByType(hookType HookType) []Hook {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entries := e.hooks[hookType]
	out := make([]Hook, 0, len(entries))
	for _, h := range entries {
		out = append(out, *h)
	}
	return out
}

func (e *Engine) snapshot(hookType HookType) []*Hook {
	e.mu.RLock()
	defer e.mu.RUnlock()
	entries := e.hooks[hookType]
	out := make([]*Hook, 0, len(entries))
	for _, h := range entries {
		if h.Enabled {
			cp := *h
			out = append(out, &cp)
		}
	}
	return out
}

// RunBeforeInbound dispatches BeforeInbound hooks over content.
func (e *Engine) RunBeforeInbound(ctx context.Context, content, sender string) (InboundResult, error) {
	entries := e.snapshot(HookBeforeInbound)
	current := content

	for _, h := range entries {
		event := HookEvent{Kind: "inbound_message", Content: current, Sender: sender}
		outcome, err := e.executeHook(ctx, h, event)
		if err != nil {
			return InboundResult{}, err
		}
		switch outcome.Kind {
		case "continue":
		case "modified":
			if outcome.ModifiedContent != nil {
				current = *outcome.ModifiedContent
			}
		case "block":
			return InboundResult{Allow: false, BlockReason: outcome.Reason}, nil
		case "error":
			e.logger.Warn("beforeInbound hook error", "hook", h.Name, "error", outcome.Message)
		}
	}

	result := InboundResult{Allow: true}
	if current != content {
		result.ModifiedContent = &current
	}
	return result, nil
}

// RunBeforeOutbound dispatches BeforeOutbound hooks over content.
func (e *Engine) RunBeforeOutbound(ctx context.Context, content string) (OutboundResult, error) {
	entries := e.snapshot(HookBeforeOutbound)
	current := content

	for _, h := range entries {
		event := HookEvent{Kind: "outbound_response", Content: current}
		outcome, err := e.executeHook(ctx, h, event)
		if err != nil {
			return OutboundResult{}, err
		}
		switch outcome.Kind {
		case "continue":
		case "modified":
			if outcome.ModifiedContent != nil {
				current = *outcome.ModifiedContent
			}
		case "block":
			return OutboundResult{Allow: false, BlockReason: outcome.Reason}, nil
		case "error":
			e.logger.Warn("beforeOutbound hook error", "hook", h.Name, "error", outcome.Message)
		}
	}

	result := OutboundResult{Allow: true}
	if current != content {
		result.ModifiedContent = &current
	}
	return result, nil
}

// RunBeforeToolCall dispatches BeforeToolCall hooks over structured params.
func (e *Engine) RunBeforeToolCall(ctx context.Context, toolName string, params any) (ToolCallResult, error) {
	entries := e.snapshot(HookBeforeToolCall)
	current := params

	for _, h := range entries {
		event := HookEvent{Kind: "tool_call", ToolName: toolName, Parameters: current}
		outcome, err := e.executeHook(ctx, h, event)
		if err != nil {
			return ToolCallResult{}, err
		}
		switch outcome.Kind {
		case "continue":
		case "modified":
			current = outcome.ModifiedParams
		case "block":
			return ToolCallResult{Allow: false, BlockReason: outcome.Reason}, nil
		case "error":
			e.logger.Warn("beforeToolCall hook error", "hook", h.Name, "error", outcome.Message)
		}
	}

	result := ToolCallResult{Allow: true}
	if !equalJSON(current, params) {
		result.ModifiedParams = current
	}
	return result, nil
}

// RunOnSessionStart dispatches OnSessionStart hooks fire-and-forget: errors
// are logged, no outcome propagates to the caller.
func (e *Engine) RunOnSessionStart(ctx context.Context, sessionID string) {
	entries := e.snapshot(HookOnSessionStart)
	for _, h := range entries {
		event := HookEvent{Kind: "session_start", SessionID: sessionID}
		if _, err := e.executeHook(ctx, h, event); err != nil {
			e.logger.Warn("onSessionStart hook error", "hook", h.Name, "error", err)
		}
	}
}

// RunOnSessionEnd dispatches OnSessionEnd hooks fire-and-forget.
func (e *Engine) RunOnSessionEnd(ctx context.Context, sessionID, reason string) {
	entries := e.snapshot(HookOnSessionEnd)
	for _, h := range entries {
		event := HookEvent{Kind: "session_end", SessionID: sessionID, Reason: reason}
		if _, err := e.executeHook(ctx, h, event); err != nil {
			e.logger.Warn("onSessionEnd hook error", "hook", h.Name, "error", err)
		}
	}
}

// RunTransformResponse dispatches TransformResponse hooks. These cannot
// block: Block and Error outcomes are ignored (Error is still logged).
func (e *Engine) RunTransformResponse(ctx context.Context, content string) (TransformResult, error) {
	entries := e.snapshot(HookTransformResponse)
	current := content

	for _, h := range entries {
		event := HookEvent{Kind: "transform_response", Content: current}
		outcome, err := e.executeHook(ctx, h, event)
		if err != nil {
			return TransformResult{}, err
		}
		switch outcome.Kind {
		case "modified":
			if outcome.ModifiedContent != nil {
				current = *outcome.ModifiedContent
			}
		case "error":
			e.logger.Warn("transformResponse hook error", "hook", h.Name, "error", outcome.Message)
		}
	}

	return TransformResult{Content: current}, nil
}

func (e *Engine) executeHook(ctx context.Context, h *Hook, event HookEvent) (HookOutcome, error) {
	timeout := time.Duration(h.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		outcome HookOutcome
		err     error
	}
	ch := make(chan result, 1)

	go func() {
		var out HookOutcome
		var err error
		switch h.Action.Kind {
		case HookActionShell:
			out, err = e.executeShellHook(ctx, h.Action.Command, event)
		case HookActionHTTP:
			out, err = e.executeHTTPHook(ctx, h.Action.URL, h.Action.Method, event)
		case HookActionInline:
			out, err = e.executeInlineHook(event, h.Action.Code)
		case HookActionWebhook:
			out, err = e.executeHTTPHook(ctx, h.Action.URL, http.MethodPost, event)
		default:
			out, err = OutcomeContinue(), nil
		}
		ch <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		return HookOutcome{}, &TimeoutError{Name: h.Name, TimeoutMS: h.TimeoutMS}
	case r := <-ch:
		return r.outcome, r.err
	}
}

func (e *Engine) executeShellHook(ctx context.Context, command string, event HookEvent) (HookOutcome, error) {
	eventJSON, _ := json.Marshal(event)

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Env = append(cmd.Env, "HOOK_EVENT="+string(eventJSON))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return OutcomeError(stderr.String()), nil
		}
		return HookOutcome{}, fmt.Errorf("hook %q execution failed: %w", command, err)
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		return OutcomeContinue(), nil
	}
	if outcome, ok := parseOutcomeJSON(out); ok {
		return outcome, nil
	}
	return OutcomeModifiedContent(out), nil
}

func (e *Engine) executeHTTPHook(ctx context.Context, url, method string, event HookEvent) (HookOutcome, error) {
	if method == "" {
		method = http.MethodPost
	}
	body, _ := json.Marshal(event)
	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, bytes.NewReader(body))
	if err != nil {
		return HookOutcome{}, fmt.Errorf("hook %q request build failed: %w", url, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return HookOutcome{}, fmt.Errorf("hook %q execution failed: %w", url, err)
	}
	defer resp.Body.Close()

	var respBody bytes.Buffer
	_, _ = respBody.ReadFrom(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return OutcomeError(fmt.Sprintf("HTTP %s returned %d", method, resp.StatusCode)), nil
	}

	text := strings.TrimSpace(respBody.String())
	if text == "" {
		return OutcomeContinue(), nil
	}
	if outcome, ok := parseOutcomeJSON(text); ok {
		return outcome, nil
	}
	return OutcomeContinue(), nil
}

func (e *Engine) executeInlineHook(event HookEvent, code string) (HookOutcome, error) {
	result := strings.ReplaceAll(code, "{{content}}", event.Content)
	if result == code {
		return OutcomeContinue(), nil
	}
	return OutcomeModifiedContent(result), nil
}

// parseOutcomeJSON accepts `{"kind":"block","reason":"..."}`-shaped JSON
// emitted by external hook actions.
func parseOutcomeJSON(text string) (HookOutcome, bool) {
	var wire struct {
		Kind    string `json:"kind"`
		Content string `json:"content"`
		Reason  string `json:"reason"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		return HookOutcome{}, false
	}
	switch wire.Kind {
	case "continue":
		return OutcomeContinue(), true
	case "modified":
		return OutcomeModifiedContent(wire.Content), true
	case "block":
		return OutcomeBlock(wire.Reason), true
	case "error":
		return OutcomeError(wire.Message), true
	default:
		return HookOutcome{}, false
	}
}

func equalJSON(a, b any) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// RegisterBuiltins registers the default hook bundle (currently: none
// beyond what callers opt into; kept as an extension point for
// process-level startup wiring, mirroring the bundled-hooks concept).
func RegisterBuiltins(e *Engine, extra ...Hook) error {
	for _, h := range extra {
		if _, err := e.Register(h); err != nil {
			return err
		}
	}
	return nil
}

// NewHookID returns a fresh unique identifier suitable for correlating a
// hook registration with external log lines.
func NewHookID() string {
	return uuid.NewString()
}
