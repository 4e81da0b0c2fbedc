package cdpsession

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
)

type ActionKind string

const (
	ActionBlock ActionKind = "block"
	ActionMock  ActionKind = "mock"
)

// Action is what happens to a paused request that matched a rule.
type Action struct {
	Kind        ActionKind `json:"kind"`
	Status      int        `json:"status,omitempty"`
	Body        string     `json:"body,omitempty"`
	ContentType string     `json:"content_type,omitempty"`
}

// Rule matches a request when its URL contains URLSubstring.
type Rule struct {
	URLSubstring string `json:"url_substring"`
	Action       Action `json:"action"`
}

// Validate reports whether the rule can be installed.
func (r Rule) Validate() error {
	if r.URLSubstring == "" {
		return newError(CodeValidation, "rule url substring is required", nil)
	}
	switch r.Action.Kind {
	case ActionBlock:
	case ActionMock:
		if r.Action.Status < 100 || r.Action.Status > 599 {
			return newError(CodeValidation, fmt.Sprintf("mock status %d out of range", r.Action.Status), nil)
		}
	default:
		return newError(CodeValidation, fmt.Sprintf("unknown rule action %q", r.Action.Kind), nil)
	}
	return nil
}

// Interceptor holds the ordered rule list and which sessions have the Fetch
// domain enabled.
type Interceptor struct {
	mu      sync.Mutex
	rules   []Rule
	enabled map[target.SessionID]bool
}

func newInterceptor(rules []Rule) *Interceptor {
	return &Interceptor{
		rules:   slices.Clone(rules),
		enabled: make(map[target.SessionID]bool),
	}
}

// Decide returns the first rule whose substring occurs in url.
func (i *Interceptor) Decide(url string) (Rule, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	for _, r := range i.rules {
		if strings.Contains(url, r.URLSubstring) {
			return r, true
		}
	}
	return Rule{}, false
}

func (i *Interceptor) add(r Rule) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.rules = append(i.rules, r)
}

func (i *Interceptor) Rules() []Rule {
	i.mu.Lock()
	defer i.mu.Unlock()
	return slices.Clone(i.rules)
}

// reset drops every rule and returns the sessions that had Fetch enabled.
func (i *Interceptor) reset() []target.SessionID {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.rules = nil
	out := make([]target.SessionID, 0, len(i.enabled))
	for sid := range i.enabled {
		out = append(out, sid)
	}
	clear(i.enabled)
	slices.Sort(out)
	return out
}

func (i *Interceptor) isEnabled(sessionID target.SessionID) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.enabled[sessionID]
}

func (i *Interceptor) markEnabled(sessionID target.SessionID) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.enabled[sessionID] = true
}

func (i *Interceptor) forgetSession(sessionID target.SessionID) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.enabled, sessionID)
}

// followUp builds the command that releases a paused request.
func followUp(requestID fetch.RequestID, rule Rule, matched bool) (string, any) {
	if !matched {
		return fetch.CommandContinueRequest, fetch.ContinueRequest(requestID)
	}
	switch rule.Action.Kind {
	case ActionBlock:
		return fetch.CommandFailRequest, fetch.FailRequest(requestID, network.ErrorReasonBlockedByClient)
	case ActionMock:
		contentType := rule.Action.ContentType
		if contentType == "" {
			contentType = "text/plain"
		}
		p := fetch.FulfillRequest(requestID, int64(rule.Action.Status)).
			WithResponseHeaders([]*fetch.HeaderEntry{{Name: "Content-Type", Value: contentType}}).
			WithBody(base64.StdEncoding.EncodeToString([]byte(rule.Action.Body)))
		return fetch.CommandFulfillRequest, p
	}
	return fetch.CommandContinueRequest, fetch.ContinueRequest(requestID)
}

// EnableInterception turns on request-stage interception for all URLs on the
// active session. Enabling an already enabled session is a no-op.
func (s *Session) EnableInterception(ctx context.Context) error {
	_, sessionID := s.tabs.Active()
	if sessionID == "" {
		return newError(CodeNotFound, "enable interception", ErrNoActiveTab)
	}
	return s.enableInterceptionOn(ctx, sessionID)
}

func (s *Session) enableInterceptionOn(ctx context.Context, sessionID target.SessionID) error {
	if s.intercept.isEnabled(sessionID) {
		return nil
	}
	params := fetch.Enable().WithPatterns([]*fetch.RequestPattern{{
		URLPattern:   "*",
		RequestStage: fetch.RequestStageRequest,
	}})
	if err := s.executeTo(ctx, sessionID, fetch.CommandEnable, params, nil); err != nil {
		return err
	}
	s.intercept.markEnabled(sessionID)
	slog.Debug("cdpsession interception enabled", "session_id", sessionID)
	return nil
}

// AddBlockRule fails requests whose URL contains substr.
func (s *Session) AddBlockRule(ctx context.Context, substr string) error {
	return s.addRule(ctx, Rule{URLSubstring: substr, Action: Action{Kind: ActionBlock}})
}

// AddMockRule answers requests whose URL contains substr with a synthetic
// response.
func (s *Session) AddMockRule(ctx context.Context, substr string, status int, body, contentType string) error {
	return s.addRule(ctx, Rule{URLSubstring: substr, Action: Action{
		Kind:        ActionMock,
		Status:      status,
		Body:        body,
		ContentType: contentType,
	}})
}

func (s *Session) addRule(ctx context.Context, r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	_, sessionID := s.tabs.Active()
	if sessionID == "" {
		return newError(CodeNotFound, "add intercept rule", ErrNoActiveTab)
	}
	s.intercept.add(r)
	return s.enableInterceptionOn(ctx, sessionID)
}

// ClearInterceptRules removes every rule and disables Fetch wherever it was
// enabled. Calling it with nothing installed is a no-op.
func (s *Session) ClearInterceptRules(ctx context.Context) error {
	var firstErr error
	for _, sid := range s.intercept.reset() {
		if err := s.executeTo(ctx, sid, fetch.CommandDisable, fetch.Disable(), nil); err != nil {
			slog.Warn("cdpsession fetch disable failed", "session_id", sid, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (s *Session) InterceptRules() []Rule {
	return s.intercept.Rules()
}
