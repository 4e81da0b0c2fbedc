package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/tabmux/internal/cdpsession"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

const (
	DefaultWaitTimeout = 10 * time.Second
	MaxWaitTimeout     = 120 * time.Second
)

// Browser is the session surface the service drives. *cdpsession.Session
// satisfies it.
type Browser interface {
	Info() cdpsession.SessionInfo

	ListTabs(ctx context.Context) ([]cdpsession.TabInfo, error)
	ActiveTab() (cdpsession.TabInfo, error)
	NewTab(ctx context.Context, url string) (cdpsession.TabInfo, error)
	SwitchTab(ctx context.Context, id target.ID) error
	CloseTab(ctx context.Context, id target.ID) error
	WaitForNewTab(ctx context.Context, timeout time.Duration) (target.ID, error)

	ConsoleLog() []cdpsession.ConsoleEntry
	ClearConsoleLog()
	NetworkLog() []cdpsession.NetworkEntry
	ClearNetworkLog()

	InterceptRules() []cdpsession.Rule
	AddBlockRule(ctx context.Context, substr string) error
	AddMockRule(ctx context.Context, substr string, status int, body, contentType string) error
	ClearInterceptRules(ctx context.Context) error

	GetFrames() ([]cdpsession.FrameInfo, error)
	SwitchFrame(frameID string) error
	ResetToMainFrame()

	Evaluate(ctx context.Context, expression string) (*cdpsession.EvalResult, error)
	Navigate(ctx context.Context, url string) (string, error)

	Send(ctx context.Context, method string, params any) (jsontext.Value, error)
	SendGlobal(ctx context.Context, method string, params any) (jsontext.Value, error)
	SendToSession(ctx context.Context, sessionID target.SessionID, method string, params any) (jsontext.Value, error)
}

var _ Browser = (*cdpsession.Session)(nil)

// Service validates requests and forwards them to the browser session.
type Service struct {
	browser Browser
}

func NewService(browser Browser) *Service {
	return &Service{browser: browser}
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return &cdpsession.CodedError{Code: cdpsession.CodeValidation, Message: fieldName + " is required"}
	}
	return nil
}

// waitTimeout turns a millisecond count into a bounded duration. Zero means
// the default.
func waitTimeout(ms int) (time.Duration, error) {
	if ms == 0 {
		return DefaultWaitTimeout, nil
	}
	d := time.Duration(ms) * time.Millisecond
	if ms < 0 || d > MaxWaitTimeout {
		return 0, &cdpsession.CodedError{Code: cdpsession.CodeValidation, Message: fmt.Sprintf("timeout_ms must be between 1 and %d", MaxWaitTimeout.Milliseconds())}
	}
	return d, nil
}

func (s *Service) Info(ctx context.Context) (cdpsession.SessionInfo, error) {
	return s.browser.Info(), nil
}

func (s *Service) ListTabs(ctx context.Context) ([]cdpsession.TabInfo, error) {
	return s.browser.ListTabs(ctx)
}

func (s *Service) ActiveTab(ctx context.Context) (cdpsession.TabInfo, error) {
	return s.browser.ActiveTab()
}

func (s *Service) NewTab(ctx context.Context, url string) (cdpsession.TabInfo, error) {
	return s.browser.NewTab(ctx, strings.TrimSpace(url))
}

func (s *Service) SwitchTab(ctx context.Context, targetID string) (cdpsession.TabInfo, error) {
	if err := s.requireNonEmpty(targetID, "target_id"); err != nil {
		return cdpsession.TabInfo{}, err
	}
	if err := s.browser.SwitchTab(ctx, target.ID(strings.TrimSpace(targetID))); err != nil {
		return cdpsession.TabInfo{}, err
	}
	return s.browser.ActiveTab()
}

func (s *Service) CloseTab(ctx context.Context, targetID string) error {
	if err := s.requireNonEmpty(targetID, "target_id"); err != nil {
		return err
	}
	return s.browser.CloseTab(ctx, target.ID(strings.TrimSpace(targetID)))
}

// WaitForNewTab blocks until the browser opens another page. Only tabs created
// after the call are seen.
func (s *Service) WaitForNewTab(ctx context.Context, timeoutMS int) (string, error) {
	timeout, err := waitTimeout(timeoutMS)
	if err != nil {
		return "", err
	}
	id, err := s.browser.WaitForNewTab(ctx, timeout)
	return string(id), err
}

func (s *Service) ConsoleLog(ctx context.Context) ([]cdpsession.ConsoleEntry, error) {
	return s.browser.ConsoleLog(), nil
}

func (s *Service) ClearConsoleLog(ctx context.Context) error {
	s.browser.ClearConsoleLog()
	return nil
}

func (s *Service) NetworkLog(ctx context.Context) ([]cdpsession.NetworkEntry, error) {
	return s.browser.NetworkLog(), nil
}

func (s *Service) ClearNetworkLog(ctx context.Context) error {
	s.browser.ClearNetworkLog()
	return nil
}

func (s *Service) InterceptRules(ctx context.Context) ([]cdpsession.Rule, error) {
	return s.browser.InterceptRules(), nil
}

func (s *Service) AddBlockRule(ctx context.Context, urlContains string) ([]cdpsession.Rule, error) {
	if err := s.requireNonEmpty(urlContains, "url_contains"); err != nil {
		return nil, err
	}
	if err := s.browser.AddBlockRule(ctx, urlContains); err != nil {
		return nil, err
	}
	return s.browser.InterceptRules(), nil
}

func (s *Service) AddMockRule(ctx context.Context, urlContains string, status int, body, contentType string) ([]cdpsession.Rule, error) {
	if err := s.requireNonEmpty(urlContains, "url_contains"); err != nil {
		return nil, err
	}
	if status == 0 {
		status = 200
	}
	if status < 100 || status > 599 {
		return nil, &cdpsession.CodedError{Code: cdpsession.CodeValidation, Message: fmt.Sprintf("status %d out of range", status)}
	}
	if err := s.browser.AddMockRule(ctx, urlContains, status, body, strings.TrimSpace(contentType)); err != nil {
		return nil, err
	}
	return s.browser.InterceptRules(), nil
}

func (s *Service) ClearInterceptRules(ctx context.Context) error {
	return s.browser.ClearInterceptRules(ctx)
}

func (s *Service) ListFrames(ctx context.Context) ([]cdpsession.FrameInfo, error) {
	return s.browser.GetFrames()
}

func (s *Service) SwitchFrame(ctx context.Context, frameID string) error {
	if err := s.requireNonEmpty(frameID, "frame_id"); err != nil {
		return err
	}
	return s.browser.SwitchFrame(strings.TrimSpace(frameID))
}

func (s *Service) ResetFrame(ctx context.Context) error {
	s.browser.ResetToMainFrame()
	return nil
}

func (s *Service) Evaluate(ctx context.Context, expression string) (*cdpsession.EvalResult, error) {
	if err := s.requireNonEmpty(expression, "expression"); err != nil {
		return nil, err
	}
	return s.browser.Evaluate(ctx, expression)
}

func (s *Service) Navigate(ctx context.Context, url string) (string, error) {
	if err := s.requireNonEmpty(url, "url"); err != nil {
		return "", err
	}
	return s.browser.Navigate(ctx, strings.TrimSpace(url))
}

// Raw command scopes.
const (
	ScopeActive  = "active"
	ScopeBrowser = "browser"
)

// SendRaw issues an arbitrary protocol command. sessionID wins over scope;
// otherwise scope selects the active tab (default) or the browser.
func (s *Service) SendRaw(ctx context.Context, method string, params jsontext.Value, scope, sessionID string) (any, error) {
	if err := s.requireNonEmpty(method, "method"); err != nil {
		return nil, err
	}
	method = strings.TrimSpace(method)

	var p any
	if len(params) > 0 {
		if !params.IsValid() {
			return nil, &cdpsession.CodedError{Code: cdpsession.CodeValidation, Message: "params must be valid JSON"}
		}
		p = params
	}

	var (
		res jsontext.Value
		err error
	)
	switch {
	case strings.TrimSpace(sessionID) != "":
		res, err = s.browser.SendToSession(ctx, target.SessionID(strings.TrimSpace(sessionID)), method, p)
	case scope == "" || scope == ScopeActive:
		res, err = s.browser.Send(ctx, method, p)
	case scope == ScopeBrowser:
		res, err = s.browser.SendGlobal(ctx, method, p)
	default:
		return nil, &cdpsession.CodedError{Code: cdpsession.CodeValidation, Message: fmt.Sprintf("scope must be %q or %q", ScopeActive, ScopeBrowser)}
	}
	if err != nil {
		return nil, err
	}

	out := map[string]any{}
	if len(res) == 0 {
		return out, nil
	}
	var decoded any
	if err := json.Unmarshal(res, &decoded, jsontext.AllowInvalidUTF8(true)); err != nil {
		return nil, &cdpsession.CodedError{Code: cdpsession.CodeProtocol, Message: "decode " + method + " result", Cause: err}
	}
	return decoded, nil
}
