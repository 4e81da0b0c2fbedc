package cdpsession

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto"
	cdplog "github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// ListTabs asks the browser for its targets and returns the page targets,
// registering any that were not seen yet.
func (s *Session) ListTabs(ctx context.Context) ([]TabInfo, error) {
	var res target.GetTargetsReturns
	if err := s.executeTo(ctx, "", target.CommandGetTargets, target.GetTargets(), &res); err != nil {
		return nil, err
	}
	activeID, _ := s.tabs.Active()

	tabs := make([]TabInfo, 0, len(res.TargetInfos))
	for _, info := range res.TargetInfos {
		if !isPageTarget(info) {
			continue
		}
		s.tabs.Observe(info.TargetID, info.URL, info.Title)
		tab := TabInfo{
			TargetID: string(info.TargetID),
			URL:      info.URL,
			Title:    info.Title,
			Active:   info.TargetID == activeID,
			Attached: info.Attached,
		}
		if state, ok := s.tabs.Get(info.TargetID); ok {
			tab.SessionID = string(state.SessionID)
		}
		tabs = append(tabs, tab)
	}
	return tabs, nil
}

// ActiveTab describes the active tab from the registry.
func (s *Session) ActiveTab() (TabInfo, error) {
	activeID, _ := s.tabs.Active()
	if activeID == "" {
		return TabInfo{}, newError(CodeNotFound, "active tab", ErrNoActiveTab)
	}
	return s.tabInfo(activeID)
}

func (s *Session) tabInfo(id target.ID) (TabInfo, error) {
	state, ok := s.tabs.Get(id)
	if !ok {
		return TabInfo{}, newError(CodeNotFound, "tab "+string(id), ErrNotFound)
	}
	activeID, _ := s.tabs.Active()
	return TabInfo{
		TargetID:  string(state.TargetID),
		SessionID: string(state.SessionID),
		URL:       state.URL,
		Title:     state.Title,
		Active:    id == activeID,
		Attached:  state.SessionID != "",
	}, nil
}

// SwitchTab makes id the active tab, attaching to it on first use. The
// outgoing tab's ref cache and in-flight counter are saved and the incoming
// tab's are restored.
func (s *Session) SwitchTab(ctx context.Context, id target.ID) error {
	if id == "" {
		return newError(CodeValidation, "target id is required", nil)
	}
	s.switchMu.Lock()
	defer s.switchMu.Unlock()
	return s.switchLocked(ctx, id)
}

func (s *Session) switchLocked(ctx context.Context, id target.ID) error {
	if activeID, _ := s.tabs.Active(); activeID == id {
		return nil
	}

	state, ok := s.tabs.Get(id)
	if !ok {
		if _, err := s.ListTabs(ctx); err != nil {
			return err
		}
		if state, ok = s.tabs.Get(id); !ok {
			return newError(CodeNotFound, "tab "+string(id), ErrNotFound)
		}
	}

	sessionID := state.SessionID
	if sessionID == "" {
		var err error
		if sessionID, err = s.attach(ctx, id); err != nil {
			return err
		}
		s.tabs.SetSession(id, sessionID)
	}

	// The outgoing tab stays live until here so events that arrive while
	// attaching still land on its working copies.
	fresh, err := s.tabs.activate(id)
	if err != nil {
		return err
	}
	if err := s.enableDomains(ctx, sessionID); err != nil {
		return err
	}
	s.tabs.finishSwitch(fresh)

	if len(s.intercept.Rules()) > 0 {
		if err := s.enableInterceptionOn(ctx, sessionID); err != nil {
			return err
		}
	}
	slog.Info("cdpsession switched tab", "target_id", id, "session_id", sessionID, "first_use", fresh)
	return nil
}

// attach opens a flattened session on id.
func (s *Session) attach(ctx context.Context, id target.ID) (target.SessionID, error) {
	var res target.AttachToTargetReturns
	if err := s.executeTo(ctx, "", target.CommandAttachToTarget, target.AttachToTarget(id).WithFlatten(true), &res); err != nil {
		return "", err
	}
	if res.SessionID == "" {
		return "", newError(CodeProtocol, "attach "+string(id)+": empty session id", ErrMalformedResponse)
	}
	slog.Debug("cdpsession attached", "target_id", id, "session_id", res.SessionID)
	return res.SessionID, nil
}

// enableDomains turns on the event domains every tab needs.
func (s *Session) enableDomains(ctx context.Context, sessionID target.SessionID) error {
	steps := []struct {
		method string
		params any
	}{
		{page.CommandEnable, page.Enable()},
		{cdpruntime.CommandEnable, cdpruntime.Enable()},
		{network.CommandEnable, network.Enable()},
		{cdplog.CommandEnable, cdplog.Enable()},
	}
	for _, step := range steps {
		if err := s.executeTo(ctx, sessionID, step.method, step.params, nil); err != nil {
			return err
		}
	}
	return nil
}

// NewTab opens url in a new page target and switches to it.
func (s *Session) NewTab(ctx context.Context, url string) (TabInfo, error) {
	if url == "" {
		url = "about:blank"
	}
	var res target.CreateTargetReturns
	if err := s.executeTo(ctx, "", target.CommandCreateTarget, target.CreateTarget(url), &res); err != nil {
		return TabInfo{}, err
	}
	if res.TargetID == "" {
		return TabInfo{}, newError(CodeProtocol, "create target: empty target id", ErrMalformedResponse)
	}
	s.tabs.Observe(res.TargetID, url, "")

	if err := sleepCtx(ctx, s.opts.NewTabSettle); err != nil {
		return TabInfo{}, err
	}
	if err := s.SwitchTab(ctx, res.TargetID); err != nil {
		return TabInfo{}, err
	}
	return s.tabInfo(res.TargetID)
}

// CloseTab closes id. Closing the active tab activates the remaining tab with
// the lowest target id, or leaves no tab active.
func (s *Session) CloseTab(ctx context.Context, id target.ID) error {
	if id == "" {
		return newError(CodeValidation, "target id is required", nil)
	}
	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	if _, ok := s.tabs.Get(id); !ok {
		if _, err := s.ListTabs(ctx); err != nil {
			return err
		}
		if _, ok := s.tabs.Get(id); !ok {
			return newError(CodeNotFound, "tab "+string(id), ErrNotFound)
		}
	}
	activeID, _ := s.tabs.Active()
	wasActive := activeID == id

	if err := s.executeTo(ctx, "", target.CommandCloseTarget, target.CloseTarget(id), nil); err != nil {
		return err
	}
	if sessionID, _ := s.tabs.Remove(id); sessionID != "" {
		s.forgetSession(sessionID)
	}
	slog.Info("cdpsession closed tab", "target_id", id, "was_active", wasActive)

	if !wasActive {
		return nil
	}
	s.tabs.clearActive()
	if remaining := s.tabs.IDs(); len(remaining) > 0 {
		return s.switchLocked(ctx, remaining[0])
	}
	return nil
}

// TabWaiter resolves with the id of the next page target the browser creates.
type TabWaiter struct {
	w *EventWaiter
}

// ExpectNewTab registers for the next page target creation. Register before
// the action that opens the tab, then Wait.
func (s *Session) ExpectNewTab() *TabWaiter {
	return &TabWaiter{w: s.waitForEvent("", cdproto.EventTargetTargetCreated, isPageCreated)}
}

func isPageCreated(params jsontext.Value) bool {
	var ev target.EventTargetCreated
	if err := json.Unmarshal(params, &ev, wireOptions); err != nil {
		return false
	}
	return isPageTarget(ev.TargetInfo)
}

func (tw *TabWaiter) Wait(ctx context.Context, timeout time.Duration) (target.ID, error) {
	params, err := tw.w.Wait(ctx, timeout)
	if err != nil {
		return "", err
	}
	var ev target.EventTargetCreated
	if err := decodeEvent(cdproto.EventTargetTargetCreated, params, &ev); err != nil {
		return "", err
	}
	return ev.TargetInfo.TargetID, nil
}

func (tw *TabWaiter) Cancel() {
	tw.w.Cancel()
}

// WaitForNewTab registers and waits in one call. A tab created before the
// call is not seen; use ExpectNewTab to register ahead of the action.
func (s *Session) WaitForNewTab(ctx context.Context, timeout time.Duration) (target.ID, error) {
	return s.ExpectNewTab().Wait(ctx, timeout)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return newError(CodeCanceled, "wait", errors.Join(ErrCanceled, ctx.Err()))
	}
}
