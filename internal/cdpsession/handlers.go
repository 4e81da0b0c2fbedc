package cdpsession

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	cdplog "github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

const pageTargetType = "page"

// maxConsoleArgBytes bounds a single console argument kept in the log.
const maxConsoleArgBytes = 8 * 1024

type builtinHandler func(s *Session, sessionID target.SessionID, params jsontext.Value) error

// builtinHandlers keep the registry, logs and frame map current. They run
// before externally registered handlers and before waiters.
var builtinHandlers = map[string]builtinHandler{
	cdproto.EventTargetTargetCreated:              (*Session).onTargetCreated,
	cdproto.EventTargetAttachedToTarget:           (*Session).onAttachedToTarget,
	cdproto.EventTargetDetachedFromTarget:         (*Session).onDetachedFromTarget,
	cdproto.EventTargetTargetInfoChanged:          (*Session).onTargetInfoChanged,
	cdproto.EventTargetTargetDestroyed:            (*Session).onTargetDestroyed,
	cdproto.EventNetworkRequestWillBeSent:         (*Session).onRequestWillBeSent,
	cdproto.EventNetworkResponseReceived:          (*Session).onResponseReceived,
	cdproto.EventNetworkLoadingFailed:             (*Session).onLoadingFailed,
	cdproto.EventRuntimeConsoleAPICalled:          (*Session).onConsoleAPICalled,
	cdproto.EventRuntimeExceptionThrown:           (*Session).onExceptionThrown,
	cdproto.EventLogEntryAdded:                    (*Session).onLogEntryAdded,
	cdproto.EventRuntimeExecutionContextCreated:   (*Session).onContextCreated,
	cdproto.EventRuntimeExecutionContextDestroyed: (*Session).onContextDestroyed,
	cdproto.EventRuntimeExecutionContextsCleared:  (*Session).onContextsCleared,
	cdproto.EventFetchRequestPaused:               (*Session).onRequestPaused,
}

func decodeEvent(method string, params jsontext.Value, v any) error {
	if len(params) == 0 {
		params = jsontext.Value("{}")
	}
	if err := json.Unmarshal(params, v, wireOptions); err != nil {
		return newError(CodeProtocol, "decode "+method, err)
	}
	return nil
}

func isPageTarget(info *target.Info) bool {
	return info != nil && info.Type == pageTargetType
}

func (s *Session) onTargetCreated(_ target.SessionID, params jsontext.Value) error {
	var ev target.EventTargetCreated
	if err := decodeEvent(cdproto.EventTargetTargetCreated, params, &ev); err != nil {
		return err
	}
	if !isPageTarget(ev.TargetInfo) {
		return nil
	}
	s.tabs.Observe(ev.TargetInfo.TargetID, ev.TargetInfo.URL, ev.TargetInfo.Title)
	slog.Debug("cdpsession target created", "target_id", ev.TargetInfo.TargetID, "url", ev.TargetInfo.URL)
	return nil
}

func (s *Session) onAttachedToTarget(_ target.SessionID, params jsontext.Value) error {
	var ev target.EventAttachedToTarget
	if err := decodeEvent(cdproto.EventTargetAttachedToTarget, params, &ev); err != nil {
		return err
	}
	if !isPageTarget(ev.TargetInfo) {
		return nil
	}
	s.tabs.Observe(ev.TargetInfo.TargetID, ev.TargetInfo.URL, ev.TargetInfo.Title)
	s.tabs.SetSession(ev.TargetInfo.TargetID, ev.SessionID)
	return nil
}

func (s *Session) onDetachedFromTarget(_ target.SessionID, params jsontext.Value) error {
	var ev target.EventDetachedFromTarget
	if err := decodeEvent(cdproto.EventTargetDetachedFromTarget, params, &ev); err != nil {
		return err
	}
	s.forgetSession(ev.SessionID)
	targetID, wasActive := s.tabs.DetachSession(ev.SessionID)
	if wasActive {
		slog.Warn("cdpsession active tab detached", "target_id", targetID, "session_id", ev.SessionID)
	}
	return nil
}

func (s *Session) onTargetInfoChanged(_ target.SessionID, params jsontext.Value) error {
	var ev target.EventTargetInfoChanged
	if err := decodeEvent(cdproto.EventTargetTargetInfoChanged, params, &ev); err != nil {
		return err
	}
	if !isPageTarget(ev.TargetInfo) {
		return nil
	}
	s.tabs.Observe(ev.TargetInfo.TargetID, ev.TargetInfo.URL, ev.TargetInfo.Title)
	return nil
}

func (s *Session) onTargetDestroyed(_ target.SessionID, params jsontext.Value) error {
	var ev target.EventTargetDestroyed
	if err := decodeEvent(cdproto.EventTargetTargetDestroyed, params, &ev); err != nil {
		return err
	}
	sessionID, wasActive := s.tabs.Remove(ev.TargetID)
	if sessionID != "" {
		s.forgetSession(sessionID)
	}
	if wasActive {
		slog.Warn("cdpsession active tab destroyed", "target_id", ev.TargetID)
	}
	return nil
}

// forgetSession drops per-session state kept outside the registry.
func (s *Session) forgetSession(sessionID target.SessionID) {
	s.frames.clearSession(sessionID)
	s.intercept.forgetSession(sessionID)
}

func (s *Session) targetFor(sessionID target.SessionID) string {
	id, _ := s.tabs.TargetForSession(sessionID)
	return string(id)
}

func (s *Session) appendNetwork(entry NetworkEntry) {
	s.network.Append(entry)
	if s.opts.Observer != nil {
		s.opts.Observer.ObserveNetwork(entry)
	}
}

func (s *Session) appendConsole(entry ConsoleEntry) {
	s.console.Append(entry)
	if s.opts.Observer != nil {
		s.opts.Observer.ObserveConsole(entry)
	}
}

func (s *Session) onRequestWillBeSent(sessionID target.SessionID, params jsontext.Value) error {
	var ev network.EventRequestWillBeSent
	if err := decodeEvent(cdproto.EventNetworkRequestWillBeSent, params, &ev); err != nil {
		return err
	}
	// A redirect hop reuses the request id of a request already counted.
	if ev.RedirectResponse == nil {
		s.tabs.AdjustInflight(sessionID, 1)
	}

	entry := NetworkEntry{
		Kind:         NetworkRequest,
		RequestID:    string(ev.RequestID),
		ResourceType: string(ev.Type),
		Timestamp:    time.Now(),
		SessionID:    string(sessionID),
		TargetID:     s.targetFor(sessionID),
	}
	if ev.Request != nil {
		entry.URL = ev.Request.URL
		entry.Method = ev.Request.Method
	}
	if ev.WallTime != nil {
		entry.Timestamp = ev.WallTime.Time()
	}
	s.appendNetwork(entry)
	return nil
}

func (s *Session) onResponseReceived(sessionID target.SessionID, params jsontext.Value) error {
	var ev network.EventResponseReceived
	if err := decodeEvent(cdproto.EventNetworkResponseReceived, params, &ev); err != nil {
		return err
	}
	s.tabs.AdjustInflight(sessionID, -1)

	entry := NetworkEntry{
		Kind:         NetworkResponse,
		RequestID:    string(ev.RequestID),
		ResourceType: string(ev.Type),
		Timestamp:    time.Now(),
		SessionID:    string(sessionID),
		TargetID:     s.targetFor(sessionID),
	}
	if ev.Response != nil {
		entry.URL = ev.Response.URL
		entry.Status = ev.Response.Status
		entry.StatusText = ev.Response.StatusText
		entry.MimeType = ev.Response.MimeType
	}
	s.appendNetwork(entry)
	return nil
}

func (s *Session) onLoadingFailed(sessionID target.SessionID, params jsontext.Value) error {
	var ev network.EventLoadingFailed
	if err := decodeEvent(cdproto.EventNetworkLoadingFailed, params, &ev); err != nil {
		return err
	}
	s.tabs.AdjustInflight(sessionID, -1)

	s.appendNetwork(NetworkEntry{
		Kind:         NetworkFailed,
		RequestID:    string(ev.RequestID),
		ResourceType: string(ev.Type),
		ErrorText:    ev.ErrorText,
		Canceled:     ev.Canceled,
		Timestamp:    time.Now(),
		SessionID:    string(sessionID),
		TargetID:     s.targetFor(sessionID),
	})
	return nil
}

func eventTime(ts *cdpruntime.Timestamp) time.Time {
	if ts == nil {
		return time.Now()
	}
	return ts.Time()
}

func (s *Session) onConsoleAPICalled(sessionID target.SessionID, params jsontext.Value) error {
	var ev cdpruntime.EventConsoleAPICalled
	if err := decodeEvent(cdproto.EventRuntimeConsoleAPICalled, params, &ev); err != nil {
		return err
	}
	args := make([]string, 0, len(ev.Args))
	for _, arg := range ev.Args {
		args = append(args, clipArg(remoteObjectText(arg)))
	}
	s.appendConsole(ConsoleEntry{
		Type:      string(ev.Type),
		Args:      args,
		Timestamp: eventTime(ev.Timestamp),
		Source:    SourceConsole,
		SessionID: string(sessionID),
		TargetID:  s.targetFor(sessionID),
	})
	return nil
}

func (s *Session) onExceptionThrown(sessionID target.SessionID, params jsontext.Value) error {
	var ev cdpruntime.EventExceptionThrown
	if err := decodeEvent(cdproto.EventRuntimeExceptionThrown, params, &ev); err != nil {
		return err
	}
	entry := ConsoleEntry{
		Type:      "error",
		Timestamp: eventTime(ev.Timestamp),
		Source:    SourceException,
		SessionID: string(sessionID),
		TargetID:  s.targetFor(sessionID),
	}
	if d := ev.ExceptionDetails; d != nil {
		entry.URL = d.URL
		entry.Args = append(entry.Args, clipArg(d.Text))
		if d.Exception != nil {
			if desc := remoteObjectText(d.Exception); desc != "" && desc != d.Text {
				entry.Args = append(entry.Args, clipArg(desc))
			}
		}
	}
	s.appendConsole(entry)
	return nil
}

func (s *Session) onLogEntryAdded(sessionID target.SessionID, params jsontext.Value) error {
	var ev cdplog.EventEntryAdded
	if err := decodeEvent(cdproto.EventLogEntryAdded, params, &ev); err != nil {
		return err
	}
	if ev.Entry == nil {
		return newError(CodeProtocol, cdproto.EventLogEntryAdded+": missing entry", nil)
	}
	s.appendConsole(ConsoleEntry{
		Type:      string(ev.Entry.Level),
		Args:      []string{clipArg(ev.Entry.Text)},
		Timestamp: eventTime(ev.Entry.Timestamp),
		Source:    SourceLog,
		URL:       ev.Entry.URL,
		SessionID: string(sessionID),
		TargetID:  s.targetFor(sessionID),
	})
	return nil
}

// remoteObjectText renders a console argument the way a console would show it.
func remoteObjectText(obj *cdpruntime.RemoteObject) string {
	if obj == nil {
		return ""
	}
	if len(obj.Value) > 0 {
		var str string
		if err := json.Unmarshal(obj.Value, &str, wireOptions); err == nil {
			return str
		}
		return string(obj.Value)
	}
	if obj.UnserializableValue != "" {
		return string(obj.UnserializableValue)
	}
	if obj.Description != "" {
		return obj.Description
	}
	return string(obj.Type)
}

func clipArg(arg string) string {
	out, truncated, size, sum := truncateString(arg, maxConsoleArgBytes)
	if !truncated {
		return out
	}
	return fmt.Sprintf("%s...[truncated %d bytes sha256:%s]", out, size, sum)
}

type contextAuxData struct {
	IsDefault bool        `json:"isDefault"`
	FrameID   cdp.FrameID `json:"frameId"`
	Type      string      `json:"type"`
}

func (s *Session) onContextCreated(sessionID target.SessionID, params jsontext.Value) error {
	var ev cdpruntime.EventExecutionContextCreated
	if err := decodeEvent(cdproto.EventRuntimeExecutionContextCreated, params, &ev); err != nil {
		return err
	}
	if ev.Context == nil || len(ev.Context.AuxData) == 0 {
		return nil
	}
	var aux contextAuxData
	if err := json.Unmarshal(ev.Context.AuxData, &aux, wireOptions); err != nil {
		return newError(CodeProtocol, "decode execution context aux data", err)
	}
	if !aux.IsDefault || aux.FrameID == "" {
		return nil
	}
	s.frames.add(sessionID, aux.FrameID, frameContext{
		ContextID: ev.Context.ID,
		SessionID: sessionID,
		Origin:    ev.Context.Origin,
		Name:      ev.Context.Name,
	})
	return nil
}

func (s *Session) onContextDestroyed(sessionID target.SessionID, params jsontext.Value) error {
	var ev cdpruntime.EventExecutionContextDestroyed
	if err := decodeEvent(cdproto.EventRuntimeExecutionContextDestroyed, params, &ev); err != nil {
		return err
	}
	s.frames.removeContext(sessionID, ev.ExecutionContextID)
	return nil
}

func (s *Session) onContextsCleared(sessionID target.SessionID, _ jsontext.Value) error {
	s.frames.clearSession(sessionID)
	return nil
}

func (s *Session) onRequestPaused(sessionID target.SessionID, params jsontext.Value) error {
	var ev fetch.EventRequestPaused
	if err := decodeEvent(cdproto.EventFetchRequestPaused, params, &ev); err != nil {
		return err
	}
	var url string
	if ev.Request != nil {
		url = ev.Request.URL
	}
	rule, matched := s.intercept.Decide(url)
	method, follow := followUp(ev.RequestID, rule, matched)
	if matched {
		slog.Debug("cdpsession intercepted request", "url", url, "action", rule.Action.Kind, "session_id", sessionID)
	}
	s.dispatchDetached(sessionID, method, follow)
	return nil
}

// dispatchDetached sends a follow-up command without blocking the reader.
// Only the reader calls it, so the WaitGroup never grows after Close starts
// waiting.
func (s *Session) dispatchDetached(sessionID target.SessionID, method string, params any) {
	if s.closed.Load() {
		return
	}
	s.dispatchWG.Add(1)
	go func() {
		defer s.dispatchWG.Done()
		if _, err := s.sendTo(s.lifetime, sessionID, method, params); err != nil {
			if errors.Is(err, ErrCanceled) || errors.Is(err, ErrTransportClosed) {
				slog.Debug("cdpsession detached dispatch abandoned", "method", method, "session_id", sessionID, "error", err)
				return
			}
			slog.Warn("cdpsession detached dispatch failed", "method", method, "session_id", sessionID, "error", err)
		}
	}()
}
