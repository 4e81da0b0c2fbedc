package cdpsession

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/page"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
)

type frameContext struct {
	ContextID cdpruntime.ExecutionContextID
	SessionID target.SessionID
	Origin    string
	Name      string
}

type frameKey struct {
	sessionID target.SessionID
	frameID   cdp.FrameID
}

// frameContexts maps frames to their default execution context.
type frameContexts struct {
	mu      sync.Mutex
	byFrame map[frameKey]frameContext
}

func newFrameContexts() *frameContexts {
	return &frameContexts{byFrame: make(map[frameKey]frameContext)}
}

func (f *frameContexts) add(sessionID target.SessionID, frameID cdp.FrameID, fc frameContext) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byFrame[frameKey{sessionID: sessionID, frameID: frameID}] = fc
}

func (f *frameContexts) removeContext(sessionID target.SessionID, id cdpruntime.ExecutionContextID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, fc := range f.byFrame {
		if k.sessionID == sessionID && fc.ContextID == id {
			delete(f.byFrame, k)
		}
	}
}

func (f *frameContexts) clearSession(sessionID target.SessionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.byFrame {
		if k.sessionID == sessionID {
			delete(f.byFrame, k)
		}
	}
}

func (f *frameContexts) lookup(sessionID target.SessionID, frameID cdp.FrameID) (frameContext, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fc, ok := f.byFrame[frameKey{sessionID: sessionID, frameID: frameID}]
	return fc, ok
}

func (f *frameContexts) forSession(sessionID target.SessionID) map[cdp.FrameID]frameContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[cdp.FrameID]frameContext)
	for k, fc := range f.byFrame {
		if k.sessionID == sessionID {
			out[k.frameID] = fc
		}
	}
	return out
}

// GetFrames lists frames of the active tab that have a live default context.
// The main frame comes first.
func (s *Session) GetFrames() ([]FrameInfo, error) {
	targetID, sessionID := s.tabs.Active()
	if sessionID == "" {
		return nil, newError(CodeNotFound, "get frames", ErrNoActiveTab)
	}
	activeFrame := s.tabs.ActiveFrame()

	frames := make([]FrameInfo, 0)
	for frameID, fc := range s.frames.forSession(sessionID) {
		frames = append(frames, FrameInfo{
			FrameID:   string(frameID),
			ContextID: int64(fc.ContextID),
			Origin:    fc.Origin,
			Name:      fc.Name,
			Main:      string(frameID) == string(targetID),
			Active:    frameID == activeFrame,
		})
	}
	slices.SortFunc(frames, func(a, b FrameInfo) int {
		if a.Main != b.Main {
			if a.Main {
				return -1
			}
			return 1
		}
		return strings.Compare(a.FrameID, b.FrameID)
	})
	return frames, nil
}

// SwitchFrame makes later evaluations run in frameID's default context.
func (s *Session) SwitchFrame(frameID string) error {
	if frameID == "" {
		return newError(CodeValidation, "frame id is required", nil)
	}
	_, sessionID := s.tabs.Active()
	if sessionID == "" {
		return newError(CodeNotFound, "switch frame", ErrNoActiveTab)
	}
	if _, ok := s.frames.lookup(sessionID, cdp.FrameID(frameID)); !ok {
		return newError(CodeNotFound, "frame "+frameID, ErrNotFound)
	}
	s.tabs.setActiveFrame(cdp.FrameID(frameID))
	return nil
}

// ResetToMainFrame clears the active frame pointer.
func (s *Session) ResetToMainFrame() {
	s.tabs.setActiveFrame("")
}

// ActiveContextID returns the execution context of the active frame. It
// reports false when no frame is selected or its context is gone.
func (s *Session) ActiveContextID() (cdpruntime.ExecutionContextID, bool) {
	frameID := s.tabs.ActiveFrame()
	if frameID == "" {
		return 0, false
	}
	_, sessionID := s.tabs.Active()
	fc, ok := s.frames.lookup(sessionID, frameID)
	if !ok {
		return 0, false
	}
	return fc.ContextID, true
}

// EvalResult is the outcome of Evaluate.
type EvalResult struct {
	Type        string `json:"type"`
	Value       string `json:"value,omitempty"`
	Description string `json:"description,omitempty"`
	ContextID   int64  `json:"context_id,omitempty"`
}

// Evaluate runs expression on the active tab, inside the active frame when
// one is selected.
func (s *Session) Evaluate(ctx context.Context, expression string) (*EvalResult, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, newError(CodeValidation, "expression is required", nil)
	}
	params := cdpruntime.Evaluate(expression).WithReturnByValue(true).WithAwaitPromise(true)
	contextID, inFrame := s.ActiveContextID()
	if inFrame {
		params = params.WithContextID(contextID)
	}

	var res cdpruntime.EvaluateReturns
	if err := s.Execute(ctx, cdpruntime.CommandEvaluate, params, &res); err != nil {
		return nil, err
	}
	if res.ExceptionDetails != nil {
		msg := res.ExceptionDetails.Text
		if res.ExceptionDetails.Exception != nil && res.ExceptionDetails.Exception.Description != "" {
			msg = res.ExceptionDetails.Exception.Description
		}
		return nil, newError(CodeCommandFailed, "evaluate", &CommandError{Method: cdpruntime.CommandEvaluate, Message: msg})
	}

	out := &EvalResult{}
	if inFrame {
		out.ContextID = int64(contextID)
	}
	if res.Result != nil {
		out.Type = string(res.Result.Type)
		out.Value = remoteObjectText(res.Result)
		out.Description = res.Result.Description
	}
	return out, nil
}

// Navigate loads url in the active tab.
func (s *Session) Navigate(ctx context.Context, url string) (string, error) {
	if strings.TrimSpace(url) == "" {
		return "", newError(CodeValidation, "url is required", nil)
	}
	var res page.NavigateReturns
	if err := s.Execute(ctx, page.CommandNavigate, page.Navigate(url), &res); err != nil {
		return "", err
	}
	if res.ErrorText != "" {
		return "", newError(CodeCommandFailed, "navigate "+url, &CommandError{Method: page.CommandNavigate, Message: res.ErrorText})
	}
	s.ResetToMainFrame()
	return string(res.FrameID), nil
}
