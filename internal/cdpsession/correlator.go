package cdpsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// callKey identifies a pending command. Ids are unique per connection, the
// session id keeps a stray response on another session from matching.
type callKey struct {
	sessionID target.SessionID
	id        int64
}

type pendingCall struct {
	method string
	ch     chan callResult
}

type callResult struct {
	result jsontext.Value
	err    error
}

// sendTo writes one command and waits for the response addressed to the same
// (session, id) pair.
func (s *Session) sendTo(ctx context.Context, sessionID target.SessionID, method string, params any) (jsontext.Value, error) {
	id := s.seq.Add(1)
	key := callKey{sessionID: sessionID, id: id}
	ch := make(chan callResult, 1)

	s.pendingMu.Lock()
	if s.pendingClosed {
		s.pendingMu.Unlock()
		return nil, newError(CodeTransport, method+": connection closed", ErrTransportClosed)
	}
	s.pending[key] = pendingCall{method: method, ch: ch}
	s.pendingMu.Unlock()

	data, err := json.Marshal(request{ID: id, Method: method, Params: params, SessionID: string(sessionID)})
	if err != nil {
		s.removePending(key)
		return nil, newError(CodeProtocol, "marshal "+method, err)
	}
	if err := s.transport.WriteMessage(data); err != nil {
		s.removePending(key)
		return nil, newError(CodeTransport, "send "+method, err)
	}

	timer := time.NewTimer(s.opts.CommandTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return res.result, res.err
	case <-timer.C:
		if res, delivered := s.abandon(key, ch); delivered {
			return res.result, res.err
		}
		return nil, newError(CodeTimeout, fmt.Sprintf("%s: no response after %s", method, s.opts.CommandTimeout), ErrTimeout)
	case <-ctx.Done():
		if res, delivered := s.abandon(key, ch); delivered {
			return res.result, res.err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, newError(CodeTimeout, method, errors.Join(ErrTimeout, ctx.Err()))
		}
		return nil, newError(CodeCanceled, method, errors.Join(ErrCanceled, ctx.Err()))
	}
}

func (s *Session) removePending(key callKey) {
	s.pendingMu.Lock()
	delete(s.pending, key)
	s.pendingMu.Unlock()
}

// abandon removes the slot for a caller that stopped waiting. When the router
// already took the slot, the result is in flight on ch and is returned.
func (s *Session) abandon(key callKey, ch chan callResult) (callResult, bool) {
	s.pendingMu.Lock()
	call, ok := s.pending[key]
	if ok && call.ch == ch {
		delete(s.pending, key)
		s.pendingMu.Unlock()
		return callResult{}, false
	}
	s.pendingMu.Unlock()
	return <-ch, true
}

// deliverResponse hands a response frame to its waiting caller, or drops it.
func (s *Session) deliverResponse(msg *message) {
	key := callKey{sessionID: target.SessionID(msg.SessionID), id: msg.ID}

	s.pendingMu.Lock()
	call, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.pendingMu.Unlock()

	if !ok {
		slog.Debug("cdpsession dropped unmatched response", "id", msg.ID, "session_id", msg.SessionID)
		return
	}

	switch {
	case msg.Error != nil:
		call.ch <- callResult{err: newError(CodeCommandFailed, call.method, &CommandError{
			Method:  call.method,
			Code:    msg.Error.Code,
			Message: msg.Error.Message,
		})}
	case msg.Result == nil:
		call.ch <- callResult{err: newError(CodeProtocol, call.method+": response without result", ErrMalformedResponse)}
	default:
		call.ch <- callResult{result: msg.Result}
	}
}

// failPending resolves the slot for a response frame whose body could not be
// decoded.
func (s *Session) failPending(sessionID target.SessionID, id int64, cause error) {
	key := callKey{sessionID: sessionID, id: id}

	s.pendingMu.Lock()
	call, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	s.pendingMu.Unlock()

	if ok {
		call.ch <- callResult{err: newError(CodeProtocol, call.method, errors.Join(ErrMalformedResponse, cause))}
	}
}

// failAllPending fails every waiting caller and refuses new ones.
func (s *Session) failAllPending(cause error) {
	s.pendingMu.Lock()
	calls := s.pending
	s.pending = make(map[callKey]pendingCall)
	s.pendingClosed = true
	s.pendingMu.Unlock()

	for _, call := range calls {
		call.ch <- callResult{err: newError(CodeTransport, call.method+": connection closed", errors.Join(ErrTransportClosed, cause))}
	}
}

// Send issues a command on the session that is active at call time.
func (s *Session) Send(ctx context.Context, method string, params any) (jsontext.Value, error) {
	_, sessionID := s.tabs.Active()
	if sessionID == "" {
		return nil, newError(CodeNotFound, method, ErrNoActiveTab)
	}
	return s.sendTo(ctx, sessionID, method, params)
}

// SendGlobal issues a browser-level command that carries no session id.
func (s *Session) SendGlobal(ctx context.Context, method string, params any) (jsontext.Value, error) {
	return s.sendTo(ctx, "", method, params)
}

func (s *Session) SendToSession(ctx context.Context, sessionID target.SessionID, method string, params any) (jsontext.Value, error) {
	if sessionID == "" {
		return nil, newError(CodeValidation, method+": empty session id", nil)
	}
	return s.sendTo(ctx, sessionID, method, params)
}

// Execute sends on the active session and decodes the result into out when
// out is non-nil.
func (s *Session) Execute(ctx context.Context, method string, params, out any) error {
	res, err := s.Send(ctx, method, params)
	if err != nil {
		return err
	}
	return decodeResult(method, res, out)
}

// executeTo is Execute with an explicit session; "" targets the browser.
func (s *Session) executeTo(ctx context.Context, sessionID target.SessionID, method string, params, out any) error {
	res, err := s.sendTo(ctx, sessionID, method, params)
	if err != nil {
		return err
	}
	return decodeResult(method, res, out)
}

func decodeResult(method string, res jsontext.Value, out any) error {
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(res, out, wireOptions); err != nil {
		return newError(CodeProtocol, "decode "+method+" result", errors.Join(ErrMalformedResponse, err))
	}
	return nil
}
