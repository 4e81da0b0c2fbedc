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

type eventHandler struct {
	id int64
	fn func(sessionID target.SessionID, params jsontext.Value)
}

type eventKey struct {
	sessionID target.SessionID
	method    string
}

// readLoop is the only goroutine that reads from the transport.
func (s *Session) readLoop() {
	defer close(s.readerDone)
	for {
		data, err := s.transport.ReadMessage()
		if err != nil {
			if s.closed.Load() {
				slog.Debug("cdpsession read loop exit", "connection_id", s.connID, "error", err)
			} else {
				slog.Warn("cdpsession connection lost", "connection_id", s.connID, "error", err)
			}
			s.failAllPending(err)
			return
		}
		s.route(data)
	}
}

func (s *Session) route(data []byte) {
	var msg message
	if err := json.Unmarshal(data, &msg, wireOptions); err != nil {
		s.routeMalformed(data, err)
		return
	}
	if msg.ID != 0 {
		s.deliverResponse(&msg)
		return
	}
	if msg.Method == "" {
		slog.Debug("cdpsession dropped frame without id or method", "bytes", len(data))
		return
	}
	s.dispatchEvent(target.SessionID(msg.SessionID), msg.Method, msg.Params)
}

// routeMalformed salvages the address of an undecodable response so its caller
// fails fast instead of timing out.
func (s *Session) routeMalformed(data []byte, err error) {
	var addr struct {
		ID        int64  `json:"id"`
		SessionID string `json:"sessionId"`
	}
	if json.Unmarshal(data, &addr, wireOptions) == nil && addr.ID != 0 {
		slog.Warn("cdpsession malformed response", "id", addr.ID, "session_id", addr.SessionID, "error", err)
		s.failPending(target.SessionID(addr.SessionID), addr.ID, err)
		return
	}
	slog.Warn("cdpsession dropped malformed frame", "bytes", len(data), "error", err)
}

// dispatchEvent runs persistent handlers, then resolves one-shot waiters.
func (s *Session) dispatchEvent(sessionID target.SessionID, method string, params jsontext.Value) {
	if h, ok := builtinHandlers[method]; ok {
		if err := h(s, sessionID, params); err != nil {
			slog.Warn("cdpsession event handling failed", "method", method, "session_id", sessionID, "error", err)
		}
	}

	s.handlersMu.RLock()
	handlers := append([]eventHandler(nil), s.handlers[method]...)
	s.handlersMu.RUnlock()
	for _, h := range handlers {
		s.runHandler(method, sessionID, params, h)
	}

	s.fireWaiters(eventKey{sessionID: sessionID, method: method}, params)
}

func (s *Session) runHandler(method string, sessionID target.SessionID, params jsontext.Value, h eventHandler) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("cdpsession event handler panicked", "method", method, "handler_id", h.id, "panic", fmt.Sprint(r))
		}
	}()
	h.fn(sessionID, params)
}

// RegisterEventHandler adds a persistent handler for method. It runs on the
// reader goroutine after the built-in bookkeeping and must not block.
func (s *Session) RegisterEventHandler(method string, fn func(sessionID target.SessionID, params jsontext.Value)) (unregister func()) {
	id := s.handlerSeq.Add(1)

	s.handlersMu.Lock()
	s.handlers[method] = append(s.handlers[method], eventHandler{id: id, fn: fn})
	s.handlersMu.Unlock()

	return func() {
		s.handlersMu.Lock()
		defer s.handlersMu.Unlock()
		hs := s.handlers[method]
		for i, h := range hs {
			if h.id == id {
				s.handlers[method] = append(hs[:i:i], hs[i+1:]...)
				break
			}
		}
		if len(s.handlers[method]) == 0 {
			delete(s.handlers, method)
		}
	}
}

// EventWaiter is a one-shot registration for the next matching event on a
// (session, method) key.
type EventWaiter struct {
	s     *Session
	key   eventKey
	match func(jsontext.Value) bool
	ch    chan jsontext.Value
}

// waitForEvent registers a waiter. A nil match accepts the first payload; a
// waiter whose match declines stays registered.
func (s *Session) waitForEvent(sessionID target.SessionID, method string, match func(jsontext.Value) bool) *EventWaiter {
	w := &EventWaiter{
		s:     s,
		key:   eventKey{sessionID: sessionID, method: method},
		match: match,
		ch:    make(chan jsontext.Value, 1),
	}
	s.waitersMu.Lock()
	s.waiters[w.key] = append(s.waiters[w.key], w)
	s.waitersMu.Unlock()
	return w
}

// WaitForEvent registers a one-shot waiter for method on sessionID. Register
// before triggering the action that produces the event.
func (s *Session) WaitForEvent(sessionID target.SessionID, method string) *EventWaiter {
	return s.waitForEvent(sessionID, method, nil)
}

func (s *Session) fireWaiters(key eventKey, params jsontext.Value) {
	s.waitersMu.Lock()
	defer s.waitersMu.Unlock()

	ws := s.waiters[key]
	if len(ws) == 0 {
		return
	}
	kept := ws[:0]
	for _, w := range ws {
		if w.match != nil && !w.match(params) {
			kept = append(kept, w)
			continue
		}
		w.ch <- params
	}
	if len(kept) == 0 {
		delete(s.waiters, key)
		return
	}
	for i := len(kept); i < len(ws); i++ {
		ws[i] = nil
	}
	s.waiters[key] = kept
}

// remove drops the registration and reports whether it was still pending.
func (w *EventWaiter) remove() bool {
	w.s.waitersMu.Lock()
	defer w.s.waitersMu.Unlock()

	ws := w.s.waiters[w.key]
	for i, other := range ws {
		if other == w {
			ws = append(ws[:i:i], ws[i+1:]...)
			if len(ws) == 0 {
				delete(w.s.waiters, w.key)
			} else {
				w.s.waiters[w.key] = ws
			}
			return true
		}
	}
	return false
}

// Wait blocks until the event fires, timeout elapses or ctx is done. A zero
// timeout uses the session's command timeout.
func (w *EventWaiter) Wait(ctx context.Context, timeout time.Duration) (jsontext.Value, error) {
	if timeout <= 0 {
		timeout = w.s.opts.CommandTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case params, ok := <-w.ch:
		if !ok {
			return nil, w.canceledErr()
		}
		return params, nil
	case <-timer.C:
		if !w.remove() {
			return w.late()
		}
		return nil, newError(CodeTimeout, fmt.Sprintf("waiting for %s after %s", w.key.method, timeout), ErrTimeout)
	case <-ctx.Done():
		if !w.remove() {
			return w.late()
		}
		return nil, newError(CodeCanceled, "waiting for "+w.key.method, errors.Join(ErrCanceled, ctx.Err()))
	case <-w.s.readerDone:
		if !w.remove() {
			return w.late()
		}
		return nil, newError(CodeTransport, "waiting for "+w.key.method, ErrTransportClosed)
	}
}

// late collects a payload that was delivered while the waiter was giving up.
// Delivery happens under waitersMu, so it is already buffered by the time
// remove reports false.
func (w *EventWaiter) late() (jsontext.Value, error) {
	select {
	case params, ok := <-w.ch:
		if ok {
			return params, nil
		}
	default:
	}
	return nil, w.canceledErr()
}

func (w *EventWaiter) canceledErr() error {
	return newError(CodeCanceled, "waiting for "+w.key.method, ErrCanceled)
}

// Cancel drops the registration. A later Wait returns a CANCELED error.
func (w *EventWaiter) Cancel() {
	if w.remove() {
		close(w.ch)
	}
}
