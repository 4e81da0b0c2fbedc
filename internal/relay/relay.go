package relay

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/chromedp/cdproto"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

// EventSource is the part of a cdpsession.Session the relay needs.
type EventSource interface {
	RegisterEventHandler(method string, fn func(sessionID target.SessionID, params jsontext.Value)) (unregister func())
}

type connKey struct {
	sessionID target.SessionID
	requestID network.RequestID
}

type connectionInfo struct {
	feed     string
	contains []string
}

// Relay follows page WebSocket connections on every attached tab and
// republishes received frames of matching connections to a Broker.
type Relay struct {
	cfg    *RelayConfig
	broker *Broker

	mu          sync.Mutex
	connections map[connKey]connectionInfo

	unregisterFns []func()
}

func NewRelay(cfg *RelayConfig, broker *Broker) *Relay {
	return &Relay{
		cfg:         cfg,
		broker:      broker,
		connections: make(map[connKey]connectionInfo),
	}
}

// Start registers the relay's handlers. The Network domain is already enabled
// on every tab the session attaches to.
func (r *Relay) Start(src EventSource) {
	handlers := []struct {
		method string
		fn     func(target.SessionID, jsontext.Value)
	}{
		{cdproto.EventNetworkWebSocketCreated, r.onWebSocketCreated},
		{cdproto.EventNetworkWebSocketFrameReceived, r.onWebSocketFrameReceived},
		{cdproto.EventNetworkWebSocketClosed, r.onWebSocketClosed},
	}
	for _, h := range handlers {
		r.unregisterFns = append(r.unregisterFns, src.RegisterEventHandler(h.method, h.fn))
	}
	slog.Info("relay started", "feeds", len(r.cfg.Feeds))
}

func (r *Relay) Stop() {
	for _, fn := range r.unregisterFns {
		fn()
	}
	r.unregisterFns = nil

	r.mu.Lock()
	clear(r.connections)
	r.mu.Unlock()
	slog.Info("relay stopped")
}

// Tracked reports how many WebSocket connections are matched to a feed.
func (r *Relay) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connections)
}

// WebSocket payloads can carry lone surrogate escapes.
var frameOptions = jsontext.AllowInvalidUTF8(true)

func (r *Relay) onWebSocketCreated(sessionID target.SessionID, params jsontext.Value) {
	var ev network.EventWebSocketCreated
	if err := json.Unmarshal(params, &ev, frameOptions); err != nil {
		slog.Debug("relay: bad webSocketCreated", "session_id", sessionID, "error", err)
		return
	}
	for _, feed := range r.cfg.Feeds {
		if !strings.Contains(ev.URL, feed.URLPattern) {
			continue
		}
		r.mu.Lock()
		r.connections[connKey{sessionID, ev.RequestID}] = connectionInfo{feed: feed.Name, contains: feed.Contains}
		r.mu.Unlock()
		slog.Debug("relay: ws matched", "feed", feed.Name, "url", ev.URL, "session_id", sessionID, "request_id", ev.RequestID)
		return
	}
}

func (r *Relay) onWebSocketFrameReceived(sessionID target.SessionID, params jsontext.Value) {
	var ev network.EventWebSocketFrameReceived
	if err := json.Unmarshal(params, &ev, frameOptions); err != nil {
		return
	}

	r.mu.Lock()
	info, ok := r.connections[connKey{sessionID, ev.RequestID}]
	r.mu.Unlock()
	if !ok || ev.Response == nil || ev.Response.PayloadData == "" {
		return
	}

	payload := ev.Response.PayloadData
	if !matchesAny(payload, info.contains) {
		return
	}
	r.broker.Publish(Event{Feed: info.feed, Payload: singleLine(payload)})
}

func (r *Relay) onWebSocketClosed(sessionID target.SessionID, params jsontext.Value) {
	var ev network.EventWebSocketClosed
	if err := json.Unmarshal(params, &ev, frameOptions); err != nil {
		return
	}
	r.mu.Lock()
	delete(r.connections, connKey{sessionID, ev.RequestID})
	r.mu.Unlock()
}

// matchesAny accepts everything when no substrings are configured.
func matchesAny(payload string, substrs []string) bool {
	if len(substrs) == 0 {
		return true
	}
	for _, s := range substrs {
		if strings.Contains(payload, s) {
			return true
		}
	}
	return false
}

// singleLine keeps a payload inside one SSE data field.
func singleLine(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(s)
}
