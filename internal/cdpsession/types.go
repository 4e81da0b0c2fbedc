package cdpsession

import (
	"time"

	"github.com/go-json-experiment/json/jsontext"
)

const (
	defaultCommandTimeout  = 30 * time.Second
	defaultAttempts        = 10
	defaultRetryInterval   = 500 * time.Millisecond
	defaultNewTabSettle    = 300 * time.Millisecond
	defaultConsoleCapacity = 1000
	defaultNetworkCapacity = 500
)

// Options configures a Session. Zero values fall back to defaults.
type Options struct {
	// HTTPBase is the browser's debugger HTTP endpoint, e.g. "http://127.0.0.1:9222".
	HTTPBase string
	// Profile identifies the browser profile; it only appears in diagnostics.
	Profile string

	CommandTimeout time.Duration
	Attempts       int
	RetryInterval  time.Duration
	NewTabSettle   time.Duration

	ConsoleCapacity int
	NetworkCapacity int

	// Rules are installed before the first tab is enabled.
	Rules []Rule

	Observer Observer
}

func (o Options) withDefaults() Options {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = defaultCommandTimeout
	}
	if o.Attempts <= 0 {
		o.Attempts = defaultAttempts
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = defaultRetryInterval
	}
	if o.NewTabSettle < 0 {
		o.NewTabSettle = 0
	} else if o.NewTabSettle == 0 {
		o.NewTabSettle = defaultNewTabSettle
	}
	if o.ConsoleCapacity <= 0 {
		o.ConsoleCapacity = defaultConsoleCapacity
	}
	if o.NetworkCapacity <= 0 {
		o.NetworkCapacity = defaultNetworkCapacity
	}
	return o
}

// Observer receives normalized log entries on the reader goroutine.
// Implementations must not block.
type Observer interface {
	ObserveConsole(ConsoleEntry)
	ObserveNetwork(NetworkEntry)
}

// Observers fans entries out to each observer in order.
type Observers []Observer

func (o Observers) ObserveConsole(e ConsoleEntry) {
	for _, obs := range o {
		obs.ObserveConsole(e)
	}
}

func (o Observers) ObserveNetwork(e NetworkEntry) {
	for _, obs := range o {
		obs.ObserveNetwork(e)
	}
}

// TabInfo describes a page target known to the registry.
type TabInfo struct {
	TargetID  string `json:"target_id"`
	SessionID string `json:"session_id,omitempty"`
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	Active    bool   `json:"active"`
	Attached  bool   `json:"attached"`
}

const (
	SourceConsole   = "console"
	SourceLog       = "log"
	SourceException = "exception"
)

// ConsoleEntry unifies console API calls, browser log lines and uncaught
// exceptions.
type ConsoleEntry struct {
	Type      string    `json:"type"`
	Args      []string  `json:"args"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	URL       string    `json:"url,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	TargetID  string    `json:"target_id,omitempty"`
}

const (
	NetworkRequest  = "request"
	NetworkResponse = "response"
	NetworkFailed   = "failed"
)

// NetworkEntry is one observed network event.
type NetworkEntry struct {
	Kind         string    `json:"kind"`
	RequestID    string    `json:"request_id"`
	URL          string    `json:"url,omitempty"`
	Method       string    `json:"method,omitempty"`
	ResourceType string    `json:"resource_type,omitempty"`
	Status       int64     `json:"status,omitempty"`
	StatusText   string    `json:"status_text,omitempty"`
	MimeType     string    `json:"mime_type,omitempty"`
	ErrorText    string    `json:"error_text,omitempty"`
	Canceled     bool      `json:"canceled,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	SessionID    string    `json:"session_id,omitempty"`
	TargetID     string    `json:"target_id,omitempty"`
}

// FrameInfo describes a frame with a live default execution context.
type FrameInfo struct {
	FrameID   string `json:"frame_id"`
	ContextID int64  `json:"context_id"`
	Origin    string `json:"origin,omitempty"`
	Name      string `json:"name,omitempty"`
	Main      bool   `json:"main"`
	Active    bool   `json:"active"`
}

// SessionInfo is a diagnostics view of the connection.
type SessionInfo struct {
	ConnectionID  string `json:"connection_id"`
	Profile       string `json:"profile,omitempty"`
	WebSocketURL  string `json:"websocket_url"`
	Tabs          int    `json:"tabs"`
	ActiveTarget  string `json:"active_target,omitempty"`
	ActiveSession string `json:"active_session,omitempty"`
	PendingCalls  int    `json:"pending_calls"`
	InterceptOn   bool   `json:"intercept_on"`
}

// request is the outbound command envelope.
type request struct {
	ID        int64  `json:"id"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// message is any inbound frame: a response when ID is set, an event otherwise.
// wireOptions relaxes string validation for frames from the browser, which
// escape lone UTF-16 surrogates from JavaScript strings as-is.
var wireOptions = jsontext.AllowInvalidUTF8(true)

type message struct {
	ID        int64          `json:"id,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Method    string         `json:"method,omitempty"`
	Params    jsontext.Value `json:"params,omitempty"`
	Result    jsontext.Value `json:"result,omitempty"`
	Error     *messageError  `json:"error,omitempty"`
}

type messageError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
	Data    string `json:"data,omitempty"`
}
