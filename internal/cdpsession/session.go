package cdpsession

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Session multiplexes every attached page target over one browser-level
// connection. All methods are safe for concurrent use.
type Session struct {
	opts   Options
	connID string
	wsURL  string

	transport Transport

	seq           atomic.Int64
	pendingMu     sync.Mutex
	pending       map[callKey]pendingCall
	pendingClosed bool

	waitersMu sync.Mutex
	waiters   map[eventKey][]*EventWaiter

	handlerSeq atomic.Int64
	handlersMu sync.RWMutex
	handlers   map[string][]eventHandler

	tabs     *TabRegistry
	switchMu sync.Mutex

	console   *ringLog[ConsoleEntry]
	network   *ringLog[NetworkEntry]
	intercept *Interceptor
	frames    *frameContexts

	// lifetime bounds detached interception dispatches.
	lifetime   context.Context
	cancel     context.CancelFunc
	dispatchWG sync.WaitGroup

	readerDone chan struct{}
	closed     atomic.Bool
	closeOnce  sync.Once
	closeErr   error
}

// newSession wires a Session around an established transport and starts the
// reader. The caller still has to attach the first tab.
func newSession(opts Options, t Transport, wsURL string) *Session {
	opts = opts.withDefaults()
	lifetime, cancel := context.WithCancel(context.Background())
	s := &Session{
		opts:       opts,
		connID:     uuid.NewString(),
		wsURL:      wsURL,
		transport:  t,
		pending:    make(map[callKey]pendingCall),
		waiters:    make(map[eventKey][]*EventWaiter),
		handlers:   make(map[string][]eventHandler),
		tabs:       NewTabRegistry(),
		console:    newRingLog[ConsoleEntry](opts.ConsoleCapacity),
		network:    newRingLog[NetworkEntry](opts.NetworkCapacity),
		intercept:  newInterceptor(opts.Rules),
		frames:     newFrameContexts(),
		lifetime:   lifetime,
		cancel:     cancel,
		readerDone: make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Close shuts the connection down, fails every pending call and waits for the
// reader and any in-flight interception dispatches.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.cancel()
		s.closeErr = s.transport.Close()
		<-s.readerDone
		s.dispatchWG.Wait()
		slog.Info("cdpsession closed", "connection_id", s.connID, "profile", s.opts.Profile)
	})
	return s.closeErr
}

// Done is closed when the reader stops, either through Close or because the
// browser dropped the connection.
func (s *Session) Done() <-chan struct{} {
	return s.readerDone
}

// Tabs exposes the registry for callers that keep per-action working state.
func (s *Session) Tabs() *TabRegistry {
	return s.tabs
}

func (s *Session) Info() SessionInfo {
	activeID, activeSID := s.tabs.Active()
	s.pendingMu.Lock()
	pending := len(s.pending)
	s.pendingMu.Unlock()
	return SessionInfo{
		ConnectionID:  s.connID,
		Profile:       s.opts.Profile,
		WebSocketURL:  s.wsURL,
		Tabs:          s.tabs.Len(),
		ActiveTarget:  string(activeID),
		ActiveSession: string(activeSID),
		PendingCalls:  pending,
		InterceptOn:   len(s.intercept.Rules()) > 0,
	}
}

func (s *Session) ConsoleLog() []ConsoleEntry { return s.console.Snapshot() }

func (s *Session) ClearConsoleLog() { s.console.Clear() }

func (s *Session) NetworkLog() []NetworkEntry { return s.network.Snapshot() }

func (s *Session) ClearNetworkLog() { s.network.Clear() }
