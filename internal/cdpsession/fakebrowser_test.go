package cdpsession

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

type fakeCommand struct {
	ID        int64          `json:"id"`
	Method    string         `json:"method"`
	SessionID string         `json:"sessionId,omitempty"`
	Params    jsontext.Value `json:"params,omitempty"`
}

func (c fakeCommand) decode(v any) error {
	return json.Unmarshal(c.Params, v)
}

func decodeCommand(t *testing.T, c fakeCommand, v any) {
	t.Helper()
	if err := c.decode(v); err != nil {
		t.Fatalf("decode %s params: %v", c.Method, err)
	}
}

func badParams(err error) fakeReply {
	return fakeReply{errCode: -32602, errMsg: err.Error()}
}

type fakeReply struct {
	result  any
	errCode int64
	errMsg  string
	raw     [][]byte
	delay   time.Duration
	none    bool
}

type fakeTarget struct {
	ID    string
	Type  string
	URL   string
	Title string
}

// fakeBrowser speaks enough of the debugger protocol over a real WebSocket to
// drive a Session end to end.
type fakeBrowser struct {
	t   *testing.T
	srv *httptest.Server

	mu              sync.Mutex
	conn            net.Conn
	targets         []fakeTarget
	created         int
	overrides       map[string]func(fakeCommand) fakeReply
	commands        []fakeCommand
	versionFailures int
	versionHits     int

	writeMu sync.Mutex
}

func newFakeBrowser(t *testing.T, targets ...fakeTarget) *fakeBrowser {
	t.Helper()
	if len(targets) == 0 {
		targets = []fakeTarget{{ID: "T1", Type: "page", URL: "https://example.com/", Title: "Example"}}
	}
	fb := &fakeBrowser{
		t:         t,
		targets:   targets,
		overrides: make(map[string]func(fakeCommand) fakeReply),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", fb.handleVersion)
	mux.HandleFunc("/devtools/browser/fake", fb.handleWS)
	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.close)
	return fb
}

func (fb *fakeBrowser) close() {
	fb.dropConnection()
	fb.srv.Close()
}

func (fb *fakeBrowser) handleVersion(w http.ResponseWriter, r *http.Request) {
	fb.mu.Lock()
	fb.versionHits++
	fail := fb.versionHits <= fb.versionFailures
	fb.mu.Unlock()

	if fail {
		http.Error(w, "browser starting", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"Browser":"FakeChrome/1.0","webSocketDebuggerUrl":"ws://%s/devtools/browser/fake"}`, r.Host)
}

func (fb *fakeBrowser) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	fb.mu.Lock()
	fb.conn = conn
	fb.mu.Unlock()
	defer conn.Close()

	reader := bufferedReadWriter{Reader: rw.Reader, Writer: conn}
	for {
		data, err := wsutil.ReadClientText(reader)
		if err != nil {
			return
		}
		var cmd fakeCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}

		fb.mu.Lock()
		fb.commands = append(fb.commands, cmd)
		override := fb.overrides[cmd.Method]
		fb.mu.Unlock()

		var reply fakeReply
		if override != nil {
			reply = override(cmd)
		} else {
			reply = fb.defaultReply(cmd)
		}
		if reply.none {
			continue
		}
		if reply.delay > 0 {
			go func(cmd fakeCommand, reply fakeReply) {
				time.Sleep(reply.delay)
				fb.writeReply(cmd, reply)
			}(cmd, reply)
			continue
		}
		fb.writeReply(cmd, reply)
	}
}

func sessionFor(targetID string) string {
	return "S-" + targetID
}

func (fb *fakeBrowser) targetInfo(tg fakeTarget) map[string]any {
	return map[string]any{
		"targetId":        tg.ID,
		"type":            tg.Type,
		"title":           tg.Title,
		"url":             tg.URL,
		"attached":        false,
		"canAccessOpener": false,
	}
}

func (fb *fakeBrowser) findTarget(id string) (fakeTarget, bool) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for _, tg := range fb.targets {
		if tg.ID == id {
			return tg, true
		}
	}
	return fakeTarget{}, false
}

func (fb *fakeBrowser) defaultReply(cmd fakeCommand) fakeReply {
	switch cmd.Method {
	case "Target.getTargets":
		fb.mu.Lock()
		infos := make([]map[string]any, 0, len(fb.targets))
		for _, tg := range fb.targets {
			infos = append(infos, fb.targetInfo(tg))
		}
		fb.mu.Unlock()
		return fakeReply{result: map[string]any{"targetInfos": infos}}

	case "Target.attachToTarget":
		var p struct {
			TargetID string `json:"targetId"`
		}
		if err := cmd.decode(&p); err != nil {
			return badParams(err)
		}
		tg, ok := fb.findTarget(p.TargetID)
		if !ok {
			return fakeReply{errCode: -32602, errMsg: "No target with given id found"}
		}
		fb.emit("", "Target.attachedToTarget", map[string]any{
			"sessionId":          sessionFor(tg.ID),
			"targetInfo":         fb.targetInfo(tg),
			"waitingForDebugger": false,
		})
		return fakeReply{result: map[string]any{"sessionId": sessionFor(tg.ID)}}

	case "Target.createTarget":
		var p struct {
			URL string `json:"url"`
		}
		if err := cmd.decode(&p); err != nil {
			return badParams(err)
		}
		fb.mu.Lock()
		fb.created++
		tg := fakeTarget{ID: fmt.Sprintf("N%d", fb.created), Type: "page", URL: p.URL}
		fb.targets = append(fb.targets, tg)
		fb.mu.Unlock()
		fb.emit("", "Target.targetCreated", map[string]any{"targetInfo": fb.targetInfo(tg)})
		return fakeReply{result: map[string]any{"targetId": tg.ID}}

	case "Target.closeTarget":
		var p struct {
			TargetID string `json:"targetId"`
		}
		if err := cmd.decode(&p); err != nil {
			return badParams(err)
		}
		fb.mu.Lock()
		kept := fb.targets[:0]
		for _, tg := range fb.targets {
			if tg.ID != p.TargetID {
				kept = append(kept, tg)
			}
		}
		fb.targets = kept
		fb.mu.Unlock()
		return fakeReply{
			result: map[string]any{"success": true},
			raw: [][]byte{
				fb.eventFrame("", "Target.detachedFromTarget", map[string]any{"sessionId": sessionFor(p.TargetID)}),
				fb.eventFrame("", "Target.targetDestroyed", map[string]any{"targetId": p.TargetID}),
			},
		}

	case "Runtime.evaluate":
		return fakeReply{result: map[string]any{"result": map[string]any{"type": "string", "value": "ok"}}}

	case "Page.navigate":
		return fakeReply{result: map[string]any{"frameId": "F-main", "loaderId": "L1"}}
	}
	return fakeReply{}
}

func (fb *fakeBrowser) marshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		fb.t.Errorf("fake browser marshal: %v", err)
	}
	return data
}

func (fb *fakeBrowser) eventFrame(sessionID, method string, params any) []byte {
	frame := map[string]any{"method": method, "params": params}
	if sessionID != "" {
		frame["sessionId"] = sessionID
	}
	return fb.marshal(frame)
}

// writeReply writes the response first and then any trailing raw frames.
func (fb *fakeBrowser) writeReply(cmd fakeCommand, reply fakeReply) {
	if reply.result != nil || reply.errMsg != "" || len(reply.raw) == 0 {
		resp := map[string]any{"id": cmd.ID}
		if cmd.SessionID != "" {
			resp["sessionId"] = cmd.SessionID
		}
		switch {
		case reply.errMsg != "":
			resp["error"] = map[string]any{"code": reply.errCode, "message": reply.errMsg}
		case reply.result != nil:
			resp["result"] = reply.result
		default:
			resp["result"] = map[string]any{}
		}
		fb.write(fb.marshal(resp))
	}
	for _, frame := range reply.raw {
		fb.write(frame)
	}
}

func (fb *fakeBrowser) write(data []byte) {
	fb.mu.Lock()
	conn := fb.conn
	fb.mu.Unlock()
	if conn == nil {
		return
	}
	fb.writeMu.Lock()
	defer fb.writeMu.Unlock()
	_ = wsutil.WriteServerText(conn, data)
}

// emit pushes an event to the client. An empty sessionID sends a
// browser-level event.
func (fb *fakeBrowser) emit(sessionID, method string, params any) {
	fb.write(fb.eventFrame(sessionID, method, params))
}

func (fb *fakeBrowser) override(method string, fn func(fakeCommand) fakeReply) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.overrides[method] = fn
}

func (fb *fakeBrowser) addTarget(tg fakeTarget) {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	fb.targets = append(fb.targets, tg)
}

func (fb *fakeBrowser) dropConnection() {
	fb.mu.Lock()
	conn := fb.conn
	fb.conn = nil
	fb.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (fb *fakeBrowser) commandsFor(method string) []fakeCommand {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	var out []fakeCommand
	for _, c := range fb.commands {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// waitForCommand polls until a command matching method and pred arrives.
func (fb *fakeBrowser) waitForCommand(method string, pred func(fakeCommand) bool) fakeCommand {
	fb.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, c := range fb.commandsFor(method) {
			if pred == nil || pred(c) {
				return c
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	fb.t.Fatalf("command %s never arrived", method)
	return fakeCommand{}
}

func testOptions(fb *fakeBrowser) Options {
	return Options{
		HTTPBase:       fb.srv.URL,
		Profile:        "test",
		CommandTimeout: 2 * time.Second,
		Attempts:       1,
		RetryInterval:  10 * time.Millisecond,
		NewTabSettle:   -1,
	}
}

func startSession(t *testing.T, fb *fakeBrowser, opts Options) *Session {
	t.Helper()
	s, err := Bootstrap(context.Background(), opts)
	if err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// barrier round-trips a command so every frame the fake wrote before it has
// been dispatched by the reader.
func barrier(t *testing.T, s *Session) {
	t.Helper()
	if _, err := s.SendGlobal(context.Background(), "Test.barrier", nil); err != nil {
		t.Fatalf("barrier: %v", err)
	}
}
