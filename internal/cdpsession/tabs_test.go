package cdpsession

import (
	"context"
	"errors"
	"maps"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/target"
)

func twoTabBrowser(t *testing.T) *fakeBrowser {
	t.Helper()
	return newFakeBrowser(t,
		fakeTarget{ID: "T1", Type: "page", URL: "https://a.example/", Title: "A"},
		fakeTarget{ID: "SW", Type: "service_worker", URL: "https://a.example/sw.js"},
		fakeTarget{ID: "T2", Type: "page", URL: "https://b.example/", Title: "B"},
	)
}

func requestWillBeSent(id, url string) map[string]any {
	return map[string]any{
		"requestId":   id,
		"loaderId":    "L1",
		"documentURL": url,
		"request":     map[string]any{"url": url, "method": "GET", "headers": map[string]any{}},
		"timestamp":   1.0,
		"wallTime":    1700000000.0,
		"initiator":   map[string]any{"type": "other"},
		"type":        "Document",
	}
}

func TestBootstrapAttachesFirstPage(t *testing.T) {
	fb := twoTabBrowser(t)
	s := startSession(t, fb, testOptions(fb))

	activeID, sessionID := s.tabs.Active()
	if activeID != "T1" || sessionID != target.SessionID(sessionFor("T1")) {
		t.Fatalf("Active() = (%s, %s); want (T1, %s)", activeID, sessionID, sessionFor("T1"))
	}
	for _, method := range []string{"Page.enable", "Runtime.enable", "Network.enable", "Log.enable"} {
		c := fb.waitForCommand(method, nil)
		if c.SessionID != sessionFor("T1") {
			t.Fatalf("%s sessionId = %q; want %q", method, c.SessionID, sessionFor("T1"))
		}
	}
	if n := len(fb.commandsFor("Target.setDiscoverTargets")); n != 1 {
		t.Fatalf("setDiscoverTargets sent %d times; want 1", n)
	}
}

func TestListTabsOnlyPages(t *testing.T) {
	fb := twoTabBrowser(t)
	s := startSession(t, fb, testOptions(fb))

	tabs, err := s.ListTabs(context.Background())
	if err != nil {
		t.Fatalf("ListTabs() error = %v", err)
	}
	if len(tabs) != 2 {
		t.Fatalf("ListTabs() returned %d tabs; want 2: %+v", len(tabs), tabs)
	}
	if tabs[0].TargetID != "T1" || !tabs[0].Active {
		t.Fatalf("tabs[0] = %+v; want active T1", tabs[0])
	}
	if tabs[1].TargetID != "T2" || tabs[1].Active || tabs[1].SessionID != "" {
		t.Fatalf("tabs[1] = %+v; want inactive unattached T2", tabs[1])
	}
}

func TestSwitchRestoresWorkingState(t *testing.T) {
	fb := twoTabBrowser(t)
	s := startSession(t, fb, testOptions(fb))
	ctx := context.Background()

	if err := s.tabs.SetRef("e1", 11); err != nil {
		t.Fatalf("SetRef() error = %v", err)
	}
	if err := s.tabs.SetRef("e2", 12); err != nil {
		t.Fatalf("SetRef() error = %v", err)
	}
	fb.emit(sessionFor("T1"), "Network.requestWillBeSent", requestWillBeSent("r1", "https://a.example/1"))
	fb.emit(sessionFor("T1"), "Network.requestWillBeSent", requestWillBeSent("r2", "https://a.example/2"))
	barrier(t, s)

	wantRefs := map[string]cdp.BackendNodeID{"e1": 11, "e2": 12}
	wantInflight := s.tabs.Inflight()
	if wantInflight != 2 {
		t.Fatalf("Inflight() = %d; want 2", wantInflight)
	}

	if err := s.SwitchTab(ctx, "T2"); err != nil {
		t.Fatalf("SwitchTab(T2) error = %v", err)
	}
	if n := s.tabs.RefCount(); n != 0 {
		t.Fatalf("RefCount() on T2 = %d; want 0", n)
	}
	if n := s.tabs.Inflight(); n != 0 {
		t.Fatalf("Inflight() on T2 = %d; want 0", n)
	}
	if err := s.tabs.SetRef("b1", 99); err != nil {
		t.Fatalf("SetRef() error = %v", err)
	}

	if err := s.SwitchTab(ctx, "T1"); err != nil {
		t.Fatalf("SwitchTab(T1) error = %v", err)
	}
	if got := s.tabs.Refs(); !maps.Equal(got, wantRefs) {
		t.Fatalf("Refs() after A->B->A = %v; want %v", got, wantRefs)
	}
	if got := s.tabs.Inflight(); got != wantInflight {
		t.Fatalf("Inflight() after A->B->A = %d; want %d", got, wantInflight)
	}

	if err := s.SwitchTab(ctx, "T2"); err != nil {
		t.Fatalf("SwitchTab(T2) again error = %v", err)
	}
	if node, ok := s.tabs.LookupRef("b1"); !ok || node != 99 {
		t.Fatalf("LookupRef(b1) on T2 = (%d, %v); want (99, true)", node, ok)
	}
	if n := len(fb.commandsFor("Target.attachToTarget")); n != 2 {
		t.Fatalf("attachToTarget sent %d times; want 2 (one per tab)", n)
	}
}

func TestBackgroundEventsUpdateSavedState(t *testing.T) {
	fb := twoTabBrowser(t)
	s := startSession(t, fb, testOptions(fb))

	if err := s.SwitchTab(context.Background(), "T2"); err != nil {
		t.Fatalf("SwitchTab(T2) error = %v", err)
	}
	fb.emit(sessionFor("T1"), "Network.requestWillBeSent", requestWillBeSent("r1", "https://a.example/1"))
	fb.emit(sessionFor("T1"), "Network.loadingFailed", map[string]any{
		"requestId": "r0", "timestamp": 1.0, "type": "XHR", "errorText": "net::ERR_ABORTED", "canceled": true,
	})
	fb.emit(sessionFor("T1"), "Network.loadingFailed", map[string]any{
		"requestId": "r1", "timestamp": 1.0, "type": "XHR", "errorText": "net::ERR_ABORTED", "canceled": true,
	})
	fb.emit(sessionFor("T1"), "Network.requestWillBeSent", requestWillBeSent("r2", "https://a.example/2"))
	barrier(t, s)

	if n := s.tabs.Inflight(); n != 0 {
		t.Fatalf("active Inflight() = %d; want 0", n)
	}
	state, ok := s.tabs.Get("T1")
	if !ok {
		t.Fatal("T1 missing from registry")
	}
	// +1, -1, -1 (clamped at zero), +1
	if state.InflightRequests != 1 {
		t.Fatalf("T1 saved in-flight = %d; want 1", state.InflightRequests)
	}
}

func responseReceived(id, url string) map[string]any {
	return map[string]any{
		"requestId": id, "loaderId": "L1", "timestamp": 2.0, "type": "Document",
		"response": map[string]any{
			"url": url, "status": 200, "statusText": "OK",
			"headers": map[string]any{}, "mimeType": "text/html", "charset": "",
			"connectionReused": false, "connectionId": 1, "encodedDataLength": 10,
			"securityState": "secure",
		},
	}
}

func TestEventsDuringAttachStayWithOutgoingTab(t *testing.T) {
	fb := twoTabBrowser(t)
	s := startSession(t, fb, testOptions(fb))
	ctx := context.Background()

	fb.emit(sessionFor("T1"), "Network.requestWillBeSent", requestWillBeSent("r1", "https://a.example/1"))
	barrier(t, s)
	if n := s.tabs.Inflight(); n != 1 {
		t.Fatalf("Inflight() = %d; want 1", n)
	}

	// T1's response and a new ref both land while T2 is being attached.
	fb.override("Target.attachToTarget", func(cmd fakeCommand) fakeReply {
		fb.emit(sessionFor("T1"), "Network.responseReceived", responseReceived("r1", "https://a.example/1"))
		if err := s.tabs.SetRef("late", 7); err != nil {
			t.Errorf("SetRef() during attach error = %v", err)
		}
		return fb.defaultReply(cmd)
	})
	if err := s.SwitchTab(ctx, "T2"); err != nil {
		t.Fatalf("SwitchTab(T2) error = %v", err)
	}

	state, ok := s.tabs.Get("T1")
	if !ok {
		t.Fatal("T1 missing from registry")
	}
	if state.InflightRequests != 0 {
		t.Fatalf("T1 saved in-flight = %d; want 0", state.InflightRequests)
	}
	if node, ok := state.RefCache["late"]; !ok || node != 7 {
		t.Fatalf("T1 saved refs = %v; want late=7", state.RefCache)
	}

	if err := s.SwitchTab(ctx, "T1"); err != nil {
		t.Fatalf("SwitchTab(T1) error = %v", err)
	}
	if n := s.tabs.Inflight(); n != 0 {
		t.Fatalf("Inflight() after switching back = %d; want 0", n)
	}
}

func TestRedirectDoesNotCountTwice(t *testing.T) {
	fb := newFakeBrowser(t)
	s := startSession(t, fb, testOptions(fb))

	fb.emit(sessionFor("T1"), "Network.requestWillBeSent", requestWillBeSent("r1", "http://a.example/"))
	hop := requestWillBeSent("r1", "https://a.example/")
	hop["redirectResponse"] = responseReceived("r1", "http://a.example/")["response"]
	fb.emit(sessionFor("T1"), "Network.requestWillBeSent", hop)
	barrier(t, s)
	if n := s.tabs.Inflight(); n != 1 {
		t.Fatalf("Inflight() after redirect = %d; want 1", n)
	}
	if n := len(s.NetworkLog()); n != 2 {
		t.Fatalf("network log has %d entries; want both hops", n)
	}

	fb.emit(sessionFor("T1"), "Network.responseReceived", responseReceived("r1", "https://a.example/"))
	barrier(t, s)
	if n := s.tabs.Inflight(); n != 0 {
		t.Fatalf("Inflight() after response = %d; want 0", n)
	}
}

func TestSwitchUnknownTab(t *testing.T) {
	fb := newFakeBrowser(t)
	s := startSession(t, fb, testOptions(fb))

	err := s.SwitchTab(context.Background(), "nope")
	if !HasCode(err, CodeNotFound) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("SwitchTab(nope) error = %v; want NOT_FOUND", err)
	}
	if activeID, _ := s.tabs.Active(); activeID != "T1" {
		t.Fatalf("active tab = %s; want T1 unchanged", activeID)
	}
	if err := s.SwitchTab(context.Background(), ""); !HasCode(err, CodeValidation) {
		t.Fatalf("SwitchTab(\"\") error = %v; want VALIDATION", err)
	}
}

func TestSwitchToTabFoundOnlyByRefresh(t *testing.T) {
	fb := newFakeBrowser(t)
	s := startSession(t, fb, testOptions(fb))
	fb.addTarget(fakeTarget{ID: "LATE", Type: "page", URL: "https://late.example/"})

	if err := s.SwitchTab(context.Background(), "LATE"); err != nil {
		t.Fatalf("SwitchTab(LATE) error = %v", err)
	}
	tab, err := s.ActiveTab()
	if err != nil {
		t.Fatalf("ActiveTab() error = %v", err)
	}
	if tab.TargetID != "LATE" || tab.URL != "https://late.example/" {
		t.Fatalf("ActiveTab() = %+v", tab)
	}
}

func TestSwitchClearsActiveFrame(t *testing.T) {
	fb := twoTabBrowser(t)
	s := startSession(t, fb, testOptions(fb))
	s.tabs.setActiveFrame("F-child")

	if err := s.SwitchTab(context.Background(), "T2"); err != nil {
		t.Fatalf("SwitchTab(T2) error = %v", err)
	}
	if f := s.tabs.ActiveFrame(); f != "" {
		t.Fatalf("ActiveFrame() after switch = %q; want empty", f)
	}
}

func TestNewTabBecomesActive(t *testing.T) {
	fb := newFakeBrowser(t)
	s := startSession(t, fb, testOptions(fb))

	tab, err := s.NewTab(context.Background(), "https://new.example/")
	if err != nil {
		t.Fatalf("NewTab() error = %v", err)
	}
	if tab.TargetID != "N1" || !tab.Active || tab.SessionID != sessionFor("N1") {
		t.Fatalf("NewTab() = %+v; want active N1", tab)
	}
	if tab.URL != "https://new.example/" {
		t.Fatalf("NewTab() url = %q", tab.URL)
	}
	c := fb.waitForCommand("Target.createTarget", nil)
	var p struct {
		URL string `json:"url"`
	}
	decodeCommand(t, c, &p)
	if p.URL != "https://new.example/" {
		t.Fatalf("createTarget url = %q", p.URL)
	}
}

func TestCloseActiveTabSwitchesToLowestRemaining(t *testing.T) {
	fb := newFakeBrowser(t,
		fakeTarget{ID: "T1", Type: "page", URL: "https://a.example/"},
		fakeTarget{ID: "T3", Type: "page", URL: "https://c.example/"},
		fakeTarget{ID: "T2", Type: "page", URL: "https://b.example/"},
	)
	s := startSession(t, fb, testOptions(fb))
	if _, err := s.ListTabs(context.Background()); err != nil {
		t.Fatalf("ListTabs() error = %v", err)
	}

	if err := s.CloseTab(context.Background(), "T1"); err != nil {
		t.Fatalf("CloseTab(T1) error = %v", err)
	}
	if activeID, _ := s.tabs.Active(); activeID != "T2" {
		t.Fatalf("active after close = %q; want T2", activeID)
	}
	if _, ok := s.tabs.Get("T1"); ok {
		t.Fatal("T1 still registered after close")
	}
}

func TestCloseInactiveTabKeepsActive(t *testing.T) {
	fb := twoTabBrowser(t)
	s := startSession(t, fb, testOptions(fb))

	if err := s.CloseTab(context.Background(), "T2"); err != nil {
		t.Fatalf("CloseTab(T2) error = %v", err)
	}
	if activeID, _ := s.tabs.Active(); activeID != "T1" {
		t.Fatalf("active = %q; want T1", activeID)
	}
	if err := s.CloseTab(context.Background(), "T2"); !HasCode(err, CodeNotFound) {
		t.Fatalf("second CloseTab(T2) error = %v; want NOT_FOUND", err)
	}
}

func TestDestroyedActiveTabClearsPointer(t *testing.T) {
	fb := newFakeBrowser(t)
	s := startSession(t, fb, testOptions(fb))

	fb.emit("", "Target.targetDestroyed", map[string]any{"targetId": "T1"})
	barrier(t, s)

	if activeID, sessionID := s.tabs.Active(); activeID != "" || sessionID != "" {
		t.Fatalf("Active() = (%s, %s); want empty", activeID, sessionID)
	}
	if _, err := s.ActiveTab(); !errors.Is(err, ErrNoActiveTab) {
		t.Fatalf("ActiveTab() error = %v; want ErrNoActiveTab", err)
	}
}

func TestDetachedActiveTabClearsPointer(t *testing.T) {
	fb := newFakeBrowser(t)
	s := startSession(t, fb, testOptions(fb))

	fb.emit("", "Target.detachedFromTarget", map[string]any{"sessionId": sessionFor("T1")})
	barrier(t, s)

	if activeID, _ := s.tabs.Active(); activeID != "" {
		t.Fatalf("active = %q; want empty after detach", activeID)
	}
	state, ok := s.tabs.Get("T1")
	if !ok || state.SessionID != "" {
		t.Fatalf("T1 state = %+v, %v; want registered without session", state, ok)
	}

	// Switching back re-attaches.
	if err := s.SwitchTab(context.Background(), "T1"); err != nil {
		t.Fatalf("SwitchTab(T1) error = %v", err)
	}
	if _, sessionID := s.tabs.Active(); sessionID != target.SessionID(sessionFor("T1")) {
		t.Fatalf("session after re-attach = %q", sessionID)
	}
}

func TestTargetInfoChangedKeepsTitleAndURLApart(t *testing.T) {
	fb := newFakeBrowser(t)
	s := startSession(t, fb, testOptions(fb))

	fb.emit("", "Target.targetInfoChanged", map[string]any{"targetInfo": map[string]any{
		"targetId": "T1", "type": "page", "title": "Checkout", "url": "https://example.com/cart",
		"attached": true, "canAccessOpener": false,
	}})
	barrier(t, s)

	tab, err := s.ActiveTab()
	if err != nil {
		t.Fatalf("ActiveTab() error = %v", err)
	}
	if tab.URL != "https://example.com/cart" || tab.Title != "Checkout" {
		t.Fatalf("ActiveTab() = %+v; want url and title updated separately", tab)
	}
}

func TestExpectNewTabRegisteredBeforeAction(t *testing.T) {
	fb := newFakeBrowser(t)
	s := startSession(t, fb, testOptions(fb))

	w := s.ExpectNewTab()
	tab, err := s.NewTab(context.Background(), "https://popup.example/")
	if err != nil {
		t.Fatalf("NewTab() error = %v", err)
	}
	id, err := w.Wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if string(id) != tab.TargetID {
		t.Fatalf("Wait() = %s; want %s", id, tab.TargetID)
	}

	// Registered after the action: nothing else is coming.
	_, err = s.WaitForNewTab(context.Background(), 50*time.Millisecond)
	if !HasCode(err, CodeTimeout) {
		t.Fatalf("late WaitForNewTab() error = %v; want TIMEOUT", err)
	}
}

func TestExpectNewTabIgnoresNonPageTargets(t *testing.T) {
	fb := newFakeBrowser(t)
	s := startSession(t, fb, testOptions(fb))

	w := s.ExpectNewTab()
	fb.emit("", "Target.targetCreated", map[string]any{"targetInfo": map[string]any{
		"targetId": "W1", "type": "worker", "title": "", "url": "https://example.com/w.js",
		"attached": false, "canAccessOpener": false,
	}})
	fb.emit("", "Target.targetCreated", map[string]any{"targetInfo": map[string]any{
		"targetId": "P1", "type": "page", "title": "", "url": "https://example.com/popup",
		"attached": false, "canAccessOpener": false,
	}})

	id, err := w.Wait(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if id != "P1" {
		t.Fatalf("Wait() = %s; want P1", id)
	}
	if _, ok := s.tabs.Get("W1"); ok {
		t.Fatal("worker target registered as a tab")
	}
}
