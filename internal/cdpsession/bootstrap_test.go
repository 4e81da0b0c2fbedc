package cdpsession

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBootstrapRetriesUntilBrowserIsUp(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.mu.Lock()
	fb.versionFailures = 2
	fb.mu.Unlock()

	opts := testOptions(fb)
	opts.Attempts = 3
	s := startSession(t, fb, opts)

	fb.mu.Lock()
	hits := fb.versionHits
	fb.mu.Unlock()
	if hits != 3 {
		t.Fatalf("version endpoint hit %d times; want 3", hits)
	}
	info := s.Info()
	if info.ActiveTarget != "T1" || info.ConnectionID == "" || info.Profile != "test" {
		t.Fatalf("Info() = %+v", info)
	}
}

func TestBootstrapGivesUp(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.mu.Lock()
	fb.versionFailures = 10
	fb.mu.Unlock()

	opts := testOptions(fb)
	opts.Attempts = 2
	_, err := Bootstrap(context.Background(), opts)
	if !HasCode(err, CodeBootstrap) {
		t.Fatalf("Bootstrap() error = %v; want BOOTSTRAP", err)
	}

	fb.mu.Lock()
	hits := fb.versionHits
	fb.mu.Unlock()
	if hits != 2 {
		t.Fatalf("version endpoint hit %d times; want 2", hits)
	}
}

func TestBootstrapWithoutPageTarget(t *testing.T) {
	fb := newFakeBrowser(t, fakeTarget{ID: "SW", Type: "service_worker", URL: "https://example.com/sw.js"})

	_, err := Bootstrap(context.Background(), testOptions(fb))
	if !HasCode(err, CodeBootstrap) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("Bootstrap() error = %v; want BOOTSTRAP wrapping not found", err)
	}
}

func TestBootstrapValidation(t *testing.T) {
	if _, err := Bootstrap(context.Background(), Options{}); !HasCode(err, CodeValidation) {
		t.Fatalf("Bootstrap(no endpoint) error = %v; want VALIDATION", err)
	}

	fb := newFakeBrowser(t)
	opts := testOptions(fb)
	opts.Rules = []Rule{{URLSubstring: "x", Action: Action{Kind: ActionMock, Status: 7}}}
	if _, err := Bootstrap(context.Background(), opts); !HasCode(err, CodeValidation) {
		t.Fatalf("Bootstrap(bad rule) error = %v; want VALIDATION", err)
	}
}

func TestBootstrapCanceled(t *testing.T) {
	fb := newFakeBrowser(t)
	fb.mu.Lock()
	fb.versionFailures = 100
	fb.mu.Unlock()

	opts := testOptions(fb)
	opts.Attempts = 50
	opts.RetryInterval = 50 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := Bootstrap(ctx, opts)
	if !HasCode(err, CodeBootstrap) {
		t.Fatalf("Bootstrap() error = %v; want BOOTSTRAP", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Bootstrap() took %s after cancellation", elapsed)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	fb := newFakeBrowser(t)
	s, err := Bootstrap(context.Background(), testOptions(fb))
	if err != nil {
		t.Fatalf("Bootstrap() error = %v", err)
	}
	s.Close()
	s.Close()

	select {
	case <-s.Done():
	default:
		t.Fatal("Done() open after Close")
	}
	if _, err := s.Send(context.Background(), "Page.reload", nil); !HasCode(err, CodeTransport) {
		t.Fatalf("Send() after Close error = %v; want TRANSPORT", err)
	}
}
