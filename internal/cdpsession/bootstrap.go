package cdpsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/chromedp/cdproto/target"
)

// Bootstrap connects to the browser at opts.HTTPBase, attaches to the first
// page target and enables its event domains. Each failed attempt is torn down
// completely before the next one starts.
func Bootstrap(ctx context.Context, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	if opts.HTTPBase == "" {
		return nil, newError(CodeValidation, "browser http endpoint is required", nil)
	}
	for i, r := range opts.Rules {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
	}

	attempt := 0
	var lastErr error
	op := func() (*Session, error) {
		attempt++
		s, err := bootstrapOnce(ctx, opts)
		if err != nil {
			lastErr = err
			return nil, err
		}
		return s, nil
	}
	notify := func(err error, next time.Duration) {
		slog.Warn("cdpsession bootstrap attempt failed",
			"attempt", attempt,
			"max_attempts", opts.Attempts,
			"profile", opts.Profile,
			"retry_in", next,
			"error", err,
		)
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.RetryInterval), uint64(opts.Attempts-1)),
		ctx,
	)
	s, err := backoff.RetryNotifyWithData(op, b, notify)
	if err != nil {
		if lastErr != nil && !errors.Is(err, lastErr) {
			err = errors.Join(err, lastErr)
		}
		return nil, newError(CodeBootstrap, fmt.Sprintf("profile %q: gave up after %d attempts", opts.Profile, attempt), err)
	}
	slog.Info("cdpsession bootstrapped",
		"connection_id", s.connID,
		"profile", opts.Profile,
		"attempts", attempt,
		"ws_url", s.wsURL,
	)
	return s, nil
}

func bootstrapOnce(ctx context.Context, opts Options) (*Session, error) {
	wsURL, err := discoverBrowserWSURL(ctx, opts.HTTPBase)
	if err != nil {
		return nil, newError(CodeTransport, "discover debugger endpoint", err)
	}
	t, err := dialTransport(ctx, wsURL)
	if err != nil {
		return nil, newError(CodeTransport, "connect", err)
	}
	s := newSession(opts, t, wsURL)
	if err := s.attachInitial(ctx); err != nil {
		if closeErr := s.Close(); closeErr != nil {
			slog.Debug("cdpsession close after failed attempt", "error", closeErr)
		}
		return nil, err
	}
	return s, nil
}

// attachInitial enables target discovery, attaches to the first page target
// and makes it active.
func (s *Session) attachInitial(ctx context.Context) error {
	if err := s.executeTo(ctx, "", target.CommandSetDiscoverTargets, target.SetDiscoverTargets(true), nil); err != nil {
		return err
	}
	var res target.GetTargetsReturns
	if err := s.executeTo(ctx, "", target.CommandGetTargets, target.GetTargets(), &res); err != nil {
		return err
	}

	var first *target.Info
	for _, info := range res.TargetInfos {
		if !isPageTarget(info) {
			continue
		}
		s.tabs.Observe(info.TargetID, info.URL, info.Title)
		if first == nil {
			first = info
		}
	}
	if first == nil {
		return newError(CodeNotFound, "no page target to attach to", ErrNotFound)
	}

	s.switchMu.Lock()
	defer s.switchMu.Unlock()
	return s.switchLocked(ctx, first.TargetID)
}
