package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/tabmux/internal/cdpsession"
	"github.com/dgnsrekt/tabmux/internal/relay"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-json-experiment/json/jsontext"
)

type Service interface {
	Info(ctx context.Context) (cdpsession.SessionInfo, error)

	ListTabs(ctx context.Context) ([]cdpsession.TabInfo, error)
	ActiveTab(ctx context.Context) (cdpsession.TabInfo, error)
	NewTab(ctx context.Context, url string) (cdpsession.TabInfo, error)
	SwitchTab(ctx context.Context, targetID string) (cdpsession.TabInfo, error)
	CloseTab(ctx context.Context, targetID string) error
	WaitForNewTab(ctx context.Context, timeoutMS int) (string, error)

	ConsoleLog(ctx context.Context) ([]cdpsession.ConsoleEntry, error)
	ClearConsoleLog(ctx context.Context) error
	NetworkLog(ctx context.Context) ([]cdpsession.NetworkEntry, error)
	ClearNetworkLog(ctx context.Context) error

	InterceptRules(ctx context.Context) ([]cdpsession.Rule, error)
	AddBlockRule(ctx context.Context, urlContains string) ([]cdpsession.Rule, error)
	AddMockRule(ctx context.Context, urlContains string, status int, body, contentType string) ([]cdpsession.Rule, error)
	ClearInterceptRules(ctx context.Context) error

	ListFrames(ctx context.Context) ([]cdpsession.FrameInfo, error)
	SwitchFrame(ctx context.Context, frameID string) error
	ResetFrame(ctx context.Context) error

	Evaluate(ctx context.Context, expression string) (*cdpsession.EvalResult, error)
	Navigate(ctx context.Context, url string) (string, error)
	SendRaw(ctx context.Context, method string, params jsontext.Value, scope, sessionID string) (any, error)
}

type statusOutput struct {
	Body struct {
		Status string `json:"status"`
	}
}

func okStatus() *statusOutput {
	out := &statusOutput{}
	out.Body.Status = "ok"
	return out
}

// NewServer builds the HTTP API. broker may be nil, in which case the event
// stream is not mounted.
func NewServer(svc Service, broker *relay.Broker) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("tabmux Browser Control API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	router.Get("/docs/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(eventsDocsHTML)); err != nil {
			slog.Debug("events docs response write failed", "error", err)
		}
	})
	if broker != nil {
		router.Get("/api/v1/events", relay.SSEHandler(broker))
	}

	registerSessionHandlers(api, svc)
	registerTabHandlers(api, svc)
	registerLogHandlers(api, svc)
	registerInterceptHandlers(api, svc)
	registerFrameHandlers(api, svc)

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *cdpsession.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case cdpsession.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case cdpsession.CodeNotFound:
			return huma.Error404NotFound(coded.Error())
		case cdpsession.CodeTimeout:
			return huma.Error504GatewayTimeout(coded.Error())
		case cdpsession.CodeTransport, cdpsession.CodeBootstrap:
			return huma.Error502BadGateway(coded.Error())
		case cdpsession.CodeCommandFailed:
			return huma.Error422UnprocessableEntity(coded.Error())
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	return huma.Error500InternalServerError(err.Error())
}
