package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/tabmux/internal/cdpsession"
	"github.com/go-json-experiment/json"
	"github.com/go-json-experiment/json/jsontext"
)

func registerSessionHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			return okStatus(), nil
		})

	type sessionOutput struct {
		Body cdpsession.SessionInfo
	}
	huma.Register(api, huma.Operation{OperationID: "get-session", Method: http.MethodGet, Path: "/api/v1/session", Summary: "Connection diagnostics", Tags: []string{"Session"}},
		func(ctx context.Context, input *struct{}) (*sessionOutput, error) {
			info, err := svc.Info(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &sessionOutput{}
			out.Body = info
			return out, nil
		})

	type evaluateInput struct {
		Body struct {
			Expression string `json:"expression" required:"true" doc:"JavaScript evaluated in the active tab, inside the active frame when one is selected"`
		}
	}
	type evaluateOutput struct {
		Body *cdpsession.EvalResult
	}
	huma.Register(api, huma.Operation{OperationID: "evaluate", Method: http.MethodPost, Path: "/api/v1/evaluate", Summary: "Evaluate an expression", Tags: []string{"Page"}},
		func(ctx context.Context, input *evaluateInput) (*evaluateOutput, error) {
			res, err := svc.Evaluate(ctx, input.Body.Expression)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &evaluateOutput{}
			out.Body = res
			return out, nil
		})

	type navigateInput struct {
		Body struct {
			URL string `json:"url" required:"true"`
		}
	}
	type navigateOutput struct {
		Body struct {
			FrameID string `json:"frame_id"`
			Status  string `json:"status"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "navigate", Method: http.MethodPost, Path: "/api/v1/navigate", Summary: "Navigate the active tab", Tags: []string{"Page"}},
		func(ctx context.Context, input *navigateInput) (*navigateOutput, error) {
			frameID, err := svc.Navigate(ctx, input.Body.URL)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &navigateOutput{}
			out.Body.FrameID = frameID
			out.Body.Status = "navigated"
			return out, nil
		})

	type rawInput struct {
		Body struct {
			Method    string         `json:"method" required:"true" doc:"Protocol method, e.g. Page.reload"`
			Params    map[string]any `json:"params,omitempty" doc:"Command parameters object"`
			Scope     string         `json:"scope,omitempty" enum:"active,browser" doc:"active (default) sends on the active tab session; browser sends without a session"`
			SessionID string         `json:"session_id,omitempty" doc:"Explicit session id; overrides scope"`
		}
	}
	type rawOutput struct {
		Body struct {
			Method string `json:"method"`
			Result any    `json:"result"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "cdp-send", Method: http.MethodPost, Path: "/api/v1/cdp/send", Summary: "Send a raw protocol command", Tags: []string{"Raw"}},
		func(ctx context.Context, input *rawInput) (*rawOutput, error) {
			var params jsontext.Value
			if input.Body.Params != nil {
				data, err := json.Marshal(input.Body.Params)
				if err != nil {
					return nil, huma.Error400BadRequest("params: " + err.Error())
				}
				params = data
			}
			result, err := svc.SendRaw(ctx, input.Body.Method, params, input.Body.Scope, input.Body.SessionID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &rawOutput{}
			out.Body.Method = input.Body.Method
			out.Body.Result = result
			return out, nil
		})
}
