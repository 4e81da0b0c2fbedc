package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/tabmux/internal/cdpsession"
)

func registerInterceptHandlers(api huma.API, svc Service) {
	type rulesOutput struct {
		Body struct {
			Rules []cdpsession.Rule `json:"rules"`
		}
	}
	rulesResult := func(rules []cdpsession.Rule) *rulesOutput {
		out := &rulesOutput{}
		out.Body.Rules = rules
		if out.Body.Rules == nil {
			out.Body.Rules = []cdpsession.Rule{}
		}
		return out
	}

	huma.Register(api, huma.Operation{OperationID: "list-intercept-rules", Method: http.MethodGet, Path: "/api/v1/intercept", Summary: "List interception rules", Tags: []string{"Intercept"}},
		func(ctx context.Context, input *struct{}) (*rulesOutput, error) {
			rules, err := svc.InterceptRules(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			return rulesResult(rules), nil
		})

	huma.Register(api, huma.Operation{OperationID: "add-block-rule", Method: http.MethodPost, Path: "/api/v1/intercept/block", Summary: "Fail requests whose URL contains a substring", Tags: []string{"Intercept"}},
		func(ctx context.Context, input *struct {
			Body struct {
				URLContains string `json:"url_contains" required:"true"`
			}
		}) (*rulesOutput, error) {
			rules, err := svc.AddBlockRule(ctx, input.Body.URLContains)
			if err != nil {
				return nil, mapErr(err)
			}
			return rulesResult(rules), nil
		})

	huma.Register(api, huma.Operation{OperationID: "add-mock-rule", Method: http.MethodPost, Path: "/api/v1/intercept/mock", Summary: "Answer matching requests with a canned response", Tags: []string{"Intercept"}},
		func(ctx context.Context, input *struct {
			Body struct {
				URLContains string `json:"url_contains" required:"true"`
				Status      int    `json:"status,omitempty" doc:"Defaults to 200"`
				Body        string `json:"body,omitempty"`
				ContentType string `json:"content_type,omitempty" doc:"Defaults to text/plain"`
			}
		}) (*rulesOutput, error) {
			rules, err := svc.AddMockRule(ctx, input.Body.URLContains, input.Body.Status, input.Body.Body, input.Body.ContentType)
			if err != nil {
				return nil, mapErr(err)
			}
			return rulesResult(rules), nil
		})

	huma.Register(api, huma.Operation{OperationID: "clear-intercept-rules", Method: http.MethodDelete, Path: "/api/v1/intercept", Summary: "Remove every rule and stop intercepting", Tags: []string{"Intercept"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			if err := svc.ClearInterceptRules(ctx); err != nil {
				return nil, mapErr(err)
			}
			return okStatus(), nil
		})
}
