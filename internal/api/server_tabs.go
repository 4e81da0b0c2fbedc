package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/tabmux/internal/cdpsession"
)

func registerTabHandlers(api huma.API, svc Service) {
	type listTabsOutput struct {
		Body struct {
			Tabs []cdpsession.TabInfo `json:"tabs"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List page tabs", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*listTabsOutput, error) {
			tabs, err := svc.ListTabs(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listTabsOutput{}
			out.Body.Tabs = tabs
			return out, nil
		})

	type tabOutput struct {
		Body cdpsession.TabInfo
	}
	huma.Register(api, huma.Operation{OperationID: "get-active-tab", Method: http.MethodGet, Path: "/api/v1/tabs/active", Summary: "Get the active tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*tabOutput, error) {
			tab, err := svc.ActiveTab(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &tabOutput{}
			out.Body = tab
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "new-tab", Method: http.MethodPost, Path: "/api/v1/tabs", Summary: "Open a tab and make it active", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct {
			Body struct {
				URL string `json:"url,omitempty" doc:"Defaults to about:blank"`
			} `required:"false"`
		}) (*tabOutput, error) {
			tab, err := svc.NewTab(ctx, input.Body.URL)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &tabOutput{}
			out.Body = tab
			return out, nil
		})

	type targetIDInput struct {
		TargetID string `path:"target_id"`
	}
	huma.Register(api, huma.Operation{OperationID: "activate-tab", Method: http.MethodPut, Path: "/api/v1/tabs/{target_id}/activate", Summary: "Switch the active tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *targetIDInput) (*tabOutput, error) {
			tab, err := svc.SwitchTab(ctx, input.TargetID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &tabOutput{}
			out.Body = tab
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "close-tab", Method: http.MethodDelete, Path: "/api/v1/tabs/{target_id}", Summary: "Close a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *targetIDInput) (*statusOutput, error) {
			if err := svc.CloseTab(ctx, input.TargetID); err != nil {
				return nil, mapErr(err)
			}
			return okStatus(), nil
		})

	type waitTabOutput struct {
		Body struct {
			TargetID string `json:"target_id"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "wait-new-tab", Method: http.MethodPost, Path: "/api/v1/tabs/wait", Summary: "Wait for the browser to open a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct {
			Body struct {
				TimeoutMS int `json:"timeout_ms,omitempty" doc:"Defaults to 10000, at most 120000"`
			} `required:"false"`
		}) (*waitTabOutput, error) {
			id, err := svc.WaitForNewTab(ctx, input.Body.TimeoutMS)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &waitTabOutput{}
			out.Body.TargetID = id
			return out, nil
		})
}
