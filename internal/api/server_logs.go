package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/tabmux/internal/cdpsession"
)

func registerLogHandlers(api huma.API, svc Service) {
	type consoleOutput struct {
		Body struct {
			Entries []cdpsession.ConsoleEntry `json:"entries"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "get-console-log", Method: http.MethodGet, Path: "/api/v1/logs/console", Summary: "Console messages from every attached tab", Tags: []string{"Logs"}},
		func(ctx context.Context, input *struct{}) (*consoleOutput, error) {
			entries, err := svc.ConsoleLog(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &consoleOutput{}
			out.Body.Entries = entries
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "clear-console-log", Method: http.MethodDelete, Path: "/api/v1/logs/console", Summary: "Clear the console log", Tags: []string{"Logs"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			if err := svc.ClearConsoleLog(ctx); err != nil {
				return nil, mapErr(err)
			}
			return okStatus(), nil
		})

	type networkOutput struct {
		Body struct {
			Entries []cdpsession.NetworkEntry `json:"entries"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "get-network-log", Method: http.MethodGet, Path: "/api/v1/logs/network", Summary: "Network activity from every attached tab", Tags: []string{"Logs"}},
		func(ctx context.Context, input *struct{}) (*networkOutput, error) {
			entries, err := svc.NetworkLog(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &networkOutput{}
			out.Body.Entries = entries
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "clear-network-log", Method: http.MethodDelete, Path: "/api/v1/logs/network", Summary: "Clear the network log", Tags: []string{"Logs"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			if err := svc.ClearNetworkLog(ctx); err != nil {
				return nil, mapErr(err)
			}
			return okStatus(), nil
		})
}
