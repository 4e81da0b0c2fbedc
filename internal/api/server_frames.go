package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/tabmux/internal/cdpsession"
)

func registerFrameHandlers(api huma.API, svc Service) {
	type framesOutput struct {
		Body struct {
			Frames []cdpsession.FrameInfo `json:"frames"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-frames", Method: http.MethodGet, Path: "/api/v1/frames", Summary: "List frames of the active tab", Tags: []string{"Frames"}},
		func(ctx context.Context, input *struct{}) (*framesOutput, error) {
			frames, err := svc.ListFrames(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &framesOutput{}
			out.Body.Frames = frames
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "activate-frame", Method: http.MethodPut, Path: "/api/v1/frames/{frame_id}/activate", Summary: "Evaluate in a frame from now on", Tags: []string{"Frames"}},
		func(ctx context.Context, input *struct {
			FrameID string `path:"frame_id"`
		}) (*statusOutput, error) {
			if err := svc.SwitchFrame(ctx, input.FrameID); err != nil {
				return nil, mapErr(err)
			}
			return okStatus(), nil
		})

	huma.Register(api, huma.Operation{OperationID: "reset-frame", Method: http.MethodDelete, Path: "/api/v1/frames/active", Summary: "Return to the main frame", Tags: []string{"Frames"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			if err := svc.ResetFrame(ctx); err != nil {
				return nil, mapErr(err)
			}
			return okStatus(), nil
		})
}
