package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"dmecoord/internal/app"
	"dmecoord/internal/sla"
)

func registerSLA(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "get-sla-policy",
		Method:      http.MethodGet,
		Path:        "/sla/policy",
		Summary:     "Active SLA policy",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body sla.Policy `json:"body"`
	}, error) {
		return &struct {
			Body sla.Policy `json:"body"`
		}{Body: a.SLA.Policy()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reload-sla-policy",
		Method:      http.MethodPost,
		Path:        "/sla/policy/reload",
		Summary:     "Reload the SLA policy file",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body sla.Policy `json:"body"`
	}, error) {
		return &struct {
			Body sla.Policy `json:"body"`
		}{Body: a.SLA.Reload()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "evaluate-sla",
		Method:      http.MethodPost,
		Path:        "/sla/evaluate",
		Summary:     "Score an order against the SLA policy",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body EvaluateRequest `json:"body"`
	}) (*struct {
		Body sla.Score `json:"body"`
	}, error) {
		score, err := a.SLA.Score(ctx, input.Body.OrderID, input.Body.Refresh)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body sla.Score `json:"body"`
		}{Body: score}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-sla-credits",
		Method:      http.MethodGet,
		Path:        "/sla/credits/{order_id}",
		Summary:     "Credit memos for the current breaches of an order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrderID string `path:"order_id"`
	}) (*struct {
		Body CreditsResponse `json:"body"`
	}, error) {
		memos, score, err := a.SLA.Credits(ctx, input.OrderID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreditsResponse `json:"body"`
		}{Body: CreditsResponse{
			OrderID:      input.OrderID,
			Memos:        memos,
			TotalCredits: score.TotalCredits,
			VolumeTier:   score.VolumeTier,
		}}, nil
	})
}
