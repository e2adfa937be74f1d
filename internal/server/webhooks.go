package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"dmecoord/internal/app"
	"dmecoord/internal/domain"
	"dmecoord/internal/webhooks"
)

func registerWebhooks(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "list-webhooks",
		Method:      http.MethodGet,
		Path:        "/webhooks",
		Summary:     "List webhook subscriptions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WebhookList `json:"body"`
	}, error) {
		return &struct {
			Body WebhookList `json:"body"`
		}{Body: WebhookList{Webhooks: a.Registry.List()}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-webhook",
		Method:        http.MethodPost,
		Path:          "/webhooks",
		Summary:       "Register a webhook",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateWebhookRequest `json:"body"`
	}) (*struct {
		Body domain.Webhook `json:"body"`
	}, error) {
		hook, err := a.Registry.Add(ctx, webhooks.AddInput{
			URL:         input.Body.URL,
			Topics:      input.Body.Topics,
			Secret:      input.Body.Secret,
			Description: input.Body.Description,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Webhook `json:"body"`
		}{Body: hook}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-webhook",
		Method:        http.MethodDelete,
		Path:          "/webhooks/{id}",
		Summary:       "Remove a webhook",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := a.Registry.Remove(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-webhook-outbox",
		Method:      http.MethodGet,
		Path:        "/webhooks/outbox",
		Summary:     "Recent delivery records",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit"`
		Status string `query:"status" doc:"Comma separated delivery statuses"`
	}) (*struct {
		Body DeliveryList `json:"body"`
	}, error) {
		items, err := a.Outbox.ListRecent(ctx, normalizeLimit(input.Limit), input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Delivery{}
		}
		return &struct {
			Body DeliveryList `json:"body"`
		}{Body: DeliveryList{Deliveries: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-delivery",
		Method:      http.MethodPost,
		Path:        "/webhooks/outbox/{id}/retry",
		Summary:     "Requeue a failed delivery",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Delivery `json:"body"`
	}, error) {
		d, err := a.Outbox.Retry(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Delivery `json:"body"`
		}{Body: d}, nil
	})
}
