package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"dmecoord/internal/app"
	"dmecoord/internal/compliance"
	"dmecoord/internal/domain"
	"dmecoord/internal/engine"
)

func registerPortal(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "create-portal-order",
		Method:      http.MethodPost,
		Path:        "/portal/orders",
		Summary:     "Submit a portal order",
		Description: "Orders start in pending_review with a hold task unless the disposition is approved.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body engine.PortalOrderInput `json:"body"`
	}) (*struct {
		Body engine.PortalOrderResult `json:"body"`
	}, error) {
		res, err := a.Engine.CreatePortalOrder(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.PortalOrderResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-portal-orders",
		Method:      http.MethodGet,
		Path:        "/portal/orders",
		Summary:     "List portal orders",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"Comma separated statuses"`
	}) (*struct {
		Body PortalOrderList `json:"body"`
	}, error) {
		items, err := a.Engine.ListPortalOrders(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.PortalOrder{}
		}
		return &struct {
			Body PortalOrderList `json:"body"`
		}{Body: PortalOrderList{Orders: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-portal-order",
		Method:      http.MethodGet,
		Path:        "/portal/orders/{id}",
		Summary:     "Get portal order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.PortalOrder `json:"body"`
	}, error) {
		order, err := a.Engine.GetPortalOrder(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PortalOrder `json:"body"`
		}{Body: order}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-portal-order",
		Method:      http.MethodPost,
		Path:        "/portal/orders/{id}/approve",
		Summary:     "Approve a portal order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body *ApproveOrderRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.PortalOrder `json:"body"`
	}, error) {
		var req ApproveOrderRequest
		if input.Body != nil {
			req = *input.Body
		}
		order, err := a.Engine.ApprovePortalOrder(ctx, input.ID, actorOr(ctx, req.Actor), req.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PortalOrder `json:"body"`
		}{Body: order}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "patient-action",
		Method:      http.MethodPost,
		Path:        "/patient-actions",
		Summary:     "Record a patient action",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body engine.PatientActionInput `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := a.Engine.RecordPatientAction(ctx, input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerCompliance(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "compliance-scan",
		Method:      http.MethodPost,
		Path:        "/compliance/scan",
		Summary:     "Run the compliance radar",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		AsOf string `query:"as_of" doc:"2006-01-02, 2006/01/02 or 01/02/2006"`
	}) (*struct {
		Body compliance.Summary `json:"body"`
	}, error) {
		asOf := a.Engine.Now()
		if strings.TrimSpace(input.AsOf) != "" {
			parsed, err := compliance.ParseAsOf(input.AsOf)
			if err != nil {
				return nil, handleError(err)
			}
			asOf = parsed
		}
		summary, err := a.Scanner.Scan(ctx, asOf)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body compliance.Summary `json:"body"`
		}{Body: summary}, nil
	})
}
