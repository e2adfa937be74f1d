package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"dmecoord/internal/app"
	"dmecoord/internal/archive"
	"dmecoord/internal/domain"
	"dmecoord/internal/events"
)

func registerEvents(api huma.API, a *app.App) {
	huma.Register(api, huma.Operation{
		OperationID: "recent-events",
		Method:      http.MethodGet,
		Path:        "/events/recent",
		Summary:     "Most recent events",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		items, err := a.Log.Recent(normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventList `json:"body"`
		}{Body: EventList{Events: orEmptyEvents(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "replay-events",
		Method:      http.MethodGet,
		Path:        "/events/replay",
		Summary:     "Replay events by time range, topic and order",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Since   string `query:"since" doc:"RFC 3339 lower bound"`
		Until   string `query:"until" doc:"RFC 3339 upper bound"`
		Topics  string `query:"topics" doc:"Comma separated topic patterns"`
		OrderID string `query:"order_id"`
	}) (*struct {
		Body EventList `json:"body"`
	}, error) {
		filter, err := replayFilter(input.Since, input.Until)
		if err != nil {
			return nil, handleError(err)
		}
		filter.Topics = splitCSV(input.Topics)
		filter.OrderID = strings.TrimSpace(input.OrderID)
		items, err := a.Log.Replay(filter)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventList `json:"body"`
		}{Body: EventList{Events: orEmptyEvents(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish-event",
		Method:      http.MethodPost,
		Path:        "/events",
		Summary:     "Publish an external lifecycle event",
		Description: "Records facts such as shipment.delivered or claim.paid so SLA scoring sees them.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body PublishEventRequest `json:"body"`
	}) (*struct {
		Body domain.Event `json:"body"`
	}, error) {
		topic := strings.TrimSpace(input.Body.Topic)
		if topic == "" {
			return nil, handleError(domain.Invalid("topic", "topic is required"))
		}
		evt, err := a.Log.Publish(ctx, topic, input.Body.Payload)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Event `json:"body"`
		}{Body: evt}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "order-timeline",
		Method:      http.MethodGet,
		Path:        "/orders/{order_id}/timeline",
		Summary:     "Every event recorded for an order",
	}, func(ctx context.Context, input *struct {
		OrderID string `path:"order_id"`
	}) (*struct {
		Body Timeline `json:"body"`
	}, error) {
		items, err := a.Log.ForOrder(input.OrderID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body Timeline `json:"body"`
		}{Body: Timeline{
			OrderID:     input.OrderID,
			GeneratedAt: domain.FormatTime(a.Engine.Now()),
			Events:      orEmptyEvents(items),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-events",
		Method:      http.MethodPost,
		Path:        "/events/archive",
		Summary:     "Export events to parquet in object storage",
		Errors:      []int{http.StatusBadRequest, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body *ArchiveRequest `json:"body" required:"false"`
	}) (*struct {
		Body archive.Result `json:"body"`
	}, error) {
		var req ArchiveRequest
		if input.Body != nil {
			req = *input.Body
		}
		filter, err := replayFilter(req.Since, req.Until)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := a.Archive.Export(ctx, filter.Since, filter.Until)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body archive.Result `json:"body"`
		}{Body: res}, nil
	})
}

func replayFilter(since, until string) (events.ReplayFilter, error) {
	var f events.ReplayFilter
	var err error
	if f.Since, err = events.ParseBound("since", since); err != nil {
		return f, err
	}
	if f.Until, err = events.ParseBound("until", until); err != nil {
		return f, err
	}
	return f, nil
}
