package server

import (
	"context"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/danielgtaylor/huma/v2"

	"deliverline/internal/deliverable"
	"deliverline/internal/events"
	"deliverline/internal/pipeline"
)

type webhookHandler struct {
	extractor pipeline.Extractor
	sources   map[string]struct{}
	journal   *events.Writer
	logger    *log.Logger
}

func registerWebhook(api huma.API, h webhookHandler) {
	huma.Register(api, huma.Operation{
		OperationID: "webhook-extract",
		Method:      http.MethodPost,
		Path:        "/webhook/{source}",
		Summary:     "Extract deliverables from text pushed by an upstream tool",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Source string `path:"source" doc:"Upstream tool name, e.g. monday or hubspot"`
		Body   WebhookRequest
	}) (*struct {
		Body []DeliverableResponse `json:"body"`
	}, error) {
		records, err := h.handle(ctx, input.Source, input.Body.Text)
		if err != nil {
			return nil, err
		}
		return &struct {
			Body []DeliverableResponse `json:"body"`
		}{Body: mapDeliverables(records)}, nil
	})
}

func (h webhookHandler) handle(ctx context.Context, source, text string) ([]deliverable.Record, error) {
	reqID := requestIDFrom(ctx)
	logger := h.logger.With("request_id", reqID, "source", source)
	if h.sources != nil {
		if _, ok := h.sources[source]; !ok {
			logger.Warn("unknown webhook source")
			return nil, newAPIError(http.StatusNotFound, "unknown_source", "unknown webhook source", map[string]any{"source": source})
		}
	}
	logger.Info("received webhook trigger", "bytes", len(text))
	start := time.Now()
	records, err := h.extractor.Extract(ctx, text)
	if err != nil {
		kind := deliverable.KindOf(err)
		logger.Error("extraction failed", "kind", kind, "err", err, "elapsed", since(start))
		h.record(ctx, logger, events.TypeFailed, source, reqID, events.EventPayload{
			"kind":      kind,
			"retryable": deliverable.Retryable(err),
		})
		return nil, handleError(ctx, err)
	}
	logger.Info("extraction completed", "records", len(records), "elapsed", since(start))
	h.record(ctx, logger, events.TypeCompleted, source, reqID, events.EventPayload{
		"records": len(records),
	})
	return records, nil
}

// record appends a journal event. Journal failures never fail the request.
func (h webhookHandler) record(ctx context.Context, logger *log.Logger, evtType, source, reqID string, payload events.EventPayload) {
	if h.journal == nil {
		return
	}
	if err := h.journal.Append(context.WithoutCancel(ctx), evtType, source, reqID, payload); err != nil {
		logger.Warn("journal append failed", "err", err)
	}
}
