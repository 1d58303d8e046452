package server

import (
	"deliverline/internal/deliverable"
	"deliverline/internal/events"
)

// Request payloads

type WebhookRequest struct {
	Text string `json:"text" doc:"Free text to extract deliverables from" example:"Client receives one branded booth at the launch event, due before 1 December 2025."`
}

// Response payloads

type DeliverableResponse struct {
	Name        string  `json:"name" example:"Branded Booth"`
	Description string  `json:"description" example:"One branded booth at the launch event."`
	Team        string  `json:"team" enum:"EVENTS,MARKETING,NONE"`
	DueDate     *string `json:"due_date" nullable:"true" example:"Dec 01, 2025"`
}

type EventResponse struct {
	ID        int64  `json:"id"`
	TS        string `json:"ts" format:"date-time"`
	Type      string `json:"type"`
	Source    string `json:"source"`
	RequestID string `json:"request_id"`
	Payload   string `json:"payload_json,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

func deliverableResponse(r deliverable.Record) DeliverableResponse {
	out := DeliverableResponse{
		Name:        r.Name,
		Description: r.Description,
		Team:        string(r.Team),
	}
	if r.DueDate != nil {
		s := r.DueDate.String()
		out.DueDate = &s
	}
	return out
}

func mapDeliverables(items []deliverable.Record) []DeliverableResponse {
	out := make([]DeliverableResponse, 0, len(items))
	for _, r := range items {
		out = append(out, deliverableResponse(r))
	}
	return out
}

func eventResponse(e events.Event) EventResponse {
	return EventResponse{
		ID:        e.ID,
		TS:        e.TS,
		Type:      e.Type,
		Source:    e.Source,
		RequestID: e.RequestID,
		Payload:   e.Payload,
	}
}
