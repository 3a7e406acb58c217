package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/ChamsBouzaiene/forge/internal/events"
)

// StreamError is sent instead of events when the session is unknown.
type StreamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func registerEvents(api huma.API, cfg Config) {
	sse.Register(api, huma.Operation{
		OperationID: "stream-generation-events",
		Method:      http.MethodGet,
		Path:        "/generations/{id}/events",
		Summary:     "Follow the event log of a generation",
		Description: "Replays events after lastEventId (or the Last-Event-ID header) and follows live ones until the terminal generation event.",
	}, map[string]any{
		"message": events.Event{},
		"error":   StreamError{},
	}, func(ctx context.Context, input *struct {
		ID          string `path:"id"`
		LastEventID string `header:"Last-Event-ID"`
		After       string `query:"lastEventId"`
	}, send sse.Sender) {
		after := parseCursor(input.LastEventID, input.After)
		if _, err := cfg.Sessions.Get(input.ID); err != nil && len(cfg.Bus.History(input.ID, 0)) == 0 {
			_ = send.Data(StreamError{Code: "not_found", Message: err.Error()})
			return
		}
		for e := range cfg.Bus.Subscribe(ctx, input.ID, after) {
			if err := send(sse.Message{ID: int(e.Seq), Data: e}); err != nil {
				return
			}
		}
	})
}

// parseCursor prefers the reconnect header over the query parameter.
func parseCursor(values ...string) int64 {
	for _, v := range values {
		if v == "" {
			continue
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	return 0
}
