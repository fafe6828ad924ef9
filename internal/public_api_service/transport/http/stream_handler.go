package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/aradsms/dialqueue/internal/dialqueue/events"
)

// ChangeSubscriber is the feed surface the stream handler consumes.
// *events.Feed satisfies it.
type ChangeSubscriber interface {
	Subscribe(ctx context.Context, subject string) (*events.Subscription, error)
}

// StreamHandler bridges the NATS change feed to browsers as server-sent
// events. Each connection holds one feed subscription, torn down when the
// client goes away.
type StreamHandler struct {
	feed   ChangeSubscriber
	logger *slog.Logger
}

func NewStreamHandler(feed ChangeSubscriber, logger *slog.Logger) *StreamHandler {
	return &StreamHandler{feed: feed, logger: logger}
}

func (h *StreamHandler) RegisterRoutes(r chi.Router) {
	r.Get("/stream/pool", h.StreamPool)
	r.Get("/stream/history", h.StreamHistory)
}

// StreamPool delivers pool change events to the client.
func (h *StreamHandler) StreamPool(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, events.SubjectPool)
}

// StreamHistory delivers the calling operator's history change events.
func (h *StreamHandler) StreamHistory(w http.ResponseWriter, r *http.Request) {
	operator, ok := operatorOrError(w, r, h.logger)
	if !ok {
		return
	}
	h.stream(w, r, events.HistorySubject(operator.ID))
}

func (h *StreamHandler) stream(w http.ResponseWriter, r *http.Request, subject string) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	sub, err := h.feed.Subscribe(ctx, subject)
	if err != nil {
		h.logger.ErrorContext(ctx, "Failed to subscribe to change feed", "error", err, "subject", subject)
		respondWithError(w, http.StatusServiceUnavailable, "Change feed unavailable")
		return
	}
	defer func() {
		if err := sub.Close(); err != nil {
			h.logger.WarnContext(ctx, "Failed to close feed subscription", "error", err, "subject", subject)
		}
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-sub.Events():
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				h.logger.ErrorContext(ctx, "Failed to marshal change event", "error", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: change\ndata: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
