package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// RetryHandler serves retry requests arriving on the bus.
type RetryHandler struct {
	svc *Service
	bus *bus.Client
	log *slog.Logger
	sub *nats.Subscription
}

// ServeRetries subscribes to protocol.SubjectRetry in a queue group so that
// only one replica handles each request.
func ServeRetries(svc *Service, client *bus.Client, log *slog.Logger) (*RetryHandler, error) {
	h := &RetryHandler{svc: svc, bus: client, log: log.With(slog.String("component", "retry-handler"))}
	sub, err := client.Conn().QueueSubscribe(protocol.SubjectRetry, "scribe-retry", h.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", protocol.SubjectRetry, err)
	}
	h.sub = sub
	return h, nil
}

func (h *RetryHandler) handle(msg *nats.Msg) {
	var req protocol.RetryRequest
	reply := protocol.RetryReply{}
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		reply.Error = fmt.Sprintf("invalid retry request: %v", err)
		h.respond(msg, reply)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ids, err := h.svc.Retry(ctx, req.SessionID, req.SegmentIDs)
	if err != nil {
		h.log.Warn("retry request rejected",
			slog.String("session_id", req.SessionID),
			slog.String("error", err.Error()))
		reply.Error = err.Error()
	} else {
		reply.Accepted = true
		reply.SegmentIDs = ids
	}
	h.respond(msg, reply)
}

func (h *RetryHandler) respond(msg *nats.Msg, reply protocol.RetryReply) {
	if msg.Reply == "" {
		return
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		h.log.Warn("encode retry reply", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(payload); err != nil {
		h.log.Warn("failed to reply to retry request", slog.String("error", err.Error()))
	}
}

func (h *RetryHandler) Close() {
	if h == nil || h.sub == nil {
		return
	}
	_ = h.sub.Drain()
}
