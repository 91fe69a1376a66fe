// Package natsrpc carries build requests over NATS request/reply.
package natsrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/dontdude/buildbox/internal/build"
	"github.com/dontdude/buildbox/internal/domain"
)

const (
	DefaultSubject = "build.request"
	DefaultQueue   = "buildbox-workers"
)

// BuildRequest is the request payload. File contents travel base64-encoded.
type BuildRequest struct {
	ID        string        `json:"id,omitempty"`
	Toolchain string        `json:"toolchain"`
	Files     []domain.File `json:"files"`
	// DeadlineMs is when the requester stops waiting, in Unix milliseconds. The
	// worker abandons the build then. Zero means no deadline.
	DeadlineMs int64 `json:"deadline_ms,omitempty"`
}

// BuildReply carries either the artifact or the failure report.
type BuildReply struct {
	JobID       string         `json:"job_id"`
	OK          bool           `json:"ok"`
	Name        string         `json:"name,omitempty"`
	ContentType string         `json:"content_type,omitempty"`
	Artifact    []byte         `json:"artifact,omitempty"`
	Error       *domain.Report `json:"error,omitempty"`
}

// Builder runs build jobs.
type Builder interface {
	Build(ctx context.Context, req domain.Request) (build.Result, error)
}

// Handler answers build requests. NATS delivers a subscription's messages one at
// a time, so every request is built on its own goroutine and concurrency is left
// to the builder's admission gate.
type Handler struct {
	builder Builder

	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

func NewHandler(b Builder) *Handler {
	return &Handler{builder: b}
}

// Serve queue-subscribes to subject and answers requests until ctx is done. It
// then unsubscribes and waits for in-flight builds; requests still queued in the
// client are left for the requester's timeout.
func (h *Handler) Serve(ctx context.Context, nc *nats.Conn, subject, queue string) error {
	sub, err := nc.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.stopped {
			return
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.respond(msg)
		}()
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	slog.Info("Listening for build requests", "subject", subject, "queue", queue)

	<-ctx.Done()
	slog.Info("Stopping build subscription, waiting for builds to finish...")
	if err := sub.Unsubscribe(); err != nil {
		slog.Warn("Failed to unsubscribe", "error", err)
	}
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.wg.Wait()
	return nil
}

func (h *Handler) respond(msg *nats.Msg) {
	if msg.Reply == "" {
		slog.Warn("Dropping build request without reply subject", "subject", msg.Subject)
		return
	}
	if err := msg.Respond(h.Handle(context.Background(), msg.Data)); err != nil {
		slog.Error("Failed to send build reply", "error", err)
	}
}

// Handle decodes one request, builds it, and returns the encoded reply.
// Requests already accepted finish even while Serve is stopping, unless the
// requester's deadline passes first.
func (h *Handler) Handle(ctx context.Context, data []byte) []byte {
	var req BuildRequest
	var reply BuildReply
	if err := json.Unmarshal(data, &req); err != nil {
		slog.Warn("Failed to parse build request", "error", err)
		rep := domain.NewReport("", domain.Wrap(domain.KindInvalidInput, err, "malformed build request"), 0)
		reply.Error = &rep
		return encode(reply)
	}
	if req.DeadlineMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, time.UnixMilli(req.DeadlineMs))
		defer cancel()
	}

	res, err := h.builder.Build(ctx, domain.Request{
		ID:        req.ID,
		Toolchain: req.Toolchain,
		Files:     req.Files,
	})
	reply.JobID = res.JobID
	if err != nil {
		rep := domain.NewReport(res.JobID, err, res.Duration)
		reply.Error = &rep
		return encode(reply)
	}
	reply.OK = true
	reply.Name, reply.ContentType, reply.Artifact = res.Artifact.Name, res.Artifact.ContentType, res.Artifact.Data
	return encode(reply)
}

func encode(reply BuildReply) []byte {
	data, err := json.Marshal(reply)
	if err != nil {
		// Only reachable with a broken Report type.
		slog.Error("Failed to marshal build reply", "error", err)
		return []byte(`{"ok":false}`)
	}
	return data
}

// Client sends build requests to a worker.
type Client struct {
	nc      *nats.Conn
	subject string
}

func NewClient(nc *nats.Conn, subject string) *Client {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Client{nc: nc, subject: subject}
}

// Build sends req and waits for the reply until ctx is done. A ctx deadline is
// forwarded so the worker gives up when the caller does.
func (c *Client) Build(ctx context.Context, req BuildRequest) (BuildReply, error) {
	if dl, ok := ctx.Deadline(); ok && req.DeadlineMs == 0 {
		req.DeadlineMs = dl.UnixMilli()
	}
	data, err := json.Marshal(req)
	if err != nil {
		return BuildReply{}, fmt.Errorf("failed to marshal build request: %w", err)
	}
	if limit := c.nc.MaxPayload(); limit > 0 && int64(len(data)) > limit {
		return BuildReply{}, fmt.Errorf("build request is %d bytes, the server accepts at most %d", len(data), limit)
	}
	msg, err := c.nc.RequestWithContext(ctx, c.subject, data)
	if err != nil {
		return BuildReply{}, fmt.Errorf("build request failed: %w", err)
	}
	var reply BuildReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return BuildReply{}, fmt.Errorf("failed to parse build reply: %w", err)
	}
	return reply, nil
}

// Connect dials url with a name and reconnect settings suited to long builds.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("Disconnected from NATS", "error", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("Reconnected to NATS", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}
