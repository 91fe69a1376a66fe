// Package web exposes the build orchestrator over HTTP.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/dontdude/buildbox/internal/build"
	"github.com/dontdude/buildbox/internal/domain"
)

// StatusClientClosedRequest is the nginx convention for a caller that went away.
const StatusClientClosedRequest = 499

const defaultRecentJobs = 50

// Builder runs build jobs.
type Builder interface {
	Build(ctx context.Context, req domain.Request) (build.Result, error)
}

// Gate reports admission gate occupancy.
type Gate interface {
	InFlight() int
	Capacity() int
}

// JobHistory serves finished jobs.
type JobHistory interface {
	Get(ctx context.Context, id string) (domain.JobRecord, error)
	Recent(ctx context.Context, limit int) ([]domain.JobRecord, error)
}

// EventHistory serves the recorded events of one job.
type EventHistory interface {
	History(ctx context.Context, jobID string, count int64) ([]domain.Event, error)
}

// Deps are the collaborators the HTTP surface needs. Optional ones may be nil.
type Deps struct {
	Builder        Builder
	Gate           Gate
	Toolchains     []string
	MaxUploadBytes int64
	Limiter        *RateLimiter
	Hub            *Hub
	Jobs           JobHistory
	Events         EventHistory
}

// NewRouter wires every route onto a standard library mux.
func NewRouter(d Deps) http.Handler {
	mux := http.NewServeMux()

	buildHandler := handleBuild(d.Builder, d.MaxUploadBytes)
	if d.Limiter != nil {
		buildHandler = d.Limiter.RateLimitMiddleware(buildHandler)
	}
	mux.HandleFunc("POST /build/{language}", buildHandler)

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/healthz", http.StatusFound)
	})
	mux.HandleFunc("GET /healthz", handleHealth(d.Gate))
	mux.HandleFunc("GET /api/toolchains", handleToolchains(d.Toolchains))
	mux.HandleFunc("GET /api/jobs", handleRecentJobs(d.Jobs))
	mux.HandleFunc("GET /api/jobs/{id}", handleJob(d.Jobs))
	mux.HandleFunc("GET /api/jobs/{id}/events", handleJobEvents(d.Events))
	if d.Hub != nil {
		mux.HandleFunc("GET /api/ws", d.Hub.HandleWS())
	}

	return enableCORS(mux)
}

// handleBuild creates a closure to inject the Builder dependency.
func handleBuild(b Builder, maxUpload int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if maxUpload > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
		}

		files, err := readUploads(r)
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				writeReport(w, http.StatusRequestEntityTooLarge, domain.NewReport("",
					domain.Errorf(domain.KindInvalidInput, "upload exceeds %d bytes", tooBig.Limit), 0))
				return
			}
			writeReport(w, http.StatusBadRequest, domain.NewReport("", err, 0))
			return
		}

		res, err := b.Build(r.Context(), domain.Request{
			ID:        r.Header.Get("X-Job-Id"),
			Toolchain: r.PathValue("language"),
			Files:     files,
		})
		w.Header().Set("X-Job-Id", res.JobID)
		if err != nil {
			if r.Context().Err() != nil {
				// Nobody is listening any more.
				return
			}
			writeReport(w, StatusFor(domain.KindOf(err)), domain.NewReport(res.JobID, err, res.Duration))
			return
		}

		art := res.Artifact
		w.Header().Set("Content-Type", art.ContentType)
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": art.Name}))
		w.Header().Set("Content-Length", strconv.Itoa(len(art.Data)))
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write(art.Data); err != nil {
			slog.Warn("Failed to write artifact", "jobID", res.JobID, "error", err)
		}
	}
}

// readUploads reads every file part of a multipart body, whatever its field name.
func readUploads(r *http.Request) ([]domain.File, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, domain.Wrap(domain.KindInvalidInput, err, "request must be multipart/form-data")
	}
	var files []domain.File
	for {
		part, err := mr.NextRawPart()
		if errors.Is(err, io.EOF) {
			return files, nil
		}
		if err != nil {
			return nil, malformed(err)
		}
		name, ok := uploadName(part.Header.Get("Content-Disposition"))
		if !ok {
			part.Close()
			continue
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return nil, malformed(err)
		}
		files = append(files, domain.File{Name: name, Content: data})
	}
}

// uploadName returns the raw filename parameter. Part.FileName is not used
// because it reduces the name to its base, which would hide traversal attempts
// and flatten nested paths.
func uploadName(disposition string) (string, bool) {
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return "", false
	}
	name, ok := params["filename"]
	return name, ok
}

func malformed(err error) error {
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		return err
	}
	return domain.Wrap(domain.KindInvalidInput, err, "malformed multipart body")
}

// StatusFor maps an error kind to its HTTP status.
func StatusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindUnsupportedToolchain:
		return http.StatusNotFound
	case domain.KindInvalidInput, domain.KindNoMatchingFiles:
		return http.StatusBadRequest
	case domain.KindExecutionFailed, domain.KindExecutionTimeout, domain.KindArtifactMissing, domain.KindArtifactTooLarge:
		return http.StatusUnprocessableEntity
	case domain.KindBusy:
		return http.StatusServiceUnavailable
	case domain.KindCanceled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func handleHealth(g Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok"}
		if g != nil {
			body["in_flight"] = g.InFlight()
			body["capacity"] = g.Capacity()
		}
		writeJSON(w, http.StatusOK, body)
	}
}

func handleToolchains(keys []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string][]string{"toolchains": keys})
	}
}

func handleJob(jobs JobHistory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jobs == nil {
			writeError(w, http.StatusNotFound, "job history is disabled")
			return
		}
		rec, err := jobs.Get(r.Context(), r.PathValue("id"))
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if err != nil {
			slog.Error("Failed to load job", "jobID", r.PathValue("id"), "error", err)
			writeError(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleRecentJobs(jobs JobHistory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jobs == nil {
			writeError(w, http.StatusNotFound, "job history is disabled")
			return
		}
		limit := defaultRecentJobs
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 1000 {
				writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
				return
			}
			limit = n
		}
		recs, err := jobs.Recent(r.Context(), limit)
		if err != nil {
			slog.Error("Failed to list jobs", "error", err)
			writeError(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}
		if recs == nil {
			recs = []domain.JobRecord{}
		}
		writeJSON(w, http.StatusOK, recs)
	}
}

func handleJobEvents(events EventHistory) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if events == nil {
			writeError(w, http.StatusNotFound, "event history is disabled")
			return
		}
		evs, err := events.History(r.Context(), r.PathValue("id"), 1000)
		if err != nil {
			slog.Error("Failed to load job events", "jobID", r.PathValue("id"), "error", err)
			writeError(w, http.StatusInternalServerError, "Internal Server Error")
			return
		}
		if len(evs) == 0 {
			writeError(w, http.StatusNotFound, "no events recorded for job")
			return
		}
		writeJSON(w, http.StatusOK, evs)
	}
}

func writeReport(w http.ResponseWriter, status int, rep domain.Report) {
	writeJSON(w, status, rep)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("Failed to write response", "status", status, "error", err)
	}
}

// enableCORS adds headers to allow requests from a browser frontend.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Job-Id")
		w.Header().Set("Access-Control-Expose-Headers", "X-Job-Id, Content-Disposition")

		// Handle Preflight OPTIONS request
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Serve runs srv until ctx is done, then shuts it down within grace.
func Serve(ctx context.Context, srv *http.Server, grace time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("API Server starting", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down API server...", "grace", grace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}
