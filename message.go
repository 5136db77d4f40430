package offlinecache

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"
)

// Messages understood by Host.Message.
const (
	MessageSkipWaiting     = "skipWaiting"
	MessageDownloadOffline = "downloadOffline"
)

// ControlPrefix is the path prefix of the control endpoints mounted by Router.
const ControlPrefix = "/.offline-cache"

// Message handles a message posted by a client. Unknown messages are ignored.
func (h *Host) Message(ctx context.Context, msg string) error {
	switch msg {
	case MessageSkipWaiting:
		return h.SkipWaiting(ctx)
	case MessageDownloadOffline:
		return h.downloadOffline(ctx)
	default:
		h.log.Debug().Str("message", msg).Msg("Ignoring unknown message")
		return nil
	}
}

func (h *Host) downloadOffline(ctx context.Context) error {
	h.lifecycle.Lock()
	defer h.lifecycle.Unlock()
	w := h.Active()
	if w == nil {
		return ErrNoActiveWorker
	}
	_, err := w.Sync(ctx)
	return err
}

// Known reports whether msg is a message handled by Message.
func Known(msg string) bool {
	return msg == MessageSkipWaiting || msg == MessageDownloadOffline
}

type WorkerStatus struct {
	Version   string `json:"version"`
	State     string `json:"state"`
	Resources int    `json:"resources"`
}

type HostStatus struct {
	Origin     string        `json:"origin"`
	Active     *WorkerStatus `json:"active,omitempty"`
	Waiting    *WorkerStatus `json:"waiting,omitempty"`
	Partitions Partitions    `json:"partitions"`
	// Cached is the number of entries in the content partition.
	Cached int `json:"cached"`
}

func workerStatus(w *Worker) *WorkerStatus {
	if w == nil {
		return nil
	}
	return &WorkerStatus{
		Version:   w.Version(),
		State:     w.State().String(),
		Resources: w.Manifest().Len(),
	}
}

// Status reports the workers known to the host and the size of the cache.
func (h *Host) Status(ctx context.Context) (HostStatus, error) {
	status := HostStatus{
		Origin:     h.keyer.Origin,
		Active:     workerStatus(h.Active()),
		Waiting:    workerStatus(h.Waiting()),
		Partitions: h.names,
	}
	content, err := h.store.Open(ctx, h.names.Content)
	if err != nil {
		return status, err
	}
	keys, err := content.Keys(ctx)
	if err != nil {
		return status, err
	}
	status.Cached = len(keys)
	return status, nil
}

// Router returns a handler serving the control endpoints under
// ControlPrefix, and the cache for everything else.
func (h *Host) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(hlog.NewHandler(h.log))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Request handled")
	}))

	r.Route(ControlPrefix, func(r chi.Router) {
		r.Post("/message", h.handleMessage)
		r.Get("/status", h.handleStatus)
	})
	r.Handle("/*", h)
	return r
}

// handleMessage accepts the message as plain text or as a JSON string.
// Known messages are processed in the background.
func (h *Host) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1024))
	if err != nil {
		http.Error(w, "Could not read message", http.StatusBadRequest)
		return
	}
	msg := strings.Trim(string(body), "\" \t\r\n")
	logger := hlog.FromRequest(r)
	if !Known(msg) {
		logger.Debug().Str("message", msg).Msg("Ignoring unknown message")
		w.WriteHeader(http.StatusNoContent)
		return
	}

	h.pending.Add(1)
	go func() {
		defer h.pending.Done()
		if err := h.Message(context.Background(), msg); err != nil {
			logger.Error().Err(err).Str("message", msg).Msg("Message failed")
		}
	}()
	w.WriteHeader(http.StatusAccepted)
	io.WriteString(w, "Processing "+msg+"...")
}

func (h *Host) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.Status(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not read cache status")
		http.Error(w, "Could not read cache status", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Error writing to client")
	}
}
