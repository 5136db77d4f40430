package offlinecache

import (
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/manifest"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPartitionPrefix = "offline"
	DefaultSyncConcurrency = 4
	DefaultRetryInterval   = 30 * time.Second
)

type Config struct {
	// Store holds the cache partitions. Defaults to an in-memory store.
	Store cache.Store
	// OriginURL is the origin of the application. Logical keys are
	// resolved against it.
	OriginURL url.URL
	// OriginHost overrides the Host header and TLS server name.
	OriginHost string
	// Upstream is the network. Defaults to an OriginUpstream for OriginURL.
	Upstream Upstream
	// Logger defaults to the global zerolog logger.
	Logger          *zerolog.Logger
	PartitionPrefix string
	// DeferActivation keeps a newly installed worker waiting while another
	// worker is active, until a skipWaiting message arrives.
	DeferActivation bool
	// SyncConcurrency bounds parallel fetches during install and sync.
	SyncConcurrency int
	// RetryInterval is the pause between install attempts in Run.
	RetryInterval time.Duration
}

// Host dispatches lifecycle events and requests to worker instances.
type Host struct {
	store           cache.Store
	names           Partitions
	keyer           cachekey.CacheKeyer
	upstream        Upstream
	log             zerolog.Logger
	deferActivation bool
	fetchLimit      int
	retryInterval   time.Duration

	// lifecycle serializes install, activation and sync
	lifecycle sync.Mutex
	// gate is held exclusively while a worker activates
	gate    sync.RWMutex
	mutex   sync.RWMutex
	active  *Worker
	waiting *Worker
	pending sync.WaitGroup
	writes  sync.WaitGroup
}

// CreateHost initializes the host. No worker is active until the first
// call to Register or Run.
func CreateHost(config Config) *Host {
	h := &Host{
		store:           config.Store,
		names:           PartitionNames(config.PartitionPrefix),
		keyer:           cachekey.NewCacheKeyer(config.OriginURL.String()),
		upstream:        config.Upstream,
		deferActivation: config.DeferActivation,
		fetchLimit:      config.SyncConcurrency,
		retryInterval:   config.RetryInterval,
	}
	if h.store == nil {
		h.store = cache.NewMemStore()
	}
	if config.PartitionPrefix == "" {
		h.names = PartitionNames(DefaultPartitionPrefix)
	}
	if h.upstream == nil {
		h.upstream = NewOriginUpstream(config.OriginURL, config.OriginHost)
	}
	if h.fetchLimit <= 0 {
		h.fetchLimit = DefaultSyncConcurrency
	}
	if h.retryInterval <= 0 {
		h.retryInterval = DefaultRetryInterval
	}
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	h.log = logger.With().Str("origin", h.keyer.Origin).Logger()
	return h
}

func (h *Host) newWorker(m manifest.Manifest, shell []string) *Worker {
	return &Worker{
		manifest:   m,
		shell:      shell,
		store:      h.store,
		names:      h.names,
		keyer:      h.keyer,
		upstream:   h.upstream,
		log:        h.log.With().Str("version", m.Version()).Logger(),
		fetchLimit: h.fetchLimit,
		pending:    &h.pending,
		writes:     &h.writes,
		state:      StateInstalling,
	}
}

// Active returns the worker currently intercepting requests, if any.
func (h *Host) Active() *Worker {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.active
}

// Waiting returns the installed worker waiting to be activated, if any.
func (h *Host) Waiting() *Worker {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.waiting
}

// Wait blocks until all background work started by the host is done.
func (h *Host) Wait() {
	h.pending.Wait()
	h.writes.Wait()
}

// Partitions returns the names of the partitions the host uses.
func (h *Host) Partitions() Partitions {
	return h.names
}

// ServeHTTP implements the http.Handler interface.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer h.recover(w, r)
	h.handle(w, r)
}

// recover recovers from panics and sends the request to the escape hatch.
func (h *Host) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		h.logger(r).WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in cache handler")
		h.upstream.ServeHTTP(w, r)
	}
}

func (h *Host) handle(w http.ResponseWriter, r *http.Request) {
	logger := h.logger(r)
	logger.Trace().Interface("headers", r.Header).Msgf("Incoming request: %s %s", r.Method, r.URL.Path)

	var status cachestatus.CacheStatus
	ic, ok, err := h.intercept(r)
	if !ok {
		status.Forward(cachestatus.FwdReasonBypass)
		h.forward(w, r, status)
		return
	}
	if err != nil {
		logger.Error().Err(err).Msg("Could not fetch response")
		http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	if !ic.Handled {
		if r.Method != http.MethodGet {
			status.Forward(cachestatus.FwdReasonMethod)
		} else {
			status.Forward(cachestatus.FwdReasonBypass)
		}
		h.forward(w, r, status)
		return
	}
	if err := send(w, ic.Response, ic.Status, logger); err != nil {
		logger.Error().Err(err).Msg("Error writing to client")
	}
}

// intercept lets the active worker handle the request.
// It reports false if there is no active worker.
// Activation waits for running interceptions and the cache writes they start.
func (h *Host) intercept(r *http.Request) (Interception, bool, error) {
	h.gate.RLock()
	defer h.gate.RUnlock()
	worker := h.Active()
	if worker == nil {
		return Interception{}, false, nil
	}
	ic, err := worker.Intercept(r)
	return ic, true, err
}

// forward sends the request along the default network path.
func (h *Host) forward(w http.ResponseWriter, r *http.Request, status cachestatus.CacheStatus) {
	h.logger(r).Trace().Str("fwd", string(status.FwdReason)).Msg("Forwarding to upstream")
	w.Header().Add("Cache-Status", status.String())
	h.upstream.ServeHTTP(w, r)
}

// logger returns the request logger if the request went through the hlog
// middleware, the host logger otherwise.
func (h *Host) logger(r *http.Request) *zerolog.Logger {
	logger := hlog.FromRequest(r)
	if logger.GetLevel() == zerolog.Disabled {
		logger = &h.log
	}
	return logger
}

func send(w http.ResponseWriter, res *http.Response, status cachestatus.CacheStatus, logger *zerolog.Logger) error {
	evt := logger.Debug()
	if res.Request == nil {
		logger.Warn().Msg("Could not get request for response to client")
	} else {
		evt = evt.Str("url", res.Request.URL.String())
	}
	isHit := 0
	if status.IsHit() {
		isHit = 1
	}
	evt.
		Str("status", string(status.Status)).
		Str("fwd", string(status.FwdReason)).
		Bool("stored", status.Stored).
		Int("hit", isHit).
		Msg("Sending response to client")

	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.Header().Add("Cache-Status", status.String())
	w.WriteHeader(res.StatusCode)
	if res.Body == nil {
		return nil
	}
	bytesWritten, err := io.Copy(w, res.Body)
	logger.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
	return err
}
