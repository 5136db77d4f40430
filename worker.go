package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/manifest"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of a worker.
type State int

const (
	StateInstalling State = iota
	StateWaiting
	StateActivating
	StateActive
	StateRedundant
)

var stateNames = [...]string{"installing", "waiting", "activating", "active", "redundant"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

var (
	ErrInvalidState = errors.New("invalid worker state")
	ErrBadStatus    = errors.New("unsuccessful response status")
)

// manifestRecordKey is the only key of the manifest partition.
const manifestRecordKey = "manifest"

// Partitions names the three store partitions used by the cache.
type Partitions struct {
	// Content holds the responses served to clients.
	Content string `json:"content"`
	// Staging holds the shell resources fetched during install.
	Staging string `json:"staging"`
	// Manifest holds the record of the last activated manifest.
	Manifest string `json:"manifest"`
}

// PartitionNames derives the partition names from a prefix.
func PartitionNames(prefix string) Partitions {
	return Partitions{
		Content:  prefix + "-app-cache",
		Staging:  prefix + "-temp-cache",
		Manifest: prefix + "-app-manifest",
	}
}

// Worker reconciles the store with one version of the resource manifest
// and intercepts requests for the resources it lists.
type Worker struct {
	manifest   manifest.Manifest
	shell      []string
	store      cache.Store
	names      Partitions
	keyer      cachekey.CacheKeyer
	upstream   Upstream
	log        zerolog.Logger
	fetchLimit int
	pending    *sync.WaitGroup
	// writes tracks background cache writes, drained before activation
	writes *sync.WaitGroup

	mutex sync.Mutex
	state State
}

// ActivationResult describes what an activation did to the content partition.
type ActivationResult struct {
	// FirstRun is set if there was no manifest record and the content
	// partition was rebuilt from scratch.
	FirstRun bool
	Retained []string
	Evicted  []string
	Merged   []string
}

// Interception is the outcome of Intercept.
// If Handled is false the request must take the default network path.
type Interception struct {
	Handled  bool
	Response *http.Response
	Status   cachestatus.CacheStatus
}

// Manifest returns the manifest this worker serves.
func (w *Worker) Manifest() manifest.Manifest {
	return w.manifest
}

// Version returns the fingerprint of the worker's manifest.
func (w *Worker) Version() string {
	return w.manifest.Version()
}

func (w *Worker) State() State {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.state
}

func (w *Worker) setState(state State) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.log.Debug().Stringer("from", w.state).Stringer("to", state).Msg("Worker state change")
	w.state = state
}

// transition moves the worker from one state to another,
// failing if the worker is not in the expected state.
func (w *Worker) transition(from, to State) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	if w.state != from {
		return fmt.Errorf("%w: %s, expected %s", ErrInvalidState, w.state, from)
	}
	w.log.Debug().Stringer("from", from).Stringer("to", to).Msg("Worker state change")
	w.state = to
	return nil
}

// retire marks the worker as superseded.
func (w *Worker) retire() {
	w.setState(StateRedundant)
}

// Install fetches the shell resources into the staging partition.
// Either all shell resources are stored or none; on failure the worker
// becomes redundant and a new worker has to be installed.
func (w *Worker) Install(ctx context.Context) error {
	w.mutex.Lock()
	state := w.state
	w.mutex.Unlock()
	if state != StateInstalling {
		return fmt.Errorf("install: %w: %s", ErrInvalidState, state)
	}

	w.log.Info().Int("shell", len(w.shell)).Msg("Installing")
	if err := w.install(ctx); err != nil {
		w.retire()
		return fmt.Errorf("install: %w", err)
	}
	return w.transition(StateInstalling, StateWaiting)
}

func (w *Worker) install(ctx context.Context) error {
	fetched, err := w.fetchAll(ctx, w.shell, true)
	if err != nil {
		return err
	}
	staging, err := w.store.Open(ctx, w.names.Staging)
	if err != nil {
		return err
	}
	for key, b := range fetched {
		if err := staging.Put(ctx, w.keyer.StoreKey(key), b); err != nil {
			return fmt.Errorf("stage %s: %w", key, err)
		}
	}
	return nil
}

// Activate reconciles the content partition with the worker's manifest and
// makes the worker active. If reconciliation fails, every partition is
// dropped before the error is returned; the worker still becomes active over
// the emptied cache, and the next activation starts from scratch.
func (w *Worker) Activate(ctx context.Context) (ActivationResult, error) {
	if err := w.transition(StateWaiting, StateActivating); err != nil {
		return ActivationResult{}, fmt.Errorf("activate: %w", err)
	}
	result, err := w.reconcile(ctx)
	w.setState(StateActive)
	if err != nil {
		return result, fmt.Errorf("activate: %w", err)
	}
	return result, nil
}

// reconcile diffs the content partition against the previous manifest record.
// Running it again with the same manifest and staging contents leaves the
// content partition unchanged.
func (w *Worker) reconcile(ctx context.Context) (result ActivationResult, err error) {
	defer func() {
		if err != nil {
			w.log.Error().Err(err).Msg("Failed to upgrade cache, invalidating all partitions")
			err = errors.Join(err, w.invalidate(context.WithoutCancel(ctx)))
		}
	}()

	content, err := w.store.Open(ctx, w.names.Content)
	if err != nil {
		return result, err
	}
	staging, err := w.store.Open(ctx, w.names.Staging)
	if err != nil {
		return result, err
	}
	manifests, err := w.store.Open(ctx, w.names.Manifest)
	if err != nil {
		return result, err
	}
	record, found, err := manifests.Get(ctx, manifestRecordKey)
	if err != nil {
		return result, fmt.Errorf("read manifest record: %w", err)
	}

	if !found {
		// without a prior manifest nothing in the content partition can be trusted
		result.FirstRun = true
		if err := w.drop(ctx, w.names.Content); err != nil {
			return result, err
		}
		if content, err = w.store.Open(ctx, w.names.Content); err != nil {
			return result, err
		}
	} else {
		old, err := manifest.Decode(record)
		if err != nil {
			return result, err
		}
		storeKeys, err := content.Keys(ctx)
		if err != nil {
			return result, err
		}
		for _, storeKey := range storeKeys {
			if w.unchanged(old, storeKey) {
				result.Retained = append(result.Retained, storeKey)
				continue
			}
			if err := content.Delete(ctx, storeKey); err != nil {
				return result, fmt.Errorf("evict %s: %w", storeKey, err)
			}
			result.Evicted = append(result.Evicted, storeKey)
		}
	}

	// shell resources overwrite whatever was retained above
	stagedKeys, err := staging.Keys(ctx)
	if err != nil {
		return result, err
	}
	for _, storeKey := range stagedKeys {
		b, ok, err := staging.Get(ctx, storeKey)
		if err != nil {
			return result, err
		}
		if !ok {
			continue
		}
		if err := content.Put(ctx, storeKey, b); err != nil {
			return result, fmt.Errorf("merge %s: %w", storeKey, err)
		}
		result.Merged = append(result.Merged, storeKey)
	}
	if err := w.drop(ctx, w.names.Staging); err != nil {
		return result, err
	}

	b, err := w.manifest.Encode()
	if err != nil {
		return result, err
	}
	if err := manifests.Put(ctx, manifestRecordKey, b); err != nil {
		return result, fmt.Errorf("write manifest record: %w", err)
	}
	return result, nil
}

// unchanged reports whether a stored entry may be kept: its resource is in
// both manifests with the same checksum.
func (w *Worker) unchanged(old manifest.Manifest, storeKey string) bool {
	key, ok := w.keyer.KeyFromStoreKey(storeKey)
	if !ok {
		return false
	}
	newSum, inNew := w.manifest.Checksum(key)
	oldSum, inOld := old.Checksum(key)
	return inNew && inOld && newSum == oldSum
}

// invalidate drops every partition, so that the next activation rebuilds
// the cache like a first install.
func (w *Worker) invalidate(ctx context.Context) error {
	return errors.Join(
		w.drop(ctx, w.names.Content),
		w.drop(ctx, w.names.Staging),
		w.drop(ctx, w.names.Manifest),
	)
}

func (w *Worker) drop(ctx context.Context, name string) error {
	if err := w.store.Drop(ctx, name); err != nil && !errors.Is(err, cache.ErrNotFound) {
		return fmt.Errorf("drop %s: %w", name, err)
	}
	return nil
}

// Intercept answers a request from the cache if it asks for a manifest
// resource. The root document is fetched online first, everything else is
// served cache first.
func (w *Worker) Intercept(r *http.Request) (Interception, error) {
	if r.Method != http.MethodGet || w.State() != StateActive {
		return Interception{}, nil
	}
	key := w.keyer.LogicalKey(r)
	if !w.manifest.Has(key) {
		return Interception{}, nil
	}
	if key == cachekey.RootKey {
		return w.onlineFirst(r, key)
	}
	return w.cacheFirst(r, key)
}

func (w *Worker) cacheFirst(r *http.Request, key string) (Interception, error) {
	ic := Interception{Handled: true}
	content, err := w.store.Open(r.Context(), w.names.Content)
	if err != nil {
		return ic, err
	}
	if res, ok := w.lookup(r, content, key); ok {
		ic.Status.Hit()
		ic.Response = res
		return ic, nil
	}
	ic.Status.Forward(cachestatus.FwdReasonUriMiss)
	res, stored, err := w.fetchAndStore(r, key, true)
	if err != nil {
		return ic, err
	}
	ic.Status.Stored = stored
	ic.Response = res
	return ic, nil
}

func (w *Worker) onlineFirst(r *http.Request, key string) (Interception, error) {
	ic := Interception{Handled: true}
	res, stored, fetchErr := w.fetchAndStore(r, key, false)
	if fetchErr == nil {
		ic.Status.Forward(cachestatus.FwdReasonRequest)
		ic.Status.Stored = stored
		ic.Response = res
		return ic, nil
	}
	w.log.Warn().Err(fetchErr).Str("key", key).Msg("Network failed, falling back to cache")
	content, err := w.store.Open(r.Context(), w.names.Content)
	if err != nil {
		return ic, fetchErr
	}
	if res, ok := w.lookup(r, content, key); ok {
		ic.Status.Hit()
		ic.Status.Detail = "offline"
		ic.Response = res
		return ic, nil
	}
	return ic, fetchErr
}

// lookup returns the stored response for key. Unreadable entries count as misses.
func (w *Worker) lookup(r *http.Request, content cache.Partition, key string) (*http.Response, bool) {
	log := w.log.With().Str("key", key).Logger()
	b, ok, err := content.Get(r.Context(), w.keyer.StoreKey(key))
	if err != nil {
		log.Warn().Err(err).Msg("Could not read from cache")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	sRes, err := serializer.BytesToStoredResponse(b)
	if err != nil {
		log.Warn().Err(err).Msg("Could not read stored response")
		return nil, false
	}
	log.Trace().Dur("age", sRes.Age(time.Now())).Msg("Found stored response")
	sRes.Response.Request = r
	return sRes.Response, true
}

// fetchAndStore fetches the request from the network and stores a copy of
// the response in the background. If successOnly is set, only 2xx responses
// are stored. The boolean reports whether a copy is being stored.
// The body is read into memory before the response is returned, so the
// response starts only once the upstream body has been fully received.
func (w *Worker) fetchAndStore(r *http.Request, key string, successOnly bool) (*http.Response, bool, error) {
	req := r.Clone(r.Context())
	req.RequestURI = ""
	requestTime := time.Now()
	res, err := w.upstream.Fetch(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetch %s: %w", key, err)
	}
	res.Request = r
	if successOnly && !isSuccess(res.StatusCode) {
		return res, false, nil
	}
	b, err := serializer.StoredResponseToBytes(serializer.TimedResponse{
		Response:     res,
		RequestTime:  requestTime,
		ResponseTime: time.Now(),
	})
	if err != nil {
		return nil, false, fmt.Errorf("fetch %s: %w", key, err)
	}
	w.storeLater(key, b)
	return res, true, nil
}

// storeLater writes to the content partition without holding up the response.
// The host must hold its activation gate while calling it.
func (w *Worker) storeLater(key string, b []byte) {
	w.writes.Add(1)
	go func() {
		defer w.writes.Done()
		ctx := context.Background()
		content, err := w.store.Open(ctx, w.names.Content)
		if err == nil {
			err = content.Put(ctx, w.keyer.StoreKey(key), b)
		}
		if err != nil {
			w.log.Error().Err(err).Str("key", key).Msg("Could not write to cache")
			return
		}
		w.log.Trace().Str("key", key).Msg("Cache write")
	}()
}

// Sync fetches every manifest resource missing from the content partition
// and stores them as one batch. It returns the number of resources stored.
func (w *Worker) Sync(ctx context.Context) (int, error) {
	if state := w.State(); state != StateActive {
		return 0, fmt.Errorf("sync: %w: %s", ErrInvalidState, state)
	}
	content, err := w.store.Open(ctx, w.names.Content)
	if err != nil {
		return 0, fmt.Errorf("sync: %w", err)
	}
	storeKeys, err := content.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("sync: %w", err)
	}
	present := make(map[string]bool, len(storeKeys))
	for _, storeKey := range storeKeys {
		if key, ok := w.keyer.KeyFromStoreKey(storeKey); ok {
			present[key] = true
		}
	}
	missing := make([]string, 0)
	for _, key := range w.manifest.Keys() {
		if !present[key] {
			missing = append(missing, key)
		}
	}
	if len(missing) == 0 {
		w.log.Debug().Msg("All resources already cached")
		return 0, nil
	}

	w.log.Info().Int("missing", len(missing)).Msg("Downloading resources for offline use")
	fetched, err := w.fetchAll(ctx, missing, false)
	if err != nil {
		return 0, fmt.Errorf("sync: %w", err)
	}
	var total uint64
	for key, b := range fetched {
		if err := content.Put(ctx, w.keyer.StoreKey(key), b); err != nil {
			return 0, fmt.Errorf("sync: store %s: %w", key, err)
		}
		total += uint64(len(b))
	}
	w.log.Info().Int("stored", len(fetched)).Str("size", humanize.Bytes(total)).Msg("Offline download complete")
	return len(fetched), nil
}

// fetchAll fetches the given resources with bounded parallelism and returns
// their serialized responses. It fails if any fetch fails or returns a
// non-2xx status. With reload set, intermediate caches are bypassed.
func (w *Worker) fetchAll(ctx context.Context, keys []string, reload bool) (map[string][]byte, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(w.fetchLimit)

	var mutex sync.Mutex
	fetched := make(map[string][]byte, len(keys))
	for _, key := range keys {
		key := key
		g.Go(func() error {
			b, err := w.fetchResource(ctx, key, reload)
			if err != nil {
				return err
			}
			mutex.Lock()
			fetched[key] = b
			mutex.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return fetched, nil
}

func (w *Worker) fetchResource(ctx context.Context, key string, reload bool) ([]byte, error) {
	req, err := w.keyer.NewRequest(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	if reload {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	}
	w.log.Debug().Str("key", key).Str("url", req.URL.String()).Msg("Requesting content from origin")
	requestTime := time.Now()
	res, err := w.upstream.Fetch(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	if !isSuccess(res.StatusCode) {
		res.Body.Close()
		return nil, fmt.Errorf("fetch %s: %w: %d", key, ErrBadStatus, res.StatusCode)
	}
	b, err := serializer.StoredResponseToBytes(serializer.TimedResponse{
		Response:     res,
		RequestTime:  requestTime,
		ResponseTime: time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", key, err)
	}
	return b, nil
}

func isSuccess(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
