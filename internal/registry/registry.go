// Package registry owns the set of port bindings: it allocates loopback
// ports, starts and stops their listeners, and persists the port ->
// upstream map across restarts.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/die-net/bindproxy/internal/metrics"
	"github.com/die-net/bindproxy/internal/proxy"
	"github.com/die-net/bindproxy/internal/upstream"
)

// ListenHost is the only address bindings listen on.
const ListenHost = "127.0.0.1"

var (
	ErrNoPortAvailable = errors.New("no free port available")
	ErrNotBound        = errors.New("port is not bound")
	ErrPortInUse       = errors.New("port already bound")
	ErrPortOutOfRange  = errors.New("port outside the configured range")
	ErrClosed          = errors.New("registry is shut down")
)

// Status is the lifecycle state of a binding.
type Status string

const (
	StatusActive  Status = "active"
	StatusStopped Status = "stopped"
)

// Binding is a snapshot of one registered port.
type Binding struct {
	Port       int
	Credential upstream.Credential
	Status     Status
}

// RestoreResult reports the outcome for one persisted entry. Key is the
// entry's raw key from the file; Port is zero if the key was not a number.
type RestoreResult struct {
	Key  string
	Port int
	Err  error
}

// Supervisor starts the proxy listener for a binding.
type Supervisor interface {
	Start(ln net.Listener, cred upstream.Credential) proxy.Runner
}

// Config bounds port allocation and names the state file.
type Config struct {
	PortMin      int
	PortMax      int
	PortAttempts int
	StateFile    string
}

type binding struct {
	cred   upstream.Credential
	status Status
	runner proxy.Runner
}

// Registry is safe for concurrent use.
type Registry struct {
	cfg     Config
	store   *Store
	sup     Supervisor
	logger  *slog.Logger
	metrics *metrics.Metrics

	// listen opens the listener for a candidate port.
	listen func(port int) (net.Listener, error)

	mu       sync.Mutex
	bindings map[int]*binding
	closed   bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// New returns an empty registry. Call Restore to load persisted bindings.
func New(cfg Config, sup Supervisor, logger *slog.Logger, m *metrics.Metrics) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if cfg.PortAttempts <= 0 {
		cfg.PortAttempts = 1
	}
	return &Registry{
		cfg:      cfg,
		store:    NewStore(cfg.StateFile),
		sup:      sup,
		logger:   logger,
		metrics:  m,
		listen:   listenLoopback,
		bindings: make(map[int]*binding),
	}
}

func listenLoopback(port int) (net.Listener, error) {
	var lc net.ListenConfig
	return lc.Listen(context.Background(), "tcp", net.JoinHostPort(ListenHost, strconv.Itoa(port)))
}

// Bind validates s, allocates a free port in the configured range, starts
// its listener and persists the registry. An invalid s has no side effects.
func (r *Registry) Bind(s string) (int, error) {
	cred, err := upstream.ParseCredential(s)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return 0, ErrClosed
	}

	ln, port, err := r.allocateLocked()
	if err != nil {
		return 0, err
	}

	r.bindings[port] = &binding{cred: cred, status: StatusActive, runner: r.sup.Start(ln, cred)}
	r.logger.Info("bound", "port", port, "upstream", cred.Redacted())
	r.updateGaugeLocked()
	r.persistLocked()
	return port, nil
}

// allocateLocked tries up to PortAttempts random unbound ports and returns
// the first listener that opens. The listener is kept, so the port cannot
// be taken between the check and the bind.
func (r *Registry) allocateLocked() (net.Listener, int, error) {
	candidates := make([]int, 0, r.cfg.PortMax-r.cfg.PortMin+1)
	for p := r.cfg.PortMin; p <= r.cfg.PortMax; p++ {
		if _, ok := r.bindings[p]; !ok {
			candidates = append(candidates, p)
		}
	}
	rand.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	if len(candidates) > r.cfg.PortAttempts {
		candidates = candidates[:r.cfg.PortAttempts]
	}

	for _, port := range candidates {
		ln, err := r.listen(port)
		if err != nil {
			r.logger.Debug("port unavailable", "port", port, "error", err)
			continue
		}
		return ln, port, nil
	}
	return nil, 0, fmt.Errorf("%w in %d-%d after %d attempts", ErrNoPortAvailable, r.cfg.PortMin, r.cfg.PortMax, len(candidates))
}

// Unbind stops the listener on port and forgets the binding. It fails with
// ErrClosed after Shutdown.
func (r *Registry) Unbind(ctx context.Context, port int) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	b, ok := r.bindings[port]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %d", ErrNotBound, port)
	}
	delete(r.bindings, port)
	r.updateGaugeLocked()
	r.persistLocked()
	r.mu.Unlock()

	r.logger.Info("unbound", "port", port, "upstream", b.cred.Redacted())
	if b.runner == nil {
		return nil
	}
	return b.runner.Stop(ctx)
}

// UnbindAll stops every listener. The bindings stay registered as stopped
// and the state file is left alone, unless forget is set, in which case
// they are dropped and the empty registry is persisted. It fails with
// ErrClosed after Shutdown.
func (r *Registry) UnbindAll(ctx context.Context, forget bool) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	runners := r.detachLocked()
	if forget {
		clear(r.bindings)
		r.persistLocked()
	}
	r.updateGaugeLocked()
	r.mu.Unlock()

	return stopAll(ctx, runners)
}

// detachLocked marks every binding stopped and returns the runners that
// still need stopping.
func (r *Registry) detachLocked() []proxy.Runner {
	var runners []proxy.Runner
	for _, b := range r.bindings {
		if b.runner != nil {
			runners = append(runners, b.runner)
		}
		b.runner = nil
		b.status = StatusStopped
	}
	return runners
}

func stopAll(ctx context.Context, runners []proxy.Runner) error {
	var g errgroup.Group
	errs := make([]error, len(runners))
	for i, run := range runners {
		g.Go(func() error {
			errs[i] = run.Stop(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// List returns every binding sorted by port.
func (r *Registry) List() []Binding {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Binding, 0, len(r.bindings))
	for port, b := range r.bindings {
		out = append(out, Binding{Port: port, Credential: b.cred, Status: b.status})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })
	return out
}

// Restore re-binds every entry in the state file on its recorded port.
// Entries are independent: one failing never prevents the others. Failed
// entries are logged and skipped, so the next persist drops them.
func (r *Registry) Restore(ctx context.Context) []RestoreResult {
	entries, err := r.store.Load()
	if err != nil {
		r.logger.Warn("state file unreadable, starting empty", "path", r.store.Path(), "error", err)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return []RestoreResult{{Err: ErrClosed}}
	}

	results := make([]RestoreResult, 0, len(entries))
	for _, e := range entries {
		res := r.restoreLocked(ctx, e)
		if res.Err != nil {
			r.logger.Warn("restore failed", "key", e.Key, "error", res.Err)
		}
		results = append(results, res)
	}

	r.updateGaugeLocked()
	if len(entries) > 0 {
		r.persistLocked()
	}
	return results
}

func (r *Registry) restoreLocked(ctx context.Context, e Entry) RestoreResult {
	res := RestoreResult{Key: e.Key}

	port, err := strconv.Atoi(e.Key)
	if err != nil {
		res.Err = fmt.Errorf("invalid port %q", e.Key)
		return res
	}
	res.Port = port

	if port < r.cfg.PortMin || port > r.cfg.PortMax {
		res.Err = fmt.Errorf("%w: %d", ErrPortOutOfRange, port)
		return res
	}
	if _, ok := r.bindings[port]; ok {
		res.Err = fmt.Errorf("%w: %d", ErrPortInUse, port)
		return res
	}

	cred, err := upstream.ParseCredential(e.Proxy)
	if err != nil {
		res.Err = err
		return res
	}

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	ln, err := r.listen(port)
	if err != nil {
		res.Err = fmt.Errorf("listen on %d: %w", port, err)
		return res
	}

	r.bindings[port] = &binding{cred: cred, status: StatusActive, runner: r.sup.Start(ln, cred)}
	r.logger.Info("restored", "port", port, "upstream", cred.Redacted())
	return res
}

// Shutdown stops every listener, bounded by ctx, and persists the registry.
// Only the first call does anything; later calls return its result.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.shutdownOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		runners := r.detachLocked()
		r.updateGaugeLocked()
		r.mu.Unlock()

		err := stopAll(ctx, runners)

		r.mu.Lock()
		r.persistLocked()
		r.mu.Unlock()

		r.shutdownErr = err
	})
	return r.shutdownErr
}

// persistLocked writes the registry. A failed write is logged; the
// in-memory state stays authoritative.
func (r *Registry) persistLocked() {
	snapshot := make(map[int]string, len(r.bindings))
	for port, b := range r.bindings {
		snapshot[port] = b.cred.String()
	}
	if err := r.store.Save(snapshot); err != nil {
		r.logger.Error("persist failed", "path", r.store.Path(), "error", err)
	}
}

func (r *Registry) updateGaugeLocked() {
	active := 0
	for _, b := range r.bindings {
		if b.status == StatusActive {
			active++
		}
	}
	r.metrics.SetBindingsActive(active)
}
