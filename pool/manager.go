package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/isdmx/pysandbox/sandbox"
)

var (
	// ErrNotLeased is returned when releasing an environment that is not busy.
	ErrNotLeased = errors.New("environment is not leased")
	// ErrUnknownEnvironment is returned for ids the manager does not track.
	ErrUnknownEnvironment = errors.New("unknown environment")
	// ErrKindUnavailable is returned when no image is ready for the requested kind.
	ErrKindUnavailable = errors.New("environment kind unavailable")
	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("pool is shut down")
)

// ImageProvisioner prepares base images and reports GPU capability
type ImageProvisioner interface {
	EnsureImage(ctx context.Context, kind sandbox.Kind) error
	GPUAvailable(ctx context.Context) bool
	Image(kind sandbox.Kind) string
}

// SpecFunc returns the container template for kind running image
type SpecFunc func(kind sandbox.Kind, image string) sandbox.ContainerSpec

// Options tunes pool sizing and reaping
type Options struct {
	Floors            map[sandbox.Kind]int
	IdleTimeout       time.Duration
	ReapInterval      time.Duration
	WarmupConcurrency int
	TeardownTimeout   time.Duration
}

// Manager owns the warm pools. Lease state is only changed under mu, so
// check-and-mark on acquire is a single step.
type Manager struct {
	logger      *zap.Logger
	runtime     sandbox.Runtime
	provisioner ImageProvisioner
	specFor     SpecFunc
	opts        Options
	now         func() time.Time

	mu        sync.Mutex
	pooled    map[sandbox.Kind]map[string]*Environment
	ephemeral map[string]*Environment
	pending   map[sandbox.Kind]int
	available map[sandbox.Kind]bool
	closed    bool

	reaperOnce sync.Once
	stopReaper chan struct{}
	reaperDone chan struct{}
}

// NewManager creates a Manager. Nothing is created until Initialize.
func NewManager(logger *zap.Logger, runtime sandbox.Runtime, provisioner ImageProvisioner, specFor SpecFunc, opts Options) *Manager {
	if opts.WarmupConcurrency <= 0 {
		opts.WarmupConcurrency = 4
	}
	if opts.TeardownTimeout <= 0 {
		opts.TeardownTimeout = 30 * time.Second
	}

	m := &Manager{
		logger:      logger,
		runtime:     runtime,
		provisioner: provisioner,
		specFor:     specFor,
		opts:        opts,
		now:         time.Now,
		pooled:      make(map[sandbox.Kind]map[string]*Environment),
		ephemeral:   make(map[string]*Environment),
		pending:     make(map[sandbox.Kind]int),
		available:   make(map[sandbox.Kind]bool),
		stopReaper:  make(chan struct{}),
		reaperDone:  make(chan struct{}),
	}
	for _, kind := range sandbox.Kinds {
		m.pooled[kind] = make(map[string]*Environment)
	}
	return m
}

// Initialize builds the CPU image, probes for a GPU and builds the GPU image
// only when one is present, then warms each available pool to its floor.
// Individual creation failures are logged and leave a smaller pool.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.provisioner.EnsureImage(ctx, sandbox.KindCPU); err != nil {
		m.logger.Error("failed to prepare CPU image", zap.Error(err))
		return sandbox.Infra("build", err)
	}
	m.setAvailable(sandbox.KindCPU)

	if m.provisioner.GPUAvailable(ctx) {
		if err := m.provisioner.EnsureImage(ctx, sandbox.KindGPU); err != nil {
			m.logger.Error("failed to prepare GPU image, continuing CPU only", zap.Error(err))
		} else {
			m.setAvailable(sandbox.KindGPU)
		}
	}

	for _, kind := range sandbox.Kinds {
		if !m.kindAvailable(kind) {
			continue
		}
		created, failed := m.fill(ctx, kind)
		m.logger.Info("pool warmed",
			zap.String("kind", string(kind)),
			zap.Int("created", created),
			zap.Int("failed", failed),
			zap.Int("floor", m.opts.Floors[kind]))
	}

	return nil
}

func (m *Manager) setAvailable(kind sandbox.Kind) {
	m.mu.Lock()
	m.available[kind] = true
	m.mu.Unlock()
}

func (m *Manager) kindAvailable(kind sandbox.Kind) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available[kind]
}

// GPUAvailable reports whether GPU environments can be leased
func (m *Manager) GPUAvailable() bool {
	return m.kindAvailable(sandbox.KindGPU)
}

// Acquire leases an idle pooled environment of kind, or creates an
// ephemeral one already marked busy when none is idle.
func (m *Manager) Acquire(ctx context.Context, kind sandbox.Kind) (Environment, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return Environment{}, ErrClosed
	}
	if !m.available[kind] {
		m.mu.Unlock()
		return Environment{}, fmt.Errorf("%w: %s", ErrKindUnavailable, kind)
	}
	for _, e := range m.pooled[kind] {
		if !e.Busy {
			e.Busy = true
			env := *e
			m.mu.Unlock()
			m.logger.Debug("environment leased",
				zap.String("container_id", env.ID),
				zap.String("kind", string(kind)),
				zap.String("provenance", string(Pooled)))
			return env, nil
		}
	}
	m.mu.Unlock()

	m.logger.Info("pool exhausted, creating ephemeral environment", zap.String("kind", string(kind)))
	return m.AcquireEphemeral(ctx, kind)
}

// AcquireEphemeral creates a one-shot environment that bypasses the pool
func (m *Manager) AcquireEphemeral(ctx context.Context, kind sandbox.Kind) (Environment, error) {
	if !m.kindAvailable(kind) {
		return Environment{}, fmt.Errorf("%w: %s", ErrKindUnavailable, kind)
	}

	env, err := m.create(ctx, kind, Ephemeral)
	if err != nil {
		return Environment{}, err
	}
	env.Busy = true

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = m.destroy(ctx, env)
		return Environment{}, ErrClosed
	}
	m.ephemeral[env.ID] = &env
	m.mu.Unlock()

	return env, nil
}

// Release returns a pooled environment to the idle set and stamps its
// last use. Ephemeral environments are destroyed instead.
func (m *Manager) Release(ctx context.Context, id string) error {
	m.mu.Lock()
	if e, ok := m.ephemeral[id]; ok {
		delete(m.ephemeral, id)
		m.mu.Unlock()
		return m.destroy(ctx, *e)
	}

	kind, e, ok := m.findPooled(id)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownEnvironment, id)
	}
	if !e.Busy {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotLeased, id)
	}
	if m.closed {
		delete(m.pooled[kind], id)
		m.mu.Unlock()
		return m.destroy(ctx, *e)
	}
	e.Busy = false
	e.LastUsedAt = m.now()
	m.mu.Unlock()

	m.logger.Debug("environment released", zap.String("container_id", id), zap.String("kind", string(kind)))
	return nil
}

// Evict destroys a leased environment that can no longer be trusted, for
// example after a control-plane failure. The next reap restores the floor.
func (m *Manager) Evict(ctx context.Context, id string) error {
	m.mu.Lock()
	if e, ok := m.ephemeral[id]; ok {
		delete(m.ephemeral, id)
		m.mu.Unlock()
		return m.destroy(ctx, *e)
	}

	kind, e, ok := m.findPooled(id)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownEnvironment, id)
	}
	if !e.Busy {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotLeased, id)
	}
	delete(m.pooled[kind], id)
	m.mu.Unlock()

	m.logger.Warn("environment evicted", zap.String("container_id", id), zap.String("kind", string(kind)))
	return m.destroy(ctx, *e)
}

// With leases an environment of kind for the duration of fn. The lease is
// released exactly once; an infrastructure error from fn evicts it instead.
func (m *Manager) With(ctx context.Context, kind sandbox.Kind, fn func(Environment) error) error {
	env, err := m.Acquire(ctx, kind)
	if err != nil {
		return err
	}
	return m.use(ctx, env, fn)
}

// WithEphemeral is With on a fresh ephemeral environment
func (m *Manager) WithEphemeral(ctx context.Context, kind sandbox.Kind, fn func(Environment) error) error {
	env, err := m.AcquireEphemeral(ctx, kind)
	if err != nil {
		return err
	}
	return m.use(ctx, env, fn)
}

func (m *Manager) use(ctx context.Context, env Environment, fn func(Environment) error) (err error) {
	defer func() {
		var finishErr error
		if sandbox.IsInfrastructure(err) {
			finishErr = m.Evict(ctx, env.ID)
		} else {
			finishErr = m.Release(ctx, env.ID)
		}
		if finishErr != nil {
			m.logger.Warn("failed to return environment", zap.String("container_id", env.ID), zap.Error(finishErr))
		}
	}()
	return fn(env)
}

// findPooled must be called with mu held
func (m *Manager) findPooled(id string) (sandbox.Kind, *Environment, bool) {
	for kind, entries := range m.pooled {
		if e, ok := entries[id]; ok {
			return kind, e, true
		}
	}
	return "", nil, false
}

func (m *Manager) create(ctx context.Context, kind sandbox.Kind, provenance Provenance) (Environment, error) {
	spec := m.specFor(kind, m.provisioner.Image(kind))
	spec.Name = fmt.Sprintf("pysandbox-%s-%s-%s", kind, provenance, uuid.NewString()[:8])
	if spec.Labels == nil {
		spec.Labels = make(map[string]string)
	}
	spec.Labels["pysandbox.provenance"] = string(provenance)

	id, err := m.runtime.Create(ctx, spec)
	if err != nil {
		m.logger.Error("failed to create environment",
			zap.String("kind", string(kind)),
			zap.String("provenance", string(provenance)),
			zap.Error(err))
		return Environment{}, sandbox.Infra("create", err)
	}

	now := m.now()
	return Environment{
		ID:         id,
		Name:       spec.Name,
		Kind:       kind,
		Provenance: provenance,
		CreatedAt:  now,
		LastUsedAt: now,
	}, nil
}

// destroy stops and removes env. It runs even when ctx is already done.
func (m *Manager) destroy(ctx context.Context, env Environment) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.TeardownTimeout)
	defer cancel()

	stopErr := m.runtime.Stop(ctx, env.ID)
	if stopErr != nil {
		m.logger.Warn("failed to stop environment", zap.String("container_id", env.ID), zap.Error(stopErr))
	}
	if err := m.runtime.Remove(ctx, env.ID); err != nil {
		m.logger.Error("failed to remove environment", zap.String("container_id", env.ID), zap.Error(err))
		return err
	}

	m.logger.Debug("environment destroyed",
		zap.String("container_id", env.ID),
		zap.String("kind", string(env.Kind)),
		zap.String("provenance", string(env.Provenance)))
	return nil
}

// fill tops the pool of kind up to its floor, counting in-flight creations
// so concurrent fills never overshoot.
func (m *Manager) fill(ctx context.Context, kind sandbox.Kind) (created, failed int) {
	m.mu.Lock()
	if m.closed || !m.available[kind] {
		m.mu.Unlock()
		return 0, 0
	}
	deficit := m.opts.Floors[kind] - len(m.pooled[kind]) - m.pending[kind]
	if deficit <= 0 {
		m.mu.Unlock()
		return 0, 0
	}
	m.pending[kind] += deficit
	m.mu.Unlock()

	var (
		countMu sync.Mutex
		g       errgroup.Group
	)
	g.SetLimit(m.opts.WarmupConcurrency)

	for i := 0; i < deficit; i++ {
		g.Go(func() error {
			env, err := m.create(ctx, kind, Pooled)

			m.mu.Lock()
			m.pending[kind]--
			closed := m.closed
			if err == nil && !closed {
				m.pooled[kind][env.ID] = &env
			}
			m.mu.Unlock()

			countMu.Lock()
			defer countMu.Unlock()
			switch {
			case err != nil:
				failed++
			case closed:
				_ = m.destroy(ctx, env)
			default:
				created++
			}
			return nil
		})
	}
	_ = g.Wait()

	return created, failed
}

// ReapIdle destroys pooled environments idle longer than the idle timeout
// or no longer running, then tops every pool back up to its floor. Busy
// environments are never touched.
func (m *Manager) ReapIdle(ctx context.Context) {
	now := m.now()

	var expired []Environment
	var candidates []string
	m.mu.Lock()
	for _, entries := range m.pooled {
		for id, e := range entries {
			if e.Busy {
				continue
			}
			if now.Sub(e.LastUsedAt) > m.opts.IdleTimeout {
				delete(entries, id)
				expired = append(expired, *e)
				continue
			}
			candidates = append(candidates, id)
		}
	}
	m.mu.Unlock()

	for _, env := range expired {
		_ = m.destroy(ctx, env)
	}

	dead := 0
	for _, id := range candidates {
		if m.checkHealth(ctx, id) {
			continue
		}
		dead++
	}

	if len(expired) > 0 || dead > 0 {
		m.logger.Info("reaped environments", zap.Int("idle", len(expired)), zap.Int("dead", dead))
	}

	for _, kind := range sandbox.Kinds {
		if created, failed := m.fill(ctx, kind); created > 0 || failed > 0 {
			m.logger.Info("pool replenished",
				zap.String("kind", string(kind)),
				zap.Int("created", created),
				zap.Int("failed", failed))
		}
	}
}

// checkHealth claims one idle environment, inspects it and either puts it
// back or destroys it. It returns false only when the environment was
// found dead and destroyed.
func (m *Manager) checkHealth(ctx context.Context, id string) bool {
	m.mu.Lock()
	kind, e, ok := m.findPooled(id)
	if !ok || e.Busy {
		m.mu.Unlock()
		return true
	}
	e.Busy = true
	env := *e
	m.mu.Unlock()

	state, err := m.runtime.Inspect(ctx, id)
	alive := err != nil || state.Running

	m.mu.Lock()
	if alive && !m.closed {
		e.Busy = false
		m.mu.Unlock()
		return true
	}
	delete(m.pooled[kind], id)
	m.mu.Unlock()

	if !alive {
		m.logger.Warn("environment no longer running", zap.String("container_id", id), zap.String("status", state.Status))
	}
	_ = m.destroy(ctx, env)
	return alive
}

// StartReaper runs ReapIdle every reap interval until Shutdown
func (m *Manager) StartReaper() {
	m.reaperOnce.Do(func() {
		go func() {
			defer close(m.reaperDone)
			ticker := time.NewTicker(m.opts.ReapInterval)
			defer ticker.Stop()
			for {
				select {
				case <-m.stopReaper:
					return
				case <-ticker.C:
					ctx, cancel := context.WithTimeout(context.Background(), m.opts.ReapInterval+m.opts.TeardownTimeout)
					m.ReapIdle(ctx)
					cancel()
				}
			}
		}()
	})
}

// Stats reports occupancy per kind
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		GPUAvailable: m.available[sandbox.KindGPU],
		Kinds:        make(map[sandbox.Kind]KindStats, len(sandbox.Kinds)),
	}
	for _, kind := range sandbox.Kinds {
		ks := KindStats{Floor: m.opts.Floors[kind], Pending: m.pending[kind]}
		for _, e := range m.pooled[kind] {
			ks.Total++
			if e.Busy {
				ks.Busy++
			} else {
				ks.Idle++
			}
		}
		for _, e := range m.ephemeral {
			if e.Kind == kind {
				ks.Ephemeral++
			}
		}
		stats.Kinds[kind] = ks
	}
	return stats
}

// Shutdown stops the reaper and destroys every idle environment. Leased
// environments are destroyed when they are released.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var idle []Environment
	for _, entries := range m.pooled {
		for id, e := range entries {
			if !e.Busy {
				delete(entries, id)
				idle = append(idle, *e)
			}
		}
	}
	m.mu.Unlock()

	close(m.stopReaper)
	m.reaperOnce.Do(func() { close(m.reaperDone) })
	select {
	case <-m.reaperDone:
	case <-ctx.Done():
	}

	var errs []error
	for _, env := range idle {
		if err := m.destroy(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}

	m.logger.Info("pool shut down", zap.Int("destroyed", len(idle)))
	return errors.Join(errs...)
}
