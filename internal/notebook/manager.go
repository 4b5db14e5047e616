package notebook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/thebtf/coachnote/pkg/models"
)

// DefaultAutosavePeriod is the autosave interval when none is configured.
const DefaultAutosavePeriod = 30 * time.Second

var (
	// ErrNoActiveNotebook is returned when the manager holds no notebook.
	ErrNoActiveNotebook = errors.New("no active notebook")
	// ErrRevisionConflict is returned when another writer saved first.
	ErrRevisionConflict = models.ErrRevisionConflict
	// ErrNoStorage is returned by Save when every tier failed or none is configured.
	ErrNoStorage = errors.New("notebook not persisted to any tier")
)

// Tiers are the persistence layers in restore priority order. Any may be nil.
type Tiers struct {
	Cache   Store // volatile: memory or redis
	Durable Store // filesystem, sqlite or gorm
	Remote  Store // REST key/value API
}

type tier struct {
	name  string
	store Store
}

// Manager exclusively owns the active notebook of one session. Every
// mutation goes through it; after completion or abandonment the notebook is
// released and further mutation fails with ErrNoActiveNotebook.
type Manager struct {
	tiers     []tier
	authority tier
	period    time.Duration

	mu     sync.Mutex
	active *models.Notebook

	saveMu sync.Mutex

	autosaveMu     sync.Mutex
	autosaveCancel context.CancelFunc
	autosaveDone   chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithAutosavePeriod sets the autosave interval.
func WithAutosavePeriod(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.period = d
		}
	}
}

// NewManager creates a manager over the configured tiers. The durable tier,
// or the first configured one without it, decides revision conflicts; the
// others mirror it.
func NewManager(t Tiers, opts ...Option) *Manager {
	m := &Manager{period: DefaultAutosavePeriod}
	for _, candidate := range []tier{{"cache", t.Cache}, {"durable", t.Durable}, {"remote", t.Remote}} {
		if candidate.store != nil {
			m.tiers = append(m.tiers, candidate)
		}
	}
	switch {
	case t.Durable != nil:
		m.authority = tier{"durable", t.Durable}
	case t.Remote != nil:
		m.authority = tier{"remote", t.Remote}
	case t.Cache != nil:
		m.authority = tier{"cache", t.Cache}
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) setActive(nb *models.Notebook) *models.Notebook {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.active = nb
	return nb
}

// CreateOrRestore restores the latest active notebook of therapistID from
// the cache, then the durable tier, and creates a fresh one only when
// neither holds an active session.
func (m *Manager) CreateOrRestore(ctx context.Context, therapistID, clientName string) (*models.Notebook, error) {
	if nb, err := m.Active(); err == nil {
		return nb, nil
	}

	for _, t := range m.tiers {
		if t.name == "remote" {
			continue
		}
		nb, err := t.store.LatestNotebook(ctx, therapistID)
		if err != nil {
			log.Warn().Err(err).Str("tier", t.name).Msg("Latest notebook lookup failed")
			continue
		}
		if nb == nil {
			continue
		}
		nb = m.freshest(ctx, t, nb)
		if nb.Status() != models.NotebookStatusActive {
			continue
		}
		log.Info().Str("notebookId", nb.ID()).Str("tier", t.name).Msg("Restored active notebook")
		return m.setActive(nb), nil
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	nb := models.NewNotebook("", therapistID, clientName)
	log.Info().Str("notebookId", nb.ID()).Str("therapistId", therapistID).Msg("Created notebook")
	return m.setActive(nb), nil
}

// Open restores notebook id from the first tier holding it, or creates a
// fresh notebook with that id. restored reports which happened.
func (m *Manager) Open(ctx context.Context, id, therapistID, clientName string) (nb *models.Notebook, restored bool, err error) {
	m.mu.Lock()
	if m.active != nil && m.active.ID() == id {
		nb = m.active
		m.mu.Unlock()
		return nb, true, nil
	}
	m.mu.Unlock()

	if found := m.Load(ctx, id); found != nil {
		return m.setActive(found), true, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	return m.setActive(models.NewNotebook(id, therapistID, clientName)), false, nil
}

// Load reads notebook id from the first tier holding it without activating
// it. A copy behind the authoritative tier's revision is replaced by the
// authoritative one.
func (m *Manager) Load(ctx context.Context, id string) *models.Notebook {
	for _, t := range m.tiers {
		nb, err := t.store.LoadNotebook(ctx, id)
		if err != nil {
			log.Warn().Err(err).Str("tier", t.name).Str("notebookId", id).Msg("Notebook load failed")
			continue
		}
		if nb != nil {
			return m.freshest(ctx, t, nb)
		}
	}
	return nil
}

// freshest returns the authoritative copy of nb when it holds a newer
// revision than the one read from t.
func (m *Manager) freshest(ctx context.Context, from tier, nb *models.Notebook) *models.Notebook {
	if m.authority.store == nil || from.name == m.authority.name {
		return nb
	}
	cur, err := m.authority.store.LoadNotebook(ctx, nb.ID())
	if err != nil || cur == nil || cur.Revision() <= nb.Revision() {
		return nb
	}
	log.Info().Str("notebookId", nb.ID()).Str("tier", from.name).
		Int64("stale", nb.Revision()).Int64("revision", cur.Revision()).
		Msg("Stale notebook copy, using authoritative tier")
	return cur
}

// Latest reads the most recently saved notebook from the first tier holding one.
func (m *Manager) Latest(ctx context.Context) *models.Notebook {
	for _, t := range m.tiers {
		nb, err := t.store.LatestNotebook(ctx, "")
		if err != nil {
			log.Warn().Err(err).Str("tier", t.name).Msg("Latest notebook lookup failed")
			continue
		}
		if nb != nil {
			return nb
		}
	}
	return nil
}

// List returns every notebook from the authoritative tier, newest session first.
func (m *Manager) List(ctx context.Context) ([]*models.Notebook, error) {
	if m.authority.store == nil {
		return nil, ErrNoStorage
	}
	return m.authority.store.ListNotebooks(ctx)
}

// Active returns the active notebook.
func (m *Manager) Active() (*models.Notebook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return nil, ErrNoActiveNotebook
	}
	return m.active, nil
}

// Mutate runs fn against the active notebook.
func (m *Manager) Mutate(fn func(nb *models.Notebook) error) error {
	nb, err := m.Active()
	if err != nil {
		return err
	}
	return fn(nb)
}

// Save persists the active notebook to every tier.
func (m *Manager) Save(ctx context.Context) error {
	nb, err := m.Active()
	if err != nil {
		return err
	}
	return m.save(ctx, nb, nb.Revision())
}

// Put makes nb the active notebook and saves it, checking against expected.
// models.AnyRevision overwrites whatever is stored.
func (m *Manager) Put(ctx context.Context, nb *models.Notebook, expected int64) error {
	if expected == models.AnyRevision {
		base := int64(0)
		if m.authority.store != nil {
			if cur, err := m.authority.store.LoadNotebook(ctx, nb.ID()); err == nil && cur != nil {
				base = cur.Revision()
			}
		}
		nb.SetRevision(base)
	} else {
		nb.SetRevision(expected)
	}
	m.setActive(nb)
	return m.save(ctx, nb, expected)
}

// save writes the authoritative tier first with the revision check, then
// mirrors the snapshot to the remaining tiers concurrently. Tier failures
// are independent; the save succeeds if any tier accepted it. The revision
// only advances when the authoritative tier accepted the write.
func (m *Manager) save(ctx context.Context, nb *models.Notebook, expected int64) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	if len(m.tiers) == 0 {
		return ErrNoStorage
	}

	snap := nb.Snapshot()
	snap.Revision = nb.Revision() + 1

	var (
		mu        sync.Mutex
		succeeded int
		failures  []error
	)
	record := func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			log.Warn().Err(err).Str("tier", name).Str("notebookId", snap.ID).Msg("Notebook save failed")
			failures = append(failures, fmt.Errorf("%s: %w", name, err))
			return
		}
		succeeded++
	}

	err := m.authority.store.SaveNotebook(ctx, snap, expected)
	if errors.Is(err, models.ErrRevisionConflict) {
		return fmt.Errorf("save notebook %s: %w", snap.ID, ErrRevisionConflict)
	}
	record(m.authority.name, err)
	authorityFailed := err != nil
	if authorityFailed {
		// The authority keeps its revision; mirrors must not run ahead of it.
		snap.Revision = nb.Revision()
	}

	var g errgroup.Group
	for _, t := range m.tiers {
		if t.name == m.authority.name {
			continue
		}
		t := t
		g.Go(func() error {
			record(t.name, t.store.SaveNotebook(ctx, snap, models.AnyRevision))
			return nil
		})
	}
	_ = g.Wait()

	if succeeded == 0 {
		return fmt.Errorf("%w: %w", ErrNoStorage, errors.Join(failures...))
	}

	nb.SetRevision(snap.Revision)
	// Mutations that raced the write, or a missed authoritative write, keep
	// the notebook dirty.
	if !authorityFailed && nb.UpdatedAt().Equal(snap.UpdatedAt) {
		nb.MarkSaved()
	}
	log.Debug().Str("notebookId", snap.ID).Int64("revision", snap.Revision).Int("tiers", succeeded).Msg("Notebook saved")
	return nil
}

// StartAutosave saves the active notebook every period while it has
// unsaved changes. It runs until Close, CompleteSession, AbandonSession or
// ctx is done.
func (m *Manager) StartAutosave(ctx context.Context) {
	m.autosaveMu.Lock()
	defer m.autosaveMu.Unlock()
	if m.autosaveCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.autosaveCancel = cancel
	m.autosaveDone = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.period)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				nb, err := m.Active()
				if err != nil || !nb.HasChanges() {
					continue
				}
				if err := m.Save(ctx); err != nil && ctx.Err() == nil {
					log.Warn().Err(err).Str("notebookId", nb.ID()).Msg("Autosave failed")
				}
			}
		}
	}()
}

func (m *Manager) stopAutosave() {
	m.autosaveMu.Lock()
	cancel, done := m.autosaveCancel, m.autosaveDone
	m.autosaveCancel, m.autosaveDone = nil, nil
	m.autosaveMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Autosaving reports whether the autosave loop is running.
func (m *Manager) Autosaving() bool {
	m.autosaveMu.Lock()
	defer m.autosaveMu.Unlock()
	return m.autosaveCancel != nil
}

// Close stops autosave, saves pending changes and releases the notebook.
func (m *Manager) Close(ctx context.Context) error {
	m.stopAutosave()
	nb, err := m.Active()
	if err != nil {
		return nil
	}
	defer m.setActive(nil)
	if !nb.HasChanges() {
		return nil
	}
	return m.save(ctx, nb, nb.Revision())
}

// CompleteSession marks the notebook completed and finalizes it.
func (m *Manager) CompleteSession(ctx context.Context) error {
	return m.finish(ctx, (*models.Notebook).MarkCompleted)
}

// AbandonSession marks the notebook abandoned and finalizes it.
func (m *Manager) AbandonSession(ctx context.Context) error {
	return m.finish(ctx, (*models.Notebook).MarkAbandoned)
}

func (m *Manager) finish(ctx context.Context, transition func(*models.Notebook) error) error {
	nb, err := m.Active()
	if err != nil {
		return err
	}
	if err := transition(nb); err != nil {
		return err
	}
	m.stopAutosave()
	defer m.setActive(nil)
	return m.save(ctx, nb, nb.Revision())
}
