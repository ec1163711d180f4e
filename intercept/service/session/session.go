// Package session coordinates creating, opening, saving and snapshotting sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-analyze/bulk"
	"github.com/rs/zerolog"

	"github.com/go-appsec/interceptor/intercept/service/apierr"
	"github.com/go-appsec/interceptor/intercept/service/db"
)

// Extension is appended to session names that lack it.
const Extension = ".session"

const (
	defaultPollInterval = 200 * time.Millisecond
	snapshotTimeFormat  = "2006-01-02-15-04-05"
)

// Engine performs the session file operations.
// Save and Snapshot complete asynchronously by invoking done once.
type Engine interface {
	Current() db.Info
	Save(path string, done func(error))
	Snapshot(path string, done func(error))
	Load(path string) error
	New(path string) error
}

// Coordinator drives the session state machine. A save or snapshot blocks its
// caller until the engine reports completion.
type Coordinator struct {
	engine  Engine
	dir     string
	actions *Actions
	log     zerolog.Logger

	// OnSwitch, when set, runs after a different session was opened.
	OnSwitch func(ctx context.Context) error

	pollInterval time.Duration
	now          func() time.Time

	saving  atomic.Bool
	mu      sync.Mutex
	lastErr error
}

// NewCoordinator creates a coordinator resolving relative names inside dir.
func NewCoordinator(engine Engine, dir string, actions *Actions, log zerolog.Logger) *Coordinator {
	if actions == nil {
		actions = NewActions()
	}
	return &Coordinator{
		engine:       engine,
		dir:          dir,
		actions:      actions,
		log:          log,
		pollInterval: defaultPollInterval,
		now:          time.Now,
	}
}

// Info returns the open session.
func (c *Coordinator) Info() db.Info {
	return c.engine.Current()
}

// Resolve maps a session name to an absolute file path.
func (c *Coordinator) Resolve(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apierr.Missing("session")
	}
	if !strings.HasSuffix(name, Extension) {
		name += Extension
	}
	if !filepath.IsAbs(name) {
		name = filepath.Join(c.dir, name)
	}
	path, err := filepath.Abs(name)
	if err != nil {
		return "", apierr.Illegal("session")
	}
	return path, nil
}

// Save writes the open session to name and makes it the open session.
// An existing file is replaced only with overwrite, and never when it is the open session.
func (c *Coordinator) Save(ctx context.Context, name string, overwrite bool) (string, error) {
	path, err := c.Resolve(name)
	if err != nil {
		return "", err
	}
	if exists(path) && (!overwrite || c.isOpen(path)) {
		return "", apierr.AlreadyExists(path)
	}
	if err := c.run(ctx, func(done func(error)) { c.engine.Save(path, done) }); err != nil {
		return "", err
	}
	c.log.Info().Str("path", path).Msg("session saved")
	return path, nil
}

// Snapshot writes a timestamped copy of the open, saved session next to it.
func (c *Coordinator) Snapshot(ctx context.Context) (string, error) {
	cur := c.engine.Current()
	if cur.Unnamed {
		return "", apierr.NotFound("session")
	}
	if active := c.actions.Active(); len(active) > 0 {
		return "", apierr.BadState("Active actions prevent the session snapshot: [" + strings.Join(active, ", ") + "]")
	}

	path := strings.TrimSuffix(cur.Path, Extension) + "-" + c.now().Format(snapshotTimeFormat) + Extension
	if err := c.run(ctx, func(done func(error)) { c.engine.Snapshot(path, done) }); err != nil {
		return "", err
	}
	c.log.Info().Str("path", path).Msg("session snapshot written")
	return path, nil
}

// Load opens the session stored under name.
func (c *Coordinator) Load(ctx context.Context, name string) (string, error) {
	path, err := c.Resolve(name)
	if err != nil {
		return "", err
	} else if !exists(path) {
		return "", apierr.NotFound(path)
	} else if c.saving.Load() {
		return "", apierr.BadState("session save in progress")
	}
	if err := c.engine.Load(path); err != nil {
		return "", apierr.Internal(err)
	}
	return path, c.switched(ctx)
}

// New starts a fresh session. Without a name the session is unnamed and the
// current unnamed data is discarded.
func (c *Coordinator) New(ctx context.Context, name string, overwrite bool) (string, error) {
	if c.saving.Load() {
		return "", apierr.BadState("session save in progress")
	}
	var path string
	if strings.TrimSpace(name) != "" {
		var err error
		if path, err = c.Resolve(name); err != nil {
			return "", err
		} else if exists(path) && !overwrite {
			return "", apierr.AlreadyExists(path)
		}
	}
	if err := c.engine.New(path); err != nil {
		return "", apierr.Internal(err)
	}
	return path, c.switched(ctx)
}

func (c *Coordinator) switched(ctx context.Context) error {
	if c.OnSwitch == nil {
		return nil
	}
	if err := c.OnSwitch(ctx); err != nil {
		return apierr.Internal(fmt.Errorf("reload session state: %w", err))
	}
	return nil
}

func (c *Coordinator) isOpen(path string) bool {
	cur := c.engine.Current()
	if cur.Unnamed || cur.Path == "" {
		return false
	} else if cur.Path == path {
		return true
	}
	a, errA := os.Stat(cur.Path)
	b, errB := os.Stat(path)
	return errA == nil && errB == nil && os.SameFile(a, b)
}

// run starts an asynchronous save and polls until its completion callback fires.
func (c *Coordinator) run(ctx context.Context, start func(done func(error))) error {
	if !c.saving.CompareAndSwap(false, true) {
		return apierr.BadState("session save in progress")
	}
	c.mu.Lock()
	c.lastErr = nil
	c.mu.Unlock()

	start(func(err error) {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		c.saving.Store(false)
	})

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for c.saving.Load() {
		select {
		case <-ctx.Done():
			// completion still resets the saving flag
			return ctx.Err()
		case <-ticker.C:
		}
	}

	c.mu.Lock()
	err := c.lastErr
	c.mu.Unlock()
	if err != nil {
		return apierr.Internal(err)
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, os.ErrNotExist)
}

// Actions tracks named long-running operations that block a snapshot.
type Actions struct {
	mu     sync.Mutex
	active map[string]int
}

// NewActions creates an empty registry.
func NewActions() *Actions {
	return &Actions{active: make(map[string]int)}
}

// Begin marks name as running until the returned func is called.
func (a *Actions) Begin(name string) (end func()) {
	a.mu.Lock()
	a.active[name]++
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			if a.active[name]--; a.active[name] <= 0 {
				delete(a.active, name)
			}
		})
	}
}

// Active returns the running action names, sorted.
func (a *Actions) Active() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := bulk.MapKeysSlice(a.active)
	slices.Sort(names)
	return names
}
