// Package registry holds the configured archival units, seeds their crawl
// state from history and regulates per-unit activity locks.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/au-crawler/internal/crawler"
	"github.com/JakeFAU/au-crawler/internal/store"
)

// DefaultLoadConcurrency bounds concurrent history lookups during Load.
const DefaultLoadConcurrency = 8

// historyDepth is how many past runs are read when seeding state.
const historyDepth = 20

// ErrUnknownAU is returned for AUIDs that are not registered.
var ErrUnknownAU = errors.New("unknown au")

// Options configure a Registry.
type Options struct {
	// History seeds AU state from past runs. Optional.
	History store.HistoryRepository
	// Robots serves the "robots" permission checker name. Optional.
	Robots          crawler.PermissionChecker
	LoadConcurrency int
	Logger          *zap.Logger
}

// Registry is the set of units the daemon crawls. It is safe for
// concurrent use.
type Registry struct {
	opts    Options
	logger  *zap.Logger
	mu      sync.RWMutex
	aus     map[string]*AU
	started atomic.Bool
}

// New returns an empty registry.
func New(opts Options) *Registry {
	if opts.LoadConcurrency <= 0 {
		opts.LoadConcurrency = DefaultLoadConcurrency
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{opts: opts, logger: logger.Named("registry"), aus: make(map[string]*AU)}
}

// Load builds every definition, seeding state from history, and marks
// the registry started. Any invalid definition fails the whole load.
func (r *Registry) Load(ctx context.Context, defs []Definition) error {
	built := make([]*AU, len(defs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.LoadConcurrency)
	for i, d := range defs {
		g.Go(func() error {
			state, err := r.seedState(gctx, d.AUID)
			if err != nil {
				return err
			}
			au, err := NewAU(d, r.opts.Robots, state)
			if err != nil {
				return err
			}
			built[i] = au
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("load aus: %w", err)
	}

	r.mu.Lock()
	for _, au := range built {
		r.aus[au.AUID()] = au
	}
	r.mu.Unlock()
	r.started.Store(true)
	r.logger.Info("aus loaded", zap.Int("count", len(built)))
	return nil
}

// seedState derives AU state from the unit's most recent runs. A run left
// running by a previous process is reported as interrupted by a crash.
func (r *Registry) seedState(ctx context.Context, auid string) (*crawler.AUState, error) {
	if r.opts.History == nil {
		return nil, nil
	}
	runs, err := r.opts.History.ListRuns(ctx, &auid, historyDepth, 0)
	if err != nil {
		return nil, fmt.Errorf("list runs of %s: %w", auid, err)
	}
	if len(runs) == 0 {
		return nil, nil
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })

	last := runs[0]
	code, msg := crawler.StatusUnknown, ""
	switch {
	case last.Status == store.RunRunning:
		code = crawler.StatusRunningAtCrash
	case last.Result != nil:
		if c, ok := crawler.ParseStatusCode(*last.Result); ok {
			code = c
		}
	}
	if last.ErrorMessage != nil {
		msg = *last.ErrorMessage
	}

	var lastCrawl time.Time
	for _, run := range runs {
		if run.Status == store.RunSuccess && run.CrawlType == string(crawler.CrawlNewContent) && run.FinishedAt != nil {
			lastCrawl = *run.FinishedAt
			break
		}
	}
	return crawler.NewAUState(last.StartedAt, lastCrawl, code, msg), nil
}

// Add registers au, replacing any unit with the same AUID.
func (r *Registry) Add(au *AU) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aus[au.AUID()] = au
}

// Lookup returns the unit with auid.
func (r *Registry) Lookup(auid string) (*AU, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	au, ok := r.aus[auid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAU, auid)
	}
	return au, nil
}

// AllAUs returns the registered units ordered by AUID.
func (r *Registry) AllAUs() []crawler.ArchivalUnit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.aus))
	for id := range r.aus {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]crawler.ArchivalUnit, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.aus[id])
	}
	return out
}

// AUsStarted reports whether Load has completed.
func (r *Registry) AUsStarted() bool { return r.started.Load() }
