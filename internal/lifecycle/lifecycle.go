package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/offlinehq/syncengine/internal/bus"
	"github.com/offlinehq/syncengine/internal/cache"
	"github.com/offlinehq/syncengine/internal/logctx"
	"github.com/offlinehq/syncengine/internal/strategy"
	"github.com/offlinehq/syncengine/internal/telemetry"
)

// Phase is the engine version's lifecycle state.
type Phase string

const (
	PhaseInstalling Phase = "installing"
	PhaseInstalled  Phase = "installed"
	PhaseActivating Phase = "activating"
	PhaseActive     Phase = "active"
)

// Manager governs activation of an engine version: it installs the static
// shell assets, purges cache buckets left over from older versions, and
// claims the connected clients by broadcasting the new version.
type Manager struct {
	mu    sync.Mutex
	phase Phase

	origin      *url.URL
	shellAssets []string
	buckets     *cache.Manager
	fetcher     strategy.Fetcher
	events      *bus.Bus
	telemetry   *telemetry.Telemetry
	maxParallel int
}

func NewManager(
	origin *url.URL,
	shellAssets []string,
	buckets *cache.Manager,
	fetcher strategy.Fetcher,
	events *bus.Bus,
	tel *telemetry.Telemetry,
	maxParallel int,
) *Manager {
	if maxParallel <= 0 {
		maxParallel = 5
	}

	return &Manager{
		phase:       PhaseInstalling,
		origin:      origin,
		shellAssets: shellAssets,
		buckets:     buckets,
		fetcher:     fetcher,
		events:      events,
		telemetry:   tel,
		maxParallel: maxParallel,
	}
}

// Phase returns the current lifecycle phase.
func (m *Manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.phase
}

// Install populates the static bucket with the shell asset list. A single
// unreachable asset does not abort the install: the engine comes up with a
// degraded cache and each miss is logged. Partial installs do not block
// activation.
func (m *Manager) Install(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	m.setPhase(PhaseInstalling)

	return m.telemetry.InstrumentOperation(ctx, "install", "lifecycle", func(ctx context.Context) error {
		var (
			mu     sync.Mutex
			missed int
		)

		wg, gctx := errgroup.WithContext(ctx)
		wg.SetLimit(m.maxParallel)

		for _, asset := range m.shellAssets {
			asset := asset

			wg.Go(func() error {
				if err := m.installAsset(gctx, asset); err != nil {
					logger.Warn("failed to install shell asset", "asset", asset, "err", err)

					mu.Lock()
					missed++
					mu.Unlock()
				}

				return nil
			})
		}

		_ = wg.Wait()

		if missed > 0 {
			logger.Warn("install completed with missing assets", "missed", missed, "total", len(m.shellAssets))
		} else {
			logger.Info("install completed", "assets", len(m.shellAssets))
		}

		m.setPhase(PhaseInstalled)

		return nil
	})
}

func (m *Manager) installAsset(ctx context.Context, asset string) error {
	ref, err := url.Parse(asset)
	if err != nil {
		return fmt.Errorf("invalid shell asset %q: %w", asset, err)
	}

	target := m.origin.ResolveReference(ref).String()

	entry, err := m.fetcher.Fetch(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("failed to fetch shell asset: %w", err)
	}

	if entry.Status != http.StatusOK {
		return fmt.Errorf("shell asset %s returned status %d", target, entry.Status)
	}

	entry.StoredAt = time.Now()

	if err := m.buckets.Put(cache.PurposeStatic, cache.Key(http.MethodGet, target), *entry); err != nil {
		return fmt.Errorf("failed to store shell asset: %w", err)
	}

	return nil
}

// Activate purges every bucket outside the current version's allow-list and
// claims the connected clients, so requests route through the new version
// without a restart. A version bump is the only upgrade path: there is no
// migration of entries between bucket generations.
func (m *Manager) Activate(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)

	m.setPhase(PhaseActivating)

	return m.telemetry.InstrumentOperation(ctx, "activate", "lifecycle", func(ctx context.Context) error {
		purged, err := m.buckets.PurgeExcept(cache.AllowList(m.buckets.Version()))
		if err != nil {
			return fmt.Errorf("failed to purge stale buckets: %w", err)
		}

		for _, name := range purged {
			logger.Info("deleted stale cache bucket", "bucket", name)
		}

		m.setPhase(PhaseActive)
		m.events.Publish(ctx, bus.Activated{Version: m.buckets.Version()})

		logger.Info("engine version active", "version", m.buckets.Version(), "clients", m.events.SubscriberCount())

		return nil
	})
}

// SkipWaiting activates immediately when the version has installed but not
// yet activated. It is a no-op in any other phase.
func (m *Manager) SkipWaiting(ctx context.Context) error {
	if m.Phase() != PhaseInstalled {
		return nil
	}

	return m.Activate(ctx)
}

func (m *Manager) setPhase(phase Phase) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.phase = phase
}
