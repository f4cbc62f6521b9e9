// Package status reports relay health for the dashboard: monitor uptime
// and the number of registered identities. Values are refreshed in the
// background and served from a cache.
package status

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	// Unavailable is shown when the uptime cannot be determined.
	Unavailable = "N/A"

	DemoUptime     = "99.99%"
	DemoRegistered = 421

	keyUptime     = "uptime"
	keyRegistered = "registered"
)

// UptimeSource yields a formatted uptime percentage.
type UptimeSource interface {
	Uptime(ctx context.Context) (string, error)
}

// DirectorySource counts registered identities.
type DirectorySource interface {
	RegisteredIdentities(ctx context.Context) (int, error)
}

// Options sets refresh cadence. Demo short-circuits every lookup.
type Options struct {
	UptimeRefresh     time.Duration
	RegisteredRefresh time.Duration
	Demo              bool
}

// Snapshot is what the dashboard shows. RegisteredUsers is nil when the
// directory could not be read.
type Snapshot struct {
	Uptime          string `json:"uptime"`
	RegisteredUsers *int   `json:"registered_users"`
}

type Service struct {
	uptime    UptimeSource
	directory DirectorySource
	cache     Cache
	opts      Options
	logger    *zap.Logger

	group singleflight.Group
}

// NewService wires the sources. A nil uptime source reports Unavailable; a
// nil cache keeps values in memory.
func NewService(uptime UptimeSource, directory DirectorySource, cache Cache, opts Options, logger *zap.Logger) *Service {
	if opts.UptimeRefresh <= 0 {
		opts.UptimeRefresh = time.Minute
	}
	if opts.RegisteredRefresh <= 0 {
		opts.RegisteredRefresh = 30 * time.Second
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		uptime:    uptime,
		directory: directory,
		cache:     cache,
		opts:      opts,
		logger:    logger,
	}
}

// Current returns the cached values, fetching whatever is missing.
func (s *Service) Current(ctx context.Context) Snapshot {
	if s.opts.Demo {
		registered := DemoRegistered
		return Snapshot{Uptime: DemoUptime, RegisteredUsers: &registered}
	}

	snap := Snapshot{}
	if val, ok := s.cached(ctx, keyUptime); ok {
		snap.Uptime = val
	} else {
		snap.Uptime = s.RefreshUptime(ctx)
	}
	if val, ok := s.cached(ctx, keyRegistered); ok {
		snap.RegisteredUsers = parseCount(val)
	} else {
		snap.RegisteredUsers = s.RefreshRegistered(ctx)
	}
	return snap
}

// RefreshUptime fetches the uptime and caches it. Failures are cached as
// Unavailable until the next refresh.
func (s *Service) RefreshUptime(ctx context.Context) string {
	val, _, _ := s.group.Do(keyUptime, func() (any, error) {
		uptime := Unavailable
		ttl := s.opts.UptimeRefresh
		if s.uptime != nil {
			fetched, err := s.uptime.Uptime(ctx)
			if err != nil {
				s.logger.Warn("uptime fetch failed", zap.Error(err))
			} else {
				uptime = fetched
				ttl *= 2
			}
		}
		s.store(ctx, keyUptime, uptime, ttl)
		return uptime, nil
	})
	return val.(string)
}

// RefreshRegistered fetches the identity count and caches it.
func (s *Service) RefreshRegistered(ctx context.Context) *int {
	val, _, _ := s.group.Do(keyRegistered, func() (any, error) {
		raw := ""
		ttl := s.opts.RegisteredRefresh
		if s.directory != nil {
			count, err := s.directory.RegisteredIdentities(ctx)
			if err != nil {
				s.logger.Warn("registered identities fetch failed", zap.Error(err))
			} else {
				raw = strconv.Itoa(count)
				ttl *= 2
			}
		}
		s.store(ctx, keyRegistered, raw, ttl)
		return raw, nil
	})
	return parseCount(val.(string))
}

// Run refreshes both values on their own tickers until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if s.opts.Demo {
		return nil
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.every(gctx, s.opts.UptimeRefresh, func(c context.Context) { s.RefreshUptime(c) })
		return nil
	})
	g.Go(func() error {
		s.every(gctx, s.opts.RegisteredRefresh, func(c context.Context) { s.RefreshRegistered(c) })
		return nil
	})
	return g.Wait()
}

func (s *Service) every(ctx context.Context, interval time.Duration, refresh func(context.Context)) {
	refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh(ctx)
		}
	}
}

func (s *Service) cached(ctx context.Context, key string) (string, bool) {
	val, ok, err := s.cache.Get(ctx, key)
	if err != nil {
		s.logger.Warn("status cache read failed", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return val, ok
}

func (s *Service) store(ctx context.Context, key, value string, ttl time.Duration) {
	if err := s.cache.Set(ctx, key, value, ttl); err != nil {
		s.logger.Warn("status cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func parseCount(raw string) *int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil
	}
	return &n
}
