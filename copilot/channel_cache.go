package copilot

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

// ChannelSource provides the IDs of the enabled allowed channels.
type ChannelSource interface {
	GetAllowedChannels(ctx context.Context) ([]string, error)
}

// ChannelCache holds the set of channels the bot replies in without
// being mentioned. It's refreshed from its source at most once per TTL.
// When a refresh fails, the previous set (and its refresh time) is
// kept, so the stale set is used until a refresh succeeds.
type ChannelCache struct {
	source ChannelSource
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	mu          sync.RWMutex
	ids         map[string]struct{}
	refreshedAt time.Time

	// refreshMu keeps concurrent handlers from fetching at the same time
	refreshMu sync.Mutex
}

func NewChannelCache(
	source ChannelSource,
	ttl time.Duration,
	logger *slog.Logger,
) *ChannelCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChannelCache{
		source: source,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With(loggerNameKey, "channel_cache"),
		ids:    map[string]struct{}{},
	}
}

// Refresh fetches the channel list if the TTL has elapsed since the
// last successful refresh. Failures are logged, not returned.
func (c *ChannelCache) Refresh(ctx context.Context) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	now := c.now()
	c.mu.RLock()
	refreshedAt := c.refreshedAt
	c.mu.RUnlock()

	if !refreshedAt.IsZero() && now.Sub(refreshedAt) <= c.ttl {
		return
	}

	ids, err := c.fetch(ctx)
	if err != nil {
		attrs := []any{tint.Err(err), "fallback", "Using cached channels"}
		if !refreshedAt.IsZero() {
			attrs = append(attrs, "cache_age", now.Sub(refreshedAt))
		}
		c.logger.ErrorContext(ctx, "Failed to refresh allowed channels cache", attrs...)
		return
	}

	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	c.mu.Lock()
	c.ids = set
	c.refreshedAt = now
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "Refreshed allowed channels cache", "channel_count", len(set))
}

func (c *ChannelCache) fetch(ctx context.Context) (ids []string, err error) {
	if c.source == nil {
		return nil, errors.New("no channel source configured")
	}
	return c.source.GetAllowedChannels(ctx)
}

// Invalidate causes the next Refresh to fetch, regardless of the TTL.
// The cached set is still used until that fetch succeeds.
func (c *ChannelCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshedAt = time.Time{}
}

// IsAdmitted returns true if channelID is in the cached set.
func (c *ChannelCache) IsAdmitted(channelID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.ids[channelID]
	return ok
}

func (c *ChannelCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}

// RefreshedAt returns the time of the last successful refresh, or the
// zero time if there hasn't been one.
func (c *ChannelCache) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}
