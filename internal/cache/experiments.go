package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"abinsight/internal/db"
)

const (
	activeExperimentsKey = "abinsight:experiments:active"

	// activeExperimentsTTL bounds how stale assignment decisions can be
	// with respect to experiment edits.
	activeExperimentsTTL = 30 * time.Second
)

// ExperimentSource is the upstream the cache fronts.
type ExperimentSource interface {
	Active(ctx context.Context) ([]db.Experiment, error)
}

// ExperimentCache fronts the experiment store with a short-TTL Redis
// cache. Redis being down is a slow path, never a failure: every cache
// problem falls through to the store.
type ExperimentCache struct {
	source ExperimentSource
	client *redis.Client
	log    *zap.Logger
}

func NewExperimentCache(source ExperimentSource, client *redis.Client, log *zap.Logger) *ExperimentCache {
	return &ExperimentCache{source: source, client: client, log: log}
}

// Active returns the cached RUNNING experiment set, refreshing from the
// store on miss.
func (c *ExperimentCache) Active(ctx context.Context) ([]db.Experiment, error) {
	raw, err := c.client.Get(ctx, activeExperimentsKey).Bytes()
	if err == nil {
		var experiments []db.Experiment
		if err := json.Unmarshal(raw, &experiments); err == nil {
			return experiments, nil
		}
		c.log.Warn("discarding undecodable experiment cache entry")
	} else if !errors.Is(err, redis.Nil) {
		c.log.Warn("experiment cache read failed", zap.Error(err))
	}

	experiments, err := c.source.Active(ctx)
	if err != nil {
		return nil, err
	}

	encoded, err := json.Marshal(experiments)
	if err == nil {
		if err := c.client.Set(ctx, activeExperimentsKey, encoded, activeExperimentsTTL).Err(); err != nil {
			c.log.Warn("experiment cache write failed", zap.Error(err))
		}
	}
	return experiments, nil
}

// Invalidate drops the cached set so the next read hits the store.
func (c *ExperimentCache) Invalidate(ctx context.Context) error {
	return c.client.Del(ctx, activeExperimentsKey).Err()
}
