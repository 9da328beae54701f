package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"sinklisten/internal/core/domain"
	"sinklisten/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

type RedisStatsRepository struct {
	client *redis.Client
	prefix string
	index  string
}

func NewRedisStatsRepository(client *redis.Client) ports.StatsRepository {
	return &RedisStatsRepository{
		client: client,
		prefix: "sinklisten:stats:",
		index:  "sinklisten:stats:sinks",
	}
}

func (r *RedisStatsRepository) statsKey(sinkID domain.SinkID) string {
	return r.prefix + string(sinkID)
}

func (r *RedisStatsRepository) Save(ctx context.Context, stats *domain.AudioStats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}

	key := r.statsKey(stats.SinkID)
	if err := r.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set stats in Redis: %w", err)
	}

	if err := r.client.SAdd(ctx, r.index, string(stats.SinkID)).Err(); err != nil {
		return fmt.Errorf("failed to index sink: %w", err)
	}

	return nil
}

func (r *RedisStatsRepository) Get(ctx context.Context, sinkID domain.SinkID) (*domain.AudioStats, error) {
	data, err := r.client.Get(ctx, r.statsKey(sinkID)).Result()
	if err == redis.Nil {
		return nil, domain.ErrStatsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stats from Redis: %w", err)
	}

	var stats domain.AudioStats
	if err := json.Unmarshal([]byte(data), &stats); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stats: %w", err)
	}

	return &stats, nil
}

func (r *RedisStatsRepository) List(ctx context.Context) ([]*domain.AudioStats, error) {
	sinkIDs, err := r.client.SMembers(ctx, r.index).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sinks from Redis: %w", err)
	}

	var all []*domain.AudioStats
	for _, sinkID := range sinkIDs {
		stats, err := r.Get(ctx, domain.SinkID(sinkID))
		if err != nil {
			// Skip sinks whose snapshot has expired or been removed
			continue
		}
		all = append(all, stats)
	}

	return all, nil
}

func (r *RedisStatsRepository) Delete(ctx context.Context, sinkID domain.SinkID) error {
	if err := r.client.SRem(ctx, r.index, string(sinkID)).Err(); err != nil {
		return fmt.Errorf("failed to unindex sink: %w", err)
	}

	if err := r.client.Del(ctx, r.statsKey(sinkID)).Err(); err != nil {
		return fmt.Errorf("failed to delete stats from Redis: %w", err)
	}

	return nil
}
