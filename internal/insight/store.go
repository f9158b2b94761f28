package insight

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"trademind/internal/domain"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"
)

const (
	perUserKeyPrefix = "insights:user:"
	recentKey        = "insights:recent"
	maxPerUser       = 50
	maxRecent        = 200
)

// Store keeps generated insights in Redis. Per-user lists expire with
// the insight TTL; expired entries are also filtered on read so a
// recently refreshed list never serves stale advice.
type Store struct {
	redis  *redis.Client
	tracer trace.Tracer
	ttl    time.Duration
}

func NewStore(redisClient *redis.Client, tracer trace.Tracer, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{redis: redisClient, tracer: tracer, ttl: ttl}
}

func (s *Store) Save(ctx context.Context, ins domain.Insight) error {
	_, span := s.tracer.Start(ctx, "insight-store.save")
	defer span.End()

	blob, err := json.Marshal(ins)
	if err != nil {
		return err
	}

	pipe := s.redis.TxPipeline()
	userKey := perUserKeyPrefix + ins.UserID
	pipe.LPush(ctx, userKey, blob)
	pipe.LTrim(ctx, userKey, 0, maxPerUser-1)
	pipe.Expire(ctx, userKey, s.ttl)
	pipe.LPush(ctx, recentKey, blob)
	pipe.LTrim(ctx, recentKey, 0, maxRecent-1)
	pipe.Expire(ctx, recentKey, s.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// ListUser returns unexpired insights for one user, newest first.
func (s *Store) ListUser(ctx context.Context, userID string, limit int) ([]domain.Insight, error) {
	return s.list(ctx, perUserKeyPrefix+userID, limit)
}

// ListRecent returns the newest unexpired insights across all users.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]domain.Insight, error) {
	return s.list(ctx, recentKey, limit)
}

func (s *Store) list(ctx context.Context, key string, limit int) ([]domain.Insight, error) {
	_, span := s.tracer.Start(ctx, "insight-store.list")
	defer span.End()

	if limit <= 0 || limit > maxRecent {
		limit = 20
	}
	blobs, err := s.redis.LRange(ctx, key, 0, int64(limit)-1).Result()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	insights := make([]domain.Insight, 0, len(blobs))
	for _, blob := range blobs {
		var ins domain.Insight
		if err := json.Unmarshal([]byte(blob), &ins); err != nil {
			log.Printf("Warning: dropping unreadable insight entry: %v", err)
			continue
		}
		if ins.ExpiresAt.Before(now) {
			continue
		}
		insights = append(insights, ins)
	}
	return insights, nil
}
