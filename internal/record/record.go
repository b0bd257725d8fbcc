package record

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/park285/lio-bot/internal/obslog"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const outcomeTTL = 7 * 24 * time.Hour

// Outcome is the final result of one finished or aborted game. Only the
// terminal facts are kept, never move history.
type Outcome struct {
	GameID     string    `json:"game_id"`
	Status     string    `json:"status"`
	Winner     string    `json:"winner,omitempty"`
	Aborted    bool      `json:"aborted"`
	FinishedAt time.Time `json:"finished_at"`
}

// Recorder stores final game outcomes for external reporting.
type Recorder interface {
	Record(ctx context.Context, o Outcome) error
	Close() error
}

// NewNop returns a recorder that drops everything. Used when no redis_url
// is configured.
func NewNop() Recorder { return nopRecorder{} }

type nopRecorder struct{}

func (nopRecorder) Record(context.Context, Outcome) error { return nil }
func (nopRecorder) Close() error                          { return nil }

// RedisRecorder keeps outcomes in Redis under a TTL, with an index set so
// reporting tools can enumerate recent games.
type RedisRecorder struct {
	rdb *redis.Client
}

func NewRedis(redisURL string) (*RedisRecorder, error) {
	opts, err := parseRedisURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisRecorder{rdb: rdb}, nil
}

func (r *RedisRecorder) Record(ctx context.Context, o Outcome) error {
	if o.FinishedAt.IsZero() {
		o.FinishedAt = time.Now()
	}
	raw, err := json.Marshal(&o)
	if err != nil {
		return fmt.Errorf("marshal outcome: %w", err)
	}

	key := outcomeKey(o.GameID)
	if err := r.rdb.Set(ctx, key, raw, outcomeTTL).Err(); err != nil {
		return fmt.Errorf("store outcome: %w", err)
	}
	if err := r.rdb.SAdd(ctx, indexKey, o.GameID).Err(); err != nil {
		return fmt.Errorf("index outcome: %w", err)
	}
	_ = r.rdb.Expire(ctx, indexKey, outcomeTTL).Err()

	obslog.L().Info("outcome_recorded",
		zap.String("game_id", o.GameID),
		zap.String("status", o.Status),
		zap.String("winner", o.Winner),
	)
	return nil
}

// Load returns a stored outcome, or nil when none exists.
func (r *RedisRecorder) Load(ctx context.Context, gameID string) (*Outcome, error) {
	raw, err := r.rdb.Get(ctx, outcomeKey(gameID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var o Outcome
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("unmarshal outcome: %w", err)
	}
	return &o, nil
}

func (r *RedisRecorder) Close() error {
	return r.rdb.Close()
}

const indexKey = "liobot:outcome:index"

func outcomeKey(gameID string) string {
	return "liobot:outcome:" + strings.TrimSpace(gameID)
}

func parseRedisURL(raw string) (*redis.Options, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	db := 0
	if p := strings.TrimPrefix(u.Path, "/"); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			db = n
		}
	}
	pass, _ := u.User.Password()
	return &redis.Options{Addr: u.Host, Password: pass, DB: db}, nil
}
