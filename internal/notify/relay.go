package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"fieldline/internal/domain"
	"fieldline/internal/logger"
	"fieldline/internal/repo"
)

const (
	defaultRelayInterval = 2 * time.Second
	defaultRelayBatch    = 100
	defaultRelayWindow   = 100
	defaultStreamPrefix  = "fieldline:notifications"
)

// NewRedisClient builds a client from a redis:// or rediss:// URL.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(strings.TrimSpace(redisURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opt), nil
}

// Relay copies new notifications into one Redis stream per kind
// (<prefix>:<kind>). Its cursor lives in <prefix>:cursor so a restarted relay
// continues where it stopped.
//
// Ids are allocated before commit, so a lower id can become visible after a
// higher one. Each pass re-reads Window ids below the cursor and skips the ones
// already recorded in the <prefix>:relayed sorted set.
type Relay struct {
	Repo     repo.Repo
	Redis    *redis.Client
	Prefix   string
	Interval time.Duration
	Batch    int
	Window   int64
	MaxLen   int64
	Log      *logger.Logger
}

func (r Relay) prefix() string {
	if strings.TrimSpace(r.Prefix) == "" {
		return defaultStreamPrefix
	}
	return strings.TrimSuffix(r.Prefix, ":")
}

func (r Relay) log() *logger.Logger {
	if r.Log == nil {
		return logger.Discard()
	}
	return r.Log
}

// StreamKey names the stream notifications of kind are written to.
func (r Relay) StreamKey(kind string) string {
	return r.prefix() + ":" + kind
}

func (r Relay) cursorKey() string {
	return r.prefix() + ":cursor"
}

func (r Relay) relayedKey() string {
	return r.prefix() + ":relayed"
}

func (r Relay) window() int64 {
	if r.Window <= 0 {
		return defaultRelayWindow
	}
	return r.Window
}

// Run polls until ctx is cancelled.
func (r Relay) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = defaultRelayInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.Pump(ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.log().Error("notification relay pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Pump relays one batch and returns how many notifications were written.
func (r Relay) Pump(ctx context.Context) (int, error) {
	cursor, err := r.Cursor(ctx)
	if err != nil {
		return 0, err
	}
	batch := r.Batch
	if batch <= 0 {
		batch = defaultRelayBatch
	}
	from := max(cursor-r.window(), 0)
	items, err := r.Repo.NotificationsAfter(ctx, from, batch+int(cursor-from))
	if err != nil {
		return 0, fmt.Errorf("fetch notifications: %w", err)
	}
	sent := 0
	for _, n := range items {
		if sent == batch {
			break
		}
		member := strconv.FormatInt(n.ID, 10)
		if n.ID <= cursor {
			err := r.Redis.ZScore(ctx, r.relayedKey(), member).Err()
			if err == nil {
				continue
			}
			if !errors.Is(err, redis.Nil) {
				return sent, fmt.Errorf("check relayed %d: %w", n.ID, err)
			}
			r.log().Warn("relaying late notification", "id", n.ID, "cursor", cursor)
		}
		if err := r.publish(ctx, n); err != nil {
			return sent, fmt.Errorf("publish notification %d: %w", n.ID, err)
		}
		if err := r.Redis.ZAdd(ctx, r.relayedKey(), redis.Z{Score: float64(n.ID), Member: member}).Err(); err != nil {
			return sent, fmt.Errorf("record relayed %d: %w", n.ID, err)
		}
		if n.ID > cursor {
			cursor = n.ID
			if err := r.Redis.Set(ctx, r.cursorKey(), cursor, 0).Err(); err != nil {
				return sent, fmt.Errorf("store relay cursor: %w", err)
			}
		}
		sent++
	}
	if sent > 0 {
		floor := "(" + strconv.FormatInt(cursor-r.window(), 10)
		if err := r.Redis.ZRemRangeByScore(ctx, r.relayedKey(), "-inf", floor).Err(); err != nil {
			return sent, fmt.Errorf("trim relayed set: %w", err)
		}
		r.log().Debug("relayed notifications", "count", sent, "cursor", cursor)
	}
	return sent, nil
}

// Cursor returns the id of the last relayed notification.
func (r Relay) Cursor(ctx context.Context) (int64, error) {
	val, err := r.Redis.Get(ctx, r.cursorKey()).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read relay cursor: %w", err)
	}
	cur, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("relay cursor %q: %w", val, err)
	}
	return cur, nil
}

func (r Relay) publish(ctx context.Context, n domain.Notification) error {
	values := map[string]any{
		"id":         n.ID,
		"kind":       n.Kind,
		"actor_id":   n.ActorID,
		"count":      n.Count,
		"created_at": n.CreatedAt,
	}
	if n.AssigneeID != nil {
		values["assignee_id"] = *n.AssigneeID
	}
	if n.BucketID != nil {
		values["bucket_id"] = *n.BucketID
	}
	args := &redis.XAddArgs{
		Stream: r.StreamKey(n.Kind),
		Values: values,
	}
	if r.MaxLen > 0 {
		args.MaxLen = r.MaxLen
		args.Approx = true
	}
	return r.Redis.XAdd(ctx, args).Err()
}
