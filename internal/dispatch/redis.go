package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/animus-labs/experiment-results/internal/platform/env"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultStream = "results:runs"
	DefaultGroup  = "results-workers"
)

type RedisConfig struct {
	URL      string
	Stream   string
	Group    string
	Consumer string
	Block    time.Duration
	MaxLen   int64
}

func RedisConfigFromEnv() (RedisConfig, error) {
	block, err := env.Duration("RESULTS_REDIS_BLOCK", 5*time.Second)
	if err != nil {
		return RedisConfig{}, err
	}
	maxLen, err := env.Int64("RESULTS_REDIS_MAXLEN", 10000)
	if err != nil {
		return RedisConfig{}, err
	}
	host, _ := os.Hostname()
	if host == "" {
		host = "results"
	}
	cfg := RedisConfig{
		URL:      env.String("RESULTS_REDIS_URL", "redis://localhost:6379/0"),
		Stream:   env.String("RESULTS_REDIS_STREAM", DefaultStream),
		Group:    env.String("RESULTS_REDIS_GROUP", DefaultGroup),
		Consumer: env.String("RESULTS_REDIS_CONSUMER", host+"-"+strconv.Itoa(os.Getpid())),
		Block:    block,
		MaxLen:   maxLen,
	}
	if err := cfg.Validate(); err != nil {
		return RedisConfig{}, err
	}
	return cfg, nil
}

func (c RedisConfig) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("RESULTS_REDIS_URL is required")
	}
	if strings.TrimSpace(c.Stream) == "" {
		return errors.New("RESULTS_REDIS_STREAM is required")
	}
	if strings.TrimSpace(c.Group) == "" {
		return errors.New("RESULTS_REDIS_GROUP is required")
	}
	if strings.TrimSpace(c.Consumer) == "" {
		return errors.New("RESULTS_REDIS_CONSUMER is required")
	}
	if c.Block <= 0 {
		return errors.New("RESULTS_REDIS_BLOCK must be positive")
	}
	if c.MaxLen < 0 {
		return errors.New("RESULTS_REDIS_MAXLEN must be >= 0")
	}
	return nil
}

// NewRedisClient connects and pings within timeout.
func NewRedisClient(ctx context.Context, cfg RedisConfig, timeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// StreamClient is the subset of *redis.Client the stream dispatcher uses.
type StreamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
}

type RedisDispatcher struct {
	client StreamClient
	cfg    RedisConfig
}

func NewRedisDispatcher(client StreamClient, cfg RedisConfig) *RedisDispatcher {
	return &RedisDispatcher{client: client, cfg: cfg}
}

func (d *RedisDispatcher) Dispatch(ctx context.Context, trigger Trigger) error {
	if d == nil || d.client == nil {
		return errors.New("redis dispatcher not initialized")
	}
	if err := trigger.Validate(); err != nil {
		return err
	}
	args := &redis.XAddArgs{
		Stream: d.cfg.Stream,
		Values: map[string]any{
			"request_id": strings.TrimSpace(trigger.RequestID),
			"created_at": strconv.FormatInt(trigger.CreatedAt.UTC().UnixMilli(), 10),
		},
	}
	if d.cfg.MaxLen > 0 {
		args.MaxLen = d.cfg.MaxLen
		args.Approx = true
	}
	if err := d.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// Worker consumes the run stream through a consumer group. Every message is
// acknowledged after one attempt; a failed run leaves its request pending.
type Worker struct {
	client StreamClient
	cfg    RedisConfig
	runner Runner
	logger *slog.Logger
}

func NewWorker(client StreamClient, cfg RedisConfig, runner Runner, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{client: client, cfg: cfg, runner: runner, logger: logger}
}

func (w *Worker) EnsureGroup(ctx context.Context) error {
	err := w.client.XGroupCreateMkStream(ctx, w.cfg.Stream, w.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Run consumes until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.EnsureGroup(ctx); err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := w.ProcessOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("results stream read failed", "stream", w.cfg.Stream, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

// ProcessOnce reads one batch, runs each trigger and acknowledges it. It
// returns the number of messages handled.
func (w *Worker) ProcessOnce(ctx context.Context) (int, error) {
	streams, err := w.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    w.cfg.Group,
		Consumer: w.cfg.Consumer,
		Streams:  []string{w.cfg.Stream, ">"},
		Count:    10,
		Block:    w.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}

	handled := 0
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			trigger, err := parseTrigger(msg.Values)
			if err != nil {
				w.logger.Warn("results stream message dropped", "message_id", msg.ID, "error", err)
			} else if err := w.runner.Run(ctx, trigger); err != nil {
				w.logger.Error("results run failed", "results_request_id", trigger.RequestID, "message_id", msg.ID, "error", err)
			}
			if err := w.client.XAck(ctx, w.cfg.Stream, w.cfg.Group, msg.ID).Err(); err != nil {
				w.logger.Warn("results stream ack failed", "message_id", msg.ID, "error", err)
			}
			handled++
		}
	}
	return handled, nil
}

func parseTrigger(values map[string]any) (Trigger, error) {
	requestID, _ := values["request_id"].(string)
	trigger := Trigger{RequestID: strings.TrimSpace(requestID)}
	if raw, ok := values["created_at"].(string); ok && raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Trigger{}, fmt.Errorf("invalid created_at: %w", err)
		}
		trigger.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if err := trigger.Validate(); err != nil {
		return Trigger{}, err
	}
	return trigger, nil
}
