package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Slade66/media-fetcher/internal/common"
	"github.com/Slade66/media-fetcher/pkg/task"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

const (
	StreamName = "download_tasks"
	GroupName  = "download-group"

	payloadField = "payload"
	retryBackoff = 5 * time.Second

	// maxStreamLen caps the stream on every XADD. Trimming is approximate.
	maxStreamLen = 10000
	// claimGrace is added to the task timeout before another consumer may
	// take over an unacknowledged entry.
	claimGrace = time.Minute
)

// Handler drives one task. A non-nil error asks for another attempt.
type Handler func(ctx context.Context, t *task.DownloadTask) error

// ExhaustedFunc is called once a task has failed its last attempt.
type ExhaustedFunc func(ctx context.Context, t *task.DownloadTask, err error)

// Dispatcher is an at-least-once task queue on a Redis Stream.
type Dispatcher struct {
	rdb    *redis.Client
	clock  clockwork.Clock
	maxLen int64
}

// New returns a Dispatcher on rdb. clock stamps retries and paces read
// errors.
func New(rdb *redis.Client, clock clockwork.Clock) *Dispatcher {
	return &Dispatcher{rdb: rdb, clock: clock, maxLen: maxStreamLen}
}

// Enqueue appends t to the stream.
func (d *Dispatcher) Enqueue(ctx context.Context, t *task.DownloadTask) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return common.E(common.KindDispatch, "dispatch.Enqueue", "failed to start download process", err)
	}

	err = d.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamName,
		MaxLen: d.maxLen,
		Approx: true,
		Values: map[string]interface{}{payloadField: string(payload)},
	}).Err()
	if err != nil {
		return common.E(common.KindDispatch, "dispatch.Enqueue", "failed to start download process", err)
	}

	return nil
}

// EnsureGroup creates the consumer group, tolerating one that already exists.
func (d *Dispatcher) EnsureGroup(ctx context.Context) error {
	err := d.rdb.XGroupCreateMkStream(ctx, StreamName, GroupName, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("cannot create consumer group %s: %w", GroupName, err)
	}

	return nil
}

// ConsumerOptions tune a Consumer. Zero values get defaults.
type ConsumerOptions struct {
	MaxAttempts int
	// TaskTimeout bounds a single handler call.
	TaskTimeout time.Duration
	// ClaimIdle is how long an entry must sit unacknowledged before this
	// consumer takes it over from another one. It must exceed TaskTimeout.
	ClaimIdle time.Duration
	// Block is how long one read waits for new entries.
	Block       time.Duration
	OnExhausted ExhaustedFunc
	Log         *slog.Logger
}

// Consumer reads tasks for one member of the consumer group.
type Consumer struct {
	d       *Dispatcher
	name    string
	handler Handler
	opts    ConsumerOptions
	log     *slog.Logger
}

// NewConsumer returns a group member called name that feeds tasks to h.
// Names should be stable across restarts so a restarted worker finds its own
// pending entries first.
func (d *Dispatcher) NewConsumer(name string, h Handler, opts ConsumerOptions) *Consumer {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 30 * time.Minute
	}
	if opts.ClaimIdle <= 0 {
		opts.ClaimIdle = opts.TaskTimeout + claimGrace
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if opts.OnExhausted == nil {
		opts.OnExhausted = func(context.Context, *task.DownloadTask, error) {}
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	return &Consumer{
		d:       d,
		name:    name,
		handler: h,
		opts:    opts,
		log:     log.With(slog.String("item", "Consumer"), slog.String("consumer", name)),
	}
}

// Run consumes until ctx is done. Entries left pending by an earlier run of
// the same consumer are handled before new ones. After that, entries that
// another consumer left unacknowledged for ClaimIdle are taken over before
// each read, so tasks of a vanished consumer are not lost.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info("consumer started")

	start := "0"
	for {
		if ctx.Err() != nil {
			c.log.Info("consumer stopped")
			return nil
		}

		if start == ">" && c.claim(ctx) {
			continue
		}

		streams, err := c.d.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    GroupName,
			Consumer: c.name,
			Streams:  []string{StreamName, start},
			Count:    1,
			Block:    c.opts.Block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			c.log.Error("cannot read from stream", slog.String("err", err.Error()))
			select {
			case <-ctx.Done():
			case <-c.d.clock.After(retryBackoff):
			}
			continue
		}

		var messages []redis.XMessage
		if len(streams) > 0 {
			messages = streams[0].Messages
		}
		if start == "0" && len(messages) == 0 {
			start = ">"
			continue
		}

		for _, msg := range messages {
			c.handle(ctx, msg)
		}
	}
}

// claim takes over at most one stale entry and handles it. It reports
// whether an entry was handled.
func (c *Consumer) claim(ctx context.Context) bool {
	messages, _, err := c.d.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   StreamName,
		Group:    GroupName,
		Consumer: c.name,
		MinIdle:  c.opts.ClaimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			c.log.Warn("cannot claim stale entries", slog.String("err", err.Error()))
		}
		return false
	}

	for _, msg := range messages {
		c.log.Warn("took over stale task", slog.String("message_id", msg.ID))
		c.handle(ctx, msg)
	}

	return len(messages) > 0
}

func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) {
	defer c.ack(ctx, msg.ID)

	payload, _ := msg.Values[payloadField].(string)

	var t task.DownloadTask
	if err := json.Unmarshal([]byte(payload), &t); err != nil || t.ID == "" {
		c.log.Error("skipping malformed task", slog.String("message_id", msg.ID), slog.String("payload", payload))
		return
	}
	if t.Attempt < 1 {
		t.Attempt = 1
	}

	log := c.log.With(slog.String("download_id", t.ID), slog.Int("attempt", t.Attempt))
	log.Debug("task received")

	hctx, cancel := context.WithTimeout(ctx, c.opts.TaskTimeout)
	err := c.handler(hctx, &t)
	cancel()
	if err == nil {
		return
	}

	if t.Attempt < c.opts.MaxAttempts {
		retry := t.Retry(c.d.clock.Now())
		rerr := c.d.Enqueue(context.WithoutCancel(ctx), retry)
		if rerr == nil {
			log.Warn("task failed, retrying", slog.String("err", err.Error()))
			return
		}
		log.Error("cannot re-enqueue task", slog.String("err", rerr.Error()))
	}

	log.Error("task exhausted its attempts", slog.String("err", err.Error()))
	c.opts.OnExhausted(context.WithoutCancel(ctx), &t, err)
}

func (c *Consumer) ack(ctx context.Context, id string) {
	if err := c.d.rdb.XAck(context.WithoutCancel(ctx), StreamName, GroupName, id).Err(); err != nil {
		c.log.Error("cannot ack task", slog.String("message_id", id), slog.String("err", err.Error()))
	}
}
