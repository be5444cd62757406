package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Slade66/media-fetcher/internal/common"
	"github.com/Slade66/media-fetcher/internal/job"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

const (
	expiryIndexKey  = "downloads:expiry"
	createdIndexKey = "downloads:created"

	indexNone = ""
	indexAdd  = "add"
	indexRem  = "rem"
)

// transitionScript moves a job to ARGV[2] only if its current status is one
// of the ARGV[5..4+n] sources, then writes the remaining field pairs and
// maintains the expiry index. It returns the previous status.
var transitionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
  return redis.error_reply('ERR_NOT_FOUND')
end
local n = tonumber(ARGV[4])
local ok = false
for i = 5, 4 + n do
  if ARGV[i] == cur then
    ok = true
    break
  end
end
if not ok then
  return redis.error_reply('ERR_CONFLICT ' .. cur)
end
local fields = {'status', ARGV[2]}
for i = 5 + n, #ARGV do
  table.insert(fields, ARGV[i])
end
redis.call('HSET', KEYS[1], unpack(fields))
if ARGV[3] == 'add' then
  local score = redis.call('HGET', KEYS[1], 'expires_at')
  redis.call('ZADD', KEYS[2], score, ARGV[1])
elseif ARGV[3] == 'rem' then
  redis.call('ZREM', KEYS[2], ARGV[1])
end
return cur
`)

// progressScript raises progress only while downloading and only upwards.
var progressScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'status', 'progress')
if cur[1] ~= 'downloading' then
  return 0
end
if tonumber(ARGV[1]) <= tonumber(cur[2] or '0') then
  return 0
end
redis.call('HSET', KEYS[1], 'progress', ARGV[1], 'updated_at', ARGV[2])
return 1
`)

// Store keeps download jobs in Redis: one hash per job plus sorted-set
// indexes by creation and by expiry of completed jobs.
type Store struct {
	rdb   *redis.Client
	clock clockwork.Clock
}

// New returns a Store on rdb. clock stamps createdAt and updatedAt.
func New(rdb *redis.Client, clock clockwork.Clock) *Store {
	return &Store{rdb: rdb, clock: clock}
}

func jobKey(id string) string {
	return fmt.Sprintf("download:%s", id)
}

func fingerprintKey(fp string) string {
	return fmt.Sprintf("download:fp:%s", fp)
}

// Create persists a new job. The caller fills in id, status and timestamps.
func (s *Store) Create(ctx context.Context, d *job.Download) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.clock.Now()
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}

	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, jobKey(d.ID), toHash(d))
		pipe.ZAdd(ctx, createdIndexKey, redis.Z{Score: float64(d.CreatedAt.UnixMilli()), Member: d.ID})
		return nil
	})
	if err != nil {
		return common.Storage("store.Create", err)
	}

	return nil
}

// Get loads one job. It returns common.ErrJobNotFound for unknown ids and a
// storage error for records that cannot be decoded.
func (s *Store) Get(ctx context.Context, id string) (*job.Download, error) {
	data, err := s.rdb.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, common.Storage("store.Get", err)
	}
	if len(data) == 0 {
		return nil, common.ErrJobNotFound
	}

	d, err := fromHash(data)
	if err != nil {
		return nil, common.Storage("store.Get", fmt.Errorf("corrupt record %s: %w", id, err))
	}

	return d, nil
}

// MarkDownloading moves a Pending job to Downloading with progress 0.
func (s *Store) MarkDownloading(ctx context.Context, id string) error {
	return s.transition(ctx, id, job.StatusDownloading, indexNone, "progress", "0")
}

// SetProgress stores pct if the job is Downloading and pct exceeds the stored
// value. It reports whether the value was written.
func (s *Store) SetProgress(ctx context.Context, id string, pct int) (bool, error) {
	n, err := progressScript.Run(ctx, s.rdb, []string{jobKey(id)}, pct, s.stamp()).Int()
	if err != nil {
		return false, common.Storage("store.SetProgress", err)
	}

	return n == 1, nil
}

// MarkCompleted records the artifact and pins progress to 100.
func (s *Store) MarkCompleted(ctx context.Context, id, filePath string, size int64) error {
	if filePath == "" || size <= 0 {
		return common.Validation("store.MarkCompleted", "completed job needs a non-empty artifact")
	}

	return s.transition(ctx, id, job.StatusCompleted, indexAdd,
		"progress", "100",
		"file_path", filePath,
		"file_size", strconv.FormatInt(size, 10),
	)
}

// MarkFailed records msg. Progress keeps its last value.
func (s *Store) MarkFailed(ctx context.Context, id, msg string) error {
	return s.transition(ctx, id, job.StatusFailed, indexNone, "error_message", msg)
}

// MarkExpired moves a Completed job to Expired and drops it from the expiry
// index.
func (s *Store) MarkExpired(ctx context.Context, id string) error {
	return s.transition(ctx, id, job.StatusExpired, indexRem)
}

func (s *Store) transition(ctx context.Context, id string, to job.Status, index string, fields ...string) error {
	from := job.Sources(to)

	args := make([]interface{}, 0, 4+len(from)+len(fields)+2)
	args = append(args, id, string(to), index, len(from))
	for _, st := range from {
		args = append(args, string(st))
	}
	for _, f := range fields {
		args = append(args, f)
	}
	args = append(args, "updated_at", s.stamp())

	err := transitionScript.Run(ctx, s.rdb, []string{jobKey(id), expiryIndexKey}, args...).Err()
	switch {
	case err == nil:
		return nil
	case strings.Contains(err.Error(), "ERR_NOT_FOUND"):
		return common.ErrJobNotFound
	case strings.Contains(err.Error(), "ERR_CONFLICT"):
		cur := err.Error()[strings.Index(err.Error(), "ERR_CONFLICT")+len("ERR_CONFLICT"):]
		return fmt.Errorf("%w: %s -> %s", common.ErrInvalidTransition, strings.TrimSpace(cur), to)
	}

	return common.Storage("store.transition", err)
}

// ExpiredCompleted returns Completed jobs whose expiresAt is before now.
// A record that cannot be read is skipped and reported in the joined error
// so the jobs behind it in the index are still returned.
func (s *Store) ExpiredCompleted(ctx context.Context, now time.Time) ([]*job.Download, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, expiryIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, common.Storage("store.ExpiredCompleted", err)
	}

	var (
		expired []*job.Download
		errs    []error
	)
	for _, id := range ids {
		d, err := s.Get(ctx, id)
		if errors.Is(err, common.ErrJobNotFound) {
			s.rdb.ZRem(ctx, expiryIndexKey, id)
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if d.Status == job.StatusCompleted {
			expired = append(expired, d)
		}
	}

	return expired, errors.Join(errs...)
}

// IndexFingerprint lets identical requests reuse d until it expires.
func (s *Store) IndexFingerprint(ctx context.Context, d *job.Download) error {
	ttl := d.ExpiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return nil
	}

	if err := s.rdb.Set(ctx, fingerprintKey(d.Fingerprint()), d.ID, ttl).Err(); err != nil {
		return common.Storage("store.IndexFingerprint", err)
	}

	return nil
}

// FindReusable returns the available job for fp, or nil when there is none.
func (s *Store) FindReusable(ctx context.Context, fp string, now time.Time) (*job.Download, error) {
	id, err := s.rdb.Get(ctx, fingerprintKey(fp)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, common.Storage("store.FindReusable", err)
	}

	d, err := s.Get(ctx, id)
	if errors.Is(err, common.ErrJobNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !d.Available(now) {
		return nil, nil
	}

	return d, nil
}

// Recent returns up to limit jobs, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]*job.Download, error) {
	ids, err := s.rdb.ZRevRange(ctx, createdIndexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, common.Storage("store.Recent", err)
	}
	if len(ids) == 0 {
		return []*job.Download{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, jobKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, common.Storage("store.Recent", err)
	}

	downloads := make([]*job.Download, 0, len(ids))
	for _, cmd := range cmds {
		data := cmd.Val()
		if len(data) == 0 {
			continue
		}
		d, err := fromHash(data)
		if err != nil {
			continue
		}
		downloads = append(downloads, d)
	}

	return downloads, nil
}

func (s *Store) stamp() string {
	return formatTime(s.clock.Now())
}
