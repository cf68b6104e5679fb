package livestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/rewind/internal/ir"
)

// DefaultStageTTL bounds how long an abandoned staged batch lingers.
const DefaultStageTTL = time.Hour

// redisSwapScript commits a staged batch atomically. Each staged entry
// carries the exact row bytes Stage verified against the correction's
// fingerprint, so rows written without a fingerprint still compare.
// KEYS[1] = live hash (key -> row JSON)
// KEYS[2] = staged hash ("k:"+key -> {"old": fp, "exists": bool, "raw": row JSON, "row": row JSON or ""})
// KEYS[3] = applied hash (batch id -> version)
// KEYS[4] = version counter
// ARGV[1] = batch id
var redisSwapScript = redis.NewScript(`
local applied = redis.call("HGET", KEYS[3], ARGV[1])
if applied then
    redis.call("DEL", KEYS[2])
    return tonumber(applied)
end
if redis.call("EXISTS", KEYS[2]) == 0 then
    return redis.error_reply("NOTSTAGED " .. ARGV[1])
end

local staged = redis.call("HGETALL", KEYS[2])
local entries = {}
for i = 1, #staged, 2 do
    local field = staged[i]
    if string.sub(field, 1, 2) == "k:" then
        local key = string.sub(field, 3)
        local entry = cjson.decode(staged[i + 1])
        local current = redis.call("HGET", KEYS[1], key)
        local same
        if entry.exists then
            same = current == entry.raw
        else
            same = not current
        end
        if not same then
            return redis.error_reply("CONFLICT " .. cjson.encode({key = key, want = entry.old}))
        end
        table.insert(entries, {key, entry.row})
    end
end

for _, e in ipairs(entries) do
    if e[2] == "" then
        redis.call("HDEL", KEYS[1], e[1])
    else
        redis.call("HSET", KEYS[1], e[1], e[2])
    end
end

local version = redis.call("INCR", KEYS[4])
redis.call("HSET", KEYS[3], ARGV[1], version)
redis.call("DEL", KEYS[2])
return version
`)

// Redis is a Stager on a Redis hash. All keys of one store share a hash tag
// so the swap script runs on a single cluster slot.
type Redis struct {
	client   redis.UniversalClient
	prefix   string
	stageTTL time.Duration
}

var _ Stager = (*Redis)(nil)

// NewRedis creates a store under prefix.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix, stageTTL: DefaultStageTTL}
}

func (r *Redis) key(parts ...string) string {
	return "{" + r.prefix + "}:" + strings.Join(parts, ":")
}

// Put writes rows outside of any batch. Used to seed a store.
func (r *Redis) Put(ctx context.Context, rows ...ir.LiveResult) error {
	if len(rows) == 0 {
		return nil
	}
	fields := make(map[string]any, len(rows))
	for _, row := range rows {
		row, err := normalize(row)
		if err != nil {
			return fmt.Errorf("redis put: %w", err)
		}
		data, err := encodeRow(row)
		if err != nil {
			return fmt.Errorf("redis put: %w", err)
		}
		fields[row.Key] = string(data)
	}
	if err := r.client.HSet(ctx, r.key("live"), fields).Err(); err != nil {
		return fmt.Errorf("redis put: %w", err)
	}
	return nil
}

// Get implements Reader.
func (r *Redis) Get(ctx context.Context, keys []string) (map[string]ir.LiveResult, error) {
	out := make(map[string]ir.LiveResult, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := r.client.HMGet(ctx, r.key("live"), keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		row, err := decodeRow(keys[i], []byte(s))
		if err != nil {
			return nil, fmt.Errorf("redis get: %w", err)
		}
		out[row.Key] = row
	}
	return out, nil
}

// Keys implements Reader.
func (r *Redis) Keys(ctx context.Context) ([]string, error) {
	keys, err := r.client.HKeys(ctx, r.key("live")).Result()
	if err != nil {
		return nil, fmt.Errorf("redis keys: %w", err)
	}
	slices.Sort(keys)
	return keys, nil
}

type stagedEntry struct {
	Old    string `json:"old"`
	Exists bool   `json:"exists"`
	Raw    string `json:"raw"`
	Row    string `json:"row"`
}

// Stage implements Stager. Restaging a batch ID replaces the staged copy.
// The compare-and-set check runs here on decoded rows, whose fingerprints are
// normalized; Swap then only verifies that the checked bytes are unchanged.
func (r *Redis) Stage(ctx context.Context, b Batch) error {
	fields := map[string]any{"m:count": len(b.Corrections)}

	applied, err := r.client.HExists(ctx, r.key("applied"), b.ID).Result()
	if err != nil {
		return fmt.Errorf("redis stage %s: %w", b.ID, err)
	}
	if !applied && len(b.Corrections) > 0 {
		keys := make([]string, len(b.Corrections))
		for i, c := range b.Corrections {
			keys[i] = c.Key
		}
		current, err := r.client.HMGet(ctx, r.key("live"), keys...).Result()
		if err != nil {
			return fmt.Errorf("redis stage %s: %w", b.ID, err)
		}
		for i, c := range b.Corrections {
			entry, err := stageEntry(c, current[i])
			if err != nil {
				return fmt.Errorf("redis stage: %w", err)
			}
			data, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("redis stage: %w", err)
			}
			fields["k:"+c.Key] = string(data)
		}
	}

	stage := r.key("stage", b.ID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, stage)
		pipe.HSet(ctx, stage, fields)
		pipe.Expire(ctx, stage, r.stageTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis stage %s: %w", b.ID, err)
	}
	return nil
}

// Swap implements Stager.
func (r *Redis) Swap(ctx context.Context, batchID string) (int64, error) {
	keys := []string{r.key("live"), r.key("stage", batchID), r.key("applied"), r.key("version")}
	version, err := redisSwapScript.Run(ctx, r.client, keys, batchID).Int64()
	if err != nil {
		err = swapError(err)
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			if rows, gerr := r.Get(ctx, []string{conflict.Key}); gerr == nil {
				conflict.Got = rows[conflict.Key].Fingerprint
			}
		}
		return 0, fmt.Errorf("redis swap %s: %w", batchID, err)
	}
	return version, nil
}

// stageEntry checks c against the raw live row (nil when absent) and records
// the bytes Swap must still find.
func stageEntry(c ir.Correction, current any) (stagedEntry, error) {
	entry := stagedEntry{Old: c.OldFingerprint}
	var row ir.LiveResult
	raw, exists := current.(string)
	if exists {
		var err error
		if row, err = decodeRow(c.Key, []byte(raw)); err != nil {
			return entry, err
		}
		entry.Exists, entry.Raw = true, raw
	}
	if err := checkFingerprint(c, row, exists); err != nil {
		return entry, err
	}

	next, keep, err := nextRow(c)
	if err != nil {
		return entry, err
	}
	if keep {
		data, err := encodeRow(next)
		if err != nil {
			return entry, err
		}
		entry.Row = string(data)
	}
	return entry, nil
}

// Discard implements Stager.
func (r *Redis) Discard(ctx context.Context, batchID string) error {
	if err := r.client.Del(ctx, r.key("stage", batchID)).Err(); err != nil {
		return fmt.Errorf("redis discard %s: %w", batchID, err)
	}
	return nil
}

// swapError maps script error replies onto package errors.
func swapError(err error) error {
	var rerr redis.Error
	if !errors.As(err, &rerr) {
		return err
	}
	msg := rerr.Error()
	switch {
	case strings.HasPrefix(msg, "NOTSTAGED"):
		return ErrBatchNotStaged
	case strings.HasPrefix(msg, "CONFLICT "):
		var c struct {
			Key  string `json:"key"`
			Want string `json:"want"`
		}
		if json.Unmarshal([]byte(strings.TrimPrefix(msg, "CONFLICT ")), &c) != nil {
			return fmt.Errorf("%w: %s", ErrConflict, msg)
		}
		return &ConflictError{Key: c.Key, Want: c.Want}
	}
	return err
}
