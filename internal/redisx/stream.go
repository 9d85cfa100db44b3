package redisx

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is one flattened stream entry: its ID and a string-keyed field map.
type Message struct {
	ID     string
	Stream string
	Fields map[string]string
}

// XAddOpts configures approximate trimming for XAdd (spec §4.1).
type XAddOpts struct {
	MaxLenApprox  int64
	MinIDMsApprox int64 // trims entries older than this ms timestamp, approximately
}

// XAdd appends fields to key, stringifying numeric values and omitting any
// field whose value is nil. Returns the assigned entry ID.
func XAdd(ctx context.Context, rdb redis.Cmdable, key string, fields map[string]interface{}, opts XAddOpts) (string, error) {
	values := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if v == nil {
			continue
		}
		values[k] = stringify(v)
	}

	args := &redis.XAddArgs{
		Stream: key,
		Values: values,
		Approx: true,
	}
	if opts.MaxLenApprox > 0 {
		args.MaxLen = opts.MaxLenApprox
	}
	if opts.MinIDMsApprox > 0 {
		args.MinID = fmt.Sprintf("%d-0", opts.MinIDMsApprox)
	}

	return rdb.XAdd(ctx, args).Result()
}

func stringify(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "1"
		}
		return "0"
	default:
		return v
	}
}

// EnsureGroup creates consumer group on key (MKSTREAM) starting from "$", and
// tolerates a pre-existing group (BUSYGROUP).
func EnsureGroup(ctx context.Context, rdb redis.Cmdable, key, group string) error {
	err := rdb.XGroupCreateMkStream(ctx, key, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s/%s: %w", key, group, err)
	}
	return nil
}

// ReadGroup reads new (">") entries for consumer across all given keys via one
// XREADGROUP call, per spec §4.1 ("readGroup(keys[], group, consumer, count, blockMs)").
func ReadGroup(ctx context.Context, rdb redis.Cmdable, group, consumer string, keys []string, count int64, blockMs int64) (map[string][]Message, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	streams := make([]string, 0, len(keys)*2)
	streams = append(streams, keys...)
	for range keys {
		streams = append(streams, ">")
	}

	res, err := rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  streams,
		Count:    count,
		Block:    time.Duration(blockMs) * time.Millisecond,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	out := make(map[string][]Message, len(res))
	for _, s := range res {
		msgs := make([]Message, 0, len(s.Messages))
		for _, m := range s.Messages {
			msgs = append(msgs, Message{ID: m.ID, Stream: s.Stream, Fields: flatten(m.Values)})
		}
		out[s.Stream] = msgs
	}
	return out, nil
}

// Ack acknowledges one or more entry IDs on key for group.
func Ack(ctx context.Context, rdb redis.Cmdable, key, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return rdb.XAck(ctx, key, group, ids...).Err()
}

// XRangeByTime returns entries on key within [fromMs, toMs] inclusive, built
// from the ms-timestamp → "{ms}-0".."{ms}-999999" ID convention (spec §4.1).
func XRangeByTime(ctx context.Context, rdb redis.Cmdable, key string, fromMs, toMs int64) ([]Message, error) {
	start := fmt.Sprintf("%d-0", fromMs)
	end := fmt.Sprintf("%d-999999", toMs)
	res, err := rdb.XRange(ctx, key, start, end).Result()
	if err != nil {
		return nil, err
	}
	return toMessages(key, res), nil
}

// XRevRangeLatest returns up to n most-recent entries on key, newest first.
func XRevRangeLatest(ctx context.Context, rdb redis.Cmdable, key string, n int64) ([]Message, error) {
	res, err := rdb.XRevRangeN(ctx, key, "+", "-", n).Result()
	if err != nil {
		return nil, err
	}
	return toMessages(key, res), nil
}

// XAutoClaim reclaims pending entries idle longer than minIdleMs, paging up to
// maxPages batches of count entries each (spec §4.1, §5 "stuck pending entries").
func XAutoClaim(ctx context.Context, rdb redis.Cmdable, key, group, consumer string, minIdleMs int64, count int64, maxPages int) ([]Message, error) {
	var out []Message
	cursor := "0-0"
	for page := 0; page < maxPages; page++ {
		msgs, next, err := rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   key,
			Group:    group,
			Consumer: consumer,
			MinIdle:  time.Duration(minIdleMs) * time.Millisecond,
			Start:    cursor,
			Count:    count,
		}).Result()
		if err != nil {
			return out, fmt.Errorf("xautoclaim %s/%s: %w", key, group, err)
		}
		out = append(out, toMessages(key, msgs)...)
		if next == "0-0" || len(msgs) == 0 {
			break
		}
		cursor = next
	}
	return out, nil
}

func toMessages(stream string, xs []redis.XMessage) []Message {
	out := make([]Message, 0, len(xs))
	for _, m := range xs {
		out = append(out, Message{ID: m.ID, Stream: stream, Fields: flatten(m.Values)})
	}
	return out
}

func flatten(values map[string]interface{}) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		switch t := v.(type) {
		case string:
			out[k] = t
		default:
			out[k] = fmt.Sprintf("%v", t)
		}
	}
	return out
}

// IDTimeMs extracts the millisecond timestamp component of a stream entry ID
// ("<ms>-<seq>"), used to derive a message's ts when its payload omits one
// (spec §4.1 NormalizeBatch: "ts by priority payload.ts → id-time → now").
func IDTimeMs(id string) int64 {
	parts := strings.SplitN(id, "-", 2)
	if len(parts) == 0 {
		return 0
	}
	v, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
