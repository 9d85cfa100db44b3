package redisx

import (
	"strconv"
	"strings"
	"time"
)

// NormalizedMessage is one stream entry enriched with its derived symbol, kind
// and timestamp, per spec §4.1 normalizeBatch.
type NormalizedMessage struct {
	ID     string
	Symbol string
	Kind   string
	Ts     int64
	Fields map[string]string
}

// NormalizeBatch derives symbol/kind/ts for every message keyed by stream name,
// per spec §4.1: symbol from the {…} hash-tag, kind from the final key segment
// (kline{tf} becomes kind="kline" with fields["_tf"]=tf), ts by priority
// payload.ts → id-time → now.
func NormalizeBatch(batch map[string][]Message, nowMs int64) []NormalizedMessage {
	var out []NormalizedMessage
	for stream, msgs := range batch {
		sym := deriveSymbol(stream)
		kind, tf := deriveKind(stream)
		for _, m := range msgs {
			fields := m.Fields
			if tf != "" {
				fields = copyFields(fields)
				fields["_tf"] = tf
			}
			out = append(out, NormalizedMessage{
				ID:     m.ID,
				Symbol: sym,
				Kind:   kind,
				Ts:     deriveTs(fields, m.ID, nowMs),
				Fields: fields,
			})
		}
	}
	return out
}

func copyFields(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

// deriveSymbol extracts the content of the last {…} hash-tag segment in a key.
func deriveSymbol(key string) string {
	open := strings.LastIndex(key, "{")
	close := strings.LastIndex(key, "}")
	if open < 0 || close < 0 || close < open {
		return ""
	}
	return key[open+1 : close]
}

// deriveKind returns the final key segment as the message kind, collapsing
// "kline{tf}" to kind="kline" and reporting tf separately.
func deriveKind(key string) (kind, tf string) {
	idx := strings.LastIndex(key, ":")
	last := key
	if idx >= 0 {
		last = key[idx+1:]
	}
	if strings.HasPrefix(last, "kline") {
		return "kline", strings.TrimPrefix(last, "kline")
	}
	return last, ""
}

func deriveTs(fields map[string]string, id string, nowMs int64) int64 {
	if raw, ok := fields["ts"]; ok && raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return v
		}
	}
	if t := IDTimeMs(id); t > 0 {
		return t
	}
	return nowMs
}

// NowMs returns the current wall-clock time in milliseconds UTC.
func NowMs() int64 {
	return time.Now().UnixMilli()
}
