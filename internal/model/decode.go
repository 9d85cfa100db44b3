package model

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrMalformed marks a row that failed schema validation (spec §7 "Malformed input").
type ErrMalformed struct {
	Field string
	Err   error
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("malformed field %q: %v", e.Field, e.Err)
}

func (e *ErrMalformed) Unwrap() error { return e.Err }

func malformed(field string, err error) error {
	return &ErrMalformed{Field: field, Err: err}
}

func requireDec(fields map[string]string, key string) (decimal.Decimal, error) {
	raw, ok := fields[key]
	if !ok || raw == "" {
		return decimal.Zero, malformed(key, fmt.Errorf("missing"))
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, malformed(key, err)
	}
	return d, nil
}

func optDec(fields map[string]string, key string) decimal.Decimal {
	raw, ok := fields[key]
	if !ok || raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func requireInt64(fields map[string]string, key string) (int64, error) {
	raw, ok := fields[key]
	if !ok || raw == "" {
		return 0, malformed(key, fmt.Errorf("missing"))
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, malformed(key, err)
	}
	return v, nil
}

func optInt64(fields map[string]string, key string) int64 {
	raw, ok := fields[key]
	if !ok || raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func optFloat(fields map[string]string, key string) float64 {
	raw, ok := fields[key]
	if !ok || raw == "" {
		return 0
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0
	}
	return v
}

func optBool(fields map[string]string, key string) bool {
	raw, ok := fields[key]
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

// ParseTrade decodes one ws:{sym}:trades row. px>0 and qty>=0 are enforced (spec §3).
func ParseTrade(fields map[string]string) (TradeEvent, error) {
	ts, err := requireInt64(fields, "ts")
	if err != nil {
		return TradeEvent{}, err
	}
	px, err := requireDec(fields, "px")
	if err != nil {
		return TradeEvent{}, err
	}
	if !px.IsPositive() {
		return TradeEvent{}, malformed("px", fmt.Errorf("must be > 0, got %s", px))
	}
	qty, err := requireDec(fields, "qty")
	if err != nil {
		return TradeEvent{}, err
	}
	if qty.IsNegative() {
		return TradeEvent{}, malformed("qty", fmt.Errorf("must be >= 0, got %s", qty))
	}
	side := Side(strings.ToLower(strings.TrimSpace(fields["side"])))
	if side != SideBuy && side != SideSell {
		return TradeEvent{}, malformed("side", fmt.Errorf("invalid side %q", fields["side"]))
	}

	return TradeEvent{
		Ts:       ts,
		Px:       px,
		Qty:      qty,
		Side:     side,
		TradeID:  fields["tradeId"],
		Taker:    optBool(fields, "taker"),
		RecvTs:   optInt64(fields, "recvTs"),
		IngestID: fields["ingestId"],
	}, nil
}

// ParseBook decodes one ws:{sym}:book row.
func ParseBook(fields map[string]string) (BookFrame, error) {
	ts, err := requireInt64(fields, "ts")
	if err != nil {
		return BookFrame{}, err
	}
	return BookFrame{
		Ts:       ts,
		Bid1Px:   optDec(fields, "bid1.px"),
		Bid1Sz:   optDec(fields, "bid1.sz"),
		Ask1Px:   optDec(fields, "ask1.px"),
		Ask1Sz:   optDec(fields, "ask1.sz"),
		BidSz10:  optDec(fields, "bidSz10"),
		AskSz10:  optDec(fields, "askSz10"),
		Spread:   optDec(fields, "spread"),
		Snapshot: optBool(fields, "snapshot"),
		U:        optInt64(fields, "u"),
		PU:       optInt64(fields, "pu"),
		Checksum: optInt64(fields, "checksum"),
		Action:   fields["action"],
	}, nil
}

// ParseKline decodes one ws:{sym}:kline{tf} row. Accepts both "c" and "close"
// (spec §9 open question (c)).
func ParseKline(fields map[string]string) (KlineFrame, error) {
	ts, err := requireInt64(fields, "ts")
	if err != nil {
		return KlineFrame{}, err
	}
	tf := fields["tf"]
	if v, ok := fields["_tf"]; ok && v != "" {
		tf = v
	}

	closeRaw, ok := fields["c"]
	if !ok || closeRaw == "" {
		closeRaw = fields["close"]
	}
	closePx, err := decimal.NewFromString(closeRaw)
	if err != nil {
		return KlineFrame{}, malformed("c/close", err)
	}

	openRaw, ok := fields["o"]
	if !ok || openRaw == "" {
		openRaw = fields["open"]
	}
	highRaw, ok := fields["h"]
	if !ok || highRaw == "" {
		highRaw = fields["high"]
	}
	lowRaw, ok := fields["l"]
	if !ok || lowRaw == "" {
		lowRaw = fields["low"]
	}
	open, _ := decimal.NewFromString(openRaw)
	high, _ := decimal.NewFromString(highRaw)
	low, _ := decimal.NewFromString(lowRaw)

	vol := optDec(fields, "vol")
	volCcy := optDec(fields, "volCcyQuote")

	return KlineFrame{
		Ts:          ts,
		TF:          tf,
		Open:        open,
		High:        high,
		Low:         low,
		Close:       closePx,
		Vol:         vol,
		VolCcyQuote: volCcy,
		Confirm:     fields["confirm"] == "1",
	}, nil
}

// ParseOI decodes one ws:{sym}:oi row.
func ParseOI(fields map[string]string) (OIFrame, error) {
	ts, err := requireInt64(fields, "ts")
	if err != nil {
		return OIFrame{}, err
	}
	return OIFrame{
		Ts:    ts,
		OI:    optFloat(fields, "oi"),
		OICcy: optFloat(fields, "oiCcy"),
	}, nil
}

// ParseDetectedSignal decodes one signal:detected:{sym} row. sym is supplied
// by the caller (derived from the stream key's hash-tag), not carried on the wire.
func ParseDetectedSignal(sym string, fields map[string]string) (DetectedSignal, error) {
	ts, err := requireInt64(fields, "ts")
	if err != nil {
		return DetectedSignal{}, err
	}
	dir := Side(fields["dir"])
	if dir != SideBuy && dir != SideSell {
		return DetectedSignal{}, malformed("dir", fmt.Errorf("invalid dir %q", fields["dir"]))
	}
	strength, err := strconv.ParseFloat(fields["strength"], 64)
	if err != nil {
		return DetectedSignal{}, malformed("strength", err)
	}

	evidence := map[string]interface{}{}
	for k, v := range fields {
		if strings.HasPrefix(k, "evidence.") {
			evidence[strings.TrimPrefix(k, "evidence.")] = v
		}
	}

	return DetectedSignal{
		Ts:         ts,
		Sym:        sym,
		Dir:        dir,
		Strength:   strength,
		Evidence:   evidence,
		ApproxKey:  fields["approx_key"],
		StrategyID: fields["strategyId"],
		TTLMs:      optInt64(fields, "ttlMs"),
	}, nil
}

// ParseFinalSignal decodes one signal:final:{sym} row.
func ParseFinalSignal(sym string, fields map[string]string) (FinalSignal, error) {
	det, err := ParseDetectedSignal(sym, fields)
	if err != nil {
		return FinalSignal{}, err
	}
	return FinalSignal{
		DetectedSignal: det,
		FinalID:        fields["finalId"],
		RefPx:          optDec(fields, "refPx"),
		RefPxSource:    fields["refPx_source"],
		RefPxTs:        optInt64(fields, "refPx_ts"),
		RefPxStale:     optBool(fields, "refPx_stale"),
	}, nil
}

// ParseFunding decodes the state:funding:{sym} Hash.
func ParseFunding(fields map[string]string) FundingState {
	fs := FundingState{
		Ts:   optInt64(fields, "ts"),
		Rate: optFloat(fields, "rate"),
	}
	if raw, ok := fields["nextFundingTime"]; ok && raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			fs.NextFundingTime = v
			fs.HasNextFundingTime = true
		}
	}
	return fs
}
