// Package cadence checks that a run's heartbeat receipts look like real-time
// play and summarizes their timing in a digest. It is a heuristic, not a proof.
package cadence

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/tolelom/tolarcade/core"
	"github.com/tolelom/tolarcade/crypto"
)

// Heartbeat is one signed receipt issued by the attester for a client ping.
// Timestamp is the attester's receipt time in unix milliseconds.
type Heartbeat struct {
	Index     uint64 `json:"index"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// Config bounds an acceptable heartbeat log.
type Config struct {
	MinHeartbeats     int           `mapstructure:"min_heartbeats" json:"min_heartbeats"`
	MinInterval       time.Duration `mapstructure:"min_interval" json:"min_interval"`
	MaxInterval       time.Duration `mapstructure:"max_interval" json:"max_interval"`
	RequireSignatures bool          `mapstructure:"require_signatures" json:"require_signatures"`
}

// DefaultConfig matches a client that pings every five seconds.
func DefaultConfig() Config {
	return Config{
		MinHeartbeats:     3,
		MinInterval:       2 * time.Second,
		MaxInterval:       15 * time.Second,
		RequireSignatures: true,
	}
}

// Verifier checks a signature over a digest against the attester's own key.
type Verifier interface {
	Verify(digest []byte, sigHex string) error
}

// heartbeatBody is the signed content of a receipt.
type heartbeatBody struct {
	SessionID string `json:"session_id"`
	Index     uint64 `json:"index"`
	Timestamp int64  `json:"timestamp"`
}

// HeartbeatDigest returns the bytes a heartbeat signature covers.
func HeartbeatDigest(sessionID string, index uint64, ts int64) []byte {
	data, err := json.Marshal(heartbeatBody{SessionID: sessionID, Index: index, Timestamp: ts})
	if err != nil {
		return nil
	}
	return crypto.HashBytes(data)
}

// Rejection reasons.
const (
	ReasonTooFew       = "too_few_heartbeats"
	ReasonIndexOrder   = "non_monotonic_index"
	ReasonTimeOrder    = "non_monotonic_timestamp"
	ReasonIntervalLow  = "interval_below_min"
	ReasonIntervalHigh = "interval_above_max"
	ReasonSignature    = "invalid_heartbeat_signature"
)

// Violation describes why a log was rejected. It matches core.ErrCadence
// under errors.Is and carries the diagnostic fields for the caller.
type Violation struct {
	Reason   string        `json:"reason"`
	Position int           `json:"position"` // offending heartbeat, -1 for count failures
	Count    int           `json:"count,omitempty"`
	Want     int           `json:"want,omitempty"`
	Interval time.Duration `json:"interval,omitempty"`
	Min      time.Duration `json:"min,omitempty"`
	Max      time.Duration `json:"max,omitempty"`
}

func (v *Violation) Error() string {
	switch v.Reason {
	case ReasonTooFew:
		return fmt.Sprintf("%s: %s: got %d want at least %d", core.ErrCadence, v.Reason, v.Count, v.Want)
	case ReasonIntervalLow, ReasonIntervalHigh:
		return fmt.Sprintf("%s: %s at heartbeat %d: %s not in [%s, %s]", core.ErrCadence, v.Reason, v.Position, v.Interval, v.Min, v.Max)
	default:
		return fmt.Sprintf("%s: %s at heartbeat %d", core.ErrCadence, v.Reason, v.Position)
	}
}

// Unwrap lets errors.Is match core.ErrCadence.
func (v *Violation) Unwrap() error { return core.ErrCadence }

// Cause exposes the registered error to errorsmod.ABCIInfo.
func (v *Violation) Cause() error { return core.ErrCadence }

// Validate checks beats for sessionID against cfg and returns the cadence
// digest of the accepted log. Checks run in order: count, ordering, interval
// bounds (inclusive), then signatures when cfg.RequireSignatures is set.
func Validate(sessionID string, beats []Heartbeat, cfg Config, v Verifier) (string, error) {
	if len(beats) < cfg.MinHeartbeats {
		return "", &Violation{Reason: ReasonTooFew, Position: -1, Count: len(beats), Want: cfg.MinHeartbeats}
	}

	// Bounds in whole milliseconds; comparing raw deltas avoids overflowing
	// Duration on absurd gaps.
	minMs := ceilMillis(cfg.MinInterval)
	maxMs := cfg.MaxInterval.Milliseconds()

	intervals := make([]int64, 0, len(beats))
	for i := 1; i < len(beats); i++ {
		prev, cur := beats[i-1], beats[i]
		if cur.Index <= prev.Index {
			return "", &Violation{Reason: ReasonIndexOrder, Position: i}
		}
		if cur.Timestamp <= prev.Timestamp {
			return "", &Violation{Reason: ReasonTimeOrder, Position: i}
		}
		delta := cur.Timestamp - prev.Timestamp
		if delta < 0 { // wrapped subtraction
			return "", &Violation{Reason: ReasonIntervalHigh, Position: i, Interval: millis(math.MaxInt64), Min: cfg.MinInterval, Max: cfg.MaxInterval}
		}
		if delta < minMs {
			return "", &Violation{Reason: ReasonIntervalLow, Position: i, Interval: millis(delta), Min: cfg.MinInterval, Max: cfg.MaxInterval}
		}
		if delta > maxMs {
			return "", &Violation{Reason: ReasonIntervalHigh, Position: i, Interval: millis(delta), Min: cfg.MinInterval, Max: cfg.MaxInterval}
		}
		intervals = append(intervals, delta)
	}

	if cfg.RequireSignatures {
		for i, hb := range beats {
			if v == nil || v.Verify(HeartbeatDigest(sessionID, hb.Index, hb.Timestamp), hb.Signature) != nil {
				return "", &Violation{Reason: ReasonSignature, Position: i}
			}
		}
	}
	return Digest(intervals), nil
}

// millis converts ms to a Duration, saturating instead of overflowing.
func millis(ms int64) time.Duration {
	if ms > math.MaxInt64/int64(time.Millisecond) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(ms) * time.Millisecond
}

func ceilMillis(d time.Duration) int64 {
	ms := d.Milliseconds()
	if time.Duration(ms)*time.Millisecond < d {
		ms++
	}
	return ms
}

// Digest is the hex SHA-256 of the intervals (milliseconds) encoded as
// big-endian int64 values.
func Digest(intervals []int64) string {
	buf := make([]byte, 8*len(intervals))
	for i, d := range intervals {
		binary.BigEndian.PutUint64(buf[8*i:], uint64(d))
	}
	return crypto.Hash(buf)
}
