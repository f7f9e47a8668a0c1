package cadence

import (
	"errors"
	"math"
	"testing"
	"time"

	errorsmod "cosmossdk.io/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tolelom/tolarcade/core"
	"github.com/tolelom/tolarcade/crypto"
)

const sessionID = "sess-1"

func testConfig() Config {
	return Config{
		MinHeartbeats:     3,
		MinInterval:       2 * time.Second,
		MaxInterval:       10 * time.Second,
		RequireSignatures: true,
	}
}

func newProvider(t *testing.T) *crypto.Ed25519Provider {
	t.Helper()
	priv, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return crypto.NewEd25519Provider(priv)
}

// signedBeats issues receipts at the given millisecond offsets from a fixed base.
func signedBeats(p crypto.Provider, offsets ...int64) []Heartbeat {
	const base = int64(1_700_000_000_000)
	beats := make([]Heartbeat, len(offsets))
	for i, off := range offsets {
		idx := uint64(i + 1)
		ts := base + off
		beats[i] = Heartbeat{Index: idx, Timestamp: ts, Signature: p.Sign(HeartbeatDigest(sessionID, idx, ts))}
	}
	return beats
}

func violation(t *testing.T, err error) *Violation {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrCadence))
	var v *Violation
	require.True(t, errors.As(err, &v))
	return v
}

func TestValidate_MinimumCount(t *testing.T) {
	p := newProvider(t)

	_, err := Validate(sessionID, signedBeats(p, 0, 5000), testConfig(), p)
	v := violation(t, err)
	assert.Equal(t, ReasonTooFew, v.Reason)
	assert.Equal(t, 2, v.Count)
	assert.Equal(t, 3, v.Want)

	digest, err := Validate(sessionID, signedBeats(p, 0, 5000, 10000), testConfig(), p)
	require.NoError(t, err)
	assert.Equal(t, Digest([]int64{5000, 5000}), digest)
}

func TestValidate_IntervalBoundsInclusive(t *testing.T) {
	p := newProvider(t)
	cfg := testConfig()

	_, err := Validate(sessionID, signedBeats(p, 0, 2000, 12000), cfg, p)
	require.NoError(t, err, "intervals exactly at min and max are accepted")

	_, err = Validate(sessionID, signedBeats(p, 0, 1999, 6000), cfg, p)
	v := violation(t, err)
	assert.Equal(t, ReasonIntervalLow, v.Reason)
	assert.Equal(t, 1, v.Position)
	assert.Equal(t, 1999*time.Millisecond, v.Interval)
	assert.Equal(t, cfg.MinInterval, v.Min)
	assert.Equal(t, cfg.MaxInterval, v.Max)

	_, err = Validate(sessionID, signedBeats(p, 0, 5000, 15001), cfg, p)
	v = violation(t, err)
	assert.Equal(t, ReasonIntervalHigh, v.Reason)
	assert.Equal(t, 2, v.Position)
}

func TestValidate_HugeGapDoesNotWrap(t *testing.T) {
	cfg := testConfig()
	cfg.RequireSignatures = false

	// 18446744078710 ms is 2^64 ns plus 5 s: in nanoseconds it would wrap
	// into the allowed window.
	const gap = int64(18446744078710)
	beats := []Heartbeat{{Index: 1, Timestamp: 0}, {Index: 2, Timestamp: gap}, {Index: 3, Timestamp: 2 * gap}}
	digest, err := Validate(sessionID, beats, cfg, nil)
	assert.Empty(t, digest)
	v := violation(t, err)
	assert.Equal(t, ReasonIntervalHigh, v.Reason)
	assert.Equal(t, 1, v.Position)
	assert.Greater(t, v.Interval, cfg.MaxInterval)

	beats = []Heartbeat{{Index: 1, Timestamp: math.MinInt64 + 1}, {Index: 2, Timestamp: math.MaxInt64 - 1}, {Index: 3, Timestamp: math.MaxInt64}}
	_, err = Validate(sessionID, beats, cfg, nil)
	assert.Equal(t, ReasonIntervalHigh, violation(t, err).Reason)
}

func TestValidate_SubMillisecondBounds(t *testing.T) {
	cfg := testConfig()
	cfg.RequireSignatures = false
	cfg.MinInterval = 2*time.Second + time.Microsecond
	cfg.MaxInterval = 3*time.Second + time.Microsecond

	beats := []Heartbeat{{Index: 1, Timestamp: 0}, {Index: 2, Timestamp: 2000}, {Index: 3, Timestamp: 5000}}
	_, err := Validate(sessionID, beats, cfg, nil)
	assert.Equal(t, ReasonIntervalLow, violation(t, err).Reason, "2000ms is below 2.000001s")

	beats = []Heartbeat{{Index: 1, Timestamp: 0}, {Index: 2, Timestamp: 2001}, {Index: 3, Timestamp: 5001}}
	_, err = Validate(sessionID, beats, cfg, nil)
	assert.NoError(t, err)
}

func TestValidate_Monotonicity(t *testing.T) {
	p := newProvider(t)
	cfg := testConfig()
	cfg.MinInterval = 0

	beats := signedBeats(p, 0, 3000, 6000)
	beats[2].Index = beats[1].Index
	_, err := Validate(sessionID, beats, cfg, p)
	assert.Equal(t, ReasonIndexOrder, violation(t, err).Reason)

	beats = signedBeats(p, 0, 3000, 3000)
	_, err = Validate(sessionID, beats, cfg, p)
	assert.Equal(t, ReasonTimeOrder, violation(t, err).Reason)
}

func TestValidate_Signatures(t *testing.T) {
	p := newProvider(t)
	other := newProvider(t)
	cfg := testConfig()

	forged := signedBeats(other, 0, 5000, 10000)
	_, err := Validate(sessionID, forged, cfg, p)
	v := violation(t, err)
	assert.Equal(t, ReasonSignature, v.Reason)
	assert.Equal(t, 0, v.Position)

	// A receipt for another session does not transfer.
	_, err = Validate("sess-2", signedBeats(p, 0, 5000, 10000), cfg, p)
	assert.Equal(t, ReasonSignature, violation(t, err).Reason)

	// Shifting a timestamp invalidates its receipt even if spacing stays legal.
	beats := signedBeats(p, 0, 5000, 10000)
	beats[1].Timestamp += 100
	_, err = Validate(sessionID, beats, cfg, p)
	assert.Equal(t, ReasonSignature, violation(t, err).Reason)

	cfg.RequireSignatures = false
	_, err = Validate(sessionID, forged, cfg, nil)
	assert.NoError(t, err)
}

func TestValidate_ABCIInfo(t *testing.T) {
	p := newProvider(t)
	_, err := Validate(sessionID, nil, testConfig(), p)
	codespace, code, _ := errorsmod.ABCIInfo(err, false)
	assert.Equal(t, core.Codespace, codespace)
	assert.Equal(t, core.ErrCadence.ABCICode(), code)
}

func TestDigest_OrderSensitive(t *testing.T) {
	assert.NotEqual(t, Digest([]int64{3000, 5000}), Digest([]int64{5000, 3000}))
	assert.Equal(t, Digest([]int64{3000, 5000}), Digest([]int64{3000, 5000}))
}
