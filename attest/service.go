// Package attest is the attester: it issues sessions and heartbeat receipts
// and signs score payloads after replaying the transcript and checking the
// heartbeat cadence.
package attest

import (
	"time"

	errorsmod "cosmossdk.io/errors"
	"go.uber.org/zap"

	"github.com/tolelom/tolarcade/cadence"
	"github.com/tolelom/tolarcade/core"
	"github.com/tolelom/tolarcade/crypto"
	"github.com/tolelom/tolarcade/game"
	"github.com/tolelom/tolarcade/session"
)

// Config tunes the attester.
type Config struct {
	SessionTTL time.Duration  `mapstructure:"session_ttl" json:"session_ttl"`
	Cadence    cadence.Config `mapstructure:"cadence" json:"cadence"`
	// MaxInputEvents caps a transcript; more events than frames is never useful.
	MaxInputEvents int `mapstructure:"max_input_events" json:"max_input_events"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		SessionTTL:     30 * time.Minute,
		Cadence:        cadence.DefaultConfig(),
		MaxInputEvents: game.MaxFrames,
	}
}

// Service implements session creation, heartbeat receipts and verification.
type Service struct {
	store  session.Store
	signer crypto.Provider
	cfg    Config
	now    func() time.Time
	log    *zap.Logger
}

// NewService wires a Service. signer holds the attester key; the same key
// signs heartbeat receipts and score payloads.
func NewService(store session.Store, signer crypto.Provider, cfg Config, log *zap.Logger) *Service {
	if cfg.MaxInputEvents <= 0 {
		cfg.MaxInputEvents = game.MaxFrames
	}
	return &Service{store: store, signer: signer, cfg: cfg, now: time.Now, log: log}
}

// PublicKey is the key the ledger must trust.
func (s *Service) PublicKey() string { return s.signer.PublicKey() }

// CreateSession issues a session with a fresh seed for owner.
func (s *Service) CreateSession(owner string) (*session.Session, error) {
	if !crypto.IsIdentity(owner) {
		return nil, errorsmod.Wrap(core.ErrInvalidRequest, "owner must be an ed25519 public key hex")
	}
	sess, err := session.New(owner, s.now(), s.cfg.SessionTTL)
	if err != nil {
		return nil, err
	}
	if err := s.store.Set(sess); err != nil {
		return nil, errorsmod.Wrap(err, "store session")
	}
	s.log.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("owner", owner),
		zap.Time("expires_at", sess.ExpiresAt))
	return sess, nil
}

// Heartbeat records a client ping and returns the signed receipt. index must
// exceed the last receipt's index. The receipt time is the attester's clock in
// milliseconds, nudged forward by 1 ms if the clock has not advanced since
// the previous receipt.
func (s *Service) Heartbeat(sessionID string, index uint64) (cadence.Heartbeat, error) {
	hb, err := s.store.AppendHeartbeat(sessionID, func(sess *session.Session) (cadence.Heartbeat, error) {
		ts := s.now().UnixMilli()
		if last := sess.LastHeartbeat(); last != nil {
			if index <= last.Index {
				return cadence.Heartbeat{}, errorsmod.Wrapf(core.ErrInvalidRequest,
					"heartbeat index %d must exceed %d", index, last.Index)
			}
			if ts <= last.Timestamp {
				ts = last.Timestamp + 1
			}
		}
		return cadence.Heartbeat{
			Index:     index,
			Timestamp: ts,
			Signature: s.signer.Sign(cadence.HeartbeatDigest(sessionID, index, ts)),
		}, nil
	})
	if err != nil {
		return cadence.Heartbeat{}, err
	}
	s.log.Debug("heartbeat",
		zap.String("session_id", sessionID),
		zap.Uint64("index", hb.Index),
		zap.Int64("timestamp", hb.Timestamp))
	return hb, nil
}
