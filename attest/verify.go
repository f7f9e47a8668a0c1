package attest

import (
	"errors"

	errorsmod "cosmossdk.io/errors"
	"go.uber.org/zap"

	"github.com/tolelom/tolarcade/cadence"
	"github.com/tolelom/tolarcade/core"
	"github.com/tolelom/tolarcade/crypto"
	"github.com/tolelom/tolarcade/game"
)

// VerifyRequest is a client's claim for one session.
type VerifyRequest struct {
	SessionID   string              `json:"session_id"`
	Owner       string              `json:"owner"`
	Score       uint64              `json:"score"` // advisory only
	ContentHash string              `json:"content_hash"`
	Inputs      []game.InputEvent   `json:"inputs"`
	Heartbeats  []cadence.Heartbeat `json:"heartbeats"`
}

// Attestation is a signed ScorePayload ready for score_submit.
type Attestation struct {
	Payload       core.ScorePayload `json:"payload"`
	Signature     string            `json:"signature"`
	CadenceDigest string            `json:"cadence_digest"`
	Score         uint64            `json:"score"` // recomputed
}

// Verify replays the transcript, checks the cadence and signs the result.
// The attested score is always the recomputed one. A successful call
// consumes the session; any error means nothing was signed.
func (s *Service) Verify(req VerifyRequest) (*Attestation, error) {
	att, err := s.verify(req)
	if err != nil {
		s.log.Warn("verification rejected",
			zap.String("session_id", req.SessionID),
			zap.String("owner", req.Owner),
			zap.Error(err))
		return nil, err
	}
	s.log.Info("score attested",
		zap.String("session_id", req.SessionID),
		zap.String("owner", req.Owner),
		zap.Uint64("score", att.Score),
		zap.Uint64("claimed_score", req.Score))
	return att, nil
}

func (s *Service) verify(req VerifyRequest) (*Attestation, error) {
	sess, err := s.store.Get(req.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.Owner != req.Owner {
		return nil, errorsmod.Wrapf(core.ErrIdentityMismatch, "session %q is not owned by %q", req.SessionID, req.Owner)
	}
	if !crypto.IsHash(req.ContentHash) {
		return nil, errorsmod.Wrap(core.ErrInvalidRequest, "content_hash must be a hex sha-256 digest")
	}
	if len(req.Inputs) > s.cfg.MaxInputEvents {
		return nil, errorsmod.Wrapf(core.ErrInvalidRequest, "%d input events exceeds limit %d", len(req.Inputs), s.cfg.MaxInputEvents)
	}
	if err := game.ValidateEvents(req.Inputs); err != nil {
		return nil, errorsmod.Wrap(core.ErrInvalidRequest, err.Error())
	}
	seed, err := sess.SeedBytes()
	if err != nil {
		return nil, errorsmod.Wrapf(err, "session %q seed", sess.ID)
	}

	res := game.Replay(seed, req.Inputs)
	if res.ContentHash != req.ContentHash {
		return nil, errorsmod.Wrapf(core.ErrReplayMismatch, "content hash %s, recomputed %s", req.ContentHash, res.ContentHash)
	}

	digest, err := cadence.Validate(sess.ID, req.Heartbeats, s.cfg.Cadence, s.signer)
	if err != nil {
		return nil, err
	}

	payload := core.ScorePayload{
		Player:        sess.Owner,
		SessionID:     sess.ID,
		Score:         res.Score,
		ContentHash:   res.ContentHash,
		CadenceDigest: digest,
	}
	// Consume before signing: a session that loses a concurrent race gets nothing.
	if err := s.store.Delete(sess.ID); err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			return nil, errorsmod.Wrapf(core.ErrSessionNotFound, "session %q already consumed", sess.ID)
		}
		return nil, err
	}
	return &Attestation{
		Payload:       payload,
		Signature:     s.signer.Sign(payload.Digest()),
		CadenceDigest: digest,
		Score:         res.Score,
	}, nil
}
