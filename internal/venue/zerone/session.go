package zerone

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Signer holds the long-lived user key. Session keys are ephemeral and
// rotated by the client before expiry.
type Signer struct {
	priv ed25519.PrivateKey
}

// NewSigner accepts a hex-encoded 32-byte ed25519 seed, or a 64-byte
// seed+pubkey export from which the seed half is used.
func NewSigner(hexKey string) (*Signer, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode maker private key: %w", err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
	case ed25519.PrivateKeySize:
		raw = raw[:ed25519.SeedSize]
	default:
		return nil, errors.New("maker private key must be a 32 or 64 byte ed25519 key")
	}
	return &Signer{priv: ed25519.NewKeyFromSeed(raw)}, nil
}

func (s *Signer) Sign(payload []byte) []byte {
	return ed25519.Sign(s.priv, payload)
}

func (s *Signer) Pubkey() []byte {
	return s.priv.Public().(ed25519.PublicKey)
}

type session struct {
	id      int64
	key     ed25519.PrivateKey
	expires time.Time
}

// sessionRefreshBuffer renews the session well before the venue expires it so
// in-flight orders never race a dying session.
const sessionRefreshBuffer = 60 * time.Second

func (c *Client) ensureSession(ctx context.Context) error {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	if c.session != nil && time.Now().Before(c.session.expires.Add(-sessionRefreshBuffer)) {
		return nil
	}
	return c.createSessionLocked(ctx)
}

func (c *Client) createSessionLocked(ctx context.Context) error {
	serverTime, err := c.serverTimestamp(ctx)
	if err != nil {
		return fmt.Errorf("fetch server timestamp: %w", err)
	}
	_, sessionPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return err
	}
	expiry := serverTime.Add(c.sessionTTL)
	action := Action{
		Timestamp: serverTime.Unix(),
		CreateSession: &CreateSessionAction{
			UserPubkey:      c.signer.Pubkey(),
			SessionPubkey:   sessionPriv.Public().(ed25519.PublicKey),
			ExpiryTimestamp: expiry.Unix(),
		},
	}
	rcpt, err := c.executeAction(ctx, action, c.signer.Sign)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if rcpt.SessionResult == nil {
		return errors.New("create session: missing session result")
	}
	c.session = &session{
		id:      rcpt.SessionResult.SessionID,
		key:     sessionPriv,
		expires: expiry,
	}
	c.nonce = 0
	return nil
}

func (c *Client) sessionSign(payload []byte) []byte {
	return ed25519.Sign(c.session.key, payload)
}

func (c *Client) sessionID() int64 {
	if c.session == nil {
		return 0
	}
	return c.session.id
}
