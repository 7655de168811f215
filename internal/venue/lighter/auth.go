package lighter

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer authenticates API requests with a secp256k1 wallet key. Each request
// body is signed personal_sign style and verified server-side against the
// account's registered address.
type Signer struct {
	key *ecdsa.PrivateKey
}

func NewSigner(hexKey string) (*Signer, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode taker private key: %w", err)
	}
	return &Signer{key: key}, nil
}

func (s *Signer) Address() common.Address {
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// SignPayload returns the hex signature over the EIP-191 digest of payload.
func (s *Signer) SignPayload(payload []byte) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(payload), s.key)
	if err != nil {
		return "", err
	}
	// Normalize V to the 27/28 convention the API expects.
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}
