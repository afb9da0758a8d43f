// Package signing produces the integrity token stored with every vote: an
// Ed25519 signature over the canonical digest of election, answers and
// submission time.
package signing

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNoKey        = errors.New("signing key not configured")
	ErrInvalidToken = errors.New("invalid integrity token")
)

type Signer struct {
	keyID string
	priv  ed25519.PrivateKey
}

// New builds a signer from a base64 (std or url) encoded Ed25519 seed.
func New(seedB64, keyID string) (*Signer, error) {
	if strings.TrimSpace(seedB64) == "" {
		return nil, ErrNoKey
	}
	if keyID == "" || strings.Contains(keyID, ".") {
		return nil, fmt.Errorf("invalid key id %q", keyID)
	}
	seed, err := base64.StdEncoding.DecodeString(seedB64)
	if err != nil {
		seed, err = base64.RawURLEncoding.DecodeString(seedB64)
	}
	if err != nil {
		return nil, fmt.Errorf("decode signing key: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	return &Signer{keyID: keyID, priv: ed25519.NewKeyFromSeed(seed)}, nil
}

// Ephemeral generates a throwaway key. Tokens it signs cannot be verified
// after the process exits.
func Ephemeral(keyID string) (*Signer, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	return &Signer{keyID: keyID, priv: ed25519.NewKeyFromSeed(seed)}, nil
}

func (s *Signer) KeyID() string { return s.keyID }

func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}

// Sign returns "<keyID>.<digest>.<signature>", both parts base64url.
func (s *Signer) Sign(electionID int64, answers json.RawMessage, submittedAt time.Time) (string, error) {
	digest, err := Digest(electionID, answers, submittedAt)
	if err != nil {
		return "", err
	}
	sig := ed25519.Sign(s.priv, digest)
	return s.keyID + "." + b64(digest) + "." + b64(sig), nil
}

func (s *Signer) Verify(token string, electionID int64, answers json.RawMessage, submittedAt time.Time) error {
	return Verify(s.PublicKey(), token, electionID, answers, submittedAt)
}

// Verify checks token against the recomputed digest and the public key.
func Verify(pub ed25519.PublicKey, token string, electionID int64, answers json.RawMessage, submittedAt time.Time) error {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return ErrInvalidToken
	}
	gotDigest, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return ErrInvalidToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return ErrInvalidToken
	}

	want, err := Digest(electionID, answers, submittedAt)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(gotDigest, want) != 1 {
		return fmt.Errorf("%w: digest mismatch", ErrInvalidToken)
	}
	if !ed25519.Verify(pub, want, sig) {
		return fmt.Errorf("%w: bad signature", ErrInvalidToken)
	}
	return nil
}

// Digest is sha256 over the canonical JSON of the signed fields. Answers are
// re-encoded with sorted keys so storage that reorders JSON objects does not
// change the digest.
func Digest(electionID int64, answers json.RawMessage, submittedAt time.Time) ([]byte, error) {
	canonicalAnswers, err := canonicalize(answers)
	if err != nil {
		return nil, fmt.Errorf("canonicalize answers: %w", err)
	}
	body, err := json.Marshal(map[string]any{
		"answers":      canonicalAnswers,
		"election_id":  electionID,
		"submitted_at": submittedAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(body)
	return sum[:], nil
}

func canonicalize(raw json.RawMessage) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }
