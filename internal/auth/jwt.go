package auth

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alfredjeanlab/sorotask/internal/idgen"
	"github.com/alfredjeanlab/sorotask/internal/model"
)

// ProofPrefix prefixes the jti of issued proofs.
const ProofPrefix = "prf-"

// DefaultMaxAge bounds how old a proof may be when it is presented.
const DefaultMaxAge = 5 * time.Minute

// proofClaims is the claim set carried by a registration proof.
type proofClaims struct {
	ConfigDigest string `json:"cfg"`
	jwt.RegisteredClaims
}

// JWTSigner verifies EdDSA-signed JWT proofs. A creator identity is the
// hex-encoded ed25519 public key that signed the proof.
type JWTSigner struct {
	maxAge    time.Duration
	clockSkew time.Duration
	timeFunc  func() time.Time
	logger    *slog.Logger
}

var _ Signer = (*JWTSigner)(nil)

// NewJWTSigner returns a verifier that rejects proofs older than maxAge.
// A zero maxAge uses DefaultMaxAge.
func NewJWTSigner(maxAge time.Duration, logger *slog.Logger) *JWTSigner {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &JWTSigner{
		maxAge:    maxAge,
		clockSkew: 30 * time.Second,
		timeFunc:  time.Now,
		logger:    logger,
	}
}

// ParsePublicKey decodes a creator identity into an ed25519 public key.
func ParsePublicKey(creator model.Identity) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(string(creator))
	if err != nil {
		return nil, fmt.Errorf("creator is not hex: %w", err)
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("creator key has %d bytes, want %d", len(b), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}

// IdentityFromKey returns the creator identity for a public key.
func IdentityFromKey(pub ed25519.PublicKey) model.Identity {
	return model.Identity(hex.EncodeToString(pub))
}

// Verify implements Signer. Every failure wraps model.ErrUnauthorized.
func (s *JWTSigner) Verify(_ context.Context, creator model.Identity, proof string, cfg *model.TaskConfig) error {
	if proof == "" {
		return fmt.Errorf("%w: missing proof", model.ErrUnauthorized)
	}
	pub, err := ParsePublicKey(creator)
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrUnauthorized, err)
	}

	now := s.timeFunc()
	token, err := jwt.ParseWithClaims(
		proof,
		&proofClaims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return pub, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithLeeway(s.clockSkew),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithSubject(string(creator)),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		s.logger.Debug("proof rejected", "creator", creator, "err", err)
		return fmt.Errorf("%w: %v", model.ErrUnauthorized, err)
	}

	claims, ok := token.Claims.(*proofClaims)
	if !ok || !token.Valid {
		return fmt.Errorf("%w: invalid claims", model.ErrUnauthorized)
	}
	if claims.IssuedAt == nil || now.Sub(claims.IssuedAt.Time) > s.maxAge+s.clockSkew {
		return fmt.Errorf("%w: proof too old", model.ErrUnauthorized)
	}

	want, err := ConfigDigest(cfg)
	if err != nil {
		return fmt.Errorf("%w: digest config: %v", model.ErrUnauthorized, err)
	}
	if claims.ConfigDigest != want {
		return fmt.Errorf("%w: proof does not cover this config", model.ErrUnauthorized)
	}
	return nil
}

// IssueProof signs a registration proof for cfg with priv. The config's
// Creator must be the identity of priv's public key.
func IssueProof(priv ed25519.PrivateKey, cfg *model.TaskConfig, now time.Time, ttl time.Duration) (string, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return "", errors.New("private key has no ed25519 public key")
	}
	if id := IdentityFromKey(pub); cfg.Creator != id {
		return "", fmt.Errorf("config creator %q does not match signing key %q", cfg.Creator, id)
	}
	if ttl <= 0 {
		ttl = DefaultMaxAge
	}
	digest, err := ConfigDigest(cfg)
	if err != nil {
		return "", fmt.Errorf("digest config: %w", err)
	}
	jti, err := idgen.GenerateWithPrefix(ProofPrefix)
	if err != nil {
		return "", err
	}
	claims := proofClaims{
		ConfigDigest: digest,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(cfg.Creator),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        jti,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(priv)
	if err != nil {
		return "", fmt.Errorf("sign proof: %w", err)
	}
	return signed, nil
}
