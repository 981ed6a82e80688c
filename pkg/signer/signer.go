// Package signer produces detached Ed25519 signatures for repackaged
// containers. The key pair is derived from an age secret key so a single
// AGE_SECRET_KEY serves both the age codec and signing.
package signer

import (
	"bytes"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const (
	EnvSecretKey = "AGE_SECRET_KEY"
	EnvPublicKey = "AGE_PUBLIC_KEY"
)

// Signer signs and verifies payloads with an age-derived Ed25519 key pair.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	recipient  string
}

// NewFromEnv initialises a Signer from AGE_SECRET_KEY and AGE_PUBLIC_KEY.
func NewFromEnv() (*Signer, error) {
	return New(os.Getenv(EnvSecretKey), os.Getenv(EnvPublicKey))
}

// New initialises a Signer. At least one of secret (an AGE-SECRET-KEY-1…
// string) or public (a base64 Ed25519 public key) is required; a Signer
// without the secret can only verify.
func New(secret, public string) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	public = strings.TrimSpace(public)
	if secret == "" && public == "" {
		return nil, fmt.Errorf("%s or %s must be set", EnvSecretKey, EnvPublicKey)
	}

	s := &Signer{}
	if secret != "" {
		seed, err := decodeAgeSecretKey(secret)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", EnvSecretKey, err)
		}
		s.privateKey = ed25519.NewKeyFromSeed(seed)
		s.publicKey = ed25519.PublicKey(s.privateKey[ed25519.SeedSize:])

		if identity, err := age.ParseX25519Identity(secret); err == nil {
			s.recipient = identity.Recipient().String()
		}
	}

	if public != "" {
		decoded, err := decodePublicKey(public)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", EnvPublicKey, err)
		}
		if s.publicKey == nil {
			s.publicKey = decoded
		} else if !bytes.Equal(s.publicKey, decoded) {
			return nil, fmt.Errorf("%s does not match %s", EnvPublicKey, EnvSecretKey)
		}
	}
	return s, nil
}

// Sign produces a base64-encoded Ed25519 signature for payload.
func (s *Signer) Sign(payload []byte) (string, error) {
	if s == nil {
		return "", errors.New("nil signer")
	}
	if len(s.privateKey) == 0 {
		return "", errors.New("signer configured without private key")
	}
	return base64.StdEncoding.EncodeToString(ed25519.Sign(s.privateKey, payload)), nil
}

// Verify checks a base64 signature over payload. embeddedKey is the public
// key recorded next to the signature, if any; it must match the configured
// key when both are present.
func (s *Signer) Verify(payload []byte, signature, embeddedKey string) error {
	if s == nil {
		return errors.New("nil signer")
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length %d", len(sig))
	}

	key := s.publicKey
	if embeddedKey != "" {
		decoded, err := decodePublicKey(embeddedKey)
		if err != nil {
			return fmt.Errorf("decode embedded public key: %w", err)
		}
		if key != nil && !bytes.Equal(key, decoded) {
			return errors.New("signed by unexpected key")
		}
		if key == nil {
			key = decoded
		}
	}
	if key == nil {
		return errors.New("no public key available for verification")
	}
	if !ed25519.Verify(key, payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// PublicKeyBase64 returns the Ed25519 public key in base64 form.
func (s *Signer) PublicKeyBase64() string {
	if s == nil || len(s.publicKey) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.publicKey)
}

// Recipient returns the age recipient matching the secret key, if one was given.
func (s *Signer) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}

func decodePublicKey(raw string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if l := len(decoded); l != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, l)
	}
	return ed25519.PublicKey(decoded), nil
}

func decodeAgeSecretKey(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(decoded) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(decoded))
	}
	return decoded, nil
}
