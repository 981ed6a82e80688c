package signer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// SignatureSuffix is appended to a container path to name its detached signature.
const SignatureSuffix = ".sig"

// Envelope is the detached signature written next to an output container.
type Envelope struct {
	File      string    `yaml:"file"`
	Size      int64     `yaml:"size"`
	SHA256    string    `yaml:"sha256"`
	CreatedAt time.Time `yaml:"created_at"`
	Signer    string    `yaml:"signer,omitempty"`
	PublicKey string    `yaml:"signing_public_key,omitempty"`
	Signature string    `yaml:"signature,omitempty"`
}

// SigningBytes marshals the envelope without its signature.
func (e Envelope) SigningBytes() ([]byte, error) {
	clone := e
	clone.Signature = ""
	return yaml.Marshal(clone)
}

// SignFile signs the digest and size of the file at path.
func (s *Signer) SignFile(path string, now time.Time) (*Envelope, error) {
	sum, size, err := digest(path)
	if err != nil {
		return nil, err
	}
	env := &Envelope{
		File:      filepath.Base(path),
		Size:      size,
		SHA256:    sum,
		CreatedAt: now.UTC().Truncate(time.Second),
		Signer:    s.Recipient(),
		PublicKey: s.PublicKeyBase64(),
	}
	payload, err := env.SigningBytes()
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	if env.Signature, err = s.Sign(payload); err != nil {
		return nil, err
	}
	return env, nil
}

// VerifyFile checks env against the file at path.
func (s *Signer) VerifyFile(path string, env *Envelope) error {
	if env == nil {
		return errors.New("nil envelope")
	}
	sum, size, err := digest(path)
	if err != nil {
		return err
	}
	if size != env.Size || sum != env.SHA256 {
		return fmt.Errorf("%s does not match its signature envelope", path)
	}
	payload, err := env.SigningBytes()
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return s.Verify(payload, env.Signature, env.PublicKey)
}

// WriteEnvelope stores env as YAML at path.
func WriteEnvelope(path string, env *Envelope) error {
	data, err := yaml.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}

// ReadEnvelope loads a YAML envelope from path.
func ReadEnvelope(path string) (*Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read envelope: %w", err)
	}
	var env Envelope
	if err := yaml.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	return &env, nil
}

func digest(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
