package codec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
)

// Age wraps containers as age-encrypted files. Decryption needs an
// identity; encryption goes to the configured recipients, or to the
// identities' own public keys when none are configured.
type Age struct {
	identities []age.Identity
	recipients []age.Recipient
}

// AgeKeys names where Age keys come from. At least one identity source is
// required.
type AgeKeys struct {
	IdentityFile string   // age identity file, one key per line
	SecretKey    string   // inline AGE-SECRET-KEY-1… value
	Recipients   []string // age1… public keys
}

// NewAge builds an Age codec from explicit keys.
func NewAge(identities []age.Identity, recipients []age.Recipient) (*Age, error) {
	if len(identities) == 0 {
		return nil, errors.New("age codec: no identities")
	}
	if len(recipients) == 0 {
		for _, id := range identities {
			x, ok := id.(*age.X25519Identity)
			if !ok {
				return nil, errors.New("age codec: recipients required for non-X25519 identities")
			}
			recipients = append(recipients, x.Recipient())
		}
	}
	return &Age{identities: identities, recipients: recipients}, nil
}

// LoadAge parses the key sources in keys.
func LoadAge(keys AgeKeys) (*Age, error) {
	var identities []age.Identity
	if keys.IdentityFile != "" {
		f, err := os.Open(keys.IdentityFile)
		if err != nil {
			return nil, fmt.Errorf("open age identity file: %w", err)
		}
		ids, err := age.ParseIdentities(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("parse age identity file: %w", err)
		}
		identities = append(identities, ids...)
	}
	if keys.SecretKey != "" {
		id, err := age.ParseX25519Identity(strings.TrimSpace(keys.SecretKey))
		if err != nil {
			return nil, fmt.Errorf("parse age secret key: %w", err)
		}
		identities = append(identities, id)
	}

	var recipients []age.Recipient
	if len(keys.Recipients) > 0 {
		parsed, err := age.ParseRecipients(strings.NewReader(strings.Join(keys.Recipients, "\n")))
		if err != nil {
			return nil, fmt.Errorf("parse age recipients: %w", err)
		}
		recipients = parsed
	}
	return NewAge(identities, recipients)
}

func (a *Age) Decrypt(ctx context.Context, containerPath, outArchivePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := os.Open(containerPath)
	if err != nil {
		return fmt.Errorf("open container: %w", err)
	}
	defer in.Close()

	plain, err := age.Decrypt(in, a.identities...)
	if err != nil {
		return fmt.Errorf("age decrypt: %w", err)
	}
	out, err := os.OpenFile(outArchivePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	if _, err := io.Copy(out, plain); err != nil {
		out.Close()
		return fmt.Errorf("age decrypt: %w", err)
	}
	return out.Close()
}

func (a *Age) Encrypt(ctx context.Context, archivePath, outContainerPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(outContainerPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	w, err := age.Encrypt(out, a.recipients...)
	if err != nil {
		out.Close()
		return fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := io.Copy(w, in); err != nil {
		out.Close()
		return fmt.Errorf("age encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		out.Close()
		return fmt.Errorf("age encrypt: %w", err)
	}
	return out.Close()
}
