package codec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"os/exec"
	"strings"
)

// Exec delegates both directions to an external tool. Argument templates
// may reference {in} and {out}, which are substituted with the input and
// output paths of the call. A non-zero exit status is a failure.
type Exec struct {
	Tool        string
	DecryptArgs []string
	EncryptArgs []string
	Env         []string
	Logger      *log.Logger
}

// Check resolves the tool on PATH.
func (e *Exec) Check() error {
	if _, err := e.resolve(); err != nil {
		return err
	}
	return nil
}

func (e *Exec) Decrypt(ctx context.Context, containerPath, outArchivePath string) error {
	return e.run(ctx, "decrypt", e.DecryptArgs, containerPath, outArchivePath)
}

func (e *Exec) Encrypt(ctx context.Context, archivePath, outContainerPath string) error {
	return e.run(ctx, "encrypt", e.EncryptArgs, archivePath, outContainerPath)
}

func (e *Exec) resolve() (string, error) {
	if e.Tool == "" {
		return "", fmt.Errorf("%w: no tool configured", ErrToolMissing)
	}
	path, err := exec.LookPath(e.Tool)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrToolMissing, e.Tool, err)
	}
	return path, nil
}

func (e *Exec) run(ctx context.Context, op string, templates []string, in, out string) error {
	if len(templates) == 0 {
		return fmt.Errorf("%s: no arguments configured for %s", e.Tool, op)
	}
	path, err := e.resolve()
	if err != nil {
		return err
	}
	args := Expand(templates, in, out)
	if e.Logger != nil {
		e.Logger.Printf("DEBUG exec %s %s", e.Tool, strings.Join(args, " "))
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stderr = &stderr
	if len(e.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.Env...)
	}
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && msg != "" {
			return fmt.Errorf("%s %s: exit %d: %s", e.Tool, op, exitErr.ExitCode(), msg)
		}
		return fmt.Errorf("%s %s: %w", e.Tool, op, err)
	}
	return nil
}

// Expand substitutes {in} and {out} in every argument template.
func Expand(templates []string, in, out string) []string {
	r := strings.NewReplacer("{in}", in, "{out}", out)
	args := make([]string, len(templates))
	for i, t := range templates {
		args[i] = r.Replace(t)
	}
	return args
}
