// Package patcher applies user-supplied modifications to an unpacked
// firmware working directory. What a patch does is up to its author.
package patcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Working directory layout exposed to patches.
const (
	RootDir   = "root"
	NestedDir = "nested"
)

// ErrScriptMissing is returned when the patch script does not exist or is
// not executable.
var ErrScriptMissing = errors.New("patcher: script not executable")

// Patcher mutates files under workDir. A returned error aborts the build.
type Patcher interface {
	Apply(ctx context.Context, workDir string) error
}

// Func adapts a function to Patcher.
type Func func(ctx context.Context, workDir string) error

func (f Func) Apply(ctx context.Context, workDir string) error { return f(ctx, workDir) }

// Script runs an executable with the working directory as its cwd.
// FWREPACK_WORKDIR, FWREPACK_ROOT and FWREPACK_NESTED point at the
// working directory, the unpacked container and the unpacked nested
// archives respectively.
type Script struct {
	Path   string
	Args   []string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
	Logger *log.Logger
}

// Check verifies the script exists and has an execute bit.
func (s *Script) Check() error {
	info, err := os.Stat(s.Path)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrScriptMissing, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%w: %s", ErrScriptMissing, s.Path)
	}
	return nil
}

func (s *Script) Apply(ctx context.Context, workDir string) error {
	if err := s.Check(); err != nil {
		return err
	}
	path, err := filepath.Abs(s.Path)
	if err != nil {
		return fmt.Errorf("resolve patch script: %w", err)
	}
	if s.Logger != nil {
		s.Logger.Printf("DEBUG exec %s %s (cwd %s)", path, strings.Join(s.Args, " "), workDir)
	}

	var tail bytes.Buffer
	cmd := exec.CommandContext(ctx, path, s.Args...)
	cmd.Dir = workDir
	cmd.Env = append(cmd.Environ(),
		"FWREPACK_WORKDIR="+workDir,
		"FWREPACK_ROOT="+filepath.Join(workDir, RootDir),
		"FWREPACK_NESTED="+filepath.Join(workDir, NestedDir),
	)
	cmd.Env = append(cmd.Env, s.Env...)
	cmd.Stdout = s.Stdout
	if s.Stderr != nil {
		cmd.Stderr = io.MultiWriter(s.Stderr, &tail)
	} else {
		cmd.Stderr = &tail
	}

	if err := cmd.Run(); err != nil {
		if msg := lastLine(tail.String()); msg != "" {
			return fmt.Errorf("patch script %s: %w: %s", filepath.Base(path), err, msg)
		}
		return fmt.Errorf("patch script %s: %w", filepath.Base(path), err)
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
