// Package codec holds the container transforms that turn a vendor
// firmware container into its inner archive and back. The cryptographic
// scheme itself is owned by the implementation; callers only see paths.
package codec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrToolMissing is returned when an external transform tool cannot be found.
var ErrToolMissing = errors.New("codec: tool not found")

// ContainerCodec unwraps and rewraps a container. Both directions read one
// file and write another; neither modifies its input.
type ContainerCodec interface {
	Decrypt(ctx context.Context, containerPath, outArchivePath string) error
	Encrypt(ctx context.Context, archivePath, outContainerPath string) error
}

// Checker is implemented by codecs that depend on something outside the
// process and can verify it up front.
type Checker interface {
	Check() error
}

// Check runs c's dependency check when it has one.
func Check(c ContainerCodec) error {
	if checker, ok := c.(Checker); ok {
		return checker.Check()
	}
	return nil
}

// Passthrough treats the container as the archive itself.
type Passthrough struct{}

func (Passthrough) Decrypt(ctx context.Context, containerPath, outArchivePath string) error {
	return copyFile(ctx, containerPath, outArchivePath)
}

func (Passthrough) Encrypt(ctx context.Context, archivePath, outContainerPath string) error {
	return copyFile(ctx, archivePath, outContainerPath)
}

func copyFile(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}
