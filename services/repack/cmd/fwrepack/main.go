package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fwrepack/pkg/bus"
	"fwrepack/pkg/codec"
	"fwrepack/pkg/compression"
	"fwrepack/pkg/fingerprint"
	"fwrepack/pkg/manifest"
	"fwrepack/pkg/metrics"
	"fwrepack/pkg/patcher"
	"fwrepack/pkg/render"
	gos3 "fwrepack/pkg/s3"
	"fwrepack/pkg/signer"
	"fwrepack/pkg/telemetry"
	"fwrepack/services/repack"
	"fwrepack/services/repack/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(repack.ExitCode(err))
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fwrepack",
		Short:         "Patch vendor firmware containers without disturbing untouched bytes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newRepackCommand())
	cmd.AddCommand(newFingerprintCommand())
	cmd.AddCommand(newManifestCommand())
	cmd.AddCommand(newVerifyCommand())
	return cmd
}

func newRepackCommand() *cobra.Command {
	var (
		configPath  string
		output      string
		patchScript string
		reportPath  string
		keepWorkdir bool
		verbose     bool
	)

	cmd := &cobra.Command{
		Use:   "repack <container>",
		Short: "Decrypt, patch and re-encrypt a firmware container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("patch") {
				cfg.Build.PatchScript = patchScript
			}
			if cmd.Flags().Changed("keep-workdir") {
				cfg.Build.KeepWorkdir = keepWorkdir
			}
			if cmd.Flags().Changed("verbose") {
				cfg.Telemetry.Verbose = verbose
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			if output == "" {
				output = defaultOutput(args[0])
			}
			return runRepack(ctx, cfg, args[0], output, reportPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "YAML configuration file (default $FWREPACK_CONFIG)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Destination container path or s3://bucket/key (default <container>.patched)")
	cmd.Flags().StringVar(&patchScript, "patch", "", "Executable run inside the working directory")
	cmd.Flags().StringVar(&reportPath, "report", "", "Write a build report to this file")
	cmd.Flags().BoolVar(&keepWorkdir, "keep-workdir", false, "Keep the working directory after the build")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Log external commands and fingerprint differences")
	return cmd
}

// defaultOutput places the patched container next to its input.
func defaultOutput(input string) string {
	return input + ".patched"
}

func runRepack(ctx context.Context, cfg config.Config, input, output, reportPath string) error {
	shutdown, logger, err := telemetry.Init(ctx, telemetry.Options{
		Service:  "fwrepack",
		Format:   cfg.Telemetry.LogFormat,
		Verbose:  cfg.Telemetry.Verbose,
		Out:      os.Stderr,
		Endpoint: cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Printf("WARN telemetry shutdown: %v", err)
		}
	}()

	containerCodec, err := buildCodec(cfg.Codec, logger)
	if err != nil {
		return &repack.Error{Kind: repack.KindDependencyMissing, Err: err}
	}
	hashAlg, err := manifest.ParseAlgorithm(cfg.Manifest.Hash)
	if err != nil {
		return err
	}

	opts := repack.Options{
		Input:          input,
		Output:         output,
		WorkRoot:       cfg.Build.WorkDir,
		KeepWorkdir:    cfg.Build.KeepWorkdir,
		Manifest:       cfg.Manifest.Path,
		Layout:         cfg.Manifest.Layout,
		HashAlgorithm:  hashAlg,
		NestedPatterns: cfg.Build.NestedPatterns,
		NestedWrapped:  cfg.Build.NestedWrapped,
		Codec:          containerCodec,
		Compressor:     compression.Compressor{GzipLevel: cfg.Build.GzipLevel, ZstdLevel: cfg.Build.ZstdLevel},
		Logger:         logger,
	}

	if cfg.Build.PatchScript != "" {
		opts.Patcher = &patcher.Script{
			Path:   cfg.Build.PatchScript,
			Stdout: os.Stderr,
			Stderr: os.Stderr,
			Logger: logger,
		}
	}

	if cfg.Output.Sign {
		s, err := signer.NewFromEnv()
		if err != nil {
			return &repack.Error{Kind: repack.KindDependencyMissing, Err: err}
		}
		opts.Signer = s
	}

	if gos3.IsURL(output) {
		client, err := gos3.NewClientFromEnv()
		if err != nil {
			return &repack.Error{Kind: repack.KindDependencyMissing, Err: fmt.Errorf("s3 client: %w", err)}
		}
		opts.Uploader = client
	}

	if cfg.Output.NATSURL != "" {
		b, err := bus.New(cfg.Output.NATSURL)
		if err != nil {
			logger.Printf("WARN build events disabled: %v", err)
		} else {
			defer b.Close()
			opts.Events = b
		}
	}

	var prom *metrics.Prom
	if cfg.Output.MetricsFile != "" {
		prom = metrics.NewProm("fwrepack")
		opts.Metrics = prom
	}

	report, runErr := repack.Run(ctx, opts)
	if prom != nil {
		if err := prom.WriteTextfile(cfg.Output.MetricsFile); err != nil {
			logger.Printf("WARN %v", err)
		}
	}
	if reportPath != "" && report != nil {
		if err := writeReport(reportPath, report); err != nil {
			logger.Printf("WARN %v", err)
		}
	}
	if runErr != nil {
		if report != nil && report.WorkDir != "" {
			fmt.Fprintf(os.Stderr, "working directory kept at %s\n", report.WorkDir)
		}
		return runErr
	}
	fmt.Fprintln(os.Stdout, report.Summary())
	return nil
}

func writeReport(path string, report *repack.Report) error {
	engine, err := render.New()
	if err != nil {
		return err
	}
	text, err := engine.Render(render.Report, report)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func buildCodec(cfg config.CodecConfig, logger *log.Logger) (codec.ContainerCodec, error) {
	switch cfg.Kind {
	case config.CodecExec:
		return &codec.Exec{
			Tool:        cfg.Exec.Tool,
			DecryptArgs: cfg.Exec.DecryptArgs,
			EncryptArgs: cfg.Exec.EncryptArgs,
			Logger:      logger,
		}, nil
	case config.CodecAge:
		return codec.LoadAge(codec.AgeKeys{
			IdentityFile: cfg.Age.IdentityFile,
			SecretKey:    cfg.Age.SecretKey,
			Recipients:   cfg.Age.Recipients,
		})
	case config.CodecNone:
		return codec.Passthrough{}, nil
	default:
		return nil, fmt.Errorf("unknown codec kind %q", cfg.Kind)
	}
}

func newFingerprintCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <dir>",
		Short: "Print the content fingerprint of a directory tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := fingerprint.Tree(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, e := range entries {
				fmt.Fprintln(out, e)
			}
			return nil
		},
	}
}

func newManifestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "manifest",
		Short: "Integrity manifest operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newManifestUpdateCommand())
	return cmd
}

func newManifestUpdateCommand() *cobra.Command {
	var (
		configPath string
		hash       string
	)

	cmd := &cobra.Command{
		Use:   "update <manifest> [name...]",
		Short: "Recompute hash and size of listed files next to a manifest",
		Long: "Recomputes the digest and size of each named entry (all entries when none are named) " +
			"from the files beside the manifest and rewrites only the values that changed.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadUnchecked(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Manifest.Layout.Validate(); err != nil {
				return err
			}
			if hash == "" {
				hash = cfg.Manifest.Hash
			}
			alg, err := manifest.ParseAlgorithm(hash)
			if err != nil {
				return err
			}
			n, err := updateManifest(args[0], args[1:], cfg.Manifest.Layout, alg)
			if err != nil {
				return err
			}
			if n == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "manifest unchanged")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "updated %d entries in %s\n", n, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "YAML configuration file providing the manifest layout")
	cmd.Flags().StringVar(&hash, "hash", "", "Digest algorithm: md5 or sha256 (default from config)")
	return cmd
}

func updateManifest(path string, names []string, layout manifest.Layout, alg manifest.Algorithm) (int, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	entries, err := manifest.Entries(doc, layout)
	if err != nil {
		return 0, err
	}
	if len(names) == 0 {
		for _, e := range entries {
			names = append(names, e.Name)
		}
	}
	current := make(map[string]manifest.Entry, len(entries))
	for _, e := range entries {
		current[e.Name] = e
	}

	base := filepath.Dir(path)
	updates := make(map[string]manifest.Update)
	for _, name := range names {
		entry, ok := current[name]
		if !ok {
			return 0, fmt.Errorf("%w: %s", manifest.ErrUnknownEntry, name)
		}
		p, err := manifest.Resolve(base, name)
		if err != nil {
			return 0, err
		}
		sum, size, err := manifest.DigestFile(p, alg)
		if err != nil {
			return 0, err
		}
		if !strings.EqualFold(sum, entry.Hash) || size != entry.Size {
			updates[name] = manifest.Update{Hash: sum, Size: size}
		}
	}
	if len(updates) == 0 {
		return 0, nil
	}
	if _, err := manifest.UpdateFile(path, updates, layout); err != nil {
		return 0, err
	}
	return len(updates), nil
}

func newVerifyCommand() *cobra.Command {
	var signature string

	cmd := &cobra.Command{
		Use:   "verify <container>",
		Short: "Check a container against its detached signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if signature == "" {
				signature = args[0] + signer.SignatureSuffix
			}
			env, err := signer.ReadEnvelope(signature)
			if err != nil {
				return err
			}

			// The key embedded in the envelope proves nothing on its own.
			s, err := signer.NewFromEnv()
			if err != nil {
				return &repack.Error{Kind: repack.KindDependencyMissing, Err: fmt.Errorf("no trusted key: %w", err)}
			}
			if err := s.VerifyFile(args[0], env); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: signature OK (signer %s)\n", args[0], signerName(env))
			return nil
		},
	}

	cmd.Flags().StringVar(&signature, "signature", "", "Signature envelope (default <container>.sig)")
	return cmd
}

func signerName(env *signer.Envelope) string {
	if env.Signer != "" {
		return env.Signer
	}
	return env.PublicKey
}
