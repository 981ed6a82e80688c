package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"gopkg.in/yaml.v3"

	"fwrepack/pkg/manifest"
)

// EnvConfigFile names the YAML file read when Load is given no path.
const EnvConfigFile = "FWREPACK_CONFIG"

// Codec kinds.
const (
	CodecExec = "exec"
	CodecAge  = "age"
	CodecNone = "none"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Build: BuildConfig{
			NestedPatterns: []string{"*.hwfs"},
			GzipLevel:      gzip.DefaultCompression,
			ZstdLevel:      3,
		},
		Manifest: ManifestConfig{
			Path:   "manifest.json",
			Hash:   string(manifest.MD5),
			Layout: manifest.DefaultLayout(),
		},
		Codec: CodecConfig{
			Kind: CodecExec,
			Exec: ExecConfig{
				DecryptArgs: []string{"-d", "{in}", "{out}"},
				EncryptArgs: []string{"-e", "{in}", "{out}"},
			},
		},
		Telemetry: TelemetryConfig{LogFormat: "text"},
	}
}

// Load layers the defaults, the YAML file at path (or $FWREPACK_CONFIG)
// and FWREPACK_* environment variables, then validates the result.
func Load(path string) (Config, error) {
	cfg, err := LoadUnchecked(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadUnchecked layers configuration like Load without validating it.
// Helper commands use it to read the manifest settings when no codec is
// configured.
func LoadUnchecked(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.Build.WorkDir = getEnv("FWREPACK_WORKDIR", cfg.Build.WorkDir)
	cfg.Build.KeepWorkdir = getEnvBool("FWREPACK_KEEP_WORKDIR", cfg.Build.KeepWorkdir)
	cfg.Build.PatchScript = getEnv("FWREPACK_PATCH_SCRIPT", cfg.Build.PatchScript)
	cfg.Build.NestedPatterns = getEnvList("FWREPACK_NESTED_PATTERNS", cfg.Build.NestedPatterns)
	cfg.Build.NestedWrapped = getEnvBool("FWREPACK_NESTED_WRAPPED", cfg.Build.NestedWrapped)
	cfg.Build.GzipLevel = getEnvInt("FWREPACK_GZIP_LEVEL", cfg.Build.GzipLevel)
	cfg.Build.ZstdLevel = getEnvInt("FWREPACK_ZSTD_LEVEL", cfg.Build.ZstdLevel)

	cfg.Manifest.Path = getEnv("FWREPACK_MANIFEST", cfg.Manifest.Path)
	cfg.Manifest.Hash = getEnv("FWREPACK_MANIFEST_HASH", cfg.Manifest.Hash)

	cfg.Codec.Kind = getEnv("FWREPACK_CODEC", cfg.Codec.Kind)
	cfg.Codec.Exec.Tool = getEnv("FWREPACK_CODEC_TOOL", cfg.Codec.Exec.Tool)
	cfg.Codec.Age.IdentityFile = getEnv("FWREPACK_AGE_IDENTITY_FILE", cfg.Codec.Age.IdentityFile)
	cfg.Codec.Age.Recipients = getEnvList("FWREPACK_AGE_RECIPIENTS", cfg.Codec.Age.Recipients)
	cfg.Codec.Age.SecretKey = os.Getenv("AGE_SECRET_KEY")

	cfg.Output.Sign = getEnvBool("FWREPACK_SIGN", cfg.Output.Sign)
	cfg.Output.MetricsFile = getEnv("FWREPACK_METRICS_FILE", cfg.Output.MetricsFile)
	cfg.Output.NATSURL = getEnv("FWREPACK_NATS_URL", cfg.Output.NATSURL)

	cfg.Telemetry.LogFormat = getEnv("FWREPACK_LOG_FORMAT", cfg.Telemetry.LogFormat)
	cfg.Telemetry.Verbose = getEnvBool("FWREPACK_VERBOSE", cfg.Telemetry.Verbose)
	cfg.Telemetry.OTLPEndpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate checks values that would otherwise fail mid-build.
func (c Config) Validate() error {
	if _, err := manifest.ParseAlgorithm(c.Manifest.Hash); err != nil {
		return err
	}
	if c.Manifest.Path != "" {
		if err := c.Manifest.Layout.Validate(); err != nil {
			return err
		}
	}
	for _, pattern := range c.Build.NestedPatterns {
		if _, err := filepath.Match(pattern, ""); err != nil {
			return fmt.Errorf("invalid nested pattern %q: %w", pattern, err)
		}
	}
	if c.Build.GzipLevel < gzip.HuffmanOnly || c.Build.GzipLevel > gzip.BestCompression {
		return fmt.Errorf("gzip_level %d is outside the range %d-%d", c.Build.GzipLevel, gzip.HuffmanOnly, gzip.BestCompression)
	}
	if c.Build.ZstdLevel < 1 || c.Build.ZstdLevel > 22 {
		return fmt.Errorf("zstd_level %d is outside the range 1-22", c.Build.ZstdLevel)
	}

	switch c.Codec.Kind {
	case CodecExec:
		if c.Codec.Exec.Tool == "" {
			return errors.New("codec.exec.tool (FWREPACK_CODEC_TOOL) is required for the exec codec")
		}
		if len(c.Codec.Exec.DecryptArgs) == 0 || len(c.Codec.Exec.EncryptArgs) == 0 {
			return errors.New("codec.exec decrypt_args and encrypt_args are required")
		}
	case CodecAge:
		if c.Codec.Age.IdentityFile == "" && c.Codec.Age.SecretKey == "" {
			return errors.New("the age codec needs codec.age.identity_file or AGE_SECRET_KEY")
		}
	case CodecNone:
	default:
		return fmt.Errorf("unknown codec kind %q (want exec, age or none)", c.Codec.Kind)
	}

	switch c.Telemetry.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (want text or json)", c.Telemetry.LogFormat)
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// getEnvList splits a comma separated value, dropping empty items.
func getEnvList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
