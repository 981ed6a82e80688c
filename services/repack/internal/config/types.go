package config

import "fwrepack/pkg/manifest"

type Config struct {
	Build     BuildConfig     `yaml:"build"`
	Manifest  ManifestConfig  `yaml:"manifest"`
	Codec     CodecConfig     `yaml:"codec"`
	Output    OutputConfig    `yaml:"output"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type BuildConfig struct {
	WorkDir        string   `yaml:"workdir"`
	KeepWorkdir    bool     `yaml:"keep_workdir"`
	PatchScript    string   `yaml:"patch_script"`
	NestedPatterns []string `yaml:"nested_patterns"`
	NestedWrapped  bool     `yaml:"nested_wrapped"`
	GzipLevel      int      `yaml:"gzip_level"`
	ZstdLevel      int      `yaml:"zstd_level"`
}

type ManifestConfig struct {
	// Path is relative to the container root; empty disables manifest updates.
	Path   string          `yaml:"path"`
	Hash   string          `yaml:"hash"`
	Layout manifest.Layout `yaml:"layout"`
}

type CodecConfig struct {
	// Kind is exec, age or none.
	Kind string     `yaml:"kind"`
	Exec ExecConfig `yaml:"exec"`
	Age  AgeConfig  `yaml:"age"`
}

type ExecConfig struct {
	Tool        string   `yaml:"tool"`
	DecryptArgs []string `yaml:"decrypt_args"`
	EncryptArgs []string `yaml:"encrypt_args"`
}

type AgeConfig struct {
	IdentityFile string   `yaml:"identity_file"`
	Recipients   []string `yaml:"recipients"`
	// SecretKey is only read from the environment.
	SecretKey string `yaml:"-"`
}

type OutputConfig struct {
	Sign        bool   `yaml:"sign"`
	MetricsFile string `yaml:"metrics_file"`
	NATSURL     string `yaml:"nats_url"`
}

type TelemetryConfig struct {
	LogFormat    string `yaml:"log_format"`
	Verbose      bool   `yaml:"verbose"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}
