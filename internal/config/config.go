// Package config loads the core's own structural knobs: bucket and
// partition naming, checkpoint thresholds, storage timeouts, and the
// vault's Argon2 cost parameters. It does not parse IMAP/LMTP/CalDAV
// listener directives — that language belongs to the process-level
// config loader that composes this core with a wire protocol.
package config

import (
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Bay holds the tunables of a single Bay instance.
type Bay struct {
	// CheckpointEvery bounds how many applied ops accumulate before a
	// new checkpoint is written.
	CheckpointEvery int `koanf:"checkpoint_every"`
	// CheckpointKeep is how many checkpoints GC retains (newest N);
	// older ones and the ops before them become collectible.
	CheckpointKeep int `koanf:"checkpoint_keep"`
	// RefreshInterval is a polling interval for refreshing a Bay
	// instance. It is loaded but not read: the core runs no background
	// refresh loop, and callers refresh explicitly.
	RefreshInterval time.Duration `koanf:"refresh_interval"`
	// GCQuarantine is how long an orphaned op blob is kept before GC
	// considers it collectible, guarding against a race between a
	// still-in-flight writer and a concurrent GC pass.
	GCQuarantine time.Duration `koanf:"gc_quarantine"`
}

// Vault holds the Argon2 cost parameters the core's vault.Vault
// derives keys with (see vault.NewWithParams).
type Vault struct {
	ArgonTime    uint32 `koanf:"argon_time"`
	ArgonMemory  uint32 `koanf:"argon_memory_kib"`
	ArgonThreads uint8  `koanf:"argon_threads"`
}

// Storage holds the knobs of the Storage Abstraction layer.
type Storage struct {
	// Driver selects the KV backend: "memory", "postgres", "sqlite".
	Driver string `koanf:"driver"`
	// DSN is the backend connection string for non-memory drivers.
	DSN string `koanf:"dsn"`
	// BlobDriver selects the blob backend: "fs", "s3".
	BlobDriver string `koanf:"blob_driver"`
	// BlobRoot is the filesystem root for the fs blob driver.
	BlobRoot string `koanf:"blob_root"`
	// S3Bucket/S3Endpoint configure the s3 blob driver.
	S3Bucket   string `koanf:"s3_bucket"`
	S3Endpoint string `koanf:"s3_endpoint"`
	// ExternalizeThreshold is an op payload size in bytes. It is loaded
	// but not passed on to bay.Config, so Bay uses its own default
	// threshold for deciding when an op goes to the blob store.
	ExternalizeThreshold int `koanf:"externalize_threshold_bytes"`
	// Timeout is a per-call bound for KV and blob round trips. It is
	// loaded but not applied by any backend.
	Timeout time.Duration `koanf:"timeout"`
}

// Config is the top-level structural configuration of the core.
type Config struct {
	Bay     Bay     `koanf:"bay"`
	Vault   Vault   `koanf:"vault"`
	Storage Storage `koanf:"storage"`
}

// Default returns the configuration used when no file is loaded, sized
// for a single-node development deployment.
func Default() Config {
	return Config{
		Bay: Bay{
			CheckpointEvery: 1000,
			CheckpointKeep:  2,
			RefreshInterval: 5 * time.Second,
			GCQuarantine:    24 * time.Hour,
		},
		Vault: Vault{
			ArgonTime:    3,
			ArgonMemory:  64 * 1024,
			ArgonThreads: 4,
		},
		Storage: Storage{
			Driver:               "memory",
			BlobDriver:           "fs",
			BlobRoot:             "./data/blob",
			ExternalizeThreshold: 16 * 1024,
			Timeout:              10 * time.Second,
		},
	}
}

// Load reads path as YAML via koanf and overlays it onto Default().
// A missing file is not an error; callers that want strict behavior
// should stat the path themselves first.
func Load(path string) (Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, err
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return cfg, err
	}
	if err := k.Unmarshal("", &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
