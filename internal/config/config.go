// Package config reads and writes docsync's TOML configuration, following
// the same tagged-union-by-Type pattern and Manager/Init/ReadFromFile
// layout the backup tool this grew out of used for its own config.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config is docsync's top-level configuration.
type Config struct {
	HostID      string              `toml:"host_id"`
	BaseDir     string              `toml:"base_dir"`
	LogDir      string              `toml:"log_dir"`
	Store       StoreConfig         `toml:"store"`
	BlobStore   BlobStoreConfig     `toml:"blob_store"`
	QueryEngine QueryEngineConfig   `toml:"query_engine"`
	Encryption  EncryptionConfig    `toml:"encryption"`
	Replication []ReplicationConfig `toml:"replication"`
}

// EncryptionConfig holds paths to the age key pair used to encrypt
// attachment blobs at rest. Leaving Type empty disables encryption.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "" (disabled) or "age"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// StoreConfig configures the Revision Tree Engine's backing database.
// This uses a tagged union pattern - the Type field determines which other
// fields are relevant.
type StoreConfig struct {
	Type    string `toml:"type"` // "sqlite" (only implementation today)
	DataDir string `toml:"data_dir,omitempty"`
}

// BlobStoreConfig configures where attachment content is stored. App always
// opens the blob store on the OS filesystem under Root; Type is recorded but
// not consulted.
type BlobStoreConfig struct {
	Type string `toml:"type"` // "filesystem"
	Root string `toml:"root,omitempty"`
}

// QueryEngineConfig configures the ad-hoc query engine's own extension
// database.
type QueryEngineConfig struct {
	Enabled bool   `toml:"enabled"`
	DataDir string `toml:"data_dir,omitempty"`
}

// ReplicationConfig describes one configured pull or push replication.
// This uses a tagged union pattern - the Type field determines which other
// fields are relevant.
type ReplicationConfig struct {
	Name      string   `toml:"name"`
	Type      string   `toml:"type"` // "pull" or "push"
	RemoteURL string   `toml:"remote_url"`
	DocIDs    []string `toml:"doc_ids,omitempty"`

	// ChangeLimitPerBatch is how many _changes (pull) or local change
	// feed (push) rows to request per round trip. Zero means the
	// replication engine's own default.
	ChangeLimitPerBatch int `toml:"change_limit_per_batch,omitempty"`
	// InsertBatchSize is how many revisions a pull's bulk_get/open_revs
	// round trip, or a push's _bulk_docs call, carries at once. Zero
	// means the replication engine's own default.
	InsertBatchSize int `toml:"insert_batch_size,omitempty"`
	// PullAttachmentsInline, when true, has a pull request attachment
	// bytes inlined as base64 in the document body instead of streaming
	// only the ones the local store doesn't already hold.
	PullAttachmentsInline bool `toml:"pull_attachments_inline,omitempty"`
	// NumberOfReplays caps how many times the transport retries a
	// request that failed with a network error or a 429/5xx response.
	// Zero means 3.
	NumberOfReplays int `toml:"number_of_replays,omitempty"`
	// InitialBackoffMillis seeds the transport's exponential backoff
	// policy. Zero means the policy's own default initial interval.
	InitialBackoffMillis int `toml:"initial_backoff_millis,omitempty"`
	// PreferRetryAfter has the transport wait for (at least) a 429/5xx
	// response's Retry-After header instead of only the computed
	// backoff interval.
	PreferRetryAfter bool `toml:"prefer_retry_after,omitempty"`
}

// NewConfig creates a new Config with the provided values and default key
// and data paths rooted at baseDir.
func NewConfig(hostID, baseDir string) *Config {
	return &Config{
		HostID:  hostID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Store: StoreConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "store"),
		},
		BlobStore: BlobStoreConfig{
			Type: "filesystem",
			Root: filepath.Join(baseDir, "blobs"),
		},
		QueryEngine: QueryEngineConfig{
			Enabled: true,
			DataDir: filepath.Join(baseDir, "query"),
		},
		Encryption: EncryptionConfig{
			PublicKeyPath:  filepath.Join(baseDir, "keys", "docsync.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "docsync.key"),
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the
// provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}

// Save overwrites an existing config file at path, the way a command that
// turns on attachment encryption after init persists the change.
func Save(path string, cfg *Config) error {
	return writeToFile(path, cfg)
}
