// Package config defines the immutable store configuration. Config is built once per logical
// store with New (or loaded from yaml with Load) and passed by value, two configs with the same
// file location or in-memory identifier address the same store.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"

	"github.com/umputun/objstore/app/engine"
)

// Extension is the canonical store file extension
const Extension = ".db"

// DefaultFilename is used when Filename is empty
const DefaultFilename = "default" + Extension

// Config describes a store. Objects and Migration are code, everything else can come from yaml.
type Config struct {
	DeleteIfMigrationNeeded bool
	EncryptionKey           []byte
	Filename                string
	FilesizeToCompact       *int // MiB, nil disables compaction
	InMemoryIdentifier      string
	Migration               engine.MigrationFunc
	Objects                 []engine.Object
	ReadOnly                bool
	SchemaVersion           uint64
	Dir                     string // base directory of the store file, DefaultDir() if empty
	BusyRetries             int
}

// Option modifies config in New
type Option func(c *Config)

// Default returns config with defaults, without registered types
func Default() Config {
	return Config{Dir: DefaultDir(), BusyRetries: 3}
}

// New makes config from defaults and options
func New(opts ...Option) Config {
	c := Default()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithDeleteIfMigrationNeeded sets recreation of the store on incompatible schema
func WithDeleteIfMigrationNeeded(v bool) Option {
	return func(c *Config) { c.DeleteIfMigrationNeeded = v }
}

// WithEncryptionKey sets 64-byte encryption key
func WithEncryptionKey(key []byte) Option {
	return func(c *Config) { c.EncryptionKey = append([]byte(nil), key...) }
}

// WithFilename sets store file name, Extension is appended if missing
func WithFilename(name string) Option {
	return func(c *Config) { c.Filename = name }
}

// WithFilesizeToCompact enables compaction of stores larger than mib
func WithFilesizeToCompact(mib int) Option {
	return func(c *Config) { c.FilesizeToCompact = &mib }
}

// WithInMemoryIdentifier makes the store in-memory
func WithInMemoryIdentifier(id string) Option {
	return func(c *Config) { c.InMemoryIdentifier = id }
}

// WithMigration sets migration routine
func WithMigration(fn engine.MigrationFunc) Option {
	return func(c *Config) { c.Migration = fn }
}

// WithObjects sets the closed list of persisted types
func WithObjects(objs ...engine.Object) Option {
	return func(c *Config) { c.Objects = append([]engine.Object(nil), objs...) }
}

// WithReadOnly opens the store read-only
func WithReadOnly(v bool) Option {
	return func(c *Config) { c.ReadOnly = v }
}

// WithSchemaVersion sets schema version
func WithSchemaVersion(v uint64) Option {
	return func(c *Config) { c.SchemaVersion = v }
}

// WithDir sets base directory of the store file
func WithDir(dir string) Option {
	return func(c *Config) { c.Dir = dir }
}

// WithBusyRetries sets attempts to begin a write transaction
func WithBusyRetries(n int) Option {
	return func(c *Config) { c.BusyRetries = n }
}

// Validate checks config consistency
func (c Config) Validate() error {
	if len(c.Objects) == 0 {
		return fmt.Errorf("no object types")
	}
	if len(c.EncryptionKey) > 0 && len(c.EncryptionKey) != engine.KeySize {
		return fmt.Errorf("encryption key must be %d bytes, got %d", engine.KeySize, len(c.EncryptionKey))
	}
	if c.FilesizeToCompact != nil && *c.FilesizeToCompact < 0 {
		return fmt.Errorf("negative filesize to compact %d", *c.FilesizeToCompact)
	}
	if c.ReadOnly && c.InMemoryIdentifier != "" {
		return fmt.Errorf("in-memory store can't be read-only")
	}
	return nil
}

// FileName returns the store file name with the canonical extension
func (c Config) FileName() string {
	if c.Filename == "" {
		return DefaultFilename
	}
	if strings.Contains(c.Filename, Extension) {
		return c.Filename
	}
	return c.Filename + Extension
}

// Path returns location of the store file, empty for in-memory stores
func (c Config) Path() string {
	if c.InMemoryIdentifier != "" {
		return ""
	}
	dir := c.Dir
	if dir == "" {
		dir = DefaultDir()
	}
	return filepath.Join(dir, c.FileName())
}

// Identity returns the string addressing the store, the same for configs of the same store.
// File stores are addressed by absolute path, matching the engine sharing key.
func (c Config) Identity() string {
	if c.InMemoryIdentifier != "" {
		return "memory:" + c.InMemoryIdentifier
	}
	path := c.Path()
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return "file:" + path
}

// CompactPredicate returns compaction predicate, nil if compaction disabled. A store is compacted
// when it is larger than FilesizeToCompact MiB and less than half of it is used.
func (c Config) CompactPredicate() func(totalBytes, usedBytes int64) bool {
	if c.FilesizeToCompact == nil {
		return nil
	}
	limit := int64(*c.FilesizeToCompact) * 1024 * 1024
	return func(totalBytes, usedBytes int64) bool {
		return totalBytes > limit && float64(usedBytes)/float64(totalBytes) < 0.5
	}
}

// DefaultDir returns platform default directory for store files
func DefaultDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "objstore")
	}
	return filepath.Join(os.TempDir(), "objstore")
}

// File is the yaml representation of Config
type File struct {
	DeleteIfMigrationNeeded bool   `yaml:"delete_if_migration_needed" json:"delete_if_migration_needed,omitempty" jsonschema:"description=delete and recreate the store on incompatible schema"`
	EncryptionKey           string `yaml:"encryption_key" json:"encryption_key,omitempty" jsonschema:"description=hex encoded 64-byte encryption key,pattern=^([0-9a-fA-F]{128})?$"`
	Filename                string `yaml:"filename" json:"filename,omitempty" jsonschema:"description=store file name"`
	FilesizeToCompact       *int   `yaml:"filesize_to_compact" json:"filesize_to_compact,omitempty" jsonschema:"description=compact store larger than this many MiB,minimum=0"`
	InMemoryIdentifier      string `yaml:"in_memory_identifier" json:"in_memory_identifier,omitempty" jsonschema:"description=identifier of in-memory store"`
	ReadOnly                bool   `yaml:"read_only" json:"read_only,omitempty" jsonschema:"description=open store read-only"`
	SchemaVersion           uint64 `yaml:"schema_version" json:"schema_version,omitempty" jsonschema:"description=schema version"`
	Dir                     string `yaml:"dir" json:"dir,omitempty" jsonschema:"description=base directory of the store file"`
	BusyRetries             int    `yaml:"busy_retries" json:"busy_retries,omitempty" jsonschema:"description=attempts to begin a write transaction,minimum=1"`
}

// Schema generates json schema of the yaml config file
func Schema() *jsonschema.Schema {
	return jsonschema.Reflect(&File{})
}

// Load reads yaml config file and makes Config with the given types
func Load(path string, objects ...engine.Object) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // config path from the caller
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return Parse(data, objects...)
}

// Parse makes Config from yaml data and the given types
func Parse(data []byte, objects ...engine.Object) (Config, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	opts := []Option{
		WithDeleteIfMigrationNeeded(f.DeleteIfMigrationNeeded),
		WithFilename(f.Filename),
		WithInMemoryIdentifier(f.InMemoryIdentifier),
		WithReadOnly(f.ReadOnly),
		WithSchemaVersion(f.SchemaVersion),
		WithObjects(objects...),
	}
	if f.EncryptionKey != "" {
		key, err := hex.DecodeString(f.EncryptionKey)
		if err != nil {
			return Config{}, fmt.Errorf("invalid encryption key: %w", err)
		}
		opts = append(opts, WithEncryptionKey(key))
	}
	if f.FilesizeToCompact != nil {
		opts = append(opts, WithFilesizeToCompact(*f.FilesizeToCompact))
	}
	if f.Dir != "" {
		opts = append(opts, WithDir(f.Dir))
	}
	if f.BusyRetries > 0 {
		opts = append(opts, WithBusyRetries(f.BusyRetries))
	}

	c := New(opts...)
	if err := c.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}
