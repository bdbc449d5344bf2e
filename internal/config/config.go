package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Config is the full program configuration, assembled from defaults, an
// optional yaml file, DECKSTUDY_* environment variables and command-line
// flags, in that order of precedence.
type Config struct {
	Storage StorageConfig `koanf:"storage"`
	Import  ImportConfig  `koanf:"import"`
	Study   StudyConfig   `koanf:"study"`
	Source  SourceConfig  `koanf:"source"`
}

type StorageConfig struct {
	// Backend selects the engine: "native" writes a database file,
	// "memory" keeps the database in memory and snapshots it to
	// SnapshotPath.
	Backend      string        `koanf:"backend" validate:"oneof=native memory"`
	Path         string        `koanf:"path" validate:"required"`
	SnapshotPath string        `koanf:"snapshot_path" validate:"required_if=Backend memory"`
	Debounce     time.Duration `koanf:"debounce" validate:"min=0"`
	InitTimeout  time.Duration `koanf:"init_timeout" validate:"min=1s"`
}

type ImportConfig struct {
	MediaDir    string `koanf:"media_dir" validate:"required"`
	OnDuplicate string `koanf:"on_duplicate" validate:"oneof=insert upsert"`
	Orphans     string `koanf:"orphan_policy" validate:"oneof=fallback skip"`
}

type StudyConfig struct {
	Limit int `koanf:"limit" validate:"min=1"`
}

type SourceConfig struct {
	ReposDir string `koanf:"repos_dir" validate:"required"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			Backend:      "native",
			Path:         "deckstudy.db",
			SnapshotPath: "deckstudy.snapshot",
			Debounce:     time.Second,
			InitTimeout:  10 * time.Second,
		},
		Import: ImportConfig{
			MediaDir:    "media",
			OnDuplicate: "upsert",
			Orphans:     "fallback",
		},
		Study: StudyConfig{
			Limit: 20,
		},
		Source: SourceConfig{
			ReposDir: "repos",
		},
	}
}

// RegisterFlags declares one flag per configuration key, seeded with the
// defaults, so posflag loading and `--help` stay in sync with Default().
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.String("storage.backend", d.Storage.Backend, "storage backend: native or memory")
	fs.String("storage.path", d.Storage.Path, "database file path (native backend)")
	fs.String("storage.snapshot_path", d.Storage.SnapshotPath, "snapshot blob store path (memory backend)")
	fs.Duration("storage.debounce", d.Storage.Debounce, "idle window before a snapshot save")
	fs.Duration("storage.init_timeout", d.Storage.InitTimeout, "memory backend startup deadline")
	fs.String("import.media_dir", d.Import.MediaDir, "directory for extracted media files")
	fs.String("import.on_duplicate", d.Import.OnDuplicate, "re-imported card policy: insert or upsert")
	fs.String("import.orphan_policy", d.Import.Orphans, "unmapped-deck card policy: fallback or skip")
	fs.Int("study.limit", d.Study.Limit, "session queue size")
	fs.String("source.repos_dir", d.Source.ReposDir, "checkout directory for git package sources")
}

// Load layers the configuration sources on top of the defaults and
// validates the result. path may be empty; a missing file at an explicit
// path is an error.
func Load(path string, flags *pflag.FlagSet) (Config, error) {
	k := koanf.New(".")

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// DECKSTUDY_STORAGE__BACKEND=memory → storage.backend.
	err := k.Load(env.Provider("DECKSTUDY_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "DECKSTUDY_")), "__", ".")
	}), nil)
	if err != nil {
		return Config{}, fmt.Errorf("load environment: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return Config{}, fmt.Errorf("load flags: %w", err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
