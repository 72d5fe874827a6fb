// Package config loads metapub settings from metapub.yaml, METAPUB_*
// environment variables and built-in defaults, in increasing order of
// precedence: defaults < file < env.
//
// A fresh viper instance is used for every Load so concurrent loads (and
// tests) never share state. The returned Config is a plain value; callers
// that need different settings load again.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/neurosynth/metapub/internal/logging"
)

// FileName is the config file looked up in the working directory and the
// user config dir when no explicit path is given.
const FileName = "metapub"

// EnvPrefix prefixes every environment override, e.g. METAPUB_STORE_DRIVER.
const EnvPrefix = "METAPUB"

// ErrMissingCredential is returned when a capability needs a token that was
// not configured.
var ErrMissingCredential = errors.New("missing credential")

// ErrInvalid is returned for settings outside their allowed range.
var ErrInvalid = errors.New("invalid configuration")

// Config is the resolved configuration.
type Config struct {
	Store        StoreConfig
	NATS         NATSConfig
	ImageArchive ArchiveConfig
	StudyArchive ArchiveConfig
	Publish      PublishConfig
	Worker       WorkerConfig
	Watch        WatchConfig
	Log          LogConfig
	Telemetry    TelemetryConfig

	// File is the config file that was read, empty when none was found.
	File string
}

type StoreConfig struct {
	Driver string // sqlite or mysql
	Path   string
	DSN    string
}

type NATSConfig struct {
	URL      string // external server; empty means embedded
	Embedded bool
	Host     string
	Port     int
	StoreDir string
	Token    string
}

type ArchiveConfig struct {
	URL     string
	Token   string
	Timeout time.Duration
}

type PublishConfig struct {
	CollectionNameMaxLen  int
	CollectionMaxAttempts int
	Modality              string
	AnalysisLevel         string
	CognitiveParadigm     string
	NSubjects             int
}

type WorkerConfig struct {
	Concurrency int
}

type WatchConfig struct {
	Debounce time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

type TelemetryConfig struct {
	Enabled      bool
	Stdout       bool
	OTLPEndpoint string
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", filepath.Join(".metapub", "metapub.db"))
	v.SetDefault("store.dsn", "")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.embedded", true)
	v.SetDefault("nats.host", "127.0.0.1")
	v.SetDefault("nats.port", 4222)
	v.SetDefault("nats.store_dir", filepath.Join(".metapub", "nats"))
	v.SetDefault("nats.token", "")

	v.SetDefault("image_archive.url", "https://neurovault.org")
	v.SetDefault("image_archive.token", "")
	v.SetDefault("image_archive.timeout", 2*time.Minute)
	v.SetDefault("study_archive.url", "https://neurostore.org")
	v.SetDefault("study_archive.token", "")
	v.SetDefault("study_archive.timeout", 2*time.Minute)

	v.SetDefault("publish.collection_name_max_len", 200)
	v.SetDefault("publish.collection_max_attempts", 10)
	v.SetDefault("publish.modality", "fMRI-BOLD")
	v.SetDefault("publish.analysis_level", "meta-analysis")
	v.SetDefault("publish.cognitive_paradigm", "")
	v.SetDefault("publish.n_subjects", 0)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("watch.debounce", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", logging.FormatAuto)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.stdout", false)
	v.SetDefault("telemetry.otlp_endpoint", "")
}

// Load reads configuration. With an empty path, metapub.yaml is looked up in
// the working directory and then $XDG_CONFIG_HOME/metapub; a missing file is
// not an error. An explicit path must exist.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "metapub"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Config{
		File: v.ConfigFileUsed(),
		Store: StoreConfig{
			Driver: strings.ToLower(v.GetString("store.driver")),
			Path:   v.GetString("store.path"),
			DSN:    v.GetString("store.dsn"),
		},
		NATS: NATSConfig{
			URL:      v.GetString("nats.url"),
			Embedded: v.GetBool("nats.embedded"),
			Host:     v.GetString("nats.host"),
			Port:     v.GetInt("nats.port"),
			StoreDir: v.GetString("nats.store_dir"),
			Token:    v.GetString("nats.token"),
		},
		ImageArchive: ArchiveConfig{
			URL:     v.GetString("image_archive.url"),
			Token:   v.GetString("image_archive.token"),
			Timeout: v.GetDuration("image_archive.timeout"),
		},
		StudyArchive: ArchiveConfig{
			URL:     v.GetString("study_archive.url"),
			Token:   v.GetString("study_archive.token"),
			Timeout: v.GetDuration("study_archive.timeout"),
		},
		Publish: PublishConfig{
			CollectionNameMaxLen:  v.GetInt("publish.collection_name_max_len"),
			CollectionMaxAttempts: v.GetInt("publish.collection_max_attempts"),
			Modality:              v.GetString("publish.modality"),
			AnalysisLevel:         v.GetString("publish.analysis_level"),
			CognitiveParadigm:     v.GetString("publish.cognitive_paradigm"),
			NSubjects:             v.GetInt("publish.n_subjects"),
		},
		Worker: WorkerConfig{Concurrency: v.GetInt("worker.concurrency")},
		Watch:  WatchConfig{Debounce: v.GetDuration("watch.debounce")},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      v.GetBool("telemetry.enabled"),
			Stdout:       v.GetBool("telemetry.stdout"),
			OTLPEndpoint: v.GetString("telemetry.otlp_endpoint"),
		},
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store.path is required for sqlite", ErrInvalid)
		}
	case "mysql":
		if c.Store.DSN == "" {
			return fmt.Errorf("%w: store.dsn is required for mysql", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: store.driver %q (want sqlite or mysql)", ErrInvalid, c.Store.Driver)
	}
	if c.Publish.CollectionNameMaxLen < 40 {
		return fmt.Errorf("%w: publish.collection_name_max_len must be at least 40", ErrInvalid)
	}
	if c.Publish.CollectionMaxAttempts < 1 {
		return fmt.Errorf("%w: publish.collection_max_attempts must be positive", ErrInvalid)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("%w: worker.concurrency must be positive", ErrInvalid)
	}
	if c.Watch.Debounce < 0 {
		return fmt.Errorf("%w: watch.debounce must not be negative", ErrInvalid)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case logging.FormatAuto, logging.FormatText, logging.FormatJSON:
	default:
		return fmt.Errorf("%w: log.format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

// UseEmbeddedNATS reports whether the worker should start its own broker.
func (c Config) UseEmbeddedNATS() bool {
	return c.NATS.URL == "" && c.NATS.Embedded
}

// RequireImageArchive checks the image archive can be written to.
func (c Config) RequireImageArchive() error {
	if c.ImageArchive.Token == "" {
		return fmt.Errorf("%w: image_archive.token (or %s_IMAGE_ARCHIVE_TOKEN)", ErrMissingCredential, EnvPrefix)
	}
	return nil
}

// RequireStudyArchive checks the study archive can be written to.
func (c Config) RequireStudyArchive() error {
	if c.StudyArchive.Token == "" {
		return fmt.Errorf("%w: study_archive.token (or %s_STUDY_ARCHIVE_TOKEN)", ErrMissingCredential, EnvPrefix)
	}
	return nil
}
