package live

import (
	"fmt"
	"strings"
	"time"

	"github.com/gmcompanion/livesession/internal/platform/config"
)

// Config holds the live session service configuration.
type Config struct {
	Addr            string `env:"GMC_LISTEN_ADDR" envDefault:":8090"`
	DBPath          string `env:"GMC_DB_PATH" envDefault:"data/livesession.db"`
	JoinGrantSecret string `env:"GMC_JOIN_GRANT_SECRET"`

	PauseAfter     time.Duration `env:"GMC_PAUSE_AFTER" envDefault:"10m"`
	CloseAfter     time.Duration `env:"GMC_CLOSE_AFTER" envDefault:"60m"`
	ReconnectGrace time.Duration `env:"GMC_RECONNECT_GRACE" envDefault:"2m"`
	TeardownGrace  time.Duration `env:"GMC_TEARDOWN_GRACE" envDefault:"5s"`
	SweepInterval  time.Duration `env:"GMC_SWEEP_INTERVAL" envDefault:"15s"`

	RingSize        int           `env:"GMC_DELTA_RING_SIZE" envDefault:"512"`
	IngestQueueSize int           `env:"GMC_INGEST_QUEUE_SIZE" envDefault:"64"`
	ASRWorkers      int           `env:"GMC_ASR_WORKERS" envDefault:"4"`
	ASRMaxTries     uint          `env:"GMC_ASR_MAX_TRIES" envDefault:"4"`
	MergeHorizon    time.Duration `env:"GMC_MERGE_HORIZON" envDefault:"5s"`
	StatsInterval   time.Duration `env:"GMC_STATS_INTERVAL" envDefault:"1m"`

	SpeechProject  string `env:"GMC_SPEECH_PROJECT"`
	SpeechLocation string `env:"GMC_SPEECH_LOCATION" envDefault:"global"`
	SpeechLanguage string `env:"GMC_SPEECH_LANGUAGE" envDefault:"en-US"`
}

// LoadConfig parses the service configuration from environment variables.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := config.ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields the service cannot run without.
func (c Config) Validate() error {
	if strings.TrimSpace(c.JoinGrantSecret) == "" {
		return fmt.Errorf("GMC_JOIN_GRANT_SECRET is required")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("GMC_DB_PATH is required")
	}
	return nil
}
