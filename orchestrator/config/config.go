package config

import (
	"context"

	"github.com/sethvargo/go-envconfig"
)

type Server struct {
	ListenAddr string `env:"LISTEN_ADDR, default=0.0.0.0:6585"`
	DBPath     string `env:"DB_PATH, default=treadle.db"`
	Dev        bool   `env:"DEV, default=false"`
}

type Pipelines struct {
	Workers      int    `env:"WORKERS, default=4"`
	QueueSize    int    `env:"QUEUE_SIZE, default=100"`
	JobTimeout   string `env:"JOB_TIMEOUT, default=30m"`
	LogDir       string `env:"LOG_DIR, default=/var/log/treadle"`
	CacheDir     string `env:"CACHE_DIR, default=/var/cache/treadle"`
	WorkspaceDir string `env:"WORKSPACE_DIR, default=/var/lib/treadle/workspaces"`
	SourceDir    string `env:"SOURCE_DIR, default=."`
}

// Registry carries deploy credentials explicitly; nothing is pulled
// from ambient process state. A missing credential pair either skips
// registry login or fails the deploy job, depending on
// RequireCredentials.
type Registry struct {
	URL                string `env:"URL, default=docker.io"`
	Username           string `env:"USERNAME"`
	Password           string `env:"PASSWORD"`
	ReleaseTagPattern  string `env:"RELEASE_TAG_PATTERN, default=^v\\d+\\.\\d+\\.\\d+$"`
	RequireCredentials bool   `env:"REQUIRE_CREDENTIALS, default=false"`
}

type Config struct {
	Server    Server    `env:",prefix=TREADLE_SERVER_"`
	Pipelines Pipelines `env:",prefix=TREADLE_PIPELINES_"`
	Registry  Registry  `env:",prefix=TREADLE_REGISTRY_"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	err := envconfig.Process(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
