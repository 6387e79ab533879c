package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Git        GitConfig        `yaml:"git" mapstructure:"git"`
	Registry   RegistryConfig   `yaml:"registry" mapstructure:"registry"`
	Sector     SectorConfig     `yaml:"sector" mapstructure:"sector"`
	Schedule   ScheduleConfig   `yaml:"schedule" mapstructure:"schedule"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the run history backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// PipelineConfig configures the stage sequence and its working files.
type PipelineConfig struct {
	RepoDir     string      `yaml:"repo_dir" mapstructure:"repo_dir"`
	Artifact    string      `yaml:"artifact" mapstructure:"artifact"`
	Dataset     string      `yaml:"dataset" mapstructure:"dataset"`
	Fetch       StageConfig `yaml:"fetch" mapstructure:"fetch"`
	Generate    StageConfig `yaml:"generate" mapstructure:"generate"`
	LockTTLMins int         `yaml:"lock_ttl_mins" mapstructure:"lock_ttl_mins"`
}

// StageConfig configures an external command stage. An empty Command selects
// the built-in implementation.
type StageConfig struct {
	Command     []string `yaml:"command" mapstructure:"command"`
	Env         []string `yaml:"env" mapstructure:"env"`
	TimeoutSecs int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// GitConfig configures the artifact commit and push.
type GitConfig struct {
	Remote      string `yaml:"remote" mapstructure:"remote"`
	Branch      string `yaml:"branch" mapstructure:"branch"`
	AuthorName  string `yaml:"author_name" mapstructure:"author_name"`
	AuthorEmail string `yaml:"author_email" mapstructure:"author_email"`
	Username    string `yaml:"username" mapstructure:"username"`
	Token       string `yaml:"token" mapstructure:"token"`
}

// RegistryConfig configures the container image publish.
type RegistryConfig struct {
	Host       string `yaml:"host" mapstructure:"host"`
	Repository string `yaml:"repository" mapstructure:"repository"`
	Image      string `yaml:"image" mapstructure:"image"`
	Username   string `yaml:"username" mapstructure:"username"`
	Token      string `yaml:"token" mapstructure:"token"`
	Dockerfile string `yaml:"dockerfile" mapstructure:"dockerfile"`
	Context    string `yaml:"context" mapstructure:"context"`
	DockerPath string `yaml:"docker_path" mapstructure:"docker_path"`
	Insecure   bool   `yaml:"insecure" mapstructure:"insecure"`
}

// ImageName returns the fully qualified image repository. An explicit image
// wins; otherwise it is derived from host and repository identity.
func (r RegistryConfig) ImageName() string {
	if r.Image != "" {
		return strings.ToLower(r.Image)
	}
	if r.Repository == "" {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(r.Host, "/") + "/" + r.Repository)
}

// SectorConfig configures the built-in sector fetcher and analyzer.
type SectorConfig struct {
	BaseURL           string   `yaml:"base_url" mapstructure:"base_url"`
	CookieURL         string   `yaml:"cookie_url" mapstructure:"cookie_url"`
	UserAgent         string   `yaml:"user_agent" mapstructure:"user_agent"`
	Sectors           []string `yaml:"sectors" mapstructure:"sectors"`
	MaxConcurrent     int      `yaml:"max_concurrent" mapstructure:"max_concurrent"`
	RequestIntervalMs int      `yaml:"request_interval_ms" mapstructure:"request_interval_ms"`
	SectorDelayMs     int      `yaml:"sector_delay_ms" mapstructure:"sector_delay_ms"`
	OutlierThreshold  float64  `yaml:"outlier_threshold" mapstructure:"outlier_threshold"`
}

// ScheduleConfig configures the weekly trigger.
type ScheduleConfig struct {
	Cron     string `yaml:"cron" mapstructure:"cron"`
	Timezone string `yaml:"timezone" mapstructure:"timezone"`
}

// ServerConfig configures the trigger/status HTTP server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	TriggerToken   string   `yaml:"trigger_token" mapstructure:"trigger_token"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures failure and staleness alerts.
type MonitoringConfig struct {
	WebhookURL          string `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs   int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int    `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	StaleAfterHours     int    `yaml:"stale_after_hours" mapstructure:"stale_after_hours"`
}

// TemporalConfig configures the Temporal worker and schedule.
type TemporalConfig struct {
	HostPort   string `yaml:"host_port" mapstructure:"host_port"`
	Namespace  string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue  string `yaml:"task_queue" mapstructure:"task_queue"`
	ScheduleID string `yaml:"schedule_id" mapstructure:"schedule_id"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DefaultSectors is the sector universe analyzed by the built-in fetcher.
var DefaultSectors = []string{
	"basic-materials",
	"communication-services",
	"consumer-cyclical",
	"consumer-defensive",
	"energy",
	"financial-services",
	"healthcare",
	"industrials",
	"real-estate",
	"technology",
	"utilities",
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// CI-provided identity and credentials.
	_ = v.BindEnv("registry.repository", "SECTOR_REGISTRY_REPOSITORY", "GITHUB_REPOSITORY")
	_ = v.BindEnv("registry.username", "SECTOR_REGISTRY_USERNAME", "GITHUB_ACTOR")
	_ = v.BindEnv("registry.token", "SECTOR_REGISTRY_TOKEN", "GITHUB_TOKEN")
	_ = v.BindEnv("git.token", "SECTOR_GIT_TOKEN", "GITHUB_TOKEN")

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "sector-refresh.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("pipeline.repo_dir", ".")
	v.SetDefault("pipeline.artifact", "sector_analysis.csv")
	v.SetDefault("pipeline.dataset", "data/sector_metrics.csv")
	v.SetDefault("pipeline.lock_ttl_mins", 360)
	v.SetDefault("git.remote", "origin")
	v.SetDefault("git.author_name", "github-actions[bot]")
	v.SetDefault("git.author_email", "41898282+github-actions[bot]@users.noreply.github.com")
	v.SetDefault("git.username", "x-access-token")
	v.SetDefault("registry.host", "ghcr.io")
	v.SetDefault("registry.dockerfile", "Dockerfile")
	v.SetDefault("registry.context", ".")
	v.SetDefault("registry.docker_path", "docker")
	v.SetDefault("sector.base_url", "https://query2.finance.yahoo.com")
	v.SetDefault("sector.cookie_url", "https://fc.yahoo.com")
	v.SetDefault("sector.user_agent", "Mozilla/5.0 (compatible; sector-refresh/1.0)")
	v.SetDefault("sector.sectors", DefaultSectors)
	v.SetDefault("sector.max_concurrent", 2)
	v.SetDefault("sector.request_interval_ms", 500)
	v.SetDefault("sector.sector_delay_ms", 1000)
	v.SetDefault("sector.outlier_threshold", 2.5)
	v.SetDefault("schedule.cron", "0 6 * * 1")
	v.SetDefault("schedule.timezone", "UTC")
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 168)
	v.SetDefault("monitoring.stale_after_hours", 192)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "sector-refresh")
	v.SetDefault("temporal.schedule_id", "sector-refresh-weekly")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the fields required by the given command mode
// ("run", "serve", "daemon", "worker", "schedule").
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "run", "daemon", "worker":
		errs = append(errs, c.validatePipeline()...)
	case "serve":
		errs = append(errs, c.validatePipeline()...)
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "schedule":
		if c.Temporal.HostPort == "" {
			errs = append(errs, "temporal.host_port is required")
		}
		if c.Schedule.Cron == "" {
			errs = append(errs, "schedule.cron is required")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validatePipeline() []string {
	var errs []string
	if c.Pipeline.Artifact == "" {
		errs = append(errs, "pipeline.artifact is required")
	}
	if c.Registry.ImageName() == "" {
		errs = append(errs, "registry.image or registry.repository is required")
	}
	if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
		errs = append(errs, "store.driver must be sqlite or postgres")
	}
	if c.Sector.MaxConcurrent < 1 || c.Sector.MaxConcurrent > 16 {
		errs = append(errs, "sector.max_concurrent must be between 1 and 16")
	}
	if c.Sector.OutlierThreshold <= 0 {
		errs = append(errs, "sector.outlier_threshold must be > 0")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
