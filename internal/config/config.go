package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	SearchQuery  string   `yaml:"search_query" mapstructure:"search_query"`
	Pages        int      `yaml:"pages" mapstructure:"pages"`
	DownloadDir  string   `yaml:"download_dir" mapstructure:"download_dir"`
	ActiveAgents []string `yaml:"active_agents" mapstructure:"active_agents"`
	OnError      string   `yaml:"on_error" mapstructure:"on_error"`

	Scrape  ScrapeConfig  `yaml:"scrape" mapstructure:"scrape"`
	Catalog CatalogConfig `yaml:"catalog" mapstructure:"catalog"`
	Verify  VerifyConfig  `yaml:"verify" mapstructure:"verify"`
	Enhance EnhanceConfig `yaml:"enhance" mapstructure:"enhance"`
	Report  ReportConfig  `yaml:"report" mapstructure:"report"`
	RunLog  RunLogConfig  `yaml:"runlog" mapstructure:"runlog"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// ScrapeConfig configures search, page fetches, and asset downloads.
type ScrapeConfig struct {
	BaseURL           string  `yaml:"base_url" mapstructure:"base_url"`
	UserAgent         string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs       int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RequestsPerSecond float64 `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst             int     `yaml:"burst" mapstructure:"burst"`
	MaxRetries        int     `yaml:"max_retries" mapstructure:"max_retries"`
	Workers           int     `yaml:"workers" mapstructure:"workers"`
	ExtractArchives   bool    `yaml:"extract_archives" mapstructure:"extract_archives"`
}

// CatalogConfig configures the asset catalog file.
type CatalogConfig struct {
	Path         string `yaml:"path" mapstructure:"path"` // default: <download_dir>/asset_memory.json
	PersistEvery int    `yaml:"persist_every" mapstructure:"persist_every"`
}

// VerifyConfig configures the license verification pass.
type VerifyConfig struct {
	Workers int  `yaml:"workers" mapstructure:"workers"`
	Force   bool `yaml:"force" mapstructure:"force"` // ignore .verification.json caches
}

// EnhanceConfig configures the enhancement pass.
type EnhanceConfig struct {
	Method           string `yaml:"method" mapstructure:"method"`
	Scale            int    `yaml:"scale" mapstructure:"scale"`
	Workers          int    `yaml:"workers" mapstructure:"workers"`
	Force            bool   `yaml:"force" mapstructure:"force"`
	OutputDir        string `yaml:"output_dir" mapstructure:"output_dir"` // default: <download_dir>/enhanced
	FailureThreshold int    `yaml:"failure_threshold" mapstructure:"failure_threshold"`
}

// ReportConfig configures the license report and system log.
type ReportConfig struct {
	Dir        string   `yaml:"dir" mapstructure:"dir"`
	Formats    []string `yaml:"formats" mapstructure:"formats"`
	SampleSize int      `yaml:"sample_size" mapstructure:"sample_size"`
}

// RunLogConfig configures the SQLite run history.
type RunLogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the dashboard API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Error policies for the orchestrator.
const (
	OnErrorContinue = "continue"
	OnErrorAbort    = "abort"
)

// Report formats.
var reportFormats = []string{"md", "csv", "xlsx"}

// DefaultAgents is the pipeline run when active_agents is not configured.
var DefaultAgents = []string{"scrape", "tag", "verify", "enhance", "report", "syslog"}

// Load reads configuration from path (or ./config.yaml when empty), a .env
// file in the working directory, and RETROHD_* environment variables.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, eris.Wrapf(err, "config: %s", path)
		}
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("RETROHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("search_query", "pixel art")
	v.SetDefault("pages", 1)
	v.SetDefault("download_dir", "downloads")
	v.SetDefault("active_agents", DefaultAgents)
	v.SetDefault("on_error", OnErrorContinue)
	v.SetDefault("scrape.base_url", "https://opengameart.org")
	v.SetDefault("scrape.user_agent", "retrohd/1.0 (+https://github.com/openretro/retrohd)")
	v.SetDefault("scrape.timeout_secs", 30)
	v.SetDefault("scrape.requests_per_second", 2.0)
	v.SetDefault("scrape.burst", 2)
	v.SetDefault("scrape.max_retries", 3)
	v.SetDefault("scrape.workers", 5)
	v.SetDefault("scrape.extract_archives", true)
	v.SetDefault("catalog.path", "")
	v.SetDefault("catalog.persist_every", 1)
	v.SetDefault("verify.workers", 4)
	v.SetDefault("verify.force", false)
	v.SetDefault("enhance.method", "upscale")
	v.SetDefault("enhance.scale", 2)
	v.SetDefault("enhance.workers", 2)
	v.SetDefault("enhance.force", false)
	v.SetDefault("enhance.output_dir", "")
	v.SetDefault("enhance.failure_threshold", 5)
	v.SetDefault("report.dir", "reports")
	v.SetDefault("report.formats", reportFormats)
	v.SetDefault("report.sample_size", 10)
	v.SetDefault("runlog.path", "retrohd.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	// Older config files name the query default_search.
	if v.InConfig("default_search") && !v.InConfig("search_query") {
		v.SetDefault("search_query", v.GetString("default_search"))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

// Validate checks option ranges for a command mode ("run", "report", or
// "serve"). Agent identifiers are resolved separately against the agent
// registry.
func (c *Config) Validate(mode string) error {
	var problems []string
	switch mode {
	case "run", "report":
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}
	if strings.TrimSpace(c.SearchQuery) == "" {
		problems = append(problems, "search_query is empty")
	}
	if c.Pages < 1 {
		problems = append(problems, "pages must be >= 1")
	}
	if c.DownloadDir == "" {
		problems = append(problems, "download_dir is empty")
	}
	if c.OnError != OnErrorContinue && c.OnError != OnErrorAbort {
		problems = append(problems, `on_error must be "continue" or "abort"`)
	}
	if c.Scrape.Workers < 1 || c.Verify.Workers < 1 || c.Enhance.Workers < 1 {
		problems = append(problems, "workers must be >= 1")
	}
	if c.Scrape.RequestsPerSecond <= 0 {
		problems = append(problems, "scrape.requests_per_second must be > 0")
	}
	switch strings.ToLower(c.Enhance.Method) {
	case "upscale", "copy":
	default:
		problems = append(problems, `enhance.method must be "upscale" or "copy"`)
	}
	if c.Enhance.Scale < 2 || c.Enhance.Scale > 8 {
		problems = append(problems, "enhance.scale must be between 2 and 8")
	}
	for _, f := range c.Report.Formats {
		if !slices.Contains(reportFormats, strings.ToLower(f)) {
			problems = append(problems, "unknown report format "+f)
		}
	}
	if len(problems) > 0 {
		return eris.Errorf("config: invalid: %s", strings.Join(problems, "; "))
	}
	return nil
}

// CatalogPath returns the catalog file path.
func (c *Config) CatalogPath() string {
	if c.Catalog.Path != "" {
		return c.Catalog.Path
	}
	return filepath.Join(c.DownloadDir, "asset_memory.json")
}

// EnhancedDir returns the directory enhanced images are written to.
func (c *Config) EnhancedDir() string {
	if c.Enhance.OutputDir != "" {
		return c.Enhance.OutputDir
	}
	return filepath.Join(c.DownloadDir, "enhanced")
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
