package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	GSV        GSVConfig        `yaml:"gsv" mapstructure:"gsv"`
	Mapillary  MapillaryConfig  `yaml:"mapillary" mapstructure:"mapillary"`
	NetPool    NetPoolConfig    `yaml:"netpool" mapstructure:"netpool"`
	Input      InputConfig      `yaml:"input" mapstructure:"input"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" mapstructure:"checkpoint"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// GSVConfig configures the Google Street View provider.
type GSVConfig struct {
	APIKey       string `yaml:"api_key" mapstructure:"api_key"`
	SearchURL    string `yaml:"search_url" mapstructure:"search_url"`
	MetadataURL  string `yaml:"metadata_url" mapstructure:"metadata_url"`
	TileBaseURL  string `yaml:"tile_base_url" mapstructure:"tile_base_url"`
	SearchRadius int    `yaml:"search_radius_m" mapstructure:"search_radius_m"`
	HTiles       int    `yaml:"h_tiles" mapstructure:"h_tiles"`
	VTiles       int    `yaml:"v_tiles" mapstructure:"v_tiles"`
	Zoom         int    `yaml:"zoom" mapstructure:"zoom"`
	Cropped      bool   `yaml:"cropped" mapstructure:"cropped"`
	Full         bool   `yaml:"full" mapstructure:"full"`
}

// MapillaryConfig configures the Mapillary provider.
type MapillaryConfig struct {
	AccessToken    string `yaml:"access_token" mapstructure:"access_token"`
	GraphBaseURL   string `yaml:"graph_base_url" mapstructure:"graph_base_url"`
	SearchRadius   int    `yaml:"search_radius_m" mapstructure:"search_radius_m"`
	ThumbnailSize  string `yaml:"thumbnail_size" mapstructure:"thumbnail_size"` // e.g. "thumb_2048_url"
	CropTopHalf    bool   `yaml:"crop_top_half" mapstructure:"crop_top_half"`
	MaxWorkers     int    `yaml:"max_workers" mapstructure:"max_workers"`
}

// NetPoolConfig points at the static proxy/user-agent pool files.
type NetPoolConfig struct {
	ProxyFile     string `yaml:"proxy_file" mapstructure:"proxy_file"`
	UserAgentFile string `yaml:"user_agent_file" mapstructure:"user_agent_file"`
}

// InputConfig configures the Input Resolver.
type InputConfig struct {
	BufferMeters   float64 `yaml:"buffer_m" mapstructure:"buffer_m"`
	GridMeters     float64 `yaml:"grid_m" mapstructure:"grid_m"`
	NominatimURL   string  `yaml:"nominatim_url" mapstructure:"nominatim_url"`
	CacheDir       string  `yaml:"cache_dir" mapstructure:"cache_dir"`
}

// BatchConfig configures batch processing across all stages.
type BatchConfig struct {
	Size             int `yaml:"size" mapstructure:"size"`
	MaxConcurrency   int `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	RetrySweepRounds int `yaml:"retry_sweep_rounds" mapstructure:"retry_sweep_rounds"`
}

// RetryConfig configures the Rate/Retry Controller's backoff behavior.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the per-host circuit breaker.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// CheckpointConfig configures the Checkpoint Store.
type CheckpointConfig struct {
	RootDir string `yaml:"root_dir" mapstructure:"root_dir"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Validate checks required configuration fields based on the provider
// being run: "gsv" or "mly".
func (c *Config) Validate(provider string) error {
	var errs []string

	switch provider {
	case "gsv":
		if c.GSV.HTiles < 1 || c.GSV.VTiles < 1 {
			errs = append(errs, "gsv.h_tiles and gsv.v_tiles must be >= 1")
		}
	case "mly":
		if c.Mapillary.AccessToken == "" {
			errs = append(errs, "mapillary.access_token is required")
		}
		if c.Mapillary.MaxWorkers < 1 {
			errs = append(errs, "mapillary.max_workers must be >= 1")
		}
	default:
		return eris.Errorf("config: unknown provider %q", provider)
	}

	if c.Batch.Size < 1 {
		errs = append(errs, "batch.size must be >= 1")
	}
	if c.Batch.MaxConcurrency < 1 || c.Batch.MaxConcurrency > 200 {
		errs = append(errs, "batch.max_concurrency must be between 1 and 200")
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry.max_attempts must be >= 1")
	}

	if len(errs) > 0 {
		return eris.New(fmt.Sprintf("config: validation failed: %s", strings.Join(errs, "; ")))
	}
	return nil
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SVI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Every key needs one (even an empty one) so AutomaticEnv
	// picks up its SVI_* override on Unmarshal.
	v.SetDefault("gsv.api_key", "")
	v.SetDefault("gsv.search_url", "https://maps.googleapis.com/maps/api/js/GeoPhotoService.SingleImageSearch")
	v.SetDefault("gsv.metadata_url", "https://maps.googleapis.com/maps/api/streetview/metadata")
	v.SetDefault("gsv.tile_base_url", "https://streetviewpixels-pa.googleapis.com/v1/tile")
	v.SetDefault("gsv.search_radius_m", 50)
	v.SetDefault("gsv.h_tiles", 4)
	v.SetDefault("gsv.v_tiles", 2)
	v.SetDefault("gsv.zoom", 2)
	v.SetDefault("gsv.cropped", false)
	v.SetDefault("gsv.full", true)

	v.SetDefault("mapillary.access_token", "")
	v.SetDefault("mapillary.graph_base_url", "https://graph.mapillary.com")
	v.SetDefault("mapillary.search_radius_m", 50)
	v.SetDefault("mapillary.thumbnail_size", "thumb_2048_url")
	v.SetDefault("mapillary.crop_top_half", false)
	v.SetDefault("mapillary.max_workers", 10)

	v.SetDefault("netpool.proxy_file", "")
	v.SetDefault("netpool.user_agent_file", "")

	v.SetDefault("input.buffer_m", 0.0)
	v.SetDefault("input.grid_m", 0.0)
	v.SetDefault("input.nominatim_url", "https://nominatim.openstreetmap.org/search")
	v.SetDefault("input.cache_dir", "cache")

	v.SetDefault("batch.size", 1000)
	v.SetDefault("batch.max_concurrency", 20)
	v.SetDefault("batch.retry_sweep_rounds", 1)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)

	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)

	v.SetDefault("checkpoint.root_dir", "cache")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

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
