package config

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/viper"
)

type Configs struct {
	ApplicationEnv      string `mapstructure:"app_env"`
	ApplicationLogLevel string `mapstructure:"app_log_level"`
	ApplicationName     string `mapstructure:"app_name"`

	StoreDataDir string `mapstructure:"store_data_dir"`

	RegistryGrpcAddr       string `mapstructure:"registry_grpc_addr"`
	RegistryCacheSize      int64  `mapstructure:"registry_cache_size"`
	RegistryCacheTTLSecond int64  `mapstructure:"registry_cache_ttl_sec"`

	ArtifactCacheDir       string `mapstructure:"artifact_cache_dir"`
	ArtifactHTTPTimeoutSec int64  `mapstructure:"artifact_http_timeout_sec"`
	OnnxRuntimeLibraryPath string `mapstructure:"onnxruntime_library_path"`
	DefaultDevice          string `mapstructure:"default_device"`
	DefaultBatchSize       int    `mapstructure:"default_batch_size"`

	S3Region string `mapstructure:"s3_region"`

	//telegraf-config
	MetricsSamplingRate float64 `mapstructure:"metrics_sampling_rate"`
	TelegrafHost        string  `mapstructure:"telegraf_host"`
	TelegrafPort        string  `mapstructure:"telegraf_port"`
}

var defaults = map[string]any{
	"app_env":                   "local",
	"app_log_level":             "INFO",
	"app_name":                  "sqlml",
	"store_data_dir":            filepath.Join(".", "data", "sqlml-store"),
	"registry_grpc_addr":        "localhost:50051",
	"registry_cache_size":       1024,
	"registry_cache_ttl_sec":    30,
	"artifact_cache_dir":        filepath.Join(".", "data", "artifacts"),
	"artifact_http_timeout_sec": 600,
	"onnxruntime_library_path":  "",
	"default_device":            "cpu",
	"default_batch_size":        32,
	"s3_region":                 "us-east-1",
	"metrics_sampling_rate":     1.0,
	"telegraf_host":             "localhost",
	"telegraf_port":             "8125",
}

// Load reads configuration from the optional YAML file and the environment.
// Environment variables are the upper-cased keys (APP_LOG_LEVEL, STORE_DATA_DIR, ...)
// and override the file.
func Load(configFile string) (*Configs, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	bindEnvVars(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	cfg := &Configs{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.DefaultBatchSize <= 0 {
		return nil, fmt.Errorf("default_batch_size must be positive, got %d", cfg.DefaultBatchSize)
	}
	return cfg, nil
}

// Default returns the built-in configuration without consulting env or files.
func Default() *Configs {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	cfg := &Configs{}
	_ = v.Unmarshal(cfg)
	return cfg
}

func bindEnvVars(v *viper.Viper) {
	v.BindEnv("app_env", "APP_ENV")
	v.BindEnv("app_log_level", "APP_LOG_LEVEL")
	v.BindEnv("app_name", "APP_NAME")

	v.BindEnv("store_data_dir", "STORE_DATA_DIR")

	v.BindEnv("registry_grpc_addr", "REGISTRY_GRPC_ADDR")
	v.BindEnv("registry_cache_size", "REGISTRY_CACHE_SIZE")
	v.BindEnv("registry_cache_ttl_sec", "REGISTRY_CACHE_TTL_SEC")

	v.BindEnv("artifact_cache_dir", "ARTIFACT_CACHE_DIR")
	v.BindEnv("artifact_http_timeout_sec", "ARTIFACT_HTTP_TIMEOUT_SEC")
	v.BindEnv("onnxruntime_library_path", "ONNXRUNTIME_LIBRARY_PATH")
	v.BindEnv("default_device", "DEFAULT_DEVICE")
	v.BindEnv("default_batch_size", "DEFAULT_BATCH_SIZE")

	v.BindEnv("s3_region", "S3_REGION", "AWS_REGION")

	v.BindEnv("metrics_sampling_rate", "METRICS_SAMPLING_RATE")
	v.BindEnv("telegraf_host", "TELEGRAF_HOST")
	v.BindEnv("telegraf_port", "TELEGRAF_PORT")
}
