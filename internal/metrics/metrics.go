package metrics

import (
	"time"

	"github.com/DataDog/datadog-go/v5/statsd"
	"github.com/kennethnrk/sqlml/internal/config"
	"github.com/rs/zerolog/log"
)

var (
	// It is safe to use one Client from multiple goroutines simultaneously
	statsDClient statsd.ClientInterface = &statsd.NoOpClient{}

	samplingRate = 1.0
)

// Init points the package client at the configured telegraf agent. Failure to
// reach the agent leaves metrics disabled rather than failing startup.
func Init(cfg *config.Configs) {
	addr := cfg.TelegrafHost + ":" + cfg.TelegrafPort
	client, err := statsd.New(addr, statsd.WithTags([]string{
		"env:" + cfg.ApplicationEnv,
		"service:" + cfg.ApplicationName,
	}))
	if err != nil {
		log.Error().Err(err).Str("address", addr).Msg("StatsD client initialization failed, metrics will be unavailable")
		return
	}
	statsDClient = client
	if cfg.MetricsSamplingRate > 0 {
		samplingRate = cfg.MetricsSamplingRate
	}
	log.Info().Str("address", addr).Float64("samplingRate", samplingRate).Msg("Metrics client initialized")
}

func Timing(name string, value time.Duration, tags []string) {
	if err := statsDClient.Timing(name, value, tags, samplingRate); err != nil {
		log.Warn().Err(err).Msg("Error occurred while doing statsd timing")
	}
}

func Count(name string, value int64, tags []string) {
	if err := statsDClient.Count(name, value, tags, samplingRate); err != nil {
		log.Warn().Err(err).Msg("Error occurred while doing statsd count")
	}
}

func Incr(name string, tags []string) {
	Count(name, 1, tags)
}

func BuildTag(key, value string) string {
	return key + ":" + value
}
