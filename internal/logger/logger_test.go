package logger

import (
	"testing"

	"github.com/kennethnrk/sqlml/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestInitSetsLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg := config.Default()
	cfg.ApplicationLogLevel = "warn"
	Init(cfg)
	assert.Equal(t, zerolog.WarnLevel, zerolog.GlobalLevel())
}

func TestInitPanicsOnUnknownLevel(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg := config.Default()
	cfg.ApplicationLogLevel = "chatty"
	assert.Panics(t, func() { Init(cfg) })
}
