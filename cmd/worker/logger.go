package main

import (
	"go.uber.org/zap"

	"github.com/fleetgauge/meter-quality-worker/internal/config"
	"github.com/fleetgauge/meter-quality-worker/internal/logging"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
