package main

import (
	"github.com/septivank/electricity-meter-portal/internal/config"
	"github.com/septivank/electricity-meter-portal/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
}
