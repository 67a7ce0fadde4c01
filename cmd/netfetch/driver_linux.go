//go:build linux

package main

import (
	"log/slog"

	"github.com/emberos/netcore/internal/config"
	"github.com/emberos/netcore/internal/netstack"
	"github.com/emberos/netcore/internal/tapdev"
)

func openDriver(cfg config.Config, logger *slog.Logger) (netstack.Driver, func(), error) {
	dev, err := tapdev.Open(cfg.TAPDevice, logger)
	if err != nil {
		return nil, nil, err
	}
	return dev, func() { dev.Close() }, nil
}
