//go:build !linux

package main

import (
	"errors"
	"log/slog"

	"github.com/emberos/netcore/internal/config"
	"github.com/emberos/netcore/internal/netstack"
)

func openDriver(config.Config, *slog.Logger) (netstack.Driver, func(), error) {
	return nil, nil, errors.New("netfetch: TAP driver requires linux")
}
