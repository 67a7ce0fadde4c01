// netfetch brings the network stack up on a TAP device and fetches one URL
// through it: address acquisition, DNS, TCP, optional TLS, HTTP. It is the
// development harness for the whole subsystem outside the VM.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/emberos/netcore/internal/config"
	"github.com/emberos/netcore/internal/httpclient"
	"github.com/emberos/netcore/internal/netstack"
)

func main() {
	configPath := flag.String("config", "", "path to YAML configuration (defaults to DHCP on tap0)")
	url := flag.String("url", "", "URL to fetch")
	showHeaders := flag.Bool("headers", false, "print response headers before the body")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *url == "" {
		fmt.Fprintln(os.Stderr, "usage: netfetch -url <url> [-config file.yaml]")
		os.Exit(2)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			logger.Error("loading configuration", "err", err)
			os.Exit(1)
		}
	}

	if err := run(cfg, *url, *showHeaders, logger); err != nil {
		logger.Error("netfetch failed", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, url string, showHeaders bool, logger *slog.Logger) error {
	drv, closeDriver, err := openDriver(cfg, logger)
	if err != nil {
		return err
	}
	defer closeDriver()

	ns, err := netstack.Init(drv, logger)
	if err != nil {
		return err
	}
	defer netstack.Shutdown()

	if cfg.CapturePath != "" {
		out, err := os.Create(cfg.CapturePath)
		if err != nil {
			return fmt.Errorf("open capture file: %w", err)
		}
		defer out.Close()
		if err := ns.EnableCapture(out); err != nil {
			return err
		}
		logger.Info("capturing traffic", "path", cfg.CapturePath)
	}

	clock := func() int64 { return time.Now().UnixMilli() }
	yield := func() { time.Sleep(500 * time.Microsecond) }

	switch cfg.Interface.Mode {
	case "dhcp":
		ipc, err := ns.AcquireDHCP(cfg.DHCPTimeoutMS, clock, yield)
		if err != nil {
			return fmt.Errorf("dhcp: %w", err)
		}
		logger.Info("lease acquired", "config", ipc.String())
	case "static":
		ipc, err := cfg.Interface.StaticIPConfig()
		if err != nil {
			return err
		}
		if err := ns.ConfigureStatic(ipc); err != nil {
			return err
		}
	}

	client := httpclient.New(ns, clock, yield, logger, httpclient.Options{
		UserAgent:        cfg.HTTP.UserAgent,
		MaxHeaderBytes:   cfg.HTTP.MaxHeaderBytes,
		MaxBodyBytes:     cfg.HTTP.MaxBodyBytes,
		ConnectTimeoutMS: cfg.HTTP.ConnectTimeoutMS,
		RequestTimeoutMS: cfg.HTTP.RequestTimeoutMS,
	})

	resp, err := client.Get(url)
	if err != nil {
		return err
	}

	if showHeaders {
		fmt.Printf("HTTP %d %s\n", resp.StatusCode, resp.Status)
		for _, h := range resp.Headers {
			fmt.Printf("%s: %s\n", h.Name, h.Value)
		}
		fmt.Println()
	}
	os.Stdout.Write(resp.Body)
	return nil
}
