package cmd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"ccpool/internal/config"
	"ccpool/internal/dispatch"
	"ccpool/internal/metrics"
	"ccpool/internal/probe"
	"ccpool/internal/rotation"
	"ccpool/internal/server"
	"ccpool/internal/translator"
	"ccpool/internal/upstream"
)

const serveUsage = `Usage:
  ccpool serve --config <path> [--port <port>]

Flags:
  --config string   Path to YAML configuration file (required)
  --port   int      Override server port from configuration`

func serve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, serveUsage)
	}

	var cfgPath string
	var overridePort int
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.IntVar(&overridePort, "port", 0, "override server port")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse serve flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("serve command requires --config <path>")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	if overridePort != 0 {
		if overridePort <= 0 || overridePort > 65535 {
			return fmt.Errorf("port override %d must be a valid TCP port", overridePort)
		}
		cfg.Server.Port = overridePort
	}

	client, err := upstream.New(cfg.Upstream.BaseURL, cfg.Upstream.Timeout())
	if err != nil {
		return err
	}
	rotator, err := rotation.New(cfg.Upstream.APIKeys, cfg.Upstream.Models)
	if err != nil {
		return err
	}

	m := metrics.New()
	limits := translator.Limits{
		MinTokens: cfg.Upstream.MinTokensLimit,
		MaxTokens: cfg.Upstream.MaxTokensLimit,
	}
	d := dispatch.New(rotator, client, limits, m)
	p := probe.New(client, rotator, cfg.Upstream.Timeout())

	if cfg.Upstream.ValidateOnStart {
		if err := validateAtStartup(ctx, cfg, p); err != nil {
			return err
		}
	}

	srv, err := server.New(cfg, d, p, m)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

func validateAtStartup(ctx context.Context, cfg config.Config, p *probe.Prober) error {
	if cfg.Upstream.DiscardInvalidKeys {
		report, err := p.DiscardInvalid(ctx)
		if err != nil {
			return fmt.Errorf("startup key validation: %w", err)
		}
		slog.Info("startup key validation",
			"total", report.Total,
			"valid", report.Valid,
			"discarded", report.Invalid,
			"inconclusive", report.Inconclusive,
		)
		return nil
	}

	report := p.Run(ctx)
	slog.Info("startup key validation",
		"total", report.Total,
		"valid", report.Valid,
		"invalid", report.Invalid,
		"inconclusive", report.Inconclusive,
	)
	return nil
}
