package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"ccpool/internal/config"
	"ccpool/internal/probe"
	"ccpool/internal/rotation"
	"ccpool/internal/upstream"
)

const checkKeysUsage = `Usage:
  ccpool check-keys --config <path> [--json]

Flags:
  --config string   Path to YAML configuration file (required)
  --json            Print the report as JSON instead of a table`

func checkKeys(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("check-keys", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintln(os.Stderr, checkKeysUsage)
	}

	var cfgPath string
	var asJSON bool
	fs.StringVar(&cfgPath, "config", "", "path to configuration file")
	fs.BoolVar(&asJSON, "json", false, "print the report as JSON")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return fmt.Errorf("parse check-keys flags: %w", err)
	}

	if cfgPath == "" {
		return errors.New("check-keys command requires --config <path>")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	client, err := upstream.New(cfg.Upstream.BaseURL, cfg.Upstream.Timeout())
	if err != nil {
		return err
	}
	rotator, err := rotation.New(cfg.Upstream.APIKeys, cfg.Upstream.Models)
	if err != nil {
		return err
	}

	report := probe.New(client, rotator, cfg.Upstream.Timeout()).Run(ctx)

	if asJSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}

	fmt.Printf("checked %d keys against %s: %d valid, %d invalid, %d inconclusive\n",
		report.Total, cfg.Upstream.BaseURL, report.Valid, report.Invalid, report.Inconclusive)
	for _, kr := range report.Keys {
		if kr.Error != "" {
			fmt.Printf("  [%d] %-16s %-12s %s\n", kr.Index, kr.Key, kr.Status, kr.Error)
			continue
		}
		fmt.Printf("  [%d] %-16s %s\n", kr.Index, kr.Key, kr.Status)
	}

	for _, rec := range report.Recommendations {
		fmt.Printf("  ! %s\n", rec)
	}

	if report.Invalid > 0 {
		return fmt.Errorf("%d of %d keys failed validation", report.Invalid, report.Total)
	}
	return nil
}
