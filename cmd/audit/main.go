// cmd/audit/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	jsoniter "github.com/json-iterator/go"

	"github.com/libranexus/circulation/internal/app"
	"github.com/libranexus/circulation/internal/audit"
	"github.com/libranexus/circulation/internal/clock"
	"github.com/libranexus/circulation/internal/config"
	"github.com/libranexus/circulation/internal/telemetry"
)

func main() {
	asJSON := flag.Bool("json", false, "print the report as JSON")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: failed to load config: %v\n", err)
		os.Exit(2)
	}
	if cfg.DatabaseURL == "" {
		fmt.Fprintln(os.Stderr, "audit: CIRC_DATABASE_URL is required")
		os.Exit(2)
	}
	cfg.MigrateOnStart = false
	logger := telemetry.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := app.OpenStore(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: %v\n", err)
		os.Exit(2)
	}
	defer st.Close()

	auditor := audit.New(st, clock.System(), logger)
	auditor.RegisterInvariants()
	report, err := auditor.Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: %v\n", err)
		os.Exit(2)
	}

	if *asJSON {
		enc := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report)
	} else {
		report.Print(os.Stdout)
	}
	if !report.Healthy() {
		st.Close()
		os.Exit(1)
	}
}
