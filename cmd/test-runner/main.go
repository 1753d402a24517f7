// Package main runs the canonical grid scenarios against the engine and
// exits non-zero if any of them fails.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/MRamiBalles/nodegrid/internal/platform/logger"
	"github.com/MRamiBalles/nodegrid/test"
)

func main() {
	logLevel := pflag.String("log-level", "warn", "debug, info, warn or error")
	only := pflag.String("run", "", "only run scenarios whose name contains this text")
	pflag.Parse()

	log, err := logger.NewLogger(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var scenarios []test.Scenario
	for _, s := range test.CanonicalScenarios() {
		if strings.Contains(s.Name, *only) {
			scenarios = append(scenarios, s)
		}
	}

	fmt.Println("NODEGRID SCENARIO SUITE")
	fmt.Println(strings.Repeat("=", 60))

	h := test.NewHarness(log)
	results := h.RunAll(ctx, scenarios)
	for _, r := range results {
		mark := "PASS"
		if !r.Passed {
			mark = "FAIL"
		}
		fmt.Printf("  %s  %s (%d ticks)\n", mark, r.ScenarioName, r.Ticks)
		if r.Reason != "" {
			fmt.Printf("        %s\n", r.Reason)
		}
	}

	failed := h.Failed()
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("   passed: %d\n", len(results)-failed)
	fmt.Printf("   failed: %d\n", failed)

	if failed > 0 || len(results) < len(scenarios) {
		os.Exit(1)
	}
}
