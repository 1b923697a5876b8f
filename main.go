package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	schedule := flag.Bool("schedule", false, "keep running and claim daily at the configured time")
	flag.Bool("once", false, "claim once and exit (the default)")
	check := flag.Bool("check", false, "list claimable offers without claiming")
	dryRun := flag.Bool("dry-run", false, "alias for -check")
	debug := flag.Bool("debug", false, "verbose logging and debug artifacts")
	headless := flag.Bool("headless", false, "run the browser headless")
	flag.Parse()

	if *dryRun {
		*check = true
	}

	// A local .env is a convenience, not a requirement.
	_ = godotenv.Load()

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	applyFlagOverrides(cfg, flag.CommandLine, *headless, *debug)

	InitLogging(cfg.DebugMode)

	store := NewSessionStore(cfg.SessionFile)
	account := NewAccountClient(cfg)
	discovery := NewDiscovery(cfg)
	runID := uuid.NewString()[:8]
	flow := NewBrowserClaimFlow(cfg, runID)
	claimer := NewClaimer(cfg, store, account, discovery, flow)

	if *check {
		offers, err := claimer.CheckOnly()
		if err != nil {
			log.Fatal().Err(err).Msg("check failed")
		}
		if len(offers) == 0 {
			fmt.Println("Nothing claimable right now.")
			return
		}
		fmt.Printf("Claimable offers (%d):\n", len(offers))
		for _, o := range offers {
			fmt.Printf("  - %s\n", o.Title)
		}
		return
	}

	runOnce := func() {
		result, err := claimer.Run()
		if err != nil {
			if errors.Is(err, ErrNotAuthenticated) {
				log.Error().Msg("run aborted: not signed in")
			} else {
				log.Error().Err(err).Msg("run failed")
			}
			return
		}
		printSummary(result)
	}

	if *schedule {
		sched, err := NewScheduler(cfg.ScheduleAt, runOnce)
		if err != nil {
			log.Fatal().Err(err).Msg("bad schedule time")
		}
		runOnce()
		sched.Run()
		return
	}

	runOnce()
}

// applyFlagOverrides lets flags the user actually passed win over the
// config file and environment. Unset flags leave the loaded values alone,
// so the flag defaults never clobber a configured choice.
func applyFlagOverrides(cfg *Config, fs *flag.FlagSet, headless, debug bool) {
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "headless":
			cfg.Headless = headless
		case "debug":
			cfg.DebugMode = debug
		}
	})
}

func printSummary(r *ClaimResult) {
	if len(r.Processed) == 0 {
		return
	}
	fmt.Println()
	fmt.Printf("  Processed: %s\n", strings.Join(r.Processed, ", "))
	fmt.Printf("  Claimed:       %d\n", r.Claimed)
	fmt.Printf("  Already owned: %d\n", r.AlreadyOwned)
	fmt.Printf("  Failed:        %d\n", r.Failed)
	if r.RateLimited {
		fmt.Println()
		fmt.Println("  The store rate limited this run. Wait a few hours before retrying;")
		fmt.Println("  repeated attempts extend the limit.")
	}
}
