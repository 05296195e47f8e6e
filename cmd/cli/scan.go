// Package cli provides command-line interface commands for the Scanorama network scanner.
// This package implements the Cobra-based CLI structure with a scan command whose
// results can optionally be persisted to a database.
package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/anstrom/scanorama/internal/aggregator"
	"github.com/anstrom/scanorama/internal/config"
	"github.com/anstrom/scanorama/internal/db"
	"github.com/anstrom/scanorama/internal/detect"
	"github.com/anstrom/scanorama/internal/engine"
	"github.com/anstrom/scanorama/internal/logging"
	"github.com/anstrom/scanorama/internal/pacer"
	"github.com/anstrom/scanorama/internal/scheduler"
	"github.com/anstrom/scanorama/internal/target"
)

const (
	// Scan operation constants.
	defaultScanTimeout = 300 // default scan timeout in seconds
	defaultSourcePort  = 40000
)

var (
	scanTargets   string
	scanPorts     string
	scanType      string
	scanTimeout   int
	scanWithDB    bool
	scanDetect    bool
	scanZeroOK    bool
	scanZombie    string
)

// scanCmd represents the scan command.
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan hosts for open ports and services",
	Long: `Scan targets for open ports, running services, and other network
information using an in-process packet-level scan engine.`,
	Example: `  scanorama scan --targets 192.168.1.0/24
  scanorama scan --targets "192.168.1.1,192.168.1.10" --ports "22,80,443"
  scanorama scan --targets example.com --type syn
  scanorama scan --targets 10.0.0.1 --type udp --detect-services`,
	Run: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().StringVar(&scanTargets, "targets", "", "Comma-separated targets: address, CIDR, or hostname")
	scanCmd.Flags().StringVar(&scanPorts, "ports", "22,80,443,8080,8443", "Ports to scan (comma-separated, ranges allowed)")
	scanCmd.Flags().StringVar(&scanType, "type", "connect", "Scan type: connect, syn, udp, idle")
	scanCmd.Flags().IntVar(&scanTimeout, "timeout", defaultScanTimeout, "Per-attempt timeout budget in seconds")
	scanCmd.Flags().BoolVar(&scanWithDB, "with-db", false, "Persist results to the configured database instead of printing them")
	scanCmd.Flags().BoolVar(&scanDetect, "detect-services", false, "Run service/version detection against open ports")
	scanCmd.Flags().BoolVar(&scanZeroOK, "allow-zero-prefix", false, "Confirm scanning a /0 network")
	scanCmd.Flags().StringVar(&scanZombie, "zombie", "", "Zombie host address, required for --type idle")

	if err := scanCmd.MarkFlagRequired("targets"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to mark --targets required: %v\n", err)
	}
}

func runScan(_ *cobra.Command, _ []string) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load("config.yaml")
	if err != nil {
		cfg = config.Default()
	}
	if scanWithDB {
		cfg.Scanning.WithDB = true
	}

	eng, err := buildEngine(ctx, scanType, scanTimeout, scanZombie)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ports, err := target.ParsePortList(scanPorts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid port specification: %v\n", err)
		os.Exit(1)
	}

	literals := splitCommaList(scanTargets)
	targets, err := target.Expand(ctx, nil, literals, scanZeroOK)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(targets) == 0 {
		fmt.Fprintln(os.Stderr, "Error: no valid targets found")
		os.Exit(1)
	}

	addresses := make([]string, len(targets))
	for i, t := range targets {
		addresses[i] = t.Address.String()
	}

	timing, err := scheduler.ParseTimingProfile(cfg.Scanning.TimingProfile)
	if err != nil {
		logging.ErrorScheduler("invalid timing profile, falling back to T3", err)
	}

	var detector *detect.Database
	if scanDetect {
		detector, err = detect.BuiltinDatabase()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to load service detection database: %v\n", err)
			os.Exit(1)
		}
	}

	plan := scheduler.ScanPlan{
		Targets:            addresses,
		Ports:              ports,
		Engine:             eng,
		Timing:             timing,
		MaxConcurrency:     cfg.Scanning.MaxConcurrency,
		RatePPS:            cfg.Scanning.RatePPS,
		DetectServices:     scanDetect,
		DetectionIntensity: cfg.Scanning.DetectionIntensity,
	}

	p := pacer.New(
		pacer.NewGlobalLimiter(effectiveRate(cfg.Scanning.RatePPS, timing), 1000),
		pacer.NewHostgroupLimiter(cfg.Scanning.HostgroupCapacity),
		pacer.NewBackoffObserver(0, 0),
	)

	runID := uuid.New()
	agg, cleanup := buildAggregator(ctx, runID, cfg, len(addresses), len(ports))
	defer cleanup()

	sched := scheduler.New(p, agg, detector)
	meta, err := sched.Run(ctx, plan)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: scan run failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Scan %s finished: status=%s targets=%d ports=%d duration=%s\n",
		meta.ID, meta.Status, len(addresses), len(ports), meta.CompletedAt.Sub(meta.StartedAt))

	if mem, ok := agg.(*aggregator.InMemoryAggregator); ok {
		printResults(mem.Results())
	}
}

func buildEngine(ctx context.Context, scanType string, timeoutSec int, zombie string) (engine.Engine, error) {
	timeout := time.Duration(timeoutSec) * time.Second
	switch strings.ToLower(scanType) {
	case "connect":
		return engine.NewConnectEngine(timeout), nil
	case "syn":
		return engine.NewSYNEngine(nil, defaultSourcePort, timeout)
	case "udp":
		return engine.NewUDPEngine(timeout, nil), nil
	case "idle":
		if zombie == "" {
			return nil, fmt.Errorf("--type idle requires --zombie")
		}
		zombieIP := net.ParseIP(zombie)
		if zombieIP == nil {
			return nil, fmt.Errorf("invalid zombie address %q", zombie)
		}
		idleEngine, err := engine.NewIdleEngine(zombieIP, nil, defaultSourcePort, timeout)
		if err != nil {
			return nil, err
		}
		// §4.6: suitability must be verified at plan time, before any port
		// is probed; a hard ZombieUnsuitable error aborts the run here
		// rather than surfacing mid-scan.
		if err := idleEngine.VerifyZombieSuitable(ctx); err != nil {
			return nil, err
		}
		return idleEngine, nil
	default:
		return nil, fmt.Errorf("unknown scan type %q (expected connect, syn, udp, idle)", scanType)
	}
}

func buildAggregator(ctx context.Context, runID uuid.UUID, cfg *config.Config, targets, ports int) (aggregator.Aggregator, func()) {
	if !cfg.Scanning.WithDB {
		return aggregator.NewInMemoryAggregator(runID, targets, ports), func() {}
	}

	database, err := db.Connect(ctx, &cfg.Database)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to database: %v\n", err)
		os.Exit(1)
	}

	runRepo := db.NewScanRunRepository(database)
	resultRepo := db.NewScanResultRepository(database)
	if err := runRepo.Create(ctx, &db.ScanRun{ID: runID, Status: db.RunStatusRunning}); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating scan run: %v\n", err)
		os.Exit(1)
	}

	agg := aggregator.NewAsyncAggregator(ctx, runID, runRepo, resultRepo)
	return agg, func() {
		if closeErr := database.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database connection: %v\n", closeErr)
		}
	}
}

func printResults(results []db.ScanResult) {
	for _, r := range results {
		fmt.Printf("%-15s %-6d %-5s %-10s\n", r.Address.String(), r.Port, r.Transport, r.State)
	}
}

func effectiveRate(configured float64, timing scheduler.TimingProfile) float64 {
	if configured > 0 {
		return configured
	}
	return timing.Params().DefaultRatePPS
}

func splitCommaList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
