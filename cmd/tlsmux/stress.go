// stress.go implements the 'tlsmux stress' command.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kolkov/tlsmux/tls"
)

// stressConfig holds the parsed flags of the stress command.
type stressConfig struct {
	goroutines int
	slots      int
	rounds     int
	mode       tls.Mode
	verbose    bool
}

// stressReport summarizes one stress run.
type stressReport struct {
	Sets      int64
	Destroyed int64
	Expected  int64
	Duration  time.Duration
}

var errMismatch = errors.New("destructor count mismatch")

// stressCommand runs the stress test and returns the process exit code.
//
// Example:
//
//	tlsmux stress -goroutines 500 -slots 32 -rounds 10
func stressCommand(args []string) int {
	cfg, err := parseStressArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}

	logger := zap.NewNop()
	if cfg.verbose {
		if logger, err = zap.NewDevelopment(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		defer func() { _ = logger.Sync() }()
	}

	report, err := runStress(context.Background(), cfg, logger)
	fmt.Printf("goroutines=%d slots=%d rounds=%d mode=%s\n",
		cfg.goroutines, cfg.slots, cfg.rounds, cfg.mode)
	fmt.Printf("sets=%d destroyed=%d expected=%d elapsed=%s\n",
		report.Sets, report.Destroyed, report.Expected, report.Duration)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		return 1
	}
	fmt.Println("ok")
	return 0
}

// parseStressArgs parses the flags of the stress command.
func parseStressArgs(args []string) (stressConfig, error) {
	fs := flag.NewFlagSet("stress", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var cfg stressConfig
	var mode string
	fs.IntVar(&cfg.goroutines, "goroutines", 1000, "number of managed goroutines")
	fs.IntVar(&cfg.slots, "slots", 64, "number of slots (at most 256)")
	fs.IntVar(&cfg.rounds, "rounds", 4, "Set/Get rounds per goroutine and slot")
	fs.StringVar(&mode, "mode", "posix", "exit notification mode: posix or notify")
	fs.BoolVar(&cfg.verbose, "v", false, "debug logging")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	switch mode {
	case "posix":
		cfg.mode = tls.ModePOSIX
	case "notify":
		cfg.mode = tls.ModeNotify
	default:
		return cfg, fmt.Errorf("unknown mode %q", mode)
	}
	if cfg.goroutines <= 0 || cfg.rounds <= 0 {
		return cfg, errors.New("-goroutines and -rounds must be positive")
	}
	if cfg.slots <= 0 || cfg.slots > tls.Capacity {
		return cfg, fmt.Errorf("-slots must be in [1, %d]", tls.Capacity)
	}
	return cfg, nil
}

// runStress runs cfg.goroutines managed goroutines, each setting every slot
// cfg.rounds times and checking it reads back its own value. At exit every
// goroutine must destroy exactly one value per slot.
func runStress(ctx context.Context, cfg stressConfig, logger *zap.Logger) (stressReport, error) {
	svc := tls.NewService(tls.WithMode(cfg.mode), tls.WithLogger(logger))
	defer func() { _ = svc.Close() }()

	var destroyed, sets atomic.Int64
	slots := make([]*tls.Slot, cfg.slots)
	for i := range slots {
		slots[i] = svc.NewSlot(func(any) { destroyed.Add(1) })
	}
	defer func() {
		for _, s := range slots {
			s.Free()
		}
	}()

	start := time.Now()
	g, _ := svc.NewGroup(ctx)
	g.SetLimit(4 * runtime.GOMAXPROCS(0))
	for i := 0; i < cfg.goroutines; i++ {
		i := i
		g.Go(func() error {
			for r := 0; r < cfg.rounds; r++ {
				for j, s := range slots {
					want := i*cfg.slots*cfg.rounds + r*cfg.slots + j
					s.Set(want)
					sets.Add(1)
					if got, ok := s.Get(); !ok || got != want {
						return fmt.Errorf("goroutine %d slot %d: got %v, want %d", i, j, got, want)
					}
				}
			}
			return nil
		})
	}
	err := g.Wait()

	report := stressReport{
		Sets:      sets.Load(),
		Destroyed: destroyed.Load(),
		Expected:  int64(cfg.goroutines) * int64(cfg.slots),
		Duration:  time.Since(start),
	}
	logger.Debug("stress finished",
		zap.Int64("sets", report.Sets),
		zap.Int64("destroyed", report.Destroyed),
		zap.Int("threads_left", svc.Stats().Threads))

	if err != nil {
		return report, err
	}
	if report.Destroyed != report.Expected {
		return report, fmt.Errorf("%w: destroyed %d, expected %d", errMismatch, report.Destroyed, report.Expected)
	}
	return report, nil
}
