package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wonny/rotor/internal/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the trading engine on its schedule",
	Long: `Connects to the broker gateway and runs a trading cycle on the
configured interval until interrupted.

Each cycle:
- refreshes account and position state
- scores every symbol in the universe
- enforces stop-loss and take-profit exits
- closes weak holdings, then rotates freed capital into the
  strongest candidates

Stop with Ctrl+C; an in-flight cycle finishes first.`,
	RunE: runEngine,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runEngine(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.close()

	sched := scheduler.New(a.log)
	job := scheduler.NewCycleJob(a.orch, a.cfg.Trading.CheckInterval, a.log)
	if err := sched.AddJob(job); err != nil {
		return err
	}

	// one immediate cycle so a restart does not wait a full interval
	if err := sched.RunJob(job.Name()); err != nil {
		return err
	}

	sched.Start()
	a.log.WithFields(map[string]interface{}{
		"interval": a.cfg.Trading.CheckInterval,
		"strategy": a.cfg.Trading.ActiveStrategy,
		"symbols":  a.cfg.Trading.Symbols,
	}).Info("Engine running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	fmt.Printf("\nReceived %s, shutting down...\n", sig)
	sched.Stop()
	return nil
}
