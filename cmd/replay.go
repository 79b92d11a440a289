package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/evjund/capguard/app"
	"github.com/evjund/capguard/config"
	"github.com/evjund/capguard/infra/logger"
	"github.com/evjund/capguard/infra/replay"
)

var replaySpeed float64

var replayCmd = &cobra.Command{
	Use:   "replay <trace.jsonl>",
	Short: "Feed a recorded sample trace through the controller",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

func init() {
	replayCmd.Flags().Float64Var(&replaySpeed, "speed", 0, "replay speed factor (0 = as fast as possible)")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	source := replay.NewFileSource(args[0], replaySpeed)
	svc, err := app.New(cfg, source)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.New("replay").Errorf("service close: %v", err)
		}
	}()

	if err := svc.Run(ctx); err != nil {
		return err
	}
	st := svc.Controller.State()
	used := 0.0
	for _, total := range st.DailyTotals {
		used += total
	}
	fmt.Printf("replayed trace: %.2f kWh across %d days, %d hourly buckets\n",
		used, len(st.DailyTotals), len(st.Buckets))
	return nil
}
