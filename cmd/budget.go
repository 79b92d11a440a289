package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/evjund/capguard/config"
	"github.com/evjund/capguard/core/budget"
	"github.com/evjund/capguard/core/model"
	"github.com/evjund/capguard/infra/logger"
	"github.com/evjund/capguard/infra/store"
	"github.com/evjund/capguard/infra/weather"
)

var budgetCmd = &cobra.Command{
	Use:   "budget",
	Short: "Compute today's energy budget and exit",
	RunE:  printBudget,
}

func init() {
	rootCmd.AddCommand(budgetCmd)
}

func printBudget(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	coefStore := store.NewCoefficientFile(cfg.Ledger.CoefficientPath, logger.New("coefficient-store"))
	var forecast budget.ForecastProvider
	if cfg.Weather.Enabled {
		forecast = weather.New(cfg.Weather.ClientConfig(), logger.New("weather"))
	}
	learner := budget.NewLearner(cfg.Budget, coefStore, forecast, logger.New("budget"))

	devices := make([]model.Device, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		devices = append(devices, d.Device())
	}

	if planned, ok := learner.CalculateDailyBudget(ctx, devices); ok {
		fmt.Printf("dynamic budget: %.2f kWh\n", planned)
		return nil
	}
	fmt.Printf("static budget: %.2f kWh\n", cfg.Capacity.StaticBudgetKWh)
	return nil
}
