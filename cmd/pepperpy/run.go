package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pepperpy/pepperpy/internal/service"
)

var (
	runBudgetTokens int
	runBudgetCost   float64
	runNoCache      bool
	runJSON         bool
)

var runCmd = &cobra.Command{
	Use:   "run <team> <task...>",
	Short: "Run a configured team against a task",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		orch, err := buildOrchestrator(cfg, log)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := orch.Initialize(ctx); err != nil {
			return fmt.Errorf("initialize: %w", err)
		}
		defer func() { _ = orch.Shutdown(context.Background()) }()

		budgetTokens := runBudgetTokens
		if budgetTokens == 0 {
			budgetTokens = cfg.Budget.Tokens
		}
		budgetCost := runBudgetCost
		if budgetCost == 0 {
			budgetCost = cfg.Budget.CostUSD
		}

		teamName := args[0]
		task := strings.Join(args[1:], " ")

		res, err := orch.Run(ctx, teamName, task, service.RunOptions{
			BudgetTokens: budgetTokens,
			BudgetCost:   budgetCost,
			NoCache:      runNoCache,
		})
		if res != nil {
			if runJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if encErr := enc.Encode(res); encErr != nil {
					return encErr
				}
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), res.Output)
			}
		}
		if err != nil {
			return fmt.Errorf("run %s: %w", teamName, err)
		}
		if !res.Success {
			return fmt.Errorf("run %s: team did not succeed", teamName)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().IntVar(&runBudgetTokens, "budget-tokens", 0, "Total token budget for the run (0 = config default)")
	runCmd.Flags().Float64Var(&runBudgetCost, "budget-cost", 0, "Cost budget in USD for the run (0 = config default)")
	runCmd.Flags().BoolVar(&runNoCache, "no-cache", false, "Bypass the response cache for this run")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the full result as JSON instead of the output text")
}
