// Command governor runs the intraday trading governor: the cycle scheduler,
// the order gate behind an HTTP API, and the end-of-day settlement jobs.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chidi150c/governor/internal/config"
	"github.com/chidi150c/governor/internal/policy"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:   "governor",
	Short: "Intraday trading governor",
	Long: `governor decides how many trades each 15-minute cycle may place, gates
every order against hard and adaptive risk limits, splits compliant orders
into exchange-sized fragments and settles each user's day after the close.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.LoadDotEnv(envFile)
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the governor service",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

var preflightCmd = &cobra.Command{
	Use:   "preflight",
	Short: "Check the configuration before a paper session",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintln(cmd.OutOrStdout(), "FAIL:", err)
			return err
		}
		return config.Preflight(cfg, cmd.OutOrStdout())
	},
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Print the effective policy tables as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		tables, err := policy.Load(os.Getenv("POLICY_FILE"))
		if err != nil {
			return err
		}
		b, err := tables.YAML()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(b)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file; variables already set win")
	rootCmd.AddCommand(runCmd, preflightCmd, policyCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
