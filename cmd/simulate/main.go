// simulate runs the main agent against an AI-driven caller and grades the
// result against the expected outcomes checklist.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	personaKey  string
	scenario    string
	maxTurns    int
	dbPath      string
	allPersonas bool
	verbose     bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Simulate Sky Credit calls between the voice agent and a scripted customer",
	Long: `Simulate Sky Credit calls between the voice agent and an AI customer.

Available subcommands:
  run      - Full simulated call followed by an outcome evaluation
  demo     - Short five-turn call, no evaluation
  personas - List the customer personas`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&personaKey, "persona", "p", "paul", "Customer persona to role-play")
	rootCmd.PersistentFlags().StringVarP(&scenario, "scenario", "s", "", "Scenario entered after verification (default: the persona's)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at debug level")

	runCmd.Flags().IntVar(&maxTurns, "max-turns", 0, "Maximum assistant turns (default: MAX_TURNS or 15)")
	runCmd.Flags().StringVar(&dbPath, "db", "", "Also store the call and its evaluation in this SQLite file")
	runCmd.Flags().BoolVar(&allPersonas, "all", false, "Simulate one call per persona, in parallel")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(personasCmd)
}

func main() {
	_ = godotenv.Load()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
