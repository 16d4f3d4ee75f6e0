package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"skycredit/internal/llm"
)

// personasCmd lists the built-in customer personas
var personasCmd = &cobra.Command{
	Use:   "personas",
	Short: "List the customer personas",
	RunE: func(cmd *cobra.Command, args []string) error {
		prompts, err := llm.LoadPrompts(promptsPathFromEnv())
		if err != nil {
			return err
		}
		printPersonas(cmd.OutOrStdout(), prompts)
		return nil
	},
}

func printPersonas(w io.Writer, prompts *llm.Prompts) {
	for _, p := range prompts.Personas {
		fmt.Fprintf(w, "%-8s %-14s %s\n", p.Key, p.Name, p.Scenario)
	}
}

func promptsPathFromEnv() string {
	return os.Getenv("PROMPTS_PATH")
}
