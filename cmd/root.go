package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ollabridge",
	Short: "Ollama-compatible gateway for OpenAI-style chat backends",
	Long: `ollabridge serves the Ollama HTTP API and translates it onto an
OpenAI-compatible chat backend: model lists are normalized into Ollama
tags, chat completions are transcoded from SSE into Ollama's streaming
frames, and the remaining endpoints are relayed as-is.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.SetOut(os.Stdout)
	rootCmd.SetErr(os.Stderr)
	rootCmd.SilenceUsage = true
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if os.Geteuid() == 0 {
			fmt.Fprintln(cmd.ErrOrStderr(), "warning: running as root")
		}
		return nil
	}
}
