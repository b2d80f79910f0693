// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const (
	serviceName    = "docx-forge-api"
	serviceVersion = "0.1.0"
)

// rootCmd は引数なしで serve と同じ動作をします。
var rootCmd = &cobra.Command{
	Use:           "docx-forge-api",
	Short:         "PDF to DOCX conversion API server",
	Long:          `Accepts PDF uploads over HTTP, converts them to DOCX in the background and serves the results.`,
	RunE:          runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("port", "", "listen port (overrides PORT)")
	rootCmd.PersistentFlags().Int("workers", 0, "number of conversion workers (overrides WORKER_CONCURRENCY)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
