package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/yourusername/docx-forge/internal/pdf"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <file.pdf>",
	Short: "Print the health report for a PDF without converting it",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func runInspect(cmd *cobra.Command, args []string) error {
	report, err := pdf.NewAnalyzer().Analyze(cmd.Context(), args[0])
	if report != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(report); encErr != nil {
			return encErr
		}
	}
	if err != nil {
		var apiErr *pdf.Error
		if errors.As(err, &apiErr) {
			return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
		}
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("file not found: %s", args[0])
		}
		return err
	}
	return nil
}
