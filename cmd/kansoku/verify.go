package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/kansoku/internal/framelog"
)

var errMismatch = errors.New("logs do not match")

func newVerifyCommand() *cobra.Command {
	var expected, actual string
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Compare two frame logs record by record",
		Long: `Compare two frame logs by content hash and print a JSON report with both
Merkle roots and the first frame at which they diverge. Exits non-zero when
the logs differ or a stored hash does not match its record.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rep, err := verifyLogs(expected, actual)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(rep); err != nil {
				return fmt.Errorf("verify: write report: %w", err)
			}
			if !rep.Match {
				return fmt.Errorf("verify: %w: %s", errMismatch, rep.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&expected, "expected", "", "reference frame log")
	cmd.Flags().StringVar(&actual, "actual", "", "frame log to check")
	_ = cmd.MarkFlagRequired("expected")
	_ = cmd.MarkFlagRequired("actual")
	return cmd
}

func verifyLogs(expectedPath, actualPath string) (framelog.Report, error) {
	exp, err := os.Open(expectedPath) //nolint:gosec // operator-supplied path
	if err != nil {
		return framelog.Report{}, fmt.Errorf("verify: %w", err)
	}
	defer exp.Close()               //nolint:errcheck // read-only file
	act, err := os.Open(actualPath) //nolint:gosec // operator-supplied path
	if err != nil {
		return framelog.Report{}, fmt.Errorf("verify: %w", err)
	}
	defer act.Close() //nolint:errcheck // read-only file

	rep, err := framelog.Verify(exp, act)
	if err != nil {
		return framelog.Report{}, fmt.Errorf("verify: %w", err)
	}
	return rep, nil
}
