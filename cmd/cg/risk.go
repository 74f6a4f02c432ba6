package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/concierge/internal/riskmon"
	"github.com/zulandar/concierge/internal/store"
)

func newRiskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "risk",
		Short: "Inspect and resolve risk cases",
	}

	cmd.AddCommand(newRiskStatusCmd())
	cmd.AddCommand(newRiskResolveCmd())
	return cmd
}

// openMonitor returns a Monitor for one-off reads and updates. It does not
// schedule checks; the serving process owns those.
func openMonitor(configPath string) (*riskmon.Monitor, error) {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, err
	}
	st, err := store.New(store.Opts{DB: gormDB})
	if err != nil {
		return nil, err
	}
	return riskmon.New(riskmon.Opts{
		Store: st,
		Config: riskmon.Config{
			CheckInterval: cfg.Risk.CheckInterval,
			Duration:      cfg.Risk.Duration,
		},
	})
}

func newRiskStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show a risk case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openMonitor(configPath)
			if err != nil {
				return err
			}
			defer m.Close()
			st, err := m.GetCaseStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printCaseStatus(cmd, st)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Concierge config file")
	return cmd
}

func printCaseStatus(cmd *cobra.Command, st *riskmon.CaseStatus) {
	out := cmd.OutOrStdout()
	rc := st.Case
	fmt.Fprintf(out, "Case:      %s\n", rc.ID)
	fmt.Fprintf(out, "Status:    %s\n", rc.Status)
	fmt.Fprintf(out, "Group:     %s\n", rc.GroupID)
	fmt.Fprintf(out, "User:      %s\n", rc.UserID)
	fmt.Fprintf(out, "Session:   %s\n", rc.SessionID)
	fmt.Fprintf(out, "Started:   %s\n", rc.StartTime.Format(time.RFC3339))
	fmt.Fprintf(out, "Elapsed:   %s\n", formatDuration(st.Elapsed))
	if st.Remaining > 0 {
		fmt.Fprintf(out, "Remaining: %s\n", formatDuration(st.Remaining))
	}
	if rc.ResolvedBy != "" {
		fmt.Fprintf(out, "Closed by: %s (%s)\n", rc.ResolvedBy, orDash(rc.Reason))
	}
	fmt.Fprintf(out, "Content:   %s\n", rc.Content)
}

func newRiskResolveCmd() *cobra.Command {
	var (
		configPath string
		by         string
	)

	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Mark a risk case resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := openMonitor(configPath)
			if err != nil {
				return err
			}
			defer m.Close()
			if err := m.MarkResolved(cmd.Context(), args[0], by); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Risk case %s resolved by %s\n", args[0], by)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Concierge config file")
	cmd.Flags().StringVar(&by, "by", "cli", "who resolved the case")
	return cmd
}
