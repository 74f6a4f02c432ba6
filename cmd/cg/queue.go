package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/concierge/internal/models"
	"github.com/zulandar/concierge/internal/queue"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage outbound commands",
	}

	cmd.AddCommand(newQueueListCmd())
	cmd.AddCommand(newQueueStatusCmd())
	cmd.AddCommand(newQueueRetryCmd())
	cmd.AddCommand(newQueueEnqueueCmd())
	return cmd
}

func openQueue(configPath string) (*queue.Queue, error) {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return nil, err
	}
	return queue.New(queue.Opts{
		DB:          gormDB,
		MaxRetries:  cfg.Queue.MaxRetries,
		BackoffBase: cfg.Queue.BackoffBase,
		BackoffCap:  cfg.Queue.BackoffCap,
	})
}

func newQueueListCmd() *cobra.Command {
	var (
		configPath string
		status     string
		robotID    string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List commands, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(configPath)
			if err != nil {
				return err
			}
			cmds, err := q.List(cmd.Context(), queue.Filter{
				Status:  models.CommandStatus(status),
				RobotID: robotID,
				Limit:   limit,
			})
			if err != nil {
				return err
			}
			printCommands(cmd, cmds, time.Now().UTC())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Concierge config file")
	cmd.Flags().StringVar(&status, "status", "", "filter by status (pending, locked, processing, completed, failed)")
	cmd.Flags().StringVar(&robotID, "robot", "", "filter by robot id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows to show")
	return cmd
}

func printCommands(cmd *cobra.Command, cmds []models.Command, now time.Time) {
	out := cmd.OutOrStdout()
	if len(cmds) == 0 {
		fmt.Fprintln(out, "No commands found.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tPRI\tRETRIES\tROBOT\tCREATED\tERROR")
	for _, c := range cmds {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\t%s\n",
			c.ID, c.Type, c.Status, c.Priority, c.RetryCount, c.MaxRetries,
			c.RobotID, formatAge(c.CreatedAt, now), orDash(truncate(c.ErrorMessage, contentWidth())))
	}
	w.Flush()
}

func newQueueStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show one command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(configPath)
			if err != nil {
				return err
			}
			c, err := q.GetStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printCommand(cmd, c, time.Now().UTC())
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Concierge config file")
	return cmd
}

func printCommand(cmd *cobra.Command, c *models.Command, now time.Time) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Command:   %s\n", c.ID)
	fmt.Fprintf(out, "Type:      %s\n", c.Type)
	fmt.Fprintf(out, "Robot:     %s\n", c.RobotID)
	fmt.Fprintf(out, "Status:    %s\n", c.Status)
	fmt.Fprintf(out, "Priority:  %d\n", c.Priority)
	fmt.Fprintf(out, "Retries:   %d/%d\n", c.RetryCount, c.MaxRetries)
	fmt.Fprintf(out, "Scheduled: %s (%s)\n", c.ScheduledFor.Format(time.RFC3339), formatAge(c.ScheduledFor, now))
	if c.LockedBy != "" {
		fmt.Fprintf(out, "Locked by: %s\n", c.LockedBy)
	}
	fmt.Fprintf(out, "Source:    %s\n", orDash(c.Source))
	fmt.Fprintf(out, "Payload:   %s\n", c.Payload)
	if c.Result != "" {
		fmt.Fprintf(out, "Result:    %s\n", c.Result)
	}
	if c.ErrorMessage != "" {
		fmt.Fprintf(out, "Error:     %s\n", c.ErrorMessage)
	}
}

func newQueueRetryCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-queue a failed command",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := openQueue(configPath)
			if err != nil {
				return err
			}
			c, err := q.Retry(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Command %s re-queued (status %s)\n", c.ID, c.Status)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Concierge config file")
	return cmd
}

func newQueueEnqueueCmd() *cobra.Command {
	var (
		configPath string
		req        queue.EnqueueRequest
		members    string
		mentions   string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a command by hand",
		Long:  "Queues one outbound command. Which payload flags apply depends on --type.",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Payload.Members = splitList(members)
			req.Payload.Mentions = splitList(mentions)
			req.Source = "cli"
			if !queue.ValidType(req.Type) {
				return fmt.Errorf("unknown command type %q", req.Type)
			}
			q, err := openQueue(configPath)
			if err != nil {
				return err
			}
			id, err := q.Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued %s command %s\n", req.Type, id)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Concierge config file")
	f.StringVar(&req.RobotID, "robot", "", "robot id (required)")
	f.StringVar(&req.Type, "type", queue.TypeSendMessage, "command type")
	f.IntVar(&req.Priority, "priority", queue.PriorityNormal, "priority (1 urgent .. 8 low)")
	f.IntVar(&req.MaxRetries, "max-retries", 0, "retry budget (0 uses the configured default)")
	f.DurationVar(&req.Delay, "delay", 0, "delay before the first attempt")
	f.StringVar(&req.Payload.Target, "target", "", "target group or user")
	f.StringVar(&req.Payload.Content, "content", "", "message text")
	f.StringVar(&mentions, "mention", "", "comma-separated names to mention")
	f.StringVar(&req.Payload.GroupName, "group-name", "", "group name for create_group and remove_member")
	f.StringVar(&members, "members", "", "comma-separated members for group management")
	f.StringVar(&req.Payload.URL, "url", "", "file, image, or link url")
	f.StringVar(&req.Payload.Title, "title", "", "link title")
	_ = cmd.MarkFlagRequired("robot")
	return cmd
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
