package cli

import (
	"github.com/spf13/cobra"

	"github.com/sqew/sqew/internal/client"
)

func newQueueCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage queues",
	}
	cmd.AddCommand(
		newQueueListCmd(flags),
		newQueueAddCmd(flags),
		newQueueShowCmd(flags),
		newQueueRmCmd(flags),
		newQueuePurgeCmd(flags),
		newPeekCmd(flags),
		newQueueCompactCmd(flags),
	)
	return cmd
}

func newQueueListCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all queues",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			queues, err := flags.api().ListQueues(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, queues)
		},
	}
}

func newQueueAddCmd(flags *rootFlags) *cobra.Command {
	var (
		maxAttempts  int
		visibilityMS int64
		dlq          string
	)
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Create a queue",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := flags.api().CreateQueue(cmd.Context(), client.CreateQueueParams{
				Name:         args[0],
				MaxAttempts:  maxAttempts,
				VisibilityMS: visibilityMS,
				DLQ:          dlq,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, q)
		},
	}
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "delivery attempts before drop (server default 5)")
	cmd.Flags().Int64Var(&visibilityMS, "visibility-ms", 0, "default lease duration in ms (server default 30000)")
	cmd.Flags().StringVar(&dlq, "dlq", "", "dead-letter queue name for dropped messages")
	return cmd
}

func newQueueShowCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show a queue's configuration",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q, err := flags.api().GetQueue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, q)
		},
	}
}

func newQueueRmCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Delete a queue and all its messages",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.api().DeleteQueue(cmd.Context(), args[0])
		},
	}
}

func newQueuePurgeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <name>",
		Short: "Delete all messages in a queue, keeping the queue",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deleted, err := flags.api().PurgeQueue(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]int64{"deleted": deleted})
		},
	}
}

func newQueueCompactCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "compact <name>",
		Short: "Reclaim storage space",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return flags.api().CompactQueue(cmd.Context(), args[0])
		},
	}
}

func newStatsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats <queue>",
		Short: "Show queue depth counters",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := flags.api().QueueStats(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, st)
		},
	}
}
