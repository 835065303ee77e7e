package cli

import (
	"encoding/json"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sqew/sqew/internal/client"
	"github.com/sqew/sqew/internal/queue"
)

func newEnqueueCmd(flags *rootFlags) *cobra.Command {
	var (
		priority int
		delayMS  int64
		ttlMS    int64
		key      string
	)
	cmd := &cobra.Command{
		Use:   "enqueue <queue> <payload>",
		Short: "Enqueue a JSON payload (use - to read it from stdin)",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte(args[1])
			if args[1] == "-" {
				var err error
				payload, err = io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
			}
			res, err := flags.api().Enqueue(cmd.Context(), args[0], client.EnqueueParams{
				Payload:        json.RawMessage(payload),
				Priority:       priority,
				DelayMS:        delayMS,
				TTLMS:          ttlMS,
				IdempotencyKey: key,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "delivery priority, higher first")
	cmd.Flags().Int64Var(&delayMS, "delay-ms", 0, "initial visibility delay in ms")
	cmd.Flags().Int64Var(&ttlMS, "ttl-ms", 0, "time to live in ms (0 = no expiry)")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key")
	return cmd
}

func newPollCmd(flags *rootFlags) *cobra.Command {
	var (
		batch        int
		waitMS       int64
		visibilityMS int64
		consumerTag  string
	)
	cmd := &cobra.Command{
		Use:   "poll <queue>",
		Short: "Lease ready messages",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := flags.api().Poll(cmd.Context(), args[0], client.PollParams{
				Batch:        batch,
				WaitMS:       waitMS,
				VisibilityMS: visibilityMS,
				ConsumerTag:  consumerTag,
			})
			if err != nil {
				return err
			}
			if msgs == nil {
				msgs = []queue.LeasedMessage{}
			}
			return printJSON(cmd, msgs)
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 1, "messages per claim (1..256)")
	cmd.Flags().Int64Var(&waitMS, "wait-ms", 0, "long-poll wait when the queue is empty")
	cmd.Flags().Int64Var(&visibilityMS, "visibility-ms", 0, "override the queue's lease duration")
	cmd.Flags().StringVar(&consumerTag, "consumer", "", "consumer tag recorded on the lease")
	return cmd
}

// parseAckItems parses id:token pairs from the command line.
func parseAckItems(cmd *cobra.Command, args []string) ([]queue.AckItem, error) {
	items := make([]queue.AckItem, 0, len(args))
	for _, arg := range args {
		id, token, ok := strings.Cut(arg, ":")
		if !ok {
			return nil, usagef("%s: expected <id>:<token>, got %q", cmd.CommandPath(), arg)
		}
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return nil, usagef("%s: invalid message id %q", cmd.CommandPath(), id)
		}
		items = append(items, queue.AckItem{ID: n, Token: token})
	}
	return items, nil
}

func newAckCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <queue> <id>:<token> [<id>:<token>...]",
		Short: "Acknowledge leased messages",
		Args:  minArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := parseAckItems(cmd, args[1:])
			if err != nil {
				return err
			}
			results, err := flags.api().Ack(cmd.Context(), args[0], items)
			if err != nil {
				return err
			}
			return printJSON(cmd, results)
		},
	}
}

func newNackCmd(flags *rootFlags) *cobra.Command {
	var delayMS int64
	cmd := &cobra.Command{
		Use:   "nack <queue> <id>:<token> [<id>:<token>...]",
		Short: "Release leases for redelivery",
		Args:  minArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := parseAckItems(cmd, args[1:])
			if err != nil {
				return err
			}
			var delay *int64
			if cmd.Flags().Changed("delay-ms") {
				delay = &delayMS
			}
			results, err := flags.api().Nack(cmd.Context(), args[0], items, delay)
			if err != nil {
				return err
			}
			return printJSON(cmd, results)
		},
	}
	cmd.Flags().Int64Var(&delayMS, "delay-ms", 0, "redelivery delay overriding the backoff")
	return cmd
}

func newExtendCmd(flags *rootFlags) *cobra.Command {
	var extendMS int64
	cmd := &cobra.Command{
		Use:   "extend-lease <queue> <id>:<token>",
		Short: "Push a lease expiry further out",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := parseAckItems(cmd, args[1:])
			if err != nil {
				return err
			}
			expiry, err := flags.api().ExtendLease(cmd.Context(), args[0], items[0].ID, items[0].Token, extendMS)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]int64{"lease_expires_at": expiry})
		},
	}
	cmd.Flags().Int64Var(&extendMS, "extend-ms", 30000, "milliseconds to add past the current expiry")
	return cmd
}

func newPeekCmd(flags *rootFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "peek <queue>",
		Short: "List ready messages in delivery order without leasing",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msgs, err := flags.api().Peek(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, msgs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum messages to return")
	return cmd
}

func newMessageCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "message",
		Short: "Produce, consume and inspect messages",
	}

	peekID := &cobra.Command{
		Use:   "peek-id <queue> <id>",
		Short: "Show one message regardless of lease state",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return usagef("%s: invalid message id %q", cmd.CommandPath(), args[1])
			}
			msg, err := flags.api().GetMessage(cmd.Context(), args[0], id)
			if err != nil {
				return err
			}
			return printJSON(cmd, msg)
		},
	}

	remove := &cobra.Command{
		Use:   "remove <queue> <id>",
		Short: "Remove one message, leased or not",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return usagef("%s: invalid message id %q", cmd.CommandPath(), args[1])
			}
			return flags.api().RemoveMessage(cmd.Context(), args[0], id)
		},
	}

	cmd.AddCommand(
		newEnqueueCmd(flags),
		newPollCmd(flags),
		newAckCmd(flags),
		newNackCmd(flags),
		remove,
		newPeekCmd(flags),
		peekID,
		newExtendCmd(flags),
	)
	return cmd
}

func newHealthCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server liveness",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.api().Health(cmd.Context()); err != nil {
				return err
			}
			return printJSON(cmd, "ok")
		},
	}
}

func newMetricsCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Dump the server's Prometheus metrics",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := flags.api().Metrics(cmd.Context())
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), text)
			return err
		},
	}
}
