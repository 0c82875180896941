package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/glimte/conveyor/config"
	"github.com/glimte/conveyor/conventions"
	"github.com/glimte/conveyor/internal/rabbitmq"
	"github.com/glimte/conveyor/internal/telemetry"
	"github.com/glimte/conveyor/messaging"
	"github.com/glimte/conveyor/outbox"
	"github.com/glimte/conveyor/outbox/gormstore"
	"github.com/glimte/conveyor/outbox/redisinbox"
)

type configFunc func() *config.Config

func newRelayCmd(cfg configFunc) *cobra.Command {
	var (
		once    bool
		migrate bool
	)

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Publish unprocessed outbox messages until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runRelay(ctx, cmd.OutOrStdout(), cfg(), once, migrate)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Relay a single batch and exit")
	cmd.Flags().BoolVar(&migrate, "migrate", false, "Create the outbox tables before relaying")
	return cmd
}

func runRelay(ctx context.Context, out io.Writer, cfg *config.Config, once, migrate bool) error {
	logger := slog.Default()

	tracer, shutdown, err := telemetry.Setup(ctx, cfg.TelemetryConfig())
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			logger.Error("failed to flush traces", "error", err)
		}
	}()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if migrate {
		if err := store.Migrate(ctx); err != nil {
			return err
		}
	}

	conn := rabbitmq.NewConnectionManager(cfg.RabbitMQURL, rabbitmq.WithLogger(logger))
	if err := conn.Connect(ctx); err != nil {
		return err
	}
	defer conn.Close()

	pool, err := rabbitmq.NewChannelPool(conn,
		rabbitmq.WithMaxSize(cfg.PublisherPoolSize),
		rabbitmq.WithPoolLogger(logger),
	)
	if err != nil {
		return err
	}
	defer pool.Close()

	publisher := messaging.NewPublisher(pool, conventions.NewResolver(cfg.ResolverOptions()...),
		messaging.WithPublisherLogger(logger),
		messaging.WithPublisherTopology(cfg.TopologyOptions()),
		messaging.WithPropertiesOptions(cfg.PropertiesOptions()),
		messaging.WithPublisherTracer(tracer),
	)

	opts, err := cfg.ProcessorOptions()
	if err != nil {
		return err
	}
	processor, err := outbox.NewProcessor(store, publisher, append(opts, outbox.WithProcessorLogger(logger))...)
	if err != nil {
		return err
	}

	if once {
		res, err := processor.Tick(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "fetched %d, published %d, failed %d\n", res.Fetched, res.Published, res.Failed)
		return nil
	}

	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newPendingCmd(cfg configFunc) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List outbox messages that have not been published yet",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx, cfg())
			if err != nil {
				return err
			}
			defer store.Close()
			return printPending(ctx, cmd.OutOrStdout(), store, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of messages to list")
	return cmd
}

type pendingStore interface {
	Pending(ctx context.Context) (int64, error)
	FindUnprocessed(ctx context.Context, limit int) ([]outbox.OutboxMessage, error)
}

func printPending(ctx context.Context, out io.Writer, store pendingStore, limit int) error {
	total, err := store.Pending(ctx)
	if err != nil {
		return err
	}
	rows, err := store.FindUnprocessed(ctx, limit)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "%d pending\n", total)
	if len(rows) == 0 {
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tEXCHANGE\tROUTING KEY\tSENT AT\tCORRELATION ID")
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			row.ID, row.MessageType, orDash(row.Exchange), orDash(row.RoutingKey),
			row.SentAt.UTC().Format(time.RFC3339), row.CorrelationID)
	}
	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func newConventionsCmd(cfg configFunc) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "conventions <type-identity>",
		Short: "Show the exchange, queue and routing key of a message type",
		Long: `Show the exchange, queue and routing key of a message type.

Examples:
  conveyor conventions github.com/acme/orders.OrderPlaced
  conveyor conventions github.com/acme/orders.OrderPlaced --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printConventions(cmd.OutOrStdout(), cfg(), args[0], format)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "table", "Output format (table, json)")
	return cmd
}

type conventionsView struct {
	MessageType        string `json:"messageType"`
	Exchange           string `json:"exchange"`
	Queue              string `json:"queue"`
	RoutingKey         string `json:"routingKey"`
	DeadLetterExchange string `json:"deadLetterExchange,omitempty"`
	DeadLetterQueue    string `json:"deadLetterQueue,omitempty"`
}

func printConventions(out io.Writer, cfg *config.Config, name, format string) error {
	c, err := conventions.NewResolver(cfg.ResolverOptions()...).ResolveName(name)
	if err != nil {
		return err
	}

	view := conventionsView{
		MessageType: c.MessageType,
		Exchange:    c.Exchange,
		Queue:       c.Queue,
		RoutingKey:  c.RoutingKey,
	}
	if topology := cfg.TopologyOptions(); topology.DeadLetterEnabled {
		view.DeadLetterExchange = topology.DeadLetterExchange(c.Exchange)
		view.DeadLetterQueue = topology.DeadLetterQueue(c.Queue)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	case "table", "":
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "Message type:\t%s\n", view.MessageType)
		fmt.Fprintf(w, "Exchange:\t%s\n", view.Exchange)
		fmt.Fprintf(w, "Queue:\t%s\n", view.Queue)
		fmt.Fprintf(w, "Routing key:\t%s\n", view.RoutingKey)
		if view.DeadLetterExchange != "" {
			fmt.Fprintf(w, "Dead-letter exchange:\t%s\n", view.DeadLetterExchange)
			fmt.Fprintf(w, "Dead-letter queue:\t%s\n", view.DeadLetterQueue)
		}
		return w.Flush()
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}

func newInboxCmd(cfg configFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "inbox <message-id>",
		Short: "Show whether a message id was handled, using the redis inbox",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			if c.Redis.Addr == "" {
				return errors.New("CONVEYOR_REDIS_ADDR is not set")
			}
			client := redis.NewClient(&redis.Options{Addr: c.Redis.Addr})
			defer client.Close()

			inbox, err := redisinbox.New(client, redisinbox.WithTTL(c.Redis.InboxTTL))
			if err != nil {
				return err
			}
			return printInbox(cmd.Context(), cmd.OutOrStdout(), inbox, args[0])
		},
	}
}

func printInbox(ctx context.Context, out io.Writer, inbox *redisinbox.Store, id string) error {
	at, ok, err := inbox.ProcessedAt(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(out, "%s not handled\n", id)
		return nil
	}
	fmt.Fprintf(out, "%s handled at %s\n", id, at.Format(time.RFC3339))
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (*gormstore.Store, error) {
	db, err := gormstore.Connect(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	return gormstore.New(db, gormstore.WithLogger(slog.Default()))
}
