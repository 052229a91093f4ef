package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/presale/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand streams confirmed purchase events.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to confirmed purchase events",
		ArgsUsage: "[buyer_address]",
		Description: `Subscribe to purchase events published to NATS JetStream.

Events are published to the subject purchases.{buyer_address}. Without an
address every buyer's purchases are shown.

Example:
  presale nats subscribe 9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin --json`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "consumer-name",
				Usage: "Durable consumer name; the consumer survives restarts",
			},
			&cli.BoolFlag{
				Name:  "from-start",
				Usage: "Replay retained events before new ones",
			},
		},
		Action: func(c *cli.Context) error {
			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
			sub, err := natspkg.NewSubscriber(c.String("nats-url"), logger)
			if err != nil {
				return err
			}
			defer sub.Close()

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := natspkg.SubscribeOptions{
				Buyer:     c.Args().First(),
				Durable:   c.String("consumer-name"),
				FromStart: c.Bool("from-start"),
			}
			events, err := sub.Subscribe(ctx, opts)
			if err != nil {
				return err
			}

			jsonOutput := c.Bool("json")
			if !jsonOutput {
				subject := natspkg.StreamSubjects
				if opts.Buyer != "" {
					subject = natspkg.SubjectPrefix + opts.Buyer
				}
				fmt.Fprintf(c.App.ErrWriter, "📡 Subscribing to: %s\n", subject)
				fmt.Fprintf(c.App.ErrWriter, "   NATS: %s\n", c.String("nats-url"))
				fmt.Fprintf(c.App.ErrWriter, "\nWaiting for purchases... (Ctrl-C to exit)\n\n")
			}

			count := 0
			for {
				select {
				case event := <-events:
					count++
					if jsonOutput {
						data, _ := json.Marshal(event)
						fmt.Fprintln(c.App.Writer, string(data))
						continue
					}
					printPurchaseEvent(c.App.Writer, count, event)

				case <-ctx.Done():
					if !jsonOutput {
						fmt.Fprintf(c.App.ErrWriter, "\n\n✅ Received %d purchases\n", count)
					}
					return nil
				}
			}
		},
	}
}

func printPurchaseEvent(w io.Writer, n int, event *natspkg.PurchaseEvent) {
	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Purchase #%d\n", n)
	fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "Signature:    %s\n", event.Signature)
	fmt.Fprintf(w, "Buyer:        %s\n", event.BuyerAddress)
	fmt.Fprintf(w, "Paid:         %s SOL at $%s\n", event.PaidAmount, event.ReferenceQuote)
	fmt.Fprintf(w, "Tokens:       %d\n", event.TokenQuantity)
	fmt.Fprintf(w, "Fee tier:     %d CU @ %d µlamports\n", event.ComputeUnits, event.MicroLamports)
	fmt.Fprintf(w, "Endpoint:     %s\n", event.Endpoint)
	fmt.Fprintf(w, "Confirmed:    %s\n", event.ConfirmedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "\n")
}

// inspectStreamCommand shows information about the NATS JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the PURCHASES JetStream stream",
		Description: `Show information about the JetStream stream including:
- Message count
- Consumers
- Storage usage
- Stream configuration

Example:
  presale nats inspect-stream`,
		Action: func(c *cli.Context) error {
			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			ctx, cancel := context.WithTimeout(c.Context, 10*time.Second)
			defer cancel()

			stream, err := js.Stream(ctx, natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}

			info, err := stream.Info(ctx)
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, info)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "Stream: %s\n", info.Config.Name)
			fmt.Fprintf(w, "─────────────────────────────────────────────────────\n")
			fmt.Fprintf(w, "Description:  %s\n", info.Config.Description)
			fmt.Fprintf(w, "Subjects:     %v\n", info.Config.Subjects)
			fmt.Fprintf(w, "Messages:     %d\n", info.State.Msgs)
			fmt.Fprintf(w, "Bytes:        %d\n", info.State.Bytes)
			fmt.Fprintf(w, "First Seq:    %d\n", info.State.FirstSeq)
			fmt.Fprintf(w, "Last Seq:     %d\n", info.State.LastSeq)
			fmt.Fprintf(w, "Consumers:    %d\n", info.State.Consumers)
			fmt.Fprintf(w, "Max Age:      %s\n", info.Config.MaxAge)
			fmt.Fprintf(w, "Storage:      %s\n", info.Config.Storage)
			return nil
		},
	}
}
