package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/brojonat/presale/client"
	"github.com/google/uuid"
	"github.com/itchyny/gojq"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

func clientCommands() *cli.Command {
	return &cli.Command{
		Name:  "client",
		Usage: "HTTP client commands for interacting with the presale service",
		Subcommands: []*cli.Command{
			registerCommand(),
			userCommand(),
			buyCommand(),
			saleCommand(),
			estimateCommand(),
			quoteCommand(),
			awaitCommand(),
		},
	}
}

func newClient(c *cli.Context) *client.Client {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))
	return client.NewClient(c.String("server-url"), nil, logger)
}

func registerCommand() *cli.Command {
	return &cli.Command{
		Name:      "register",
		Usage:     "Record a wallet address",
		ArgsUsage: "WALLET_ADDRESS",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("wallet address is required")
			}
			user, err := newClient(c).RegisterWallet(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			return outputJSON(c.App.Writer, user)
		},
	}
}

func userCommand() *cli.Command {
	return &cli.Command{
		Name:      "user",
		Usage:     "Look up a registered wallet",
		ArgsUsage: "WALLET_ADDRESS",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("wallet address is required")
			}
			user, err := newClient(c).GetUser(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			return outputJSON(c.App.Writer, user)
		},
	}
}

func buyCommand() *cli.Command {
	return &cli.Command{
		Name:      "buy",
		Usage:     "Send tokens to a buyer for a payment",
		ArgsUsage: "BUYER_ADDRESS",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "amount",
				Aliases:  []string{"a"},
				Usage:    "Paid amount in SOL",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "price",
				Usage: "Reference SOL price; defaults to the server's current quote",
			},
			&cli.StringFlag{
				Name:    "idempotency-key",
				Aliases: []string{"k"},
				Usage:   "Idempotency key; a random one is generated when empty",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   15 * time.Minute,
				Usage:   "How long to wait for confirmation",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("buyer address is required")
			}
			amount, err := decimal.NewFromString(c.String("amount"))
			if err != nil {
				return fmt.Errorf("invalid --amount: %w", err)
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()
			cl := newClient(c)

			var price decimal.Decimal
			if raw := c.String("price"); raw != "" {
				if price, err = decimal.NewFromString(raw); err != nil {
					return fmt.Errorf("invalid --price: %w", err)
				}
			} else if price, err = cl.Quote(ctx); err != nil {
				return fmt.Errorf("failed to fetch quote: %w", err)
			}

			key := c.String("idempotency-key")
			if key == "" {
				key = uuid.NewString()
			}
			if !c.Bool("json") {
				fmt.Fprintf(c.App.ErrWriter, "Buying with %s SOL at %s (idempotency key %s)...\n", amount, price, key)
			}

			sig, err := cl.Transfer(ctx, client.TransferRequest{
				BuyerPublicKey: c.Args().First(),
				SolAmount:      amount,
				SolPrice:       price,
			}, key)
			if err != nil {
				var te *client.TransferError
				if errors.As(err, &te) && c.Bool("json") {
					outputJSON(c.App.Writer, te)
				}
				return err
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, map[string]string{"signature": sig, "idempotency_key": key})
			}
			fmt.Fprintf(c.App.Writer, "✓ Transfer confirmed: %s\n", sig)
			return nil
		},
	}
}

func saleCommand() *cli.Command {
	return &cli.Command{
		Name:  "sale",
		Usage: "Show sale progress and countdown",
		Action: func(c *cli.Context) error {
			s, err := newClient(c).Sale(c.Context)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, s)
			}

			w := c.App.Writer
			fmt.Fprintf(w, "SOL price:    $%s\n", s.SolPrice)
			fmt.Fprintf(w, "CDX price:    $%s\n", s.CDXPrice)
			fmt.Fprintf(w, "Remaining:    %d / %d (%.2f%% sold)\n", s.RemainingSupply, s.TotalForSale, s.SoldPercent)
			if s.TimeLeft.Ended {
				fmt.Fprintf(w, "Time left:    sale ended\n")
			} else {
				fmt.Fprintf(w, "Time left:    %dd %02dh %02dm %02ds\n", s.TimeLeft.Days, s.TimeLeft.Hours, s.TimeLeft.Minutes, s.TimeLeft.Seconds)
			}
			fmt.Fprintf(w, "Purchase:     %s to %s SOL\n", s.MinPurchase, s.MaxPurchase)
			return nil
		},
	}
}

func estimateCommand() *cli.Command {
	return &cli.Command{
		Name:      "estimate",
		Usage:     "Preview how many tokens a payment buys",
		ArgsUsage: "SOL_AMOUNT",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("amount is required")
			}
			amount, err := decimal.NewFromString(c.Args().First())
			if err != nil {
				return fmt.Errorf("invalid amount: %w", err)
			}
			e, err := newClient(c).Estimate(c.Context, amount)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return outputJSON(c.App.Writer, e)
			}
			fmt.Fprintf(c.App.Writer, "%s SOL at $%s buys %d CDX\n", e.SolAmount, e.SolPrice, e.Tokens)
			return nil
		},
	}
}

func quoteCommand() *cli.Command {
	return &cli.Command{
		Name:  "quote",
		Usage: "Show the current SOL price",
		Action: func(c *cli.Context) error {
			q, err := newClient(c).Quote(c.Context)
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, q.String())
			return nil
		},
	}
}

func awaitCommand() *cli.Command {
	return &cli.Command{
		Name:      "await",
		Usage:     "Block until a confirmed purchase matching criteria arrives",
		ArgsUsage: "[BUYER_ADDRESS]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "signature",
				Usage: "Filter by exact transaction signature",
			},
			&cli.StringSliceFlag{
				Name:  "must-jq",
				Usage: "jq expression evaluated against the purchase event; all must be truthy",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   5 * time.Minute,
				Usage:   "How long to wait for a purchase",
			},
		},
		Action: func(c *cli.Context) error {
			filters, err := compileJQ(c.StringSlice("must-jq"))
			if err != nil {
				return err
			}
			matcher := purchaseMatcher(c.String("signature"), filters)

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			if !c.Bool("json") {
				fmt.Fprintf(c.App.ErrWriter, "Waiting for a purchase (timeout %v)...\n", c.Duration("timeout"))
			}
			p, err := newClient(c).Await(ctx, c.Args().First(), matcher)
			if err != nil {
				return fmt.Errorf("failed to await purchase: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, p)
			}
			printPurchase(c.App.Writer, p)
			return nil
		},
	}
}

func compileJQ(exprs []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, len(exprs))
	for i, expr := range exprs {
		query, err := gojq.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse jq filter %q: %w", expr, err)
		}
		if codes[i], err = gojq.Compile(query); err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", expr, err)
		}
	}
	return codes, nil
}

// purchaseMatcher accepts a purchase when signature (if set) matches and
// every jq filter is truthy against the event's JSON form.
func purchaseMatcher(signature string, filters []*gojq.Code) func(*client.Purchase) bool {
	return func(p *client.Purchase) bool {
		if signature != "" && p.Signature != signature {
			return false
		}
		if len(filters) == 0 {
			return true
		}

		// gojq wants plain JSON values, not structs.
		raw, err := json.Marshal(p)
		if err != nil {
			return false
		}
		var doc interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return false
		}

		for _, code := range filters {
			v, ok := code.Run(doc).Next()
			if !ok {
				return false
			}
			if _, isErr := v.(error); isErr {
				return false
			}
			if !isTruthy(v) {
				return false
			}
		}
		return true
	}
}

// isTruthy checks if a jq result value is truthy.
// In jq, false and null are falsy, everything else is truthy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}

func printPurchase(w io.Writer, p *client.Purchase) {
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintln(w, "✓ Purchase Confirmed")
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintf(w, "Signature:   %s\n", p.Signature)
	fmt.Fprintf(w, "Buyer:       %s\n", p.BuyerAddress)
	fmt.Fprintf(w, "Paid:        %s SOL at $%s\n", p.PaidAmount, p.ReferenceQuote)
	fmt.Fprintf(w, "Tokens:      %d\n", p.TokenQuantity)
	fmt.Fprintf(w, "Fee tier:    %d CU @ %d µlamports\n", p.ComputeUnits, p.MicroLamports)
	fmt.Fprintf(w, "Endpoint:    %s\n", p.Endpoint)
	if p.CreatedBuyerAccount {
		fmt.Fprintf(w, "Account:     created for buyer\n")
	}
	if !p.ConfirmedAt.IsZero() {
		fmt.Fprintf(w, "Confirmed:   %s\n", p.ConfirmedAt.Format(time.RFC3339))
	}
	fmt.Fprintln(w, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
}
