package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/brojonat/presale/service/db"
	"github.com/urfave/cli/v2"
)

func listUsersCommand() *cli.Command {
	return &cli.Command{
		Name:    "list-users",
		Usage:   "List registered wallets",
		Aliases: []string{"ls"},
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"n"},
				Usage:   "Maximum number of users to show",
				Value:   100,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Number of users to skip",
			},
		},
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			ctx := context.Background()
			users, err := store.ListUsers(ctx, c.Int("limit"), c.Int("offset"))
			if err != nil {
				return fmt.Errorf("failed to list users: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, users)
			}

			w := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "WALLET\tCREATED")
			for _, u := range users {
				fmt.Fprintf(w, "%s\t%s\n", u.WalletAddress, u.CreatedAt.Format(time.RFC3339))
			}
			w.Flush()

			fmt.Fprintf(c.App.ErrWriter, "\nShowing: %d users\n", len(users))
			return nil
		},
	}
}

func getUserCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-user",
		Usage:     "Get one registered wallet",
		Aliases:   []string{"get"},
		ArgsUsage: "<address>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: wallet address")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			user, err := store.GetUserByWallet(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get user: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, user)
			}

			fmt.Fprintf(c.App.Writer, "Wallet:  %s\n", user.WalletAddress)
			fmt.Fprintf(c.App.Writer, "Created: %s\n", user.CreatedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func countUsersCommand() *cli.Command {
	return &cli.Command{
		Name:  "count-users",
		Usage: "Count registered wallets",
		Action: func(c *cli.Context) error {
			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			n, err := store.CountUsers(context.Background())
			if err != nil {
				return fmt.Errorf("failed to count users: %w", err)
			}

			if c.Bool("json") {
				return outputJSON(c.App.Writer, map[string]int64{"total": n})
			}
			fmt.Fprintf(c.App.Writer, "%d\n", n)
			return nil
		},
	}
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := db.Connect(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db.NewStore(pool, nil), pool.Close, nil
}

// Helper function to output JSON
func outputJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
