package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"kv-cache-service/api/dto"

	"github.com/urfave/cli/v3"
)

const defaultAddr = "http://localhost:8080"

func main() {
	if err := newApp(os.Stdout).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.Command {
	client := func(cmd *cli.Command) *apiClient {
		return newAPIClient(cmd.String("addr"), cmd.Duration("timeout"))
	}

	return &cli.Command{
		Name:  "kvcache",
		Usage: "Command line client for the key-value cache HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: defaultAddr, Usage: "server address", Sources: cli.EnvVars("KVCACHE_ADDR")},
			&cli.DurationFlag{Name: "timeout", Value: 5 * time.Second, Usage: "request timeout"},
		},
		Commands: []*cli.Command{
			{
				Name:      "get",
				Usage:     "Print the value stored under a key",
				ArgsUsage: "<key>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					key, err := requireArgs(cmd, 1)
					if err != nil {
						return err
					}
					hit, err := client(cmd).Get(ctx, key[0])
					if err != nil {
						return err
					}
					return printJSON(out, hit.Value)
				},
			},
			{
				Name:      "put",
				Usage:     "Store a JSON value under a key",
				ArgsUsage: "<key> <json>",
				Flags:     []cli.Flag{ttlFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					args, err := requireArgs(cmd, 2)
					if err != nil {
						return err
					}
					if !json.Valid([]byte(args[1])) {
						return fmt.Errorf("value is not valid JSON: %s", args[1])
					}
					return client(cmd).Put(ctx, args[0], json.RawMessage(args[1]), cmd.Duration("ttl"))
				},
			},
			{
				Name:      "delete",
				Usage:     "Delete a key",
				ArgsUsage: "<key>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					key, err := requireArgs(cmd, 1)
					if err != nil {
						return err
					}
					return client(cmd).Delete(ctx, key[0])
				},
			},
			{
				Name:      "exists",
				Usage:     "Print whether a key exists",
				ArgsUsage: "<key>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					key, err := requireArgs(cmd, 1)
					if err != nil {
						return err
					}
					exists, err := client(cmd).Exists(ctx, key[0])
					if err != nil {
						return err
					}
					_, err = fmt.Fprintln(out, exists)
					return err
				},
			},
			{
				Name:      "mget",
				Usage:     "Read several keys in one request",
				ArgsUsage: "<key>...",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.NArg() == 0 {
						return fmt.Errorf("at least one key is required")
					}
					hits, err := client(cmd).MGet(ctx, cmd.Args().Slice())
					if err != nil {
						return err
					}
					return printJSON(out, hits)
				},
			},
			{
				Name:      "mset",
				Usage:     "Store several key=JSON entries in one request",
				ArgsUsage: "<key=json>...",
				Flags:     []cli.Flag{ttlFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.NArg() == 0 {
						return fmt.Errorf("at least one entry is required")
					}
					entries := make([]dto.CacheEntry, 0, cmd.NArg())
					for _, arg := range cmd.Args().Slice() {
						e, err := parseEntry(arg)
						if err != nil {
							return err
						}
						entries = append(entries, e)
					}
					return client(cmd).MSet(ctx, entries, cmd.Duration("ttl"))
				},
			},
			{
				Name:      "mdel",
				Usage:     "Delete several keys in one request",
				ArgsUsage: "<key>...",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					if cmd.NArg() == 0 {
						return fmt.Errorf("at least one key is required")
					}
					return client(cmd).MDelete(ctx, cmd.Args().Slice())
				},
			},
			{
				Name:      "keys",
				Usage:     "List keys matching a glob pattern",
				ArgsUsage: "[pattern]",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					keys, err := client(cmd).Keys(ctx, cmd.Args().First())
					if err != nil {
						return err
					}
					for _, k := range keys {
						if _, err = fmt.Fprintln(out, k); err != nil {
							return err
						}
					}
					return nil
				},
			},
			{
				Name:      "publish",
				Usage:     "Publish a message on a channel",
				ArgsUsage: "<channel> <message>",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					args, err := requireArgs(cmd, 2)
					if err != nil {
						return err
					}
					return client(cmd).Publish(ctx, args[0], args[1])
				},
			},
		},
	}
}

func ttlFlag() cli.Flag {
	return &cli.DurationFlag{Name: "ttl", Usage: "time to live, rounded down to whole seconds (0 keeps the key forever)"}
}

func requireArgs(cmd *cli.Command, n int) ([]string, error) {
	if cmd.NArg() != n {
		return nil, fmt.Errorf("%s: expected %d argument(s): %s", cmd.Name, n, cmd.ArgsUsage)
	}
	return cmd.Args().Slice(), nil
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
