/*
 * Copyright (c) 2021-2022 UNNG Lab.
 */

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli carries the settings shared by all subcommands. Flags can also be set through PGASYNC_ environment
// variables, e.g. PGASYNC_DATABASE or PGASYNC_LOG_LEVEL.
type cli struct {
	v   *viper.Viper
	log *slog.Logger
}

func newRootCommand() *cobra.Command {
	c := &cli{v: viper.New()}
	c.v.SetEnvPrefix("PGASYNC")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "pgasync",
		Short: "Run queries and LISTEN/NOTIFY against PostgreSQL with the pgasync client",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return c.setup(cmd.ErrOrStderr())
		},
	}
	registerFlags(root.PersistentFlags())
	if err := c.v.BindPFlags(root.PersistentFlags()); err != nil {
		panic(err)
	}

	root.AddCommand(newQueryCommand(c), newListenCommand(c), newNotifyCommand(c))
	return root
}

func registerFlags(fs *pflag.FlagSet) {
	fs.StringP("database", "d", "", "connection string, key/value or postgres:// URL")
	fs.String("log-level", "warn", "log level: debug, info, warn or error")
}

func (c *cli) setup(w io.Writer) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.v.GetString("log-level"))); err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	c.log = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	return nil
}

func (c *cli) database() (string, error) {
	db := c.v.GetString("database")
	if db == "" {
		return "", fmt.Errorf("no database given, use --database or PGASYNC_DATABASE")
	}
	return db, nil
}
