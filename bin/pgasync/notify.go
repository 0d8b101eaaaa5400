/*
 * Copyright (c) 2021-2022 UNNG Lab.
 */

package main

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"
)

// newNotifyCommand sends NOTIFY through database/sql and lib/pq.
func newNotifyCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "notify CHANNEL [PAYLOAD]",
		Short: "Send one notification",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := c.database()
			if err != nil {
				return err
			}
			payload := ""
			if len(args) == 2 {
				payload = args[1]
			}

			conn, err := sql.Open("postgres", db)
			if err != nil {
				return err
			}
			defer conn.Close()

			if _, err := conn.ExecContext(cmd.Context(), "select pg_notify($1, $2)", args[0], payload); err != nil {
				return fmt.Errorf("notify %s: %w", args[0], err)
			}
			c.log.Info("notification sent", "channel", args[0])
			return nil
		},
	}
}
