package main

import (
	"errors"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"pgasync"
)

func newListenCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "listen CHANNEL...",
		Short: "Print notifications until interrupted",
		Long: `Open one listener per channel and print every notification as
channel, sending process id and payload. Channel names are case sensitive.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := c.database()
			if err != nil {
				return err
			}

			var mu sync.Mutex
			out := cmd.OutOrStdout()
			printNotification := func(n pgasync.Notification) {
				mu.Lock()
				defer mu.Unlock()
				fmt.Fprintf(out, "%s\t%d\t%s\n", n.Channel, n.PID, n.Payload)
			}

			pool := pgasync.NewWorkerPool(cmd.Context(), pgasync.ListenTask(db, pgasync.WithLogger(c.log)), printNotification,
				pgasync.WithLogger(c.log))
			pool.StartMany(args...)

			var errs []error
			for _, w := range pool.Workers() {
				if err := w.Wait(); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		},
	}
}
