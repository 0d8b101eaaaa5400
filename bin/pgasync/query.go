package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"pgasync"
)

func newQueryCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query SQL [ARG...]",
		Short: "Run one statement and print its rows",
		Long: `Run one statement with $1..$n parameters and print the rows tab separated.
Arguments are sent as text and typed by the server.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := c.database()
			if err != nil {
				return err
			}
			binary, _ := cmd.Flags().GetBool("binary")
			format := pgasync.Text
			if binary {
				format = pgasync.Binary
			}

			loop, err := pgasync.NewEventLoop(pgasync.WithLogger(c.log))
			if err != nil {
				return err
			}
			if err := loop.Run(); err != nil {
				return err
			}
			defer func() {
				loop.Stop()
				loop.Wait()
			}()

			conn, err := pgasync.Connect(cmd.Context(), db, pgasync.WithLogger(c.log), pgasync.WithEventLoop(loop))
			if err != nil {
				return err
			}
			defer conn.Close()

			params := make([]interface{}, len(args)-1)
			for i, a := range args[1:] {
				params[i] = a
			}
			res, err := conn.Query(cmd.Context(), args[0], params, format)
			if err != nil {
				return err
			}
			defer res.Close()
			return printResult(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().Bool("binary", false, "request binary result columns, printed as hex")
	return cmd
}

func printResult(w io.Writer, res *pgasync.Result) error {
	fields := res.Fields()
	if len(fields) > 0 {
		names := make([]string, len(fields))
		for i, f := range fields {
			names[i] = f.Name
		}
		fmt.Fprintln(w, strings.Join(names, "\t"))
	}

	values := make([]string, len(fields))
	for res.Next() {
		for i, f := range fields {
			raw, err := res.Bytes(i)
			if err != nil {
				return err
			}
			switch {
			case raw == nil:
				values[i] = "NULL"
			case f.Format == pgasync.Binary:
				values[i] = `\x` + hex.EncodeToString(raw)
			default:
				values[i] = string(raw)
			}
		}
		fmt.Fprintln(w, strings.Join(values, "\t"))
	}
	fmt.Fprintln(w, res.CommandTag())
	return nil
}
