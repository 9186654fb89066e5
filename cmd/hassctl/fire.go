package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func fireCmd(a *app) *cobra.Command {
	var data []string

	cmd := &cobra.Command{
		Use:   "fire <event_type>",
		Short: "Fire an event on the hub bus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseData(data)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			conn, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			if err := conn.FireEvent(ctx, args[0], fields); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fired %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&data, "data", "d", nil, "event data as key=value")
	return cmd
}
