package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func infoCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Connect and show the hub configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conn, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			cfg, err := conn.GetConfig(ctx)
			if err != nil {
				return err
			}
			rtt, err := conn.Ping(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "URL:        %s\n", a.settings.WebSocketURL())
			fmt.Fprintf(out, "Version:    %s\n", conn.HubVersion())
			fmt.Fprintf(out, "State:      %s\n", cfg.State)
			fmt.Fprintf(out, "Location:   %s (%s)\n", cfg.LocationName, cfg.TimeZone)
			fmt.Fprintf(out, "Units:      %s, %s\n", cfg.UnitSystem.Temperature, cfg.UnitSystem.Length)
			fmt.Fprintf(out, "Components: %d\n", len(cfg.Components))
			fmt.Fprintf(out, "Coalescing: %s\n", onOff(conn.Coalescing()))
			fmt.Fprintf(out, "Ping:       %s\n", rtt.Round(100*time.Microsecond))
			return nil
		},
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
