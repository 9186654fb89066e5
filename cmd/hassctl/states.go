package main

import (
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/EgorLis/hassclient/internal/hassmessage"
)

func statesCmd(a *app) *cobra.Command {
	var domain string

	cmd := &cobra.Command{
		Use:   "states [entity_id...]",
		Short: "List entity states",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			conn, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			states, err := conn.GetStates(ctx)
			if err != nil {
				return err
			}
			states = filterStates(states, domain, args)
			slices.SortFunc(states, func(x, y hassmessage.State) int {
				return strings.Compare(x.EntityID, y.EntityID)
			})

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ENTITY\tSTATE\tNAME\tCHANGED")
			for _, s := range states {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", s.EntityID, s.State, s.FriendlyName(), s.LastChanged.Local().Format("2006-01-02 15:04:05"))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&domain, "domain", "d", "", "only entities of this domain (light, sensor, ...)")
	return cmd
}

func filterStates(states []hassmessage.State, domain string, ids []string) []hassmessage.State {
	if domain == "" && len(ids) == 0 {
		return states
	}
	out := states[:0:0]
	for _, s := range states {
		if domain != "" && s.Domain() != domain {
			continue
		}
		if len(ids) > 0 && !slices.Contains(ids, s.EntityID) {
			continue
		}
		out = append(out, s)
	}
	return out
}
