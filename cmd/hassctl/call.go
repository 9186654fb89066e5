package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/EgorLis/hassclient/internal/hassmessage"
)

func callCmd(a *app) *cobra.Command {
	var (
		entities []string
		areas    []string
		data     []string
	)

	cmd := &cobra.Command{
		Use:     "call <domain.service>",
		Short:   "Call a service",
		Example: `  hassctl call light.turn_on -e light.kitchen -d brightness=120 -d 'rgb_color=[255,0,0]'`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			domain, service, err := splitService(args[0])
			if err != nil {
				return err
			}
			fields, err := parseData(data)
			if err != nil {
				return err
			}
			var target *hassmessage.Target
			if len(entities) > 0 || len(areas) > 0 {
				target = &hassmessage.Target{EntityID: entities, AreaID: areas}
			}

			ctx := cmd.Context()
			conn, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()

			hctx, err := conn.CallService(ctx, domain, service, fields, target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "called %s.%s (context %s)\n", domain, service, hctx.ID)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&entities, "entity", "e", nil, "target entity id (repeatable)")
	cmd.Flags().StringSliceVarP(&areas, "area", "a", nil, "target area id (repeatable)")
	cmd.Flags().StringArrayVarP(&data, "data", "d", nil, "service data as key=value; values are parsed as JSON when possible")
	return cmd
}

// splitService splits "light.turn_on" into its domain and service.
func splitService(s string) (string, string, error) {
	domain, service, ok := strings.Cut(s, ".")
	if !ok || domain == "" || service == "" {
		return "", "", fmt.Errorf("%q is not a domain.service name", s)
	}
	return domain, service, nil
}

// parseData turns key=value pairs into a map. Values that are valid JSON keep
// their type; anything else is a string.
func parseData(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, raw, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("data %q: expected key=value", p)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}
