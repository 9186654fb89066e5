package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/EgorLis/hassclient/internal/restapi"
)

func apiCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "api",
		Short: "Call the REST API",
		Long:  `Call the hub REST API directly, for example "hassctl api get config".`,
	}
	cmd.AddCommand(apiGetCmd(a), apiPostCmd(a))
	return cmd
}

func (a *app) restClient() (*restapi.Client, error) {
	if err := a.settings.Validate(); err != nil {
		return nil, err
	}
	return restapi.NewClient(a.settings.APIURL(), a.settings.Token,
		restapi.WithLogger(a.logger.WithPrefix("restapi"))), nil
}

func apiGetCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <path>",
		Short: "GET /api/<path> and print the JSON reply",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.restClient()
			if err != nil {
				return err
			}
			var out any
			if err := c.Get(cmd.Context(), args[0], &out); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func apiPostCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "post <path> [json body]",
		Short: "POST to /api/<path> and print the JSON reply",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body any
			if len(args) == 2 {
				if err := json.Unmarshal([]byte(args[1]), &body); err != nil {
					return fmt.Errorf("body: %w", err)
				}
			}
			c, err := a.restClient()
			if err != nil {
				return err
			}
			var out any
			ok, err := c.Post(cmd.Context(), args[0], body, &out)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "no content")
				return nil
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
