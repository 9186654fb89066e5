package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func initCmd(a *app) *cobra.Command {
	var (
		host  string
		port  int
		ssl   bool
		token string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file",
		Long: `Write a config file with the default settings, overridden by the flags.
An existing file is kept unless --force is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(a.configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", a.configPath)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}

			s := a.settings
			if cmd.Flags().Changed("host") {
				s.Host = host
			}
			if cmd.Flags().Changed("port") {
				s.Port = port
			}
			if cmd.Flags().Changed("ssl") {
				s.SSL = ssl
			}
			if cmd.Flags().Changed("token") {
				s.Token = token
			}
			if err := s.Save(a.configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", a.configPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "hub host name or address")
	cmd.Flags().IntVar(&port, "port", 0, "hub port")
	cmd.Flags().BoolVar(&ssl, "ssl", false, "use wss:// and https://")
	cmd.Flags().StringVar(&token, "token", "", "long-lived access token")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}
