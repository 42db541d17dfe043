package main

import (
	"fmt"

	"github.com/marmos91/dittogw/pkg/config"
	"github.com/spf13/cobra"
)

func initCmd() *cobra.Command {
	var (
		force bool
		path  string
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Long: `Write a commented configuration file with every default filled in.

Without --config the file is created at $XDG_CONFIG_HOME/dittogw/config.yaml
(or ~/.config/dittogw/config.yaml).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if path != "" {
				if err := config.InitConfigToPath(path, force); err != nil {
					return err
				}
				fmt.Printf("Configuration written to %s\n", path)
				return nil
			}

			written, err := config.InitConfig(force)
			if err != nil {
				return err
			}
			fmt.Printf("Configuration written to %s\n", written)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	cmd.Flags().StringVarP(&path, "config", "c", "", "Path of the file to write")

	return cmd
}
