package main

import (
	"io"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConfig(cmd.OutOrStdout())
		},
	})
}

func runConfig(out io.Writer) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(out, cfg)
	}
	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}
