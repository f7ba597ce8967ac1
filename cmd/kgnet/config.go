package main

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/kargono/kgnet/internal/config"
	"github.com/kargono/kgnet/internal/util"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}
	cmd.AddCommand(configValidateCmd(), configInitCmd())
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the configuration file and list problems",
		RunE: func(cmd *cobra.Command, args []string) error {
			quiet := util.DefaultLogConfig()
			quiet.Directory = ""
			quiet.Level = "warn"
			if _, err := util.InitLogger(quiet); err != nil {
				return err
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			result := config.Validate(cfg)

			out := cmd.OutOrStdout()
			if len(result.Errors)+len(result.Warnings) > 0 {
				tw := tablewriter.NewWriter(out)
				tw.SetHeader([]string{"Severity", "Field", "Message"})
				tw.SetBorder(true)
				tw.SetAutoWrapText(false)
				for _, e := range result.Errors {
					tw.Append([]string{"error", e.Field, e.Message})
				}
				for _, w := range result.Warnings {
					tw.Append([]string{"warning", w.Field, w.Message})
				}
				tw.Render()
			}

			if !result.IsValid() {
				return fmt.Errorf("%s has %d errors", cfg.Path(), len(result.Errors))
			}
			fmt.Fprintf(out, "%s is valid\n", cfg.Path())
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create or edit the configuration interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := util.InitLogger(util.DefaultLogConfig()); err != nil {
				return err
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return config.RunSetupWizard(cfg, os.Stdin, cmd.OutOrStdout())
		},
	}
}
