package main

import (
	"fmt"

	"gridstore/pkg/config"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage gridstore configuration",
	}
	cmd.AddCommand(configInitCmd(), configShowCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var (
		path  string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a sample configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if path == "" {
				path = configFile
			}
			if path == "" {
				path = config.DefaultConfigPath()
			}
			if err := config.WriteSample(path, force); err != nil {
				return err
			}

			ok := lipgloss.NewStyle().Foreground(okColor).Bold(true)
			fmt.Printf("%s %s\n", ok.Render("✓ Wrote sample configuration to"), path)
			fmt.Println(mutedStyle.Render("  edit server.host and the resources list, then run: gridstore server"))
			return nil
		},
	}

	cmd.Flags().StringVar(&path, "path", "", "where to write the file (default --config or the XDG config path)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Long:  "Print the configuration after defaults, the config file and GRIDSTORE_* environment overrides are applied.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := config.Marshal(cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
}
