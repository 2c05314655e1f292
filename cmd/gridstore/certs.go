package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gridstore/pkg/auth"
	"gridstore/pkg/config"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

func certsCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Manage the certificates servers use to authenticate each other",
	}
	cmd.PersistentFlags().StringVar(&dir, "dir", filepath.Join(config.ConfigDir(), "certs"), "certificate directory")

	var (
		name     string
		validity time.Duration
		force    bool
	)
	caCmd := &cobra.Command{
		Use:   "ca",
		Short: "Create the grid certificate authority",
		RunE: func(cmd *cobra.Command, args []string) error {
			certFile, keyFile := filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key")
			if !force {
				if _, err := os.Stat(certFile); err == nil {
					return fmt.Errorf("CA already exists at %s (use --force to overwrite)", certFile)
				}
			}
			ca, err := auth.NewAuthority(name, validity)
			if err != nil {
				return err
			}
			if err := ca.Save(certFile, keyFile); err != nil {
				return err
			}
			printWritten("CA", certFile, ca.Cert.NotAfter)
			fmt.Println(mutedStyle.Render("  keep ca.key private; copy ca.crt to every server"))
			return nil
		},
	}
	caCmd.Flags().StringVar(&name, "name", "gridstore", "CA common name")
	caCmd.Flags().DurationVar(&validity, "validity", 10*365*24*time.Hour, "CA lifetime")
	caCmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing CA")

	var issueValidity time.Duration
	issueCmd := &cobra.Command{
		Use:   "issue <host:port>",
		Short: "Issue a certificate for one server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ca, err := auth.LoadAuthority(filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key"))
			if err != nil {
				return err
			}
			cert, key, err := ca.Issue(args[0], issueValidity)
			if err != nil {
				return err
			}
			base := strings.ReplaceAll(auth.HostOnly(args[0]), ":", "_")
			certFile, keyFile := filepath.Join(dir, base+".crt"), filepath.Join(dir, base+".key")
			if err := auth.WriteKeyPair(cert, key, certFile, keyFile); err != nil {
				return err
			}
			printWritten("certificate for "+auth.HostOnly(args[0]), certFile, cert.NotAfter)
			fmt.Println(mutedStyle.Render(fmt.Sprintf("  tls: {enabled: true, ca_file: %s, cert_file: %s, key_file: %s}",
				filepath.Join(dir, "ca.crt"), certFile, keyFile)))
			return nil
		},
	}
	issueCmd.Flags().DurationVar(&issueValidity, "validity", 365*24*time.Hour, "certificate lifetime")

	cmd.AddCommand(caCmd, issueCmd)
	return cmd
}

func printWritten(what, path string, expires time.Time) {
	ok := lipgloss.NewStyle().Foreground(okColor).Bold(true)
	fmt.Printf("%s %s\n", ok.Render("✓ Wrote "+what+" to"), path)
	fmt.Println(mutedStyle.Render("  expires " + expires.Format(time.DateOnly)))
}
