package main

import (
	"context"
	"fmt"
	"time"

	"gridstore/pkg/auth"
	"gridstore/pkg/transport"
	"gridstore/pkg/types"
	"gridstore/pkg/utils"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func registerCmd() *cobra.Command {
	var (
		server       string
		dataID       int64
		owner        string
		caller       string
		hier         string
		physicalPath string
		size         string
		checksum     string
		status       string
		admin        bool
		pdmo         bool
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "register <logical-path>",
		Short: "Register an existing physical copy as a replica",
		Long: `Ask a server to record a physical copy in the catalog. Consumers pass
the request on to the catalog provider. Registering the same copy twice
returns the replica number recorded the first time.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Logging)
			defer logger.Sync()

			if server == "" {
				server = cfg.Server.Host
			}
			if caller == "" {
				caller = owner
			}

			replStatus := types.StatusGood
			if status != "" {
				r, err := parseReplica("=" + status)
				if err != nil {
					return err
				}
				replStatus = r.Status
			}

			obj := types.LogicalObject{Path: args[0], Owner: owner, Zone: types.ZoneOf(args[0])}
			dst := types.Descriptor{
				Object:       obj,
				DataID:       types.DataID(dataID),
				Hierarchy:    hier,
				PhysicalPath: physicalPath,
				Checksum:     checksum,
				Status:       replStatus,
			}
			opts := types.RegisterOptions{
				Caller:                   caller,
				AdminOverride:            admin,
				ParentDrivenMetadataOnly: pdmo,
			}
			if size != "" {
				if dst.Size, err = utils.ParseDataSize(size); err != nil {
					return err
				}
				opts.ExplicitSize = true
			}

			req := &types.Request{
				ID:     uuid.NewString(),
				Kind:   types.KindRegister,
				Object: obj,
				DataID: dst.DataID,
				Caller: caller,
				Register: &types.RegisterArgs{
					Source:      types.Descriptor{Object: obj, DataID: dst.DataID},
					Destination: dst,
					Options:     opts,
				},
			}

			tlsBuilder, err := auth.NewBuilder(cfg.AuthConfig())
			if err != nil {
				return err
			}
			pool := transport.NewPool(transport.PoolConfig{
				IdleTimeout: cfg.Transport.IdleTimeout,
				DialOptions: tlsBuilder.DialOptions(),
			}, nil, logger.Named("transport"))
			defer pool.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			logger.Debug("Sending registration",
				zap.String("request_id", req.ID),
				zap.String("server", server),
				zap.String("hierarchy", hier))

			resp, err := pool.Forward(ctx, server, req)
			if err != nil {
				return fmt.Errorf("registration failed: %w", err)
			}

			ok := lipgloss.NewStyle().Foreground(okColor).Bold(true)
			fmt.Printf("%s %s on %s\n", ok.Render("✓ Registered"), args[0], hier)
			fmt.Println(mutedStyle.Render(fmt.Sprintf("  replica %d, executed by %s, request %s",
				resp.ReplicaNumber, resp.ExecutedBy, resp.RequestID)))
			return nil
		},
	}

	cmd.Flags().StringVar(&server, "server", "", "server to send the request to (default server.host)")
	cmd.Flags().Int64Var(&dataID, "data-id", 0, "catalog id of the data object")
	cmd.Flags().StringVar(&owner, "owner", "", "owner of the data object")
	cmd.Flags().StringVar(&caller, "caller", "", "user performing the registration (default owner)")
	cmd.Flags().StringVar(&hier, "hierarchy", "", "full hierarchy of the leaf holding the copy, e.g. replResc;disk1")
	cmd.Flags().StringVar(&physicalPath, "physical-path", "", "path of the copy inside the leaf's storage")
	cmd.Flags().StringVar(&size, "size", "", "size to record; skips the physical size check")
	cmd.Flags().StringVar(&checksum, "checksum", "", "checksum to record and verify")
	cmd.Flags().StringVar(&status, "status", "good", "replica status: good, stale or intermediate")
	cmd.Flags().BoolVar(&admin, "admin", false, "register on behalf of another user")
	cmd.Flags().BoolVar(&pdmo, "parent-driven", false, "mark the registration as driven by a parent resource")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	_ = cmd.MarkFlagRequired("data-id")
	_ = cmd.MarkFlagRequired("hierarchy")
	_ = cmd.MarkFlagRequired("physical-path")
	return cmd
}
