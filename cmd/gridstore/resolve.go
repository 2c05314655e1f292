package main

import (
	"context"
	"fmt"
	"strings"

	"gridstore/pkg/hierarchy"
	"gridstore/pkg/resource"
	"gridstore/pkg/types"
	"gridstore/pkg/utils"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

func resolveCmd() *cobra.Command {
	var (
		root     string
		resolved string
		confined string
		size     string
		replicas []string
	)

	cmd := &cobra.Command{
		Use:   "resolve <create|open|write|unlink> <logical-path>",
		Short: "Resolve which resource would serve an operation",
		Long: `Run the hierarchy vote against the configured resource tree without
contacting any server. Existing replicas are given as
hierarchy=status pairs, e.g. --replica "replResc;disk2=good".`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogger(cfg.Logging)
			defer logger.Sync()

			kind := types.RequestKind(args[0])
			if _, ok := kind.Operation(); !ok {
				return fmt.Errorf("unknown operation %q", args[0])
			}

			req := &types.Request{
				Kind:       kind,
				Object:     types.LogicalObject{Path: args[1], Zone: types.ZoneOf(args[1])},
				RootHint:   root,
				Resolved:   resolved,
				ConfinedTo: confined,
			}
			if size != "" {
				if req.Size, err = utils.ParseDataSize(size); err != nil {
					return err
				}
			}
			for i, arg := range replicas {
				r, err := parseReplica(arg)
				if err != nil {
					return err
				}
				r.ReplicaNumber = i
				req.Replicas = append(req.Replicas, r)
			}

			tree, err := resource.NewTree(cfg.ResourceDefinitions())
			if err != nil {
				return err
			}
			resolver := hierarchy.New(tree, resource.NewDefaultRegistry(logger), hierarchy.Config{
				Zone:            cfg.Server.Zone,
				LocalHost:       cfg.Server.Host,
				FederatedZones:  cfg.FederatedZoneMap(),
				DefaultResource: cfg.Server.DefaultResource,
			}, nil, logger.Named("resolver"))

			res, err := resolver.Resolve(context.Background(), req)
			if err != nil {
				return err
			}
			fmt.Println(renderResolution(req, res, cfg.Server.Host))
			return nil
		},
	}

	cmd.Flags().StringVar(&root, "root", "", "root resource to vote from")
	cmd.Flags().StringVar(&resolved, "resolved", "", "already resolved hierarchy to validate instead of voting")
	cmd.Flags().StringVar(&confined, "confined-to", "", "hierarchy prefix the result must lie under")
	cmd.Flags().StringVar(&size, "size", "", "object size, e.g. 40GB")
	cmd.Flags().StringArrayVar(&replicas, "replica", nil, "existing replica as hierarchy=status (repeatable)")
	return cmd
}

func parseReplica(arg string) (types.Replica, error) {
	hier, status, ok := strings.Cut(arg, "=")
	if !ok {
		status = "good"
	}
	r := types.Replica{Hierarchy: hier}
	switch status {
	case "good":
		r.Status = types.StatusGood
	case "stale":
		r.Status = types.StatusStale
	case "intermediate":
		r.Status = types.StatusIntermediate
	default:
		return r, fmt.Errorf("replica %q: unknown status %q", arg, status)
	}
	return r, nil
}

func renderResolution(req *types.Request, res *hierarchy.Result, localHost string) string {
	where := lipgloss.NewStyle().Foreground(okColor).Bold(true).Render("LOCAL")
	if !strings.EqualFold(res.Host, localHost) {
		where = lipgloss.NewStyle().Foreground(primaryColor).Bold(true).Render("REMOTE")
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(primaryColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return lipgloss.NewStyle().Foreground(mutedColor).Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})

	t.Row("operation", string(req.Kind))
	t.Row("path", req.Object.Path)
	if res.RemoteZone != "" {
		t.Row("zone", res.RemoteZone+" (federated)")
	} else {
		t.Row("hierarchy", res.Hierarchy.String())
		if res.Voted {
			t.Row("score", fmt.Sprintf("%.3f", res.Score))
		} else {
			t.Row("score", "pre-resolved")
		}
	}
	t.Row("host", res.Host)
	t.Row("executes", where)

	return headerStyle.Render("RESOLUTION") + "\n" + t.Render()
}
