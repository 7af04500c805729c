package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/nholik/deployguard/internal/deploy"
	"github.com/nholik/deployguard/internal/status"
	"github.com/nholik/deployguard/internal/store"
	"github.com/spf13/cobra"
)

type statusOptions struct {
	filter store.StatusFilter
}

// statusReader is the read side of the status monitor.
type statusReader interface {
	Get(ctx context.Context, deploymentID string) (*deploy.DeploymentStatus, error)
	Summarize(ctx context.Context, filter store.StatusFilter) (status.Summary, error)
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	opts := &statusOptions{}
	cmd := &cobra.Command{
		Use:   "status [deployment-id]",
		Short: "Print one deployment's status, or the fleet summary with zombie servers",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Error().Err(err).Msg("shutdown failed")
				}
			}()

			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return printStatus(cmd.Context(), a.monitor, opts.filter, id, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.filter.WorkspaceID, "workspace", "", "only summarize this workspace")
	cmd.Flags().StringVar(&opts.filter.UserID, "user", "", "only summarize this user's deployments")
	return cmd
}

// printStatus writes the deployment's status when id is set, otherwise the
// summary for filter, as indented JSON.
func printStatus(ctx context.Context, monitor statusReader, filter store.StatusFilter, id string, out io.Writer) error {
	var v any
	if id != "" {
		ds, err := monitor.Get(ctx, id)
		if err != nil {
			return err
		}
		v = ds
	} else {
		summary, err := monitor.Summarize(ctx, filter)
		if err != nil {
			return err
		}
		v = summary
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
