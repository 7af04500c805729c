package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/nholik/deployguard/internal/coordinator"
	"github.com/nholik/deployguard/internal/deploy"
	"github.com/nholik/deployguard/internal/events"
	"github.com/nholik/deployguard/internal/orchestrator"
	"github.com/nholik/deployguard/internal/state"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const deployEventBuffer = 256

type deployOptions struct {
	req deploy.Request
	env map[string]string
}

func newDeployCmd(root *rootOptions) *cobra.Command {
	opts := &deployOptions{}
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Start a deployment and stream its events until it finishes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := cfg.RequireAgent(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					logger.Error().Err(err).Msg("shutdown failed")
				}
			}()

			orch, err := a.newOrchestrator()
			if err != nil {
				return err
			}

			req := opts.req
			req.Environment = opts.env
			req.AuthToken = cfg.AgentToken

			// The ops server stays with serve; only the loops run here.
			bgCfg := cfg
			bgCfg.HealthPort, bgCfg.MetricsPort = 0, 0
			background := a.newCoordinator(bgCfg, state.NewMemoryStore())
			return runMonitored(ctx, logger, background, func(ctx context.Context) error {
				return runDeploy(ctx, logger, a.bus, orch, req, cmd.OutOrStdout())
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.req.AppName, "app", "", "application name (required)")
	f.StringVar(&opts.req.RepoURL, "repo", "", "repository url (required)")
	f.StringVar(&opts.req.Branch, "branch", "", "branch to deploy")
	f.StringVar(&opts.req.Provider, "provider", "", "cloud provider")
	f.StringVar(&opts.req.Region, "region", "", "cloud region")
	f.StringVar(&opts.req.Size, "size", "", "server size")
	f.StringVar(&opts.req.Domain, "domain", "", "domain to configure")
	f.StringVar(&opts.req.DeploymentID, "deployment-id", "", "deployment id (generated when empty)")
	f.StringVar(&opts.req.WorkspaceID, "workspace", "", "workspace id")
	f.StringVar(&opts.req.UserID, "user", "", "user id")
	f.StringToStringVar(&opts.env, "env", nil, "environment variables for the application (KEY=VALUE)")
	_ = cmd.MarkFlagRequired("app")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

// runMonitored runs the health and zombie loops alongside fn and stops them
// once fn returns.
func runMonitored(ctx context.Context, logger zerolog.Logger, background coordinator.Service, fn func(context.Context) error) error {
	bgCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- background.Run(bgCtx)
	}()

	err := fn(ctx)
	stop()
	if bgErr := <-done; bgErr != nil {
		logger.Warn().Err(bgErr).Msg("background monitoring stopped with error")
	}
	return err
}

// runDeploy starts the execution, prints every event for it as a JSON line
// and returns an error unless it completes. Interrupting cancels it.
func runDeploy(ctx context.Context, logger zerolog.Logger, bus *events.Bus, orch *orchestrator.Orchestrator, req deploy.Request, out io.Writer) error {
	if req.DeploymentID == "" {
		req.DeploymentID = uuid.NewString()
	}
	listener := events.NewChanListener(req.DeploymentID, deployEventBuffer)
	bus.Subscribe(listener)
	defer listener.Close()

	exec, err := orch.Start(ctx, req)
	if err != nil {
		return err
	}
	logger.Info().Str("execution_id", exec.ID).Str("deployment_id", exec.DeploymentID).Msg("deployment started")

	enc := json.NewEncoder(out)
	for {
		select {
		case <-ctx.Done():
			if _, err := orch.Cancel(context.Background(), exec.ID); err != nil && !errors.Is(err, orchestrator.ErrNotCancellable) {
				return err
			}
			return waitResult(orch, exec.ID)
		case e, ok := <-listener.Events():
			if !ok {
				return waitResult(orch, exec.ID)
			}
			if err := enc.Encode(e); err != nil {
				return err
			}
			if e.Terminal() || (e.Execution != nil && e.Execution.Status.Terminal()) {
				return waitResult(orch, exec.ID)
			}
		}
	}
}

func waitResult(orch *orchestrator.Orchestrator, id string) error {
	final, err := orch.Wait(context.Background(), id)
	if err != nil {
		return err
	}
	switch final.Status {
	case deploy.StatusSuccess:
		return nil
	case deploy.StatusCancelled:
		return fmt.Errorf("deployment %s cancelled", final.DeploymentID)
	default:
		if final.FailureSummary != nil {
			return fmt.Errorf("deployment %s failed: %s", final.DeploymentID, final.FailureSummary.RootCause)
		}
		return fmt.Errorf("deployment %s ended with status %s", final.DeploymentID, final.Status)
	}
}
