package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/strataga/ghostpirates/internal/events"
)

const (
	shutdownTimeout = 10 * time.Second
	pollInterval    = 500 * time.Millisecond
)

func newRunCmd(a *app) *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "run [team-id...]",
		Short: "Start the named teams, recover every active team and supervise them",
		Long: `Start supervisors for the named teams and for every team persisted as
active. Without --follow the command returns once every supervised team has
completed or failed. Interrupting it stops the supervisors; tasks keep their
state and resume from their last checkpoint on the next run.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, args, follow)
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "keep running after every team finished")
	return cmd
}

func (a *app) run(cmd *cobra.Command, teamIDs []string, follow bool) error {
	ctx := cmd.Context()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go a.metrics.Run(runCtx, a.bus.SubscribeAll(1024))
	if addr := a.cfg.Metrics.Addr; addr != "" {
		go func() {
			if err := a.metrics.Serve(runCtx, addr); err != nil {
				a.logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	if ec := a.cfg.Events; ec.RedisAddr != "" {
		sink, err := events.NewRedisSink(events.RedisSinkConfig{
			Addr:       ec.RedisAddr,
			Password:   ec.RedisPassword,
			DB:         ec.RedisDB,
			KeyPrefix:  ec.RedisPrefix,
			Channel:    ec.RedisChannel,
			MaxHistory: ec.HistorySize,
		}, a.logger)
		if err != nil {
			return err
		}
		defer sink.Close()
		go sink.Run(runCtx, a.bus.SubscribeAll(1024))
	}

	for _, id := range teamIDs {
		if err := a.orch.StartTeam(ctx, id); err != nil {
			return err
		}
	}
	recovered, err := a.orch.RecoverActive(ctx)
	if err != nil {
		return err
	}

	running := a.orch.Registry().Running()
	a.logger.Info("orchestrator running",
		zap.Int("teams", len(running)),
		zap.Int("recovered", recovered))
	if len(running) == 0 && !follow {
		fmt.Fprintln(cmd.OutOrStdout(), "no active teams")
		return nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
wait:
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("shutdown signal received, cleaning up")
			break wait
		case <-ticker.C:
			if !follow && len(a.orch.Registry().Running()) == 0 {
				break wait
			}
		}
	}

	// Kill all tracked subprocesses
	if err := a.pm.KillAll(); err != nil {
		a.logger.Warn("failed to kill step processes", zap.Error(err))
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancelShutdown()
	if err := a.orch.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("shutdown timeout exceeded", zap.Error(err))
	}

	for _, id := range running {
		st, err := a.orch.Status(context.WithoutCancel(ctx), id)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", id, st.Team.Status)
	}
	return nil
}
