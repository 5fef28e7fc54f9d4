package main

// Package main is the entry point of kubilitics-reasoner.
//
// Commands:
//   - serve: load configuration, wire the reasoning engine and serve the
//     REST, WebSocket and gRPC health endpoints until SIGINT/SIGTERM.
//   - ask:   run one query in-process and print the answer and its
//     reasoning trace. Useful for trying prompts and providers.
//
// Graceful shutdown:
//   - Marks the gRPC health status NOT_SERVING
//   - Drains in-flight HTTP requests up to server.shutdown_timeout
//   - Flushes the audit log, trace exporter and log file

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-reasoner/internal/audit"
	"github.com/kubilitics/kubilitics-reasoner/internal/config"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/engine"
	"github.com/kubilitics/kubilitics-reasoner/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:          "kubilitics-reasoner",
		Short:        "Answers questions about services from their metrics and logs",
		Version:      server.Version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath, "path to the YAML configuration file")

	root.AddCommand(newServeCmd(&configPath), newAskCmd(&configPath))
	return root
}

// loadConfig loads and validates the configuration at path.
func loadConfig(ctx context.Context, path string) (config.ConfigManager, *config.Config, error) {
	mgr, err := config.NewConfigManager(path)
	if err != nil {
		return nil, nil, err
	}
	if err := mgr.Load(ctx); err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return mgr, mgr.Get(ctx), nil
}

// ─── serve ────────────────────────────────────────────────────────────────────

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP, WebSocket and gRPC health server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *configPath)
		},
	}
}

func runServe(ctx context.Context, configPath string) error {
	mgr, cfg, err := loadConfig(ctx, configPath)
	if err != nil {
		return err
	}
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.logger.Logger

	var sessions server.SessionStore
	if a.store != nil {
		sessions = a.store
	}
	srv, err := server.New(server.FromAppConfig(cfg), a.engine, sessions, a.auth, log)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	go a.watchConfig(ctx, mgr)

	<-ctx.Done()
	log.Info("received shutdown signal")
	if err := srv.Stop(context.Background()); err != nil {
		log.Error("shutdown incomplete", zap.Error(err))
		return err
	}
	log.Info("shutdown complete")
	return nil
}

// watchConfig applies hot-reloadable settings. Only the log level changes at
// runtime; other settings take effect on restart.
func (a *app) watchConfig(ctx context.Context, mgr config.ConfigManager) {
	log := a.logger.Logger
	updates := mgr.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-updates:
			if !ok {
				return
			}
			if err := a.logger.SetLevel(cfg.Logging.Level); err != nil {
				log.Warn("ignoring reloaded log level", zap.Error(err))
			}
			_ = a.auditLog.Log(ctx, audit.NewEvent(audit.EventConfigReload).
				WithCorrelationID(audit.GenerateCorrelationID()).
				WithDescription("configuration reloaded").
				WithMetadata("log_level", cfg.Logging.Level).
				WithResult(audit.ResultSuccess))
			log.Info("configuration reloaded", zap.String("log_level", cfg.Logging.Level))
		}
	}
}

// ─── ask ──────────────────────────────────────────────────────────────────────

type askOptions struct {
	serviceID string
	sessionID string
	token     string
	timeout   time.Duration
	json      bool
}

func newAskCmd(configPath *string) *cobra.Command {
	var opts askOptions
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer one question in-process and print the reasoning trace",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, cfg, err := loadConfig(ctx, *configPath)
			if err != nil {
				return err
			}
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer a.Close()
			return runAsk(ctx, a.engine, cmd.OutOrStdout(), strings.Join(args, " "), opts)
		},
	}
	cmd.Flags().StringVar(&opts.serviceID, "service", "", "service the question is about")
	cmd.Flags().StringVar(&opts.sessionID, "session", "", "chat session id (a new one when empty)")
	cmd.Flags().StringVar(&opts.token, "token", os.Getenv("KUBILITICS_TOKEN"), "credential forwarded to telemetry and chat history backends")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 2*time.Minute, "overall deadline")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print the full response as JSON")
	return cmd
}

func runAsk(ctx context.Context, eng engine.ReasoningEngine, out io.Writer, question string, opts askOptions) error {
	if opts.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.timeout)
		defer cancel()
	}
	resp, err := eng.ProcessQuery(ctx, opts.sessionID, question, engine.ServiceContext{
		ServiceID:  opts.serviceID,
		Credential: opts.token,
	})
	if err != nil {
		return err
	}

	if opts.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	printResponse(out, resp)
	return nil
}

func printResponse(out io.Writer, resp *engine.Response) {
	fmt.Fprintf(out, "%s\n\n", resp.Answer)
	fmt.Fprintf(out, "status:      %s\n", resp.Status)
	fmt.Fprintf(out, "type:        %s\n", resp.RequestType)
	fmt.Fprintf(out, "confidence:  %.2f\n", resp.Confidence)
	if resp.SystemStatus != "" {
		fmt.Fprintf(out, "system:      %s\n", resp.SystemStatus)
	}
	fmt.Fprintf(out, "duration:    %.2fs\n", resp.ExecutionTime)
	fmt.Fprintf(out, "session:     %s\n", resp.SessionID)
	fmt.Fprintf(out, "request:     %s\n", resp.RequestID)

	if len(resp.Recommendations) > 0 {
		fmt.Fprintln(out, "\nrecommendations:")
		for _, r := range resp.Recommendations {
			fmt.Fprintf(out, "  - %s\n", r)
		}
	}
	if len(resp.ActionPlan) > 0 {
		fmt.Fprintln(out, "\naction plan:")
		for i, step := range resp.ActionPlan {
			fmt.Fprintf(out, "  %d. %s\n", i+1, step)
		}
	}

	tr, err := json.MarshalIndent(resp.ReasoningTrace, "", "  ")
	if err == nil {
		fmt.Fprintf(out, "\ntrace:\n%s\n", tr)
	}
}
