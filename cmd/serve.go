package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"

	"github.com/sells-group/customs-cli/internal/api"
	"github.com/sells-group/customs-cli/internal/submission"
	"github.com/sells-group/customs-cli/internal/workflows"
)

var (
	servePort     int
	serveDispatch string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for creating and inspecting submissions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if serveDispatch != "" {
			cfg.Server.Dispatch = serveDispatch
		}

		env, err := initSubmitEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		var dispatcher api.Dispatcher
		switch cfg.Server.Dispatch {
		case "temporal":
			tc, err := dialTemporal()
			if err != nil {
				return err
			}
			defer tc.Close()
			dispatcher = workflows.NewDispatcher(tc, cfg.Temporal.TaskQueue, workflowTimeout())
		default:
			async := submission.NewAsync(env.Orchestrator)
			defer async.Wait()
			dispatcher = async
		}

		handler := api.NewServer(env.Orchestrator, env.Store, dispatcher).Handler(api.Options{
			AllowedOrigins: cfg.Server.AllowedOrigins,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server",
			zap.Int("port", port),
			zap.String("dispatch", cfg.Server.Dispatch),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	serveCmd.Flags().StringVar(&serveDispatch, "dispatch", "", "async or temporal (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// dialTemporal connects to the configured Temporal frontend.
func dialTemporal() (client.Client, error) {
	tc, err := client.Dial(client.Options{
		HostPort:  cfg.Temporal.HostPort,
		Namespace: cfg.Temporal.Namespace,
	})
	if err != nil {
		return nil, eris.Wrap(err, "dial temporal")
	}
	return tc, nil
}

// workflowTimeout bounds one activity run: the automation timeout plus the
// AI and bookkeeping work around it.
func workflowTimeout() time.Duration {
	d := cfg.AutomationTimeout() + 5*time.Minute
	if d < workflows.DefaultActivityTimeout {
		return workflows.DefaultActivityTimeout
	}
	return d
}
