package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"remotelink/internal/config"
	"remotelink/internal/relay"
)

func main() {
	root := &cobra.Command{
		Use:   "relayd",
		Short: "Remote-control session relay",
	}
	root.AddCommand(serveCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var addrFlag string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server (pairing API + WebSocket hub)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			addr := cfg.Addr()
			if addrFlag != "" {
				addr = addrFlag
			}

			logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
			srv := relay.New(relay.Options{
				Logger:              logger,
				AllowedOrigins:      cfg.Origins(),
				AuthTimeout:         cfg.AuthWait(),
				PairDecisionTimeout: cfg.DecisionTimeout(),
				RotationGrace:       cfg.RotationGrace(),
				SweepInterval:       cfg.Sweep(),
			})

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			go srv.Run(ctx)

			httpSrv := &http.Server{
				Addr:              addr,
				Handler:           srv.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			go func() {
				logger.Info("relay listening", "addr", addr, "public_base_url", cfg.PublicBaseURL)
				if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("serve: %v", err)
				}
			}()

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
			<-quit

			logger.Info("shutting down relay...")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				return err
			}
			logger.Info("relay stopped")
			return nil
		},
	}

	cmd.Flags().StringVar(&addrFlag, "addr", "", "listen address override (e.g. :9090)")
	return cmd
}
