package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"aprilaire-go-home/internal/aprilaire"
	"aprilaire-go-home/internal/mockserver"
)

func newMockCmd() *cobra.Command {
	var (
		listen, name, mac, level string
		cosInterval             time.Duration
	)
	cmd := &cobra.Command{
		Use:   "mock",
		Short: "Run a simulated thermostat",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg := mockserver.Config{COSInterval: cosInterval, Name: name}
			if mac != "" {
				hw, err := net.ParseMAC(mac)
				if err != nil || len(hw) != 6 {
					return fmt.Errorf("invalid --mac %q", mac)
				}
				copy(cfg.MAC[:], hw)
			}
			logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(level)}))

			srv := mockserver.New(cfg, logger)
			if err := srv.Listen(listen); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Serve(ctx)
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", fmt.Sprintf(":%d", aprilaire.DefaultPort), "address to listen on")
	cmd.Flags().StringVar(&name, "name", "Mock", "thermostat name")
	cmd.Flags().StringVar(&mac, "mac", "", "thermostat MAC address (default 01:02:03:04:05:06)")
	cmd.Flags().DurationVar(&cosInterval, "cos-interval", mockserver.DefaultCOSInterval, "interval between pushed state frames")
	cmd.Flags().StringVar(&level, "log-level", "info", "log level")
	return cmd
}
