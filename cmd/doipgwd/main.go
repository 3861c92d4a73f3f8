// Command doipgwd runs a standalone DoIP gateway: it accepts tester
// connections over TCP, sends vehicle announcements over UDP, and forwards
// diagnostic payloads to a downstream provider. Incoming UDP vehicle
// identification requests are not answered.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/eshenhu/doipgwd/internal/config"
	"github.com/eshenhu/doipgwd/internal/doip"
	"github.com/eshenhu/doipgwd/internal/doip/conn"
	"github.com/eshenhu/doipgwd/internal/doip/downstream"
	"github.com/eshenhu/doipgwd/internal/doip/model"
	"github.com/eshenhu/doipgwd/internal/doip/server"
	"github.com/eshenhu/doipgwd/internal/doip/transport"
	"github.com/eshenhu/doipgwd/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := logging.New(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush on exit

	logger.Infof("starting doipgwd: logical address %04X, tcp port %d", cfg.LogicalAddress, cfg.TCPPort)

	registry := downstream.NewRegistry()
	defer registry.Close()
	if err := registry.Register(cfg.LogicalAddress, downstream.NewMockUDSProvider(16)); err != nil {
		logger.Fatalf("failed to register downstream provider: %v", err)
	}

	modelFactory := func() *model.Model {
		return &model.Model{
			Identity: model.Identity{
				VIN:              cfg.VIN,
				LogicalAddress:   cfg.LogicalAddress,
				EID:              cfg.EID,
				GID:              cfg.GID,
				FurtherAction:    cfg.FurtherAction,
				AnnounceCount:    cfg.AnnounceCount,
				AnnounceInterval: int(cfg.AnnounceInterval.Milliseconds()),
			},
			DownstreamHandler: true,
			OnOpen: func(ctx model.Context) {
				logger.Infof("connection %s opened", ctx.Identifier())
			},
			OnClose: func(ctx model.Context, reason string) {
				logger.Infof("connection %s closed: %s", ctx.Identifier(), reason)
			},
			OnDownstreamRequest: func(ctx model.Context, msg doip.Message, respond model.Respond) model.DownstreamStatus {
				data, _ := msg.UserData()
				target, _ := msg.TargetAddress()
				registry.Dispatch(target, data, func(r downstream.Response) {
					status := model.DownstreamHandled
					if r.Status != downstream.StatusHandled {
						status = model.DownstreamError
					}
					respond(status, r.Payload)
				})
				return model.DownstreamPending
			},
		}
	}

	srv := server.New(server.Config{
		TCPPort:          cfg.TCPPort,
		VIN:              cfg.VIN,
		LogicalAddress:   cfg.LogicalAddress,
		EID:              cfg.EID,
		GID:              cfg.GID,
		FurtherAction:    cfg.FurtherAction,
		AnnounceCount:    cfg.AnnounceCount,
		AnnounceInterval: cfg.AnnounceInterval,
		ConnConfig:       conn.Config{},
	}, transport.NewTCPServerTransport(cfg.Loopback, doip.DefaultMaxPayloadLength), modelFactory, nil, logger)

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Run(gctx)
	})

	g.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)

		select {
		case sig := <-sigCh:
			logger.Infof("signal received: %s, shutting down", sig)
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Errorf("doipgwd exited with error: %v", err)
		os.Exit(1)
	}
	logger.Info("doipgwd shut down cleanly")
}
