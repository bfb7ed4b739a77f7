package main

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/MarkoPoloResearchLab/promptledger/internal/auth"
	"github.com/MarkoPoloResearchLab/promptledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/promptledger/internal/httpapi"
	"github.com/MarkoPoloResearchLab/promptledger/internal/jobs"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

func runServer(ctx context.Context, app *application) error {
	if err := app.cfg.ValidateServe(); err != nil {
		return err
	}
	authenticator, err := auth.NewTokenAuthenticator([]byte(app.cfg.JWTSigningKey), app.cfg.JWTIssuer)
	if err != nil {
		return err
	}

	scheduler, closeLease, err := app.newScheduler(ctx)
	if err != nil {
		return err
	}
	defer closeLease()

	lis, err := net.Listen("tcp", app.cfg.GRPCListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpcserver.NewServer(grpcserver.NewLedgerService(app.ledger, app.billing), authenticator, app.logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return httpapi.Run(groupCtx, httpapi.Config{
			ListenAddr:     app.cfg.HTTPListenAddr,
			AllowedOrigins: app.cfg.AllowedOrigins,
			RequestTimeout: app.cfg.RequestTimeout,
		}, httpapi.Dependencies{
			Ledger:        app.ledger,
			Billing:       app.billing,
			Tiers:         app.tiers,
			Referrals:     app.processor,
			Bonuses:       app.bonuses,
			Jobs:          scheduler,
			Authenticator: authenticator,
			Metrics:       app.metrics.Handler(),
			Observer:      app.metrics,
			Logger:        app.logger,
		})
	})
	group.Go(func() error {
		app.logger.Info("gRPC server starting", zap.String("listen_addr", app.cfg.GRPCListenAddr))
		if serveErr := grpcServer.Serve(lis); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		app.logger.Info("shutdown requested")
		grpcServer.GracefulStop()
		return nil
	})
	if app.cfg.SchedulerEnabled {
		scheduler.Start(groupCtx)
		defer scheduler.Stop()
	} else {
		app.logger.Info("scheduler disabled, maintenance runs only on demand")
	}
	return group.Wait()
}

// newScheduler registers the maintenance jobs. Jobs hold a redis lease when redis is configured.
// The cron routes run through the same scheduler whether or not it is started.
func (app *application) newScheduler(ctx context.Context) (*jobs.Scheduler, func(), error) {
	var (
		lease      jobs.Lease = jobs.NewLocalLease()
		closeLease            = func() {}
	)
	if app.cfg.RedisAddr != "" {
		client := goredis.NewClient(&goredis.Options{Addr: app.cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		lease = jobs.NewRedisLease(client)
		closeLease = func() { _ = client.Close() }
	}

	scheduler := jobs.New(jobs.Config{Timeout: app.cfg.JobTimeout}, lease, app.metrics, app.logger)
	for _, job := range app.maintenanceJobs() {
		if err := scheduler.Register(job); err != nil {
			closeLease()
			return nil, nil, err
		}
	}
	return scheduler, closeLease, nil
}
