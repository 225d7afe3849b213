package cmds

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-go-golems/asynclang/pkg/api"
	"github.com/go-go-golems/asynclang/pkg/config"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the thread API",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			s, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, s)
		},
	}
	config.AddServeFlags(cmd)
	return cmd
}

func serve(ctx context.Context, s *config.Settings) error {
	app, err := NewApp(s, true)
	if err != nil {
		return err
	}
	app.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// unfinished tasks on record belong to a previous process
	failed, err := app.Service.FailInterruptedTasks(ctx)
	if err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = app.Close(closeCtx)
		return errors.Wrap(err, "could not recover interrupted tasks")
	}
	if failed > 0 {
		log.Warn().Int("tasks", failed).Msg("failed tasks interrupted by the previous shutdown")
	}

	server := &http.Server{
		Addr: s.Listen,
		Handler: api.NewServer(app.Service,
			api.WithRateLimit(s.RateLimitRPS, s.RateLimitBurst),
			api.WithGatherer(app.Registry),
		).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return app.Router.Run(ctx)
	})

	eg.Go(func() error {
		select {
		case <-app.Router.Running():
		case <-ctx.Done():
			return nil
		}
		log.Info().Str("addr", s.Listen).Msg("starting http server")
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	eg.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("http server shutdown")
		}
		return app.Close(shutdownCtx)
	})

	err = eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
