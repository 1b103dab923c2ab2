package run

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
)

const shutdownTimeout = 10 * time.Second

type Runner struct {
	Logger *zap.Logger
}

func New(log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{Logger: log}
}

// WithSignals runs start until it returns or SIGINT/SIGTERM arrives, and returns an exit code.
func (r *Runner) WithSignals(start func(ctx context.Context) error) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return r.Until(ctx, start)
}

// Until is WithSignals with the caller's context.
func (r *Runner) Until(ctx context.Context, start func(ctx context.Context) error) int {
	errCh := make(chan error, 1)
	go func() {
		errCh <- start(ctx)
	}()

	select {
	case <-ctx.Done():
		r.Logger.Info("shutdown signal received")
		return 0
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) || errors.Is(err, grpc.ErrServerStopped) {
			return 0
		}
		r.Logger.Error("service exited with error", zap.Error(err))
		return 1
	}
}

// Graceful calls every shutdown func with a shared deadline. Errors are logged.
func (r *Runner) Graceful(shutdown ...func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, fn := range shutdown {
		if err := fn(ctx); err != nil {
			r.Logger.Warn("shutdown", zap.Error(err))
		}
	}
}

// StopGRPC stops srv gracefully, forcing it after the context deadline.
func StopGRPC(srv *grpc.Server) func(context.Context) error {
	return func(ctx context.Context) error {
		stopped := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
			return nil
		case <-ctx.Done():
			srv.Stop()
			return ctx.Err()
		}
	}
}

func Exit(code int) {
	os.Exit(code)
}
