package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	relay "github.com/bjoelf/trade-relay/adapter"
	"github.com/bjoelf/trade-relay/adapter/metrics"
	"github.com/bjoelf/trade-relay/adapter/uniswap"
	"github.com/bjoelf/trade-relay/adapter/websocket"
)

const shutdownTimeout = 5 * time.Second

func newRunCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the server and execute trades until stopped",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runRelay(ctx, cmd.ErrOrStderr(), opts.loadOptions())
		},
	}
}

// runRelay serves metrics next to the websocket client until the client stops
// for good or ctx is canceled
func runRelay(ctx context.Context, out io.Writer, opts relay.LoadOptions) error {
	cfg, err := relay.LoadConfig(opts)
	if err != nil {
		logger := relay.NewLogger("info", out)
		status := relay.StatusForError(err)
		metrics.SetStatus(status)
		logger.Error("Relay cannot start",
			"function", "runRelay",
			"status", string(status),
			"error", err)
		return err
	}

	logger := relay.NewLogger(cfg.LogLevel, out)

	executor, err := uniswap.Dial(ctx, cfg.EthereumProvider, uniswap.Config{
		Router:   common.HexToAddress(cfg.UniswapRouter),
		Deadline: cfg.TradeDeadline,
	}, logger)
	if err != nil {
		return err
	}
	defer executor.Close()

	client := websocket.NewClient(cfg, cfg.CredentialSource(ctx, logger), executor, logger, websocket.Options{})
	server := metrics.NewServer(cfg.MetricsAddr, client.Status)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, gctx := errgroup.WithContext(runCtx)

	group.Go(func() error {
		logger.Info("Serving metrics",
			"function", "runRelay",
			"addr", cfg.MetricsAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancelShutdown()
		return server.Shutdown(shutdownCtx)
	})

	group.Go(func() error {
		defer cancel()
		return client.Run(gctx)
	})

	err = group.Wait()
	logFinalStatus(logger, client.Status(), err)

	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func logFinalStatus(logger *slog.Logger, status relay.Status, err error) {
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Relay stopped",
			"function", "runRelay",
			"status", string(status),
			"error", err)
		return
	}
	logger.Info("Relay stopped",
		"function", "runRelay",
		"status", string(status))
}
