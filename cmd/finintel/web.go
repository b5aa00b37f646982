package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/finintel-client/internal/web"
)

const shutdownTimeout = 10 * time.Second

func newWebCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "web",
		Short: "Serve the upload page and follow submissions from the browser",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serveWeb(cmd.Context())
		},
	}
}

// serveWeb は ctx が終了するまでWebフロントを動かし、終了時は実行中の送信を止めてから戻ります。
func (a *app) serveWeb(ctx context.Context) error {
	gin.SetMode(a.cfg.GinMode)

	controller, err := a.controller()
	if err != nil {
		return err
	}
	srv, err := web.NewServer(a.cfg, controller, a.logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("web.listen", "addr", httpServer.Addr, "mode", a.cfg.GinMode, "job_service", a.cfg.JobServiceURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		a.logger.Info("web.shutdown")
		// SSE の接続は送信セッションを閉じると終わるため、先に止める
		closeErr := srv.Close(shutdownCtx)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return closeErr
	})

	return g.Wait()
}
