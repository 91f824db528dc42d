// Command geminigw runs the OpenAI-compatible chat-completions gateway
// in front of Google's generative-language API.
//
// Boot sequence grounded on the teacher's main.go: init logging and
// config, open the store, wire the remote mirror and proxy pool, build
// the domain components bottom-up, start the gin server, then drain
// in-flight streams on SIGINT/SIGTERM before exiting.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Laisky/zap"
	"github.com/gin-gonic/gin"
	_ "github.com/joho/godotenv/autoload"

	"github.com/laiskygw/geminigw/catalog"
	"github.com/laiskygw/geminigw/common/config"
	"github.com/laiskygw/geminigw/common/logger"
	"github.com/laiskygw/geminigw/dispatch"
	"github.com/laiskygw/geminigw/gateway"
	"github.com/laiskygw/geminigw/mirror"
	"github.com/laiskygw/geminigw/proxypool"
	"github.com/laiskygw/geminigw/registry"
	"github.com/laiskygw/geminigw/selector"
	"github.com/laiskygw/geminigw/store"
)

func main() {
	ctx := context.Background()
	logger.Logger.Info("geminigw starting", zap.String("store_path", config.StorePath))

	mir, err := mirror.New(mirror.Config{
		StorePath:        config.StorePath,
		RemoteURL:        config.RemoteMirrorURL,
		Token:            config.RemoteMirrorToken,
		EncryptionKeyRaw: config.RemoteMirrorEncryptionKeyRaw,
		SyncInterval:     config.RemoteMirrorSyncInterval,
	})
	if err != nil {
		logger.Logger.Fatal("failed to construct remote mirror", zap.Error(err))
	}
	if mir.Enabled() {
		if err := mir.Bootstrap(ctx); err != nil {
			logger.Logger.Fatal("failed to bootstrap store from remote mirror", zap.Error(err))
		}
	}

	st, err := store.Open(config.StorePath)
	if err != nil {
		logger.Logger.Fatal("failed to open store", zap.Error(err))
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Logger.Error("failed to close store", zap.Error(err))
		}
	}()
	if mir.Enabled() {
		st.OnMutation(mir.NotifyMutation)
	}

	proxies := proxypool.New(config.ProxyList)

	reg := registry.New(st)
	cat := catalog.New(st)
	sel := selector.New(st, reg, cat, int64(config.DefaultProQuota), int64(config.DefaultFlashQuota), config.Consecutive429Threshold)
	disp := dispatch.New(proxies, dispatch.VertexConfig{
		ProjectID:          config.VertexProjectID,
		Region:             config.VertexRegion,
		ServiceAccountJSON: config.VertexServiceAccountJSON,
		ExpressAPIKey:      config.VertexExpressAPIKey,
	})

	gw := gateway.New(gateway.Deps{
		Store:      st,
		Registry:   reg,
		Catalog:    cat,
		Selector:   sel,
		Dispatcher: disp,
		Proxies:    proxies,
		Mirror:     mir,
		AdminToken: config.AdminToken,
	})

	gin.SetMode(config.GinMode)
	router := gw.Router(config.MetricsEnabled)

	srv := &http.Server{
		Addr:    ":" + config.ServerPort,
		Handler: router,
	}

	go func() {
		logger.Logger.Info("server listening", zap.String("address", "http://localhost:"+config.ServerPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Logger.Fatal("failed to start HTTP server", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Logger.Info("shutting down, draining in-flight requests", zap.Duration("timeout", config.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Logger.Error("graceful shutdown did not complete in time", zap.Error(err))
	}

	logger.Sync()
}
