package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/fireflycore/go-nacos-bridge/bridge"
	"github.com/fireflycore/go-nacos-bridge/config"
	proxy "github.com/fireflycore/go-nacos-bridge/grpc"
	"github.com/fireflycore/go-nacos-bridge/logger"
	"github.com/fireflycore/go-nacos-bridge/metrics"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")

	cfg, err := config.Load(configPath)
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, cfg.LogFilePath)
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("nacos bridge stopped with error", zap.Error(err))
	}
	log.Info("nacos bridge stopped")
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)

	upstream, err := grpc.NewClient(cfg.UpstreamAddress,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(append(proxy.DefaultClientCallOpts(), grpc.MaxCallRecvMsgSize(cfg.MaxMessageBytes))...),
	)
	if err != nil {
		return err
	}
	defer upstream.Close()

	filter := bridge.NewConfig(cfg.RewriteTypes,
		bridge.WithLogger(log.Named("bridge")),
		bridge.WithObserver(metrics.Observer{}),
	)
	srv := proxy.NewProxy(upstream, filter, log.Named("proxy"), grpc.MaxRecvMsgSize(cfg.MaxMessageBytes))

	lis, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return err
	}

	httpSrv := &http.Server{
		Addr:              cfg.MetricsAddress,
		Handler:           newMetricsRouter(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info("starting nacos bridge",
		zap.String("listen_address", cfg.ListenAddress),
		zap.String("upstream_address", cfg.UpstreamAddress),
		zap.String("metrics_address", cfg.MetricsAddress),
		zap.Strings("rewrite_types", filter.RewriteTypes()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(lis)
	})
	g.Go(func() error {
		if cfg.MetricsAddress == "" {
			return nil
		}
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down nacos bridge")
		shutdown(cfg.GetShutdownTimeout(), srv, httpSrv, log)
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func newMetricsRouter(reg *prometheus.Registry) http.Handler {
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// shutdown 在超时内优雅停止两个 listener，超时后强制关闭 gRPC server。
func shutdown(timeout time.Duration, srv *grpc.Server, httpSrv *http.Server, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Warn("metrics server shutdown failed", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn("graceful stop timed out, forcing")
		srv.Stop()
	}
}
