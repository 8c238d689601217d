package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/TNumFive/terminal/internal/downstream"
	"github.com/TNumFive/terminal/internal/ops"
	"github.com/TNumFive/terminal/internal/recorder"
	"github.com/TNumFive/terminal/internal/relay"
	"github.com/TNumFive/terminal/internal/upstream"
	"github.com/TNumFive/terminal/pkg/config"
	"github.com/TNumFive/terminal/pkg/logger"
	"github.com/TNumFive/terminal/pkg/safe"
)

type Config struct {
	Name string `mapstructure:"name"`

	Log struct {
		Level string `mapstructure:"level"`
	} `mapstructure:"log"`

	Server struct {
		Addr        string        `mapstructure:"addr"`
		AuthTimeout time.Duration `mapstructure:"auth_timeout"`
	} `mapstructure:"server"`

	Upstream struct {
		URL           string        `mapstructure:"url"`
		DefaultStream string        `mapstructure:"default_stream"`
		PingEvery     time.Duration `mapstructure:"ping_every"`
		ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	} `mapstructure:"upstream"`

	Recorder recorder.Config `mapstructure:"recorder"`

	Ops struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"ops"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := &Config{}
	if _, err := config.LoadAndWatch("terminal", cfg); err != nil {
		panic(err)
	}
	if cfg.Name == "" {
		cfg.Name = "terminal"
	}
	logger.Init(cfg.Name, cfg.Log.Level)
	log := logger.Log

	// 中继核心：表 + 控制器
	table := relay.NewTable(relay.StreamID(cfg.Upstream.DefaultStream))
	ctrl := relay.NewController(table, log)

	// 上游网关：行情帧和 ready 信号都灌给控制器
	gw := upstream.NewGateway(upstream.Config{
		URL:           cfg.Upstream.URL,
		DefaultStream: cfg.Upstream.DefaultStream,
		PingEvery:     cfg.Upstream.PingEvery,
		ReadTimeout:   cfg.Upstream.ReadTimeout,
	}, func(b []byte) {
		if err := ctrl.HandleFeed(b); err != nil {
			// 订阅确认之类的帧没有 stream 字段，属于正常情况
			log.Debug("feed frame dropped", zap.Error(err))
		}
	}, ctrl.SetReady, log)

	rec, err := recorder.New(cfg.Recorder)
	if err != nil {
		log.Fatal("recorder init failed", zap.Error(err))
	}
	defer rec.Close()

	srv := downstream.NewServer(ctx, ctrl, rec, log)
	if cfg.Server.AuthTimeout > 0 {
		srv.AuthTimeout = cfg.Server.AuthTimeout
	}
	ctrl.Bind(gw, srv)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", srv.ServeWS)
	wsSrv := &http.Server{Addr: cfg.Server.Addr, Handler: mux}

	opsSrv := &http.Server{Addr: cfg.Ops.Addr, Handler: ops.NewRouter(ctrl, srv)}

	// pprof 只挂本机
	safe.Go(func() {
		pm := http.NewServeMux()
		pm.HandleFunc("/debug/pprof/", pprof.Index)
		pm.HandleFunc("/debug/pprof/profile", pprof.Profile)
		pm.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		pm.HandleFunc("/debug/pprof/trace", pprof.Trace)
		if err := http.ListenAndServe("127.0.0.1:6060", pm); err != nil {
			log.Warn("pprof server exited", zap.Error(err))
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := ctrl.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := gw.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := wsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := opsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = wsSrv.Shutdown(shutdownCtx)
		_ = opsSrv.Shutdown(shutdownCtx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatal("terminal exited", zap.Error(err))
	}
	log.Info("terminal stopped")
}
