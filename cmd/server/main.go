package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/qiaolin-tech/device-gateway/internal/api"
	cfgpkg "github.com/qiaolin-tech/device-gateway/internal/config"
	"github.com/qiaolin-tech/device-gateway/internal/dispatcher"
	"github.com/qiaolin-tech/device-gateway/internal/gateway"
	"github.com/qiaolin-tech/device-gateway/internal/health"
	"github.com/qiaolin-tech/device-gateway/internal/httpserver"
	"github.com/qiaolin-tech/device-gateway/internal/logging"
	"github.com/qiaolin-tech/device-gateway/internal/metrics"
	"github.com/qiaolin-tech/device-gateway/internal/registry"
)

func main() {
	// 1) 加载配置
	cfg, err := cfgpkg.Load("")
	if err != nil {
		panic(err)
	}

	// 2) 初始化日志
	logger, err := logging.InitLogger(cfg.Logging)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)
	log := zap.L()

	// 3) 指标注册与处理器
	reg := metrics.NewRegistry()
	appm := metrics.NewAppMetrics(reg)
	var metricsHandler http.Handler
	if cfg.Metrics.Enable {
		metricsHandler = metrics.Handler(reg)
	}

	// 4) 核心组件：注册表 → 分发器 → 健康巡检 → 网关
	connReg := registry.New(logger)
	disp := dispatcher.New(connReg, logger, appm)
	monitor := health.New(connReg, disp, cfg.Health.CheckInterval, cfg.Health.OfflineTimeout, logger, appm)
	gw := gateway.New(cfg.WebSocket, connReg, disp, logger, appm)

	// 5) HTTP 服务：健康检查、指标、管理面与 WebSocket 接入
	httpSrv := httpserver.New(cfg.HTTP, cfg.Metrics.Path, metricsHandler, func() bool { return true })
	api.RegisterAdminRoutes(httpSrv.Engine(), connReg, disp, monitor, cfg.Command, cfg.Upload, logger)
	wsPath := cfg.WebSocket.Path
	if wsPath == "" {
		wsPath = "/ws"
	}
	httpSrv.Engine().GET(wsPath, func(c *gin.Context) {
		gw.HandleUpgrade(c.Writer, c.Request)
	})

	monitor.Start()
	go func() {
		if err := httpSrv.Start(); err != nil {
			log.Error("http server error", zap.Error(err))
		}
	}()
	log.Info("device gateway running",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("ws_path", wsPath),
		zap.String("env", cfg.App.Env))

	// 信号处理，优雅关闭
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	monitor.Stop()
	_ = gw.Shutdown(ctx)
	_ = httpSrv.Shutdown(ctx)
}
