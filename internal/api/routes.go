package api

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	cfgpkg "github.com/qiaolin-tech/device-gateway/internal/config"
	"github.com/qiaolin-tech/device-gateway/internal/dispatcher"
	"github.com/qiaolin-tech/device-gateway/internal/health"
	"github.com/qiaolin-tech/device-gateway/internal/registry"
)

// RegisterAdminRoutes 注册管理面路由。
// 管理面只消费核心的两个窄接口：下发命令等待结果、读取设备列表。
func RegisterAdminRoutes(
	r *gin.Engine,
	reg *registry.Registry,
	disp *dispatcher.Dispatcher,
	mon *health.Monitor,
	cmdCfg cfgpkg.CommandConfig,
	uploadCfg cfgpkg.UploadConfig,
	logger *zap.Logger,
) {
	if r == nil || reg == nil || disp == nil {
		return
	}

	h := NewAdminHandler(reg, disp, mon, cmdCfg, uploadCfg, logger)

	api := r.Group("/api")

	// 设备查询
	api.GET("/devices", h.ListDevices)
	api.GET("/devices/online", h.ListOnlineDevices)
	api.GET("/device/:deviceId/info", h.GetDeviceInfo)
	api.GET("/device/:deviceId/status", h.GetDeviceStatus)
	api.DELETE("/device/:deviceId", h.DeleteDevice)

	// 命令与文件中转
	api.POST("/command/:deviceId", h.SendCommand)
	api.POST("/upload/:deviceId", h.UploadFile)
	api.POST("/device-upload-temp", h.DeviceUploadTemp)
	api.GET("/download/:deviceId", h.DownloadFile)

	// 诊断
	api.GET("/stats", h.Stats)

	logger.Info("admin routes registered", zap.Int("endpoints", 10))
}
