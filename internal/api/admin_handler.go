package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	cfgpkg "github.com/qiaolin-tech/device-gateway/internal/config"
	"github.com/qiaolin-tech/device-gateway/internal/dispatcher"
	"github.com/qiaolin-tech/device-gateway/internal/health"
	"github.com/qiaolin-tech/device-gateway/internal/registry"
)

// AdminHandler 管理面处理器
type AdminHandler struct {
	reg       *registry.Registry
	disp      *dispatcher.Dispatcher
	mon       *health.Monitor
	cmdCfg    cfgpkg.CommandConfig
	uploadCfg cfgpkg.UploadConfig
	logger    *zap.Logger
}

// NewAdminHandler 创建管理面处理器
func NewAdminHandler(
	reg *registry.Registry,
	disp *dispatcher.Dispatcher,
	mon *health.Monitor,
	cmdCfg cfgpkg.CommandConfig,
	uploadCfg cfgpkg.UploadConfig,
	logger *zap.Logger,
) *AdminHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AdminHandler{reg: reg, disp: disp, mon: mon, cmdCfg: cmdCfg, uploadCfg: uploadCfg, logger: logger}
}

// ListDevices 查询全部设备快照
func (h *AdminHandler) ListDevices(c *gin.Context) {
	devices := h.reg.List()
	c.JSON(http.StatusOK, gin.H{"success": true, "total": len(devices), "devices": devices})
}

// ListOnlineDevices 查询在线设备快照
func (h *AdminHandler) ListOnlineDevices(c *gin.Context) {
	devices := h.reg.Online()
	c.JSON(http.StatusOK, gin.H{"success": true, "online": len(devices), "devices": devices})
}

// GetDeviceInfo 查询单设备信息：注册表元数据叠加实时 device_info 查询
func (h *AdminHandler) GetDeviceInfo(c *gin.Context) {
	deviceID := c.Param("deviceId")
	dev, ok := h.reg.Get(deviceID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "device not found or disconnected"})
		return
	}

	data, err := h.disp.Send(c.Request.Context(), deviceID, "device_info", nil, h.cmdCfg.DefaultTimeout)
	if err != nil {
		c.JSON(statusFromErr(err), gin.H{"success": false, "error": err.Error()})
		return
	}

	var live map[string]any
	_ = json.Unmarshal(data, &live)
	info := map[string]any{
		"deviceId":    deviceID,
		"status":      dev.Meta.Status,
		"connectedAt": dev.Meta.ConnectedAt,
		"lastSeen":    dev.Meta.LastSeen,
	}
	for k, v := range dev.Meta.Extra {
		info[k] = v
	}
	for k, v := range live {
		info[k] = v
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "device": info})
}

// GetDeviceStatus 健康分类点查
func (h *AdminHandler) GetDeviceStatus(c *gin.Context) {
	if h.mon == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "health monitor not running"})
		return
	}
	st := h.mon.Status(c.Param("deviceId"))
	c.JSON(http.StatusOK, gin.H{"success": true, "health": st})
}

// DeleteDevice 管理员强制下线：关闭连接、清理在途命令、删除表项
func (h *AdminHandler) DeleteDevice(c *gin.Context) {
	deviceID := c.Param("deviceId")
	if dev, ok := h.reg.Get(deviceID); ok && dev.Conn != nil {
		_ = dev.Conn.Close(1000, "removed by operator")
	}
	h.disp.ClearDevice(deviceID)
	removed := h.reg.Delete(deviceID)
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "device not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type commandRequest struct {
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	TimeoutMs int64           `json:"timeoutMs"`
}

// SendCommand 下发命令并等待结构化结果
func (h *AdminHandler) SendCommand(c *gin.Context) {
	deviceID := c.Param("deviceId")
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	if req.Action == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "action is required"})
		return
	}
	timeout := h.cmdCfg.DefaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = json.RawMessage(req.Payload)
	}
	data, err := h.disp.Send(c.Request.Context(), deviceID, req.Action, payload, timeout)
	if err != nil {
		c.JSON(statusFromErr(err), gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": json.RawMessage(orNull(data))})
}

// UploadFile 上传文件到设备：整体读入后作为 base64 载荷
// 包进 file_upload 命令，复用同一命令/回执通道
func (h *AdminHandler) UploadFile(c *gin.Context) {
	deviceID := c.Param("deviceId")

	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "no file provided"})
		return
	}
	if h.uploadCfg.MaxFileBytes > 0 && fh.Size > h.uploadCfg.MaxFileBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "error": "file too large"})
		return
	}

	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	targetPath := c.PostForm("targetPath")
	if targetPath == "" {
		targetPath = "/storage/emulated/0/Download/" + fh.Filename
	}

	payload := map[string]any{
		"path":     targetPath,
		"data":     base64.StdEncoding.EncodeToString(content),
		"filename": fh.Filename,
	}
	data, err := h.disp.Send(c.Request.Context(), deviceID, "file_upload", payload, h.cmdCfg.DefaultTimeout)
	if err != nil {
		c.JSON(statusFromErr(err), gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": json.RawMessage(orNull(data))})
}

// DeviceUploadTemp 设备侧大文件中转落盘，避免占用消息通道
func (h *AdminHandler) DeviceUploadTemp(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "no file provided"})
		return
	}
	if h.uploadCfg.MaxFileBytes > 0 && fh.Size > h.uploadCfg.MaxFileBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "error": "file too large"})
		return
	}

	dir := h.uploadCfg.Dir
	if dir == "" {
		dir = "uploads"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	tempName := fmt.Sprintf("%s-%s", uuid.NewString(), filepath.Base(fh.Filename))
	if err := c.SaveUploadedFile(fh, filepath.Join(dir, tempName)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":       "success",
		"tempFilename": tempName,
		"originalName": fh.Filename,
	})
}

type downloadResult struct {
	Data     string `json:"data"`
	Filename string `json:"filename"`
}

// DownloadFile 从设备取回文件：file_download 命令的回执
// 携带 base64 内容，解码后作为附件回给调用方
func (h *AdminHandler) DownloadFile(c *gin.Context) {
	deviceID := c.Param("deviceId")
	filePath := c.Query("path")
	if filePath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "file path is required"})
		return
	}

	data, err := h.disp.Send(c.Request.Context(), deviceID, "file_download",
		map[string]any{"path": filePath}, h.cmdCfg.DefaultTimeout)
	if err != nil {
		c.JSON(statusFromErr(err), gin.H{"success": false, "error": err.Error()})
		return
	}

	var res downloadResult
	if err := json.Unmarshal(data, &res); err != nil || res.Data == "" {
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": "device returned no file data"})
		return
	}
	content, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": "invalid base64 file data"})
		return
	}
	name := res.Filename
	if name == "" {
		name = filepath.Base(filePath)
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	c.Data(http.StatusOK, "application/octet-stream", content)
}

// Stats 核心诊断计数
func (h *AdminHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"devices": h.reg.Count(),
		"pending": h.disp.PendingCount(),
	})
}

// statusFromErr 命令失败分类映射 HTTP 状态码
func statusFromErr(err error) int {
	switch {
	case errors.Is(err, dispatcher.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, dispatcher.ErrDeviceOffline),
		errors.Is(err, dispatcher.ErrDeviceDisconnected):
		return http.StatusServiceUnavailable
	case errors.Is(err, dispatcher.ErrCommandTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, dispatcher.ErrCommandFailed),
		errors.Is(err, dispatcher.ErrSendFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func orNull(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage("null")
	}
	return data
}
