package registry

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// 设备状态
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Conn 已注册设备的连接句柄。注册期间由 Registry 独占持有，
// 其他组件仅通过 Get 的快照临时访问。
type Conn interface {
	// SendJSON 序列化并发送一条 JSON 消息
	SendJSON(v any) error
	// SendRaw 原样转发一条文本帧
	SendRaw(data []byte) error
	// Close 发送关闭帧并断开（best-effort）
	Close(code int, reason string) error
	// Ready 连接是否处于可写状态
	Ready() bool
	// RemoteAddr 对端地址（仅日志用）
	RemoteAddr() string
}

// Metadata 设备连接元数据：固定字段 + 设备自报的扩展字段
type Metadata struct {
	Status        string
	ConnectedAt   time.Time
	LastSeen      time.Time
	LastHeartbeat time.Time // 零值表示从未上报心跳
	Extra         map[string]any
}

// DeviceConnection 设备与连接句柄的活跃绑定
type DeviceConnection struct {
	DeviceID string
	Conn     Conn
	Meta     Metadata
}

// DeviceInfo 某一时刻的设备快照，返回后不随注册表变化
type DeviceInfo struct {
	DeviceID      string         `json:"deviceId"`
	Status        string         `json:"status"`
	ConnectedAt   time.Time      `json:"connectedAt"`
	LastSeen      time.Time      `json:"lastSeen"`
	LastHeartbeat *time.Time     `json:"lastHeartbeat,omitempty"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// Registry 设备连接注册表。每个 deviceId 至多绑定一条连接；
// 所有变更在同一把锁内完成，保证注册/删除不交错。
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*DeviceConnection
	logger  *zap.Logger
	now     func() time.Time
}

// New 创建注册表
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		devices: make(map[string]*DeviceConnection),
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock 注入时钟（仅测试用）
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// Register 注册设备连接。同一 deviceId 已注册时先礼貌关闭旧连接再覆盖，
// 避免两条活跃连接争抢同一批命令。
func (r *Registry) Register(deviceID string, conn Conn, extra map[string]any) {
	r.mu.Lock()
	old := r.devices[deviceID]
	now := r.now()
	meta := Metadata{
		Status:      StatusOnline,
		ConnectedAt: now,
		LastSeen:    now,
		Extra:       make(map[string]any, len(extra)),
	}
	for k, v := range extra {
		meta.Extra[k] = v
	}
	r.devices[deviceID] = &DeviceConnection{DeviceID: deviceID, Conn: conn, Meta: meta}
	total := len(r.devices)
	r.mu.Unlock()

	if old != nil && old.Conn != nil {
		r.logger.Info("device already registered, closing old connection",
			zap.String("device_id", deviceID))
		if err := old.Conn.Close(1000, "replaced by new connection"); err != nil {
			r.logger.Warn("close old connection", zap.String("device_id", deviceID), zap.Error(err))
		}
	}
	r.logger.Info("device registered",
		zap.String("device_id", deviceID), zap.Int("total", total))
}

// UpdateMetadata 合并设备自报字段并刷新 lastSeen。
// 设备不存在时为空操作：上行消息可能与剔除并发。
func (r *Registry) UpdateMetadata(deviceID string, partial map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return
	}
	if d.Meta.Extra == nil {
		d.Meta.Extra = make(map[string]any, len(partial))
	}
	for k, v := range partial {
		d.Meta.Extra[k] = v
	}
	d.Meta.LastSeen = r.now()
}

// OnHeartbeat 记录显式心跳，同时刷新 lastSeen
func (r *Registry) OnHeartbeat(deviceID string, t time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return
	}
	d.Meta.LastHeartbeat = t
	d.Meta.LastSeen = t
}

// Touch 任意上行信号刷新 lastSeen
func (r *Registry) Touch(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.devices[deviceID]; ok {
		d.Meta.LastSeen = r.now()
	}
}

// Get 返回设备的当前绑定（快照）。不存在时 ok=false，绝不报错。
// Extra 深拷贝后返回，调用方在锁外遍历不会撞上并发合并。
func (r *Registry) Get(deviceID string) (DeviceConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[deviceID]
	if !ok {
		return DeviceConnection{}, false
	}
	out := *d
	if len(d.Meta.Extra) > 0 {
		out.Meta.Extra = make(map[string]any, len(d.Meta.Extra))
		for k, v := range d.Meta.Extra {
			out.Meta.Extra[k] = v
		}
	}
	return out, true
}

// List 返回全部设备快照，调用时刻定格，后续变更不回写
func (r *Registry) List() []DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceInfo, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, snapshot(d))
	}
	return out
}

// Online 返回 status=online 的设备快照
func (r *Registry) Online() []DeviceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]DeviceInfo, 0, len(r.devices))
	for _, d := range r.devices {
		if d.Meta.Status == StatusOnline {
			out = append(out, snapshot(d))
		}
	}
	return out
}

// Delete 删除设备表项。只改表，不关闭连接句柄（避免双重关闭竞态）。
func (r *Registry) Delete(deviceID string) bool {
	r.mu.Lock()
	_, ok := r.devices[deviceID]
	if ok {
		delete(r.devices, deviceID)
	}
	r.mu.Unlock()
	if ok {
		r.logger.Info("device removed from registry", zap.String("device_id", deviceID))
	}
	return ok
}

// Release 仅当 deviceId 仍绑定该连接时删除表项。
// 连接关闭路径使用它，防止被替换的旧连接误删新注册。
func (r *Registry) Release(deviceID string, conn Conn) bool {
	r.mu.Lock()
	d, ok := r.devices[deviceID]
	if ok && d.Conn == conn {
		delete(r.devices, deviceID)
	} else {
		ok = false
	}
	r.mu.Unlock()
	if ok {
		r.logger.Info("device released", zap.String("device_id", deviceID))
	}
	return ok
}

// Count 当前注册设备数
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

func snapshot(d *DeviceConnection) DeviceInfo {
	info := DeviceInfo{
		DeviceID:    d.DeviceID,
		Status:      d.Meta.Status,
		ConnectedAt: d.Meta.ConnectedAt,
		LastSeen:    d.Meta.LastSeen,
	}
	if !d.Meta.LastHeartbeat.IsZero() {
		hb := d.Meta.LastHeartbeat
		info.LastHeartbeat = &hb
	}
	if len(d.Meta.Extra) > 0 {
		info.Extra = make(map[string]any, len(d.Meta.Extra))
		for k, v := range d.Meta.Extra {
			info.Extra[k] = v
		}
	}
	return info
}
