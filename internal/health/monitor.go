package health

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qiaolin-tech/device-gateway/internal/metrics"
	"github.com/qiaolin-tech/device-gateway/internal/registry"
)

// 状态分类
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusUnknown = "unknown"
)

// 剔除策略：巡检 30s 一轮，阈值 90s（> 3×巡检间隔），
// 容忍弱网设备丢一到两次心跳后才判死。
const (
	DefaultCheckInterval  = 30 * time.Second
	DefaultOfflineTimeout = 90 * time.Second
)

// CommandCleaner 剔除设备时级联清理其在途命令
type CommandCleaner interface {
	ClearDevice(deviceID string) int
}

// DeviceStatus 按需诊断结果，不等下一轮巡检
type DeviceStatus struct {
	Status        string        `json:"status"`
	Reason        string        `json:"reason,omitempty"`
	LastHeartbeat time.Time     `json:"lastHeartbeat,omitempty"`
	Elapsed       time.Duration `json:"elapsed,omitempty"`
}

// Monitor 周期巡检注册表，剔除心跳过期的死连接。
// 存活由“信号缺失”定义，所以用定时扫描而非事件驱动。
type Monitor struct {
	reg      *registry.Registry
	cleaner  CommandCleaner
	logger   *zap.Logger
	appm     *metrics.AppMetrics
	interval time.Duration
	timeout  time.Duration

	now func() time.Time

	mu    sync.Mutex
	stopC chan struct{}
	wg    sync.WaitGroup
}

// New 创建监控器。interval/timeout 非正时取默认值。
func New(reg *registry.Registry, cleaner CommandCleaner, interval, timeout time.Duration, logger *zap.Logger, appm *metrics.AppMetrics) *Monitor {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	if timeout <= 0 {
		timeout = DefaultOfflineTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		reg:      reg,
		cleaner:  cleaner,
		logger:   logger,
		appm:     appm,
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
	}
}

// SetClock 注入时钟（仅测试用）
func (m *Monitor) SetClock(now func() time.Time) { m.now = now }

// Start 启动周期巡检。重复调用为空操作。
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopC != nil {
		return
	}
	m.stopC = make(chan struct{})
	stopC := m.stopC

	m.logger.Info("health monitor started",
		zap.Duration("interval", m.interval),
		zap.Duration("timeout", m.timeout))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopC:
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Stop 停止巡检，幂等
func (m *Monitor) Stop() {
	m.mu.Lock()
	if m.stopC == nil {
		m.mu.Unlock()
		return
	}
	close(m.stopC)
	m.stopC = nil
	m.mu.Unlock()
	m.wg.Wait()
	m.logger.Info("health monitor stopped")
}

// Sweep 执行一轮巡检：max(lastHeartbeat, lastSeen) 过期即判死，
// 关闭连接、删除表项并级联清理在途命令。
func (m *Monitor) Sweep() int {
	now := m.now()
	dead := 0
	for _, dev := range m.reg.List() {
		last := lastSignal(dev)
		if last.IsZero() {
			// 尚未完成注册，无可判定的信号
			continue
		}
		if now.Sub(last) <= m.timeout {
			continue
		}

		// 快照判死后复核在档绑定：快照与剔除之间重连的设备不能被误杀
		cur, ok := m.reg.Get(dev.DeviceID)
		if !ok {
			continue
		}
		last = liveSignal(cur.Meta)
		elapsed := now.Sub(last)
		if last.IsZero() || elapsed <= m.timeout {
			continue
		}

		m.logger.Warn("device heartbeat timed out",
			zap.String("device_id", dev.DeviceID),
			zap.Duration("elapsed", elapsed),
			zap.Duration("threshold", m.timeout))

		if cur.Conn != nil {
			if err := cur.Conn.Close(1001, "heartbeat timeout"); err != nil {
				m.logger.Warn("close dead connection",
					zap.String("device_id", dev.DeviceID), zap.Error(err))
			}
		}
		if !m.reg.Release(dev.DeviceID, cur.Conn) {
			// 关闭与删除之间已被新连接顶替，表项保留
			continue
		}
		if m.cleaner != nil {
			m.cleaner.ClearDevice(dev.DeviceID)
		}
		if m.appm != nil {
			m.appm.EvictionTotal.Inc()
		}
		dead++
	}
	if dead > 0 {
		m.logger.Info("health sweep evicted dead connections", zap.Int("count", dead))
	}
	if m.appm != nil {
		m.appm.OnlineGauge.Set(float64(m.reg.Count()))
	}
	return dead
}

// Status 点查设备健康状态，沿用巡检同一套阈值
func (m *Monitor) Status(deviceID string) DeviceStatus {
	dev, ok := m.reg.Get(deviceID)
	if !ok {
		return DeviceStatus{Status: StatusOffline, Reason: "not_registered"}
	}
	last := liveSignal(dev.Meta)
	if last.IsZero() {
		return DeviceStatus{Status: StatusUnknown, Reason: "no_heartbeat_data"}
	}
	elapsed := m.now().Sub(last)
	if elapsed > m.timeout {
		return DeviceStatus{Status: StatusOffline, Reason: "timeout", LastHeartbeat: last, Elapsed: elapsed}
	}
	return DeviceStatus{Status: StatusOnline, LastHeartbeat: last, Elapsed: elapsed}
}

func lastSignal(dev registry.DeviceInfo) time.Time {
	last := dev.LastSeen
	if dev.LastHeartbeat != nil && dev.LastHeartbeat.After(last) {
		last = *dev.LastHeartbeat
	}
	return last
}

func liveSignal(meta registry.Metadata) time.Time {
	last := meta.LastSeen
	if meta.LastHeartbeat.After(last) {
		last = meta.LastHeartbeat
	}
	return last
}
