package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/qiaolin-tech/device-gateway/internal/metrics"
	"github.com/qiaolin-tech/device-gateway/internal/registry"
)

// DefaultTimeout 未指定时的命令超时
const DefaultTimeout = 30 * time.Second

// CommandEnvelope 下行命令帧
type CommandEnvelope struct {
	ID      string          `json:"id"`
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

// ReplyEnvelope 设备回执帧，按 replyTo 关联命令
type ReplyEnvelope struct {
	ReplyTo string          `json:"replyTo"`
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type result struct {
	data json.RawMessage
	err  error
}

// pendingCommand 在途命令。回执/超时/断开三条路径通过 take 竞争唯一一次删除，
// 输掉的路径查表落空即为空操作。
type pendingCommand struct {
	deviceID string
	action   string
	sentAt   time.Time
	timer    *time.Timer
	done     chan result // 容量1，仅赢得 take 的一方写入
}

// Dispatcher 命令分发器：以生成的 commandId 关联回执，
// 同一设备可并发多条在途命令，回执乱序到达也能各自归位。
type Dispatcher struct {
	reg    *registry.Registry
	logger *zap.Logger
	appm   *metrics.AppMetrics

	mu      sync.Mutex
	pending map[string]*pendingCommand
	counter uint64
}

// New 创建分发器
func New(reg *registry.Registry, logger *zap.Logger, appm *metrics.AppMetrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		reg:     reg,
		logger:  logger,
		appm:    appm,
		pending: make(map[string]*pendingCommand),
	}
}

// Send 下发命令并等待回执。超时为 0 时使用 DefaultTimeout。
// 调用方阻塞在自己这一侧，不占用任何注册表锁。
func (d *Dispatcher) Send(ctx context.Context, deviceID, action string, payload any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	dev, ok := d.reg.Get(deviceID)
	if !ok {
		d.countResult("rejected")
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if dev.Conn == nil || !dev.Conn.Ready() {
		d.countResult("rejected")
		return nil, fmt.Errorf("%w: %s", ErrDeviceOffline, deviceID)
	}

	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		d.countResult("rejected")
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	p := &pendingCommand{
		deviceID: deviceID,
		action:   action,
		sentAt:   time.Now(),
		done:     make(chan result, 1),
	}

	d.mu.Lock()
	d.counter++
	id := fmt.Sprintf("cmd_%d_%d", p.sentAt.UnixMilli(), d.counter)
	d.pending[id] = p
	p.timer = time.AfterFunc(timeout, func() { d.expire(id, timeout) })
	size := len(d.pending)
	d.mu.Unlock()
	d.setPending(size)

	env := CommandEnvelope{ID: id, Action: action, Payload: raw}
	if err := dev.Conn.SendJSON(env); err != nil {
		// 同步写失败：立即收回在途表项并取消超时
		if _, ok := d.take(id); ok {
			d.setPending(d.PendingCount())
		}
		d.countResult("failed")
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	d.logger.Debug("command sent",
		zap.String("command_id", id),
		zap.String("device_id", deviceID),
		zap.String("action", action))

	select {
	case res := <-p.done:
		if res.err != nil {
			return nil, res.err
		}
		return res.data, nil
	case <-ctx.Done():
		// 调用方提前放弃：若赢得删除则不再有人等待该回执
		if _, ok := d.take(id); ok {
			d.setPending(d.PendingCount())
			d.countResult("failed")
			return nil, ctx.Err()
		}
		// 输给了回执/超时路径，结果已写入
		res := <-p.done
		if res.err != nil {
			return nil, res.err
		}
		return res.data, nil
	}
}

// HandleResponse 处理设备回执。replyTo 无在途表项（已超时、已处理或未知）时
// 静默丢弃，只记日志。
func (d *Dispatcher) HandleResponse(env ReplyEnvelope) {
	if env.ReplyTo == "" {
		d.logger.Warn("reply without replyTo field")
		return
	}
	p, ok := d.take(env.ReplyTo)
	if !ok {
		d.logger.Warn("reply for unknown command", zap.String("reply_to", env.ReplyTo))
		return
	}
	d.setPending(d.PendingCount())

	elapsed := time.Since(p.sentAt)
	d.logger.Debug("reply received",
		zap.String("command_id", env.ReplyTo),
		zap.String("status", env.Status),
		zap.Duration("elapsed", elapsed))

	if env.Status == "success" {
		d.countResult("ok")
		p.done <- result{data: env.Data}
		return
	}
	msg := env.Error
	if msg == "" {
		msg = "command failed"
	}
	d.countResult("failed")
	p.done <- result{err: fmt.Errorf("%w: %s", ErrCommandFailed, msg)}
}

// ClearDevice 使某设备的全部在途命令立即失败（断开/剔除路径调用）。
// 无匹配表项时为空操作，返回清理数量。
func (d *Dispatcher) ClearDevice(deviceID string) int {
	d.mu.Lock()
	var cleared []*pendingCommand
	for id, p := range d.pending {
		if p.deviceID == deviceID {
			p.timer.Stop()
			delete(d.pending, id)
			cleared = append(cleared, p)
		}
	}
	size := len(d.pending)
	d.mu.Unlock()

	for _, p := range cleared {
		d.countResult("failed")
		p.done <- result{err: fmt.Errorf("%w: %s", ErrDeviceDisconnected, deviceID)}
	}
	if len(cleared) > 0 {
		d.setPending(size)
		d.logger.Info("cleared pending commands",
			zap.String("device_id", deviceID), zap.Int("count", len(cleared)))
	}
	return len(cleared)
}

// PendingCount 在途命令数（诊断用）
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// take 原子摘除在途表项并停掉超时定时器。
// 删除与结果写入一一对应，天然排除双重决议。
func (d *Dispatcher) take(id string) (*pendingCommand, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.pending[id]
	if !ok {
		return nil, false
	}
	delete(d.pending, id)
	p.timer.Stop()
	return p, true
}

func (d *Dispatcher) expire(id string, timeout time.Duration) {
	p, ok := d.take(id)
	if !ok {
		return // 回执先到，定时器空转
	}
	d.setPending(d.PendingCount())
	d.countResult("timeout")
	d.logger.Warn("command timed out",
		zap.String("command_id", id),
		zap.String("device_id", p.deviceID),
		zap.Duration("timeout", timeout))
	p.done <- result{err: fmt.Errorf("%w: %s after %s", ErrCommandTimeout, id, timeout)}
}

func (d *Dispatcher) countResult(result string) {
	if d.appm != nil {
		d.appm.CommandTotal.WithLabelValues(result).Inc()
	}
}

func (d *Dispatcher) setPending(n int) {
	if d.appm != nil {
		d.appm.PendingGauge.Set(float64(n))
	}
}
