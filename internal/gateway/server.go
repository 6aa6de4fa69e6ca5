package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	cfgpkg "github.com/qiaolin-tech/device-gateway/internal/config"
	"github.com/qiaolin-tech/device-gateway/internal/dispatcher"
	"github.com/qiaolin-tech/device-gateway/internal/metrics"
	"github.com/qiaolin-tech/device-gateway/internal/registry"
)

// client 一条已接入的连接。deviceID 在 register 消息到达前为空。
type client struct {
	conn     registry.Conn
	deviceID string

	pingOnce sync.Once
	stopOnce sync.Once
	pingStop chan struct{}
}

// Server 设备网关：负责 WebSocket 接入、消息路由、
// 注册表绑定与广播转发。
type Server struct {
	cfg    cfgpkg.WebSocketConfig
	reg    *registry.Registry
	disp   *dispatcher.Dispatcher
	logger *zap.Logger
	appm   *metrics.AppMetrics

	upgrader    websocket.Upgrader
	connLimiter *ConnLimiter
	acceptRate  *AcceptLimiter

	mu      sync.RWMutex
	clients map[*client]struct{}
	wg      sync.WaitGroup
}

// New 创建网关
func New(cfg cfgpkg.WebSocketConfig, reg *registry.Registry, disp *dispatcher.Dispatcher, logger *zap.Logger, appm *metrics.AppMetrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:    cfg,
		reg:    reg,
		disp:   disp,
		logger: logger,
		appm:   appm,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 鉴权在上游完成，网关不再检查来源
			CheckOrigin: func(*http.Request) bool { return true },
		},
		connLimiter: NewConnLimiter(cfg.MaxConnections),
		acceptRate:  NewAcceptLimiter(cfg.AcceptRate, cfg.AcceptBurst),
		clients:     make(map[*client]struct{}),
	}
}

// HandleUpgrade 处理 WebSocket 握手并启动读循环
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.acceptRate.Allow() {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	if err := s.connLimiter.Acquire(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.connLimiter.Release()
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	if s.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(s.cfg.MaxMessageBytes)
	}
	if s.appm != nil {
		s.appm.WSAccepted.Inc()
	}

	conn := newWSConn(ws, s.cfg.WriteTimeout)
	c := &client{conn: conn, pingStop: make(chan struct{})}

	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	s.logger.Info("new connection", zap.String("remote_addr", conn.RemoteAddr()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.readLoop(c, ws, conn)
	}()
}

func (s *Server) readLoop(c *client, ws *websocket.Conn, conn *wsConn) {
	defer s.dropClient(c)
	for {
		msgType, raw, err := ws.ReadMessage()
		if err != nil {
			conn.markBroken()
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("connection error",
					zap.String("device_id", c.deviceID), zap.Error(err))
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		s.route(c, raw)
	}
}

// dropClient 连接退出时的确定性清理：
// 注销本连接仍持有的设备绑定并使其在途命令失败，不留悬挂等待者。
func (s *Server) dropClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()

	c.stopPing()
	_ = c.conn.Close(websocket.CloseNormalClosure, "")

	if c.deviceID != "" {
		// Release 比对连接句柄：被新连接顶替的旧连接不会误删新注册
		if s.reg.Release(c.deviceID, c.conn) {
			s.disp.ClearDevice(c.deviceID)
			s.logger.Info("device disconnected", zap.String("device_id", c.deviceID))
		}
		s.updateOnline()
	} else {
		s.logger.Info("client disconnected before registering")
	}
	s.connLimiter.Release()
}

// Shutdown 关闭所有连接并等待读循环退出
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		_ = c.conn.Close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// broadcast 将原始帧转发给除发送者外的所有连接
func (s *Server) broadcast(sender *client, msgType string, raw []byte) {
	s.mu.RLock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		if c != sender {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		if !c.conn.Ready() {
			continue
		}
		if err := c.conn.SendRaw(raw); err != nil {
			s.logger.Debug("broadcast send failed",
				zap.String("type", msgType), zap.Error(err))
		}
	}
	if s.appm != nil {
		s.appm.BroadcastTotal.WithLabelValues(msgType).Inc()
	}
}

// startPing 注册成功后周期发送服务端探活。探活失败即停；
// 存活判定交给健康巡检，这里不做 pong 超时。
func (s *Server) startPing(c *client) {
	interval := s.cfg.PingInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	c.pingOnce.Do(func() {
		// 读循环之后还会改写 deviceID（同连接重注册），这里按启动时快照记日志
		deviceID := c.deviceID
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-c.pingStop:
					return
				case <-ticker.C:
					if err := c.conn.SendJSON(map[string]string{"type": "ping"}); err != nil {
						s.logger.Debug("ping failed, stopping",
							zap.String("device_id", deviceID), zap.Error(err))
						return
					}
				}
			}
		}()
	})
}

func (c *client) stopPing() {
	c.stopOnce.Do(func() { close(c.pingStop) })
}

func (s *Server) updateOnline() {
	if s.appm != nil {
		s.appm.OnlineGauge.Set(float64(s.reg.Count()))
	}
}
