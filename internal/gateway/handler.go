package gateway

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/qiaolin-tech/device-gateway/internal/dispatcher"
)

// route 按消息类型分发一条上行帧。解析失败只记日志并丢弃，
// 绝不让单条坏消息拖垮连接循环。
func (s *Server) route(c *client, raw []byte) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.Warn("malformed message dropped",
			zap.String("device_id", c.deviceID), zap.Error(err))
		return
	}
	msg.normalize()

	if s.appm != nil && msg.Type != "" {
		s.appm.MessageTotal.WithLabelValues(msg.Type).Inc()
	}

	// 命令回执优先于类型路由：回执帧没有 type
	if msg.ReplyTo != "" {
		s.disp.HandleResponse(dispatcher.ReplyEnvelope{
			ReplyTo: msg.ReplyTo,
			Status:  msg.Status,
			Data:    msg.Data,
			Error:   msg.Error,
		})
		return
	}

	switch {
	case msg.Type == typeIdentify:
		// 浏览器侧的自我介绍，忽略

	case msg.Type == typeRegister:
		s.handleRegister(c, &msg)

	case msg.Type == typeHeartbeat:
		if c.deviceID != "" {
			s.reg.OnHeartbeat(c.deviceID, time.Now())
			if s.appm != nil {
				s.appm.HeartbeatTotal.Inc()
			}
			s.send(c, map[string]string{"type": "heartbeat_ack"})
		}

	case msg.Type == typePong:
		if c.deviceID != "" {
			s.reg.Touch(c.deviceID)
		}

	case msg.Type == typeDeviceInfo:
		if c.deviceID != "" {
			s.reg.UpdateMetadata(c.deviceID, msg.Info)
		}

	case broadcastTypes[msg.Type] && c.deviceID != "":
		s.forward(c, &msg, raw)

	case stateTypes[msg.Type] && c.deviceID != "":
		s.handleStatePush(c, &msg, raw)

	case msg.Type == typeDisconnect && c.deviceID != "":
		s.handleDisconnect(c)

	default:
		s.logger.Debug("unknown message type",
			zap.String("type", msg.Type), zap.String("device_id", c.deviceID))
	}
}

func (s *Server) handleRegister(c *client, msg *Message) {
	if msg.DeviceID == "" {
		s.logger.Warn("register without deviceId", zap.String("remote_addr", c.conn.RemoteAddr()))
		return
	}
	deviceID := msg.DeviceID

	// 断开触发的命令清理必须先于同 id 的再注册生效，
	// 避免旧连接的在途命令吃掉新连接的回执
	if prev, ok := s.reg.Get(deviceID); ok && prev.Conn != c.conn {
		s.disp.ClearDevice(deviceID)
	}

	c.deviceID = deviceID
	s.reg.Register(deviceID, c.conn, msg.Metadata)
	s.updateOnline()

	s.send(c, map[string]string{
		"type":     "registered",
		"deviceId": deviceID,
		"message":  "Successfully registered",
	})
	s.startPing(c)
}

// forward 广播类帧：注入 deviceId 后转发给其余连接；
// 流媒体帧体量大，字段齐全时保留原始字节避免重编码
func (s *Server) forward(c *client, msg *Message, raw []byte) {
	if msg.DeviceID == "" {
		var generic map[string]any
		if err := json.Unmarshal(raw, &generic); err == nil {
			generic["deviceId"] = c.deviceID
			if rewritten, err := json.Marshal(generic); err == nil {
				raw = rewritten
			}
		}
	}
	s.broadcast(c, msg.Type, raw)
}

// handleStatePush 设备状态推送（call_state 等）合并进元数据
func (s *Server) handleStatePush(c *client, msg *Message, raw []byte) {
	var value any
	if len(msg.State) > 0 {
		value = json.RawMessage(msg.State)
	} else {
		value = json.RawMessage(raw)
	}
	s.reg.UpdateMetadata(c.deviceID, map[string]any{msg.Type: value})
}

// handleDisconnect 设备主动请求下线：等价于一次健康剔除，
// 但由设备自己发起
func (s *Server) handleDisconnect(c *client) {
	deviceID := c.deviceID
	s.logger.Info("device requested clean disconnect", zap.String("device_id", deviceID))
	s.disp.ClearDevice(deviceID)
	if s.reg.Release(deviceID, c.conn) {
		s.updateOnline()
	}
	s.send(c, map[string]string{"type": "disconnect_ack"})
}

// send 出站帧的兜底封装：失败只记日志
func (s *Server) send(c *client, v any) {
	if err := c.conn.SendJSON(v); err != nil {
		s.logger.Debug("send failed",
			zap.String("device_id", c.deviceID), zap.Error(err))
	}
}
