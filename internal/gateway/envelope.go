package gateway

import "encoding/json"

// 上行消息类型
const (
	typeIdentify   = "identify"
	typeRegister   = "register"
	typeHeartbeat  = "heartbeat"
	typePong       = "pong"
	typeDeviceInfo = "device_info"
	typeDisconnect = "disconnect"
)

// 广播类消息：流媒体帧与状态推送，原样转发给除发送者外的所有连接
var broadcastTypes = map[string]bool{
	"mic_chunk":            true,
	"camera_frame":         true,
	"screen_frame":         true,
	"accessibility_status": true,
}

// 设备推送的状态字段，合并进注册表元数据
var stateTypes = map[string]bool{
	"call_state":   true,
	"mic_state":    true,
	"camera_state": true,
}

// Message 上行帧的统一外壳。设备侧可能用 action 代替 type，
// 解析后归一化；广播转发时使用原始字节，不经过该结构。
type Message struct {
	Type     string          `json:"type,omitempty"`
	Action   string          `json:"action,omitempty"`
	DeviceID string          `json:"deviceId,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
	Info     map[string]any  `json:"info,omitempty"`
	State    json.RawMessage `json:"state,omitempty"`

	// 命令回执字段
	ReplyTo string          `json:"replyTo,omitempty"`
	Status  string          `json:"status,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// normalize 归一化 type 字段
func (m *Message) normalize() {
	if m.Type == "" && m.Action != "" {
		m.Type = m.Action
	}
}
