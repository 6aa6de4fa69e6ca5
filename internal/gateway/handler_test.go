package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfgpkg "github.com/qiaolin-tech/device-gateway/internal/config"
	"github.com/qiaolin-tech/device-gateway/internal/dispatcher"
	"github.com/qiaolin-tech/device-gateway/internal/registry"
)

type fakeConn struct {
	mu        sync.Mutex
	ready     bool
	jsonSent  []any
	rawSent   [][]byte
	closeCode int
	jsonC     chan any
}

func newFakeConn() *fakeConn {
	return &fakeConn{ready: true, jsonC: make(chan any, 16)}
}

func (f *fakeConn) SendJSON(v any) error {
	f.mu.Lock()
	f.jsonSent = append(f.jsonSent, v)
	f.mu.Unlock()
	f.jsonC <- v
	return nil
}
func (f *fakeConn) SendRaw(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rawSent = append(f.rawSent, append([]byte(nil), data...))
	return nil
}
func (f *fakeConn) Close(code int, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = false
	f.closeCode = code
	return nil
}
func (f *fakeConn) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}
func (f *fakeConn) RemoteAddr() string { return "test:0" }

func (f *fakeConn) lastJSON(t *testing.T) map[string]string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.jsonSent)
	m, ok := f.jsonSent[len(f.jsonSent)-1].(map[string]string)
	require.True(t, ok, "expected map payload, got %T", f.jsonSent[len(f.jsonSent)-1])
	return m
}

func (f *fakeConn) rawCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rawSent)
}

func newTestServer(t *testing.T) (*Server, *registry.Registry, *dispatcher.Dispatcher) {
	t.Helper()
	reg := registry.New(nil)
	disp := dispatcher.New(reg, nil, nil)
	cfg := cfgpkg.WebSocketConfig{PingInterval: time.Minute, WriteTimeout: time.Second}
	return New(cfg, reg, disp, nil, nil), reg, disp
}

func attach(s *Server, f *fakeConn) *client {
	c := &client{conn: f, pingStop: make(chan struct{})}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
	return c
}

func TestRoute_Register(t *testing.T) {
	s, reg, _ := newTestServer(t)
	f := newFakeConn()
	c := attach(s, f)
	defer c.stopPing()

	s.route(c, []byte(`{"type":"register","deviceId":"dev-1","metadata":{"model":"pixel-7"}}`))

	assert.Equal(t, "dev-1", c.deviceID)
	dev, ok := reg.Get("dev-1")
	require.True(t, ok)
	assert.Equal(t, "pixel-7", dev.Meta.Extra["model"])

	ack := f.lastJSON(t)
	assert.Equal(t, "registered", ack["type"])
	assert.Equal(t, "dev-1", ack["deviceId"])
}

func TestRoute_RegisterViaActionField(t *testing.T) {
	s, reg, _ := newTestServer(t)
	f := newFakeConn()
	c := attach(s, f)
	defer c.stopPing()

	// 设备侧用 action 代替 type
	s.route(c, []byte(`{"action":"register","deviceId":"dev-1"}`))
	_, ok := reg.Get("dev-1")
	assert.True(t, ok)
}

func TestRoute_Reconnect_ReplacesOldConn(t *testing.T) {
	s, reg, _ := newTestServer(t)
	f1 := newFakeConn()
	f2 := newFakeConn()
	c1 := attach(s, f1)
	c2 := attach(s, f2)
	defer c1.stopPing()
	defer c2.stopPing()

	s.route(c1, []byte(`{"type":"register","deviceId":"dev-1"}`))
	s.route(c2, []byte(`{"type":"register","deviceId":"dev-1"}`))

	assert.Equal(t, 1000, f1.closeCode, "old handle must receive a close")
	dev, ok := reg.Get("dev-1")
	require.True(t, ok)
	assert.Same(t, any(f2), any(dev.Conn))

	// 旧连接退出时不得删除新绑定
	s.dropClient(c1)
	_, ok = reg.Get("dev-1")
	assert.True(t, ok, "stale connection teardown removed the new registration")
}

func TestRoute_HeartbeatAndPong(t *testing.T) {
	s, reg, _ := newTestServer(t)
	f := newFakeConn()
	c := attach(s, f)
	defer c.stopPing()
	s.route(c, []byte(`{"type":"register","deviceId":"dev-1"}`))

	s.route(c, []byte(`{"type":"heartbeat"}`))
	dev, _ := reg.Get("dev-1")
	assert.False(t, dev.Meta.LastHeartbeat.IsZero(), "heartbeat must be recorded")
	assert.Equal(t, "heartbeat_ack", f.lastJSON(t)["type"])

	before := dev.Meta.LastSeen
	time.Sleep(5 * time.Millisecond)
	s.route(c, []byte(`{"type":"pong"}`))
	dev, _ = reg.Get("dev-1")
	assert.True(t, dev.Meta.LastSeen.After(before), "pong must refresh lastSeen")
}

func TestRoute_DeviceInfoMergesMetadata(t *testing.T) {
	s, reg, _ := newTestServer(t)
	f := newFakeConn()
	c := attach(s, f)
	defer c.stopPing()
	s.route(c, []byte(`{"type":"register","deviceId":"dev-1"}`))

	s.route(c, []byte(`{"type":"device_info","info":{"battery":55,"os":"android-14"}}`))
	dev, _ := reg.Get("dev-1")
	assert.EqualValues(t, 55, dev.Meta.Extra["battery"])
	assert.Equal(t, "android-14", dev.Meta.Extra["os"])
}

func TestRoute_BroadcastSkipsSender(t *testing.T) {
	s, _, _ := newTestServer(t)
	fa, fb, fc := newFakeConn(), newFakeConn(), newFakeConn()
	ca := attach(s, fa)
	cb := attach(s, fb)
	cc := attach(s, fc)
	defer ca.stopPing()
	defer cb.stopPing()
	defer cc.stopPing()

	s.route(ca, []byte(`{"type":"register","deviceId":"dev-a"}`))
	frame := []byte(`{"type":"screen_frame","deviceId":"dev-a","data":"abcd"}`)
	s.route(ca, frame)

	assert.Zero(t, fa.rawCount(), "frame echoed back to sender")
	assert.Equal(t, 1, fb.rawCount())
	assert.Equal(t, 1, fc.rawCount())
	assert.JSONEq(t, string(frame), string(fb.rawSent[0]), "frame must be forwarded verbatim")
}

func TestRoute_BroadcastInjectsDeviceID(t *testing.T) {
	s, _, _ := newTestServer(t)
	fa, fb := newFakeConn(), newFakeConn()
	ca := attach(s, fa)
	cb := attach(s, fb)
	defer ca.stopPing()
	defer cb.stopPing()

	s.route(ca, []byte(`{"type":"register","deviceId":"dev-a"}`))
	s.route(ca, []byte(`{"type":"accessibility_status","enabled":false}`))

	require.Equal(t, 1, fb.rawCount())
	var got map[string]any
	require.NoError(t, json.Unmarshal(fb.rawSent[0], &got))
	assert.Equal(t, "dev-a", got["deviceId"])
}

func TestRoute_BroadcastRequiresRegistration(t *testing.T) {
	s, _, _ := newTestServer(t)
	fa, fb := newFakeConn(), newFakeConn()
	ca := attach(s, fa)
	cb := attach(s, fb)
	defer ca.stopPing()
	defer cb.stopPing()

	// 未注册连接的媒体帧不转发
	s.route(ca, []byte(`{"type":"mic_chunk","data":"xx"}`))
	assert.Zero(t, fb.rawCount())
}

func TestRoute_StatePushMergedIntoMetadata(t *testing.T) {
	s, reg, _ := newTestServer(t)
	f := newFakeConn()
	c := attach(s, f)
	defer c.stopPing()
	s.route(c, []byte(`{"type":"register","deviceId":"dev-1"}`))

	s.route(c, []byte(`{"type":"call_state","state":"ringing"}`))
	dev, _ := reg.Get("dev-1")
	raw, ok := dev.Meta.Extra["call_state"].(json.RawMessage)
	require.True(t, ok)
	assert.JSONEq(t, `"ringing"`, string(raw))
}

func TestRoute_ReplyResolvesPendingCommand(t *testing.T) {
	s, _, disp := newTestServer(t)
	f := newFakeConn()
	c := attach(s, f)
	defer c.stopPing()
	s.route(c, []byte(`{"type":"register","deviceId":"dev-1"}`))
	<-f.jsonC // registered ack

	dataC := make(chan json.RawMessage, 1)
	go func() {
		data, err := disp.Send(context.Background(), "dev-1", "ping", nil, 5*time.Second)
		assert.NoError(t, err)
		dataC <- data
	}()

	env := (<-f.jsonC).(dispatcher.CommandEnvelope)
	reply := fmt.Sprintf(`{"replyTo":%q,"status":"success","data":{"ok":true}}`, env.ID)
	s.route(c, []byte(reply))

	select {
	case data := <-dataC:
		assert.JSONEq(t, `{"ok":true}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("command never resolved")
	}
	assert.Zero(t, disp.PendingCount())
}

func TestPingLoop_SurvivesReregisterOnSameConn(t *testing.T) {
	s, _, _ := newTestServer(t)
	s.cfg.PingInterval = 5 * time.Millisecond
	f := newFakeConn()
	c := attach(s, f)
	defer c.stopPing()

	s.route(c, []byte(`{"type":"register","deviceId":"dev-1"}`))
	<-f.jsonC // registered ack

	// ping 循环已在跑，读循环侧再次改写 deviceID
	s.route(c, []byte(`{"type":"register","deviceId":"dev-2"}`))
	<-f.jsonC

	deadline := time.After(2 * time.Second)
	for {
		select {
		case v := <-f.jsonC:
			if m, ok := v.(map[string]string); ok && m["type"] == "ping" {
				return
			}
		case <-deadline:
			t.Fatal("ping never arrived after re-register")
		}
	}
}

func TestRoute_DisconnectCleansUp(t *testing.T) {
	s, reg, disp := newTestServer(t)
	f := newFakeConn()
	c := attach(s, f)
	defer c.stopPing()
	s.route(c, []byte(`{"type":"register","deviceId":"dev-1"}`))

	errC := make(chan error, 1)
	go func() {
		_, err := disp.Send(context.Background(), "dev-1", "ping", nil, 10*time.Second)
		errC <- err
	}()
	require.Eventually(t, func() bool { return disp.PendingCount() == 1 },
		2*time.Second, 5*time.Millisecond)

	s.route(c, []byte(`{"type":"disconnect"}`))

	_, ok := reg.Get("dev-1")
	assert.False(t, ok, "disconnect must remove the registry entry")
	require.ErrorIs(t, <-errC, dispatcher.ErrDeviceDisconnected)
	assert.Equal(t, "disconnect_ack", f.lastJSON(t)["type"])
}

func TestRoute_MalformedMessageDropped(t *testing.T) {
	s, _, _ := newTestServer(t)
	f := newFakeConn()
	c := attach(s, f)
	defer c.stopPing()

	s.route(c, []byte(`{not json`))
	s.route(c, []byte(`{"type":"no_such_thing"}`))
	s.route(c, []byte(`{"type":"identify"}`))
	// 连接循环不崩、无出站帧即通过
	assert.Empty(t, f.jsonSent)
}

func TestDropClient_ClearsRegistrationAndCommands(t *testing.T) {
	s, reg, disp := newTestServer(t)
	f := newFakeConn()
	c := attach(s, f)
	s.route(c, []byte(`{"type":"register","deviceId":"dev-1"}`))

	errC := make(chan error, 1)
	go func() {
		_, err := disp.Send(context.Background(), "dev-1", "ping", nil, 10*time.Second)
		errC <- err
	}()
	require.Eventually(t, func() bool { return disp.PendingCount() == 1 },
		2*time.Second, 5*time.Millisecond)

	s.dropClient(c)

	_, ok := reg.Get("dev-1")
	assert.False(t, ok)
	require.ErrorIs(t, <-errC, dispatcher.ErrDeviceDisconnected)
	assert.Zero(t, disp.PendingCount())
}
