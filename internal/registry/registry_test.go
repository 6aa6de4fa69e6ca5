package registry

import (
	"sync"
	"testing"
	"time"
)

type fakeConn struct {
	mu          sync.Mutex
	ready       bool
	closeCode   int
	closeReason string
	closeCount  int
}

func newFakeConn() *fakeConn { return &fakeConn{ready: true} }

func (f *fakeConn) SendJSON(any) error { return nil }
func (f *fakeConn) SendRaw([]byte) error {
	return nil
}
func (f *fakeConn) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = false
	f.closeCode = code
	f.closeReason = reason
	f.closeCount++
	return nil
}
func (f *fakeConn) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}
func (f *fakeConn) RemoteAddr() string { return "test:0" }

func TestRegister_ReplacesAndClosesOldConn(t *testing.T) {
	r := New(nil)
	h1 := newFakeConn()
	h2 := newFakeConn()

	r.Register("dev-1", h1, nil)
	r.Register("dev-1", h2, nil)

	if r.Count() != 1 {
		t.Fatalf("expected exactly one entry, got %d", r.Count())
	}
	dev, ok := r.Get("dev-1")
	if !ok || dev.Conn != h2 {
		t.Fatalf("expected registry bound to new conn")
	}
	if h1.closeCount != 1 || h1.closeCode != 1000 {
		t.Fatalf("old conn should have received one close(1000), got count=%d code=%d", h1.closeCount, h1.closeCode)
	}
	if h2.closeCount != 0 {
		t.Fatalf("new conn must not be closed")
	}
}

func TestRegister_InitialMetadataMerged(t *testing.T) {
	r := New(nil)
	r.Register("dev-1", newFakeConn(), map[string]any{"model": "pixel-7"})

	dev, ok := r.Get("dev-1")
	if !ok {
		t.Fatalf("device missing after register")
	}
	if dev.Meta.Status != StatusOnline {
		t.Fatalf("expected status online, got %q", dev.Meta.Status)
	}
	if dev.Meta.Extra["model"] != "pixel-7" {
		t.Fatalf("initial metadata lost")
	}
	if dev.Meta.ConnectedAt.IsZero() || dev.Meta.LastSeen.IsZero() {
		t.Fatalf("timestamps not set on register")
	}
}

func TestUpdateMetadata_MergeAndRefresh(t *testing.T) {
	r := New(nil)
	base := time.Now()
	r.SetClock(func() time.Time { return base })
	r.Register("dev-1", newFakeConn(), map[string]any{"model": "pixel-7"})

	r.SetClock(func() time.Time { return base.Add(5 * time.Second) })
	r.UpdateMetadata("dev-1", map[string]any{"battery": 80})

	dev, _ := r.Get("dev-1")
	if dev.Meta.Extra["model"] != "pixel-7" {
		t.Fatalf("unrelated field lost on merge")
	}
	if dev.Meta.Extra["battery"] != 80 {
		t.Fatalf("merged field missing")
	}
	if !dev.Meta.LastSeen.Equal(base.Add(5 * time.Second)) {
		t.Fatalf("lastSeen not refreshed, got %v", dev.Meta.LastSeen)
	}

	// 未注册设备：空操作，不报错
	r.UpdateMetadata("ghost", map[string]any{"x": 1})
}

func TestOnHeartbeat_SetsBothTimestamps(t *testing.T) {
	r := New(nil)
	r.Register("dev-1", newFakeConn(), nil)

	hb := time.Now().Add(10 * time.Second)
	r.OnHeartbeat("dev-1", hb)

	dev, _ := r.Get("dev-1")
	if !dev.Meta.LastHeartbeat.Equal(hb) {
		t.Fatalf("lastHeartbeat not recorded")
	}
	if !dev.Meta.LastSeen.Equal(hb) {
		t.Fatalf("heartbeat should refresh lastSeen too")
	}
}

func TestGet_ExtraSnapshotIsolation(t *testing.T) {
	r := New(nil)
	r.Register("dev-1", newFakeConn(), map[string]any{"model": "a"})

	dev, ok := r.Get("dev-1")
	if !ok {
		t.Fatalf("device missing")
	}
	r.UpdateMetadata("dev-1", map[string]any{"model": "b", "battery": 50})
	if dev.Meta.Extra["model"] != "a" {
		t.Fatalf("earlier Get snapshot mutated by later update")
	}
	if _, present := dev.Meta.Extra["battery"]; present {
		t.Fatalf("later merge visible through earlier snapshot")
	}
}

func TestGet_ConcurrentWithMetadataMerge(t *testing.T) {
	r := New(nil)
	r.Register("dev-1", newFakeConn(), map[string]any{"n": 0})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
				r.UpdateMetadata("dev-1", map[string]any{"n": i})
			}
		}
	}()

	// 锁外遍历 Extra 不得与并发合并交错
	for i := 0; i < 200; i++ {
		dev, ok := r.Get("dev-1")
		if !ok {
			t.Fatalf("device missing mid-run")
		}
		for k, v := range dev.Meta.Extra {
			_, _ = k, v
		}
	}
	close(stop)
	wg.Wait()
}

func TestList_SnapshotIsolation(t *testing.T) {
	r := New(nil)
	r.Register("dev-1", newFakeConn(), map[string]any{"model": "a"})

	snap := r.List()
	if len(snap) != 1 {
		t.Fatalf("expected one device, got %d", len(snap))
	}

	r.UpdateMetadata("dev-1", map[string]any{"model": "b"})
	if snap[0].Extra["model"] != "a" {
		t.Fatalf("earlier snapshot mutated by later update")
	}
}

func TestOnline_FiltersByStatus(t *testing.T) {
	r := New(nil)
	r.Register("dev-1", newFakeConn(), nil)
	r.Register("dev-2", newFakeConn(), nil)

	online := r.Online()
	if len(online) != 2 {
		t.Fatalf("expected 2 online devices, got %d", len(online))
	}
	for _, d := range online {
		if d.Status != StatusOnline {
			t.Fatalf("non-online device in online list: %+v", d)
		}
	}
}

func TestDelete_TableOnlyMutation(t *testing.T) {
	r := New(nil)
	h := newFakeConn()
	r.Register("dev-1", h, nil)

	if !r.Delete("dev-1") {
		t.Fatalf("delete of existing entry should return true")
	}
	if r.Delete("dev-1") {
		t.Fatalf("second delete should return false")
	}
	if h.closeCount != 0 {
		t.Fatalf("delete must not close the connection handle")
	}
	if _, ok := r.Get("dev-1"); ok {
		t.Fatalf("device still present after delete")
	}
}

func TestRelease_OnlyMatchingConn(t *testing.T) {
	r := New(nil)
	h1 := newFakeConn()
	h2 := newFakeConn()
	r.Register("dev-1", h1, nil)
	r.Register("dev-1", h2, nil)

	// 被顶替的旧连接收尾时不得误删新注册
	if r.Release("dev-1", h1) {
		t.Fatalf("release with stale conn must be a no-op")
	}
	if _, ok := r.Get("dev-1"); !ok {
		t.Fatalf("new registration lost")
	}
	if !r.Release("dev-1", h2) {
		t.Fatalf("release with current conn should remove the entry")
	}
	if r.Count() != 0 {
		t.Fatalf("registry not empty after release")
	}
}

func TestConcurrentRegisterDelete(t *testing.T) {
	r := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.Register("dev-1", newFakeConn(), nil)
		}()
		go func() {
			defer wg.Done()
			r.Delete("dev-1")
			r.UpdateMetadata("dev-1", map[string]any{"n": 1})
		}()
	}
	wg.Wait()
	if c := r.Count(); c > 1 {
		t.Fatalf("at most one entry per device id, got %d", c)
	}
}
