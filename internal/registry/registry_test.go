package registry

import (
	"testing"

	"github.com/taskfleet/supervisor/internal/types"
)

func testRegistry() (*Registry, *int64) {
	r := New(1000, 3)
	now := int64(1_000_000)
	r.nowFunc = func() int64 { return now }
	return r, &now
}

func TestRegisterInsertsWorker(t *testing.T) {
	r, _ := testRegistry()

	w := r.Register(Registration{
		ID:           "w1",
		Name:         "worker one",
		Endpoint:     "http://w1:9000",
		Capabilities: []string{"chat"},
		MaxLoad:      2,
	})

	if w.Status != types.WorkerOnline {
		t.Errorf("expected online status, got %s", w.Status)
	}
	if w.LastHeartbeat == 0 {
		t.Error("expected non-zero last heartbeat")
	}
	if r.Count() != 1 {
		t.Errorf("expected 1 worker, got %d", r.Count())
	}

	got, ok := r.Get("w1")
	if !ok {
		t.Fatal("Get failed for registered worker")
	}
	if got.Name != "worker one" || got.Endpoint != "http://w1:9000" {
		t.Errorf("unexpected descriptor: %+v", got)
	}
}

func TestRegisterTwiceMergesAndResets(t *testing.T) {
	r, now := testRegistry()

	r.Register(Registration{ID: "w1", Name: "first", Endpoint: "h1", MaxLoad: 2})

	before := r.GetStats()

	*now += 500
	w := r.Register(Registration{ID: "w1", Endpoint: "h2"})

	if r.Count() != 1 {
		t.Fatalf("expected re-register to keep 1 worker, got %d", r.Count())
	}
	if w.Name != "first" {
		t.Errorf("expected merged name to survive, got %q", w.Name)
	}
	if w.Endpoint != "h2" {
		t.Errorf("expected endpoint replaced, got %q", w.Endpoint)
	}
	if w.LastHeartbeat != *now {
		t.Errorf("expected last heartbeat updated to %d, got %d", *now, w.LastHeartbeat)
	}

	after := r.GetStats()
	if before != after {
		t.Errorf("expected identical stats after re-register: before=%+v after=%+v", before, after)
	}
}

func TestUnregister(t *testing.T) {
	r, _ := testRegistry()

	r.Register(Registration{ID: "w1", Endpoint: "h1", MaxLoad: 1})

	if !r.Unregister("w1") {
		t.Error("expected Unregister to report existing worker")
	}
	if r.Unregister("w1") {
		t.Error("expected second Unregister to report missing worker")
	}
	if r.Count() != 0 {
		t.Errorf("expected empty registry, got %d", r.Count())
	}
}

func TestHeartbeatUpdatesDynamicFields(t *testing.T) {
	r, now := testRegistry()

	r.Register(Registration{ID: "w1", Endpoint: "h1", MaxLoad: 4, Capabilities: []string{"chat"}})

	*now += 100
	w, err := r.RecordHeartbeat(Heartbeat{
		WorkerID:     "w1",
		Status:       types.WorkerBusy,
		CurrentLoad:  3,
		MaxLoad:      8,
		Capabilities: []string{"chat", "code"},
	})
	if err != nil {
		t.Fatalf("RecordHeartbeat failed: %v", err)
	}

	if w.Status != types.WorkerBusy {
		t.Errorf("expected busy, got %s", w.Status)
	}
	if w.CurrentLoad != 3 || w.MaxLoad != 8 {
		t.Errorf("unexpected load: %d/%d", w.CurrentLoad, w.MaxLoad)
	}
	if len(w.Capabilities) != 2 {
		t.Errorf("expected capability update, got %v", w.Capabilities)
	}
	if w.LastHeartbeat != *now {
		t.Errorf("expected heartbeat stamp %d, got %d", *now, w.LastHeartbeat)
	}
}

func TestHeartbeatUnknownWorkerIsNoOp(t *testing.T) {
	r, _ := testRegistry()

	r.Register(Registration{ID: "w1", Endpoint: "h1", MaxLoad: 1})
	before := r.GetStats()

	_, err := r.RecordHeartbeat(Heartbeat{WorkerID: "ghost", Status: types.WorkerOnline})
	if err != ErrWorkerNotFound {
		t.Fatalf("expected ErrWorkerNotFound, got %v", err)
	}

	after := r.GetStats()
	if before != after {
		t.Errorf("expected state unchanged: before=%+v after=%+v", before, after)
	}
}

func TestCheckWorkerHealthFlipsStaleWorkers(t *testing.T) {
	r, now := testRegistry()

	r.Register(Registration{ID: "w1", Endpoint: "h1", MaxLoad: 1})
	r.Register(Registration{ID: "w2", Endpoint: "h2", MaxLoad: 1})

	// Keep w2 fresh, let w1 age past interval*threshold.
	*now += 3001
	if _, err := r.RecordHeartbeat(Heartbeat{WorkerID: "w2", Status: types.WorkerOnline}); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	flipped := r.CheckWorkerHealth()
	if len(flipped) != 1 || flipped[0].ID != "w1" {
		t.Fatalf("expected only w1 flipped, got %v", flipped)
	}

	w1, _ := r.Get("w1")
	if w1.Status != types.WorkerOffline {
		t.Errorf("expected w1 offline, got %s", w1.Status)
	}
	w2, _ := r.Get("w2")
	if w2.Status != types.WorkerOnline {
		t.Errorf("expected w2 online, got %s", w2.Status)
	}

	// Offline workers remain in the table and are not re-flipped.
	if len(r.CheckWorkerHealth()) != 0 {
		t.Error("expected second sweep to flip nothing")
	}
	if r.Count() != 2 {
		t.Errorf("expected offline worker retained, got count %d", r.Count())
	}
}

func TestGetByStatusAndCapability(t *testing.T) {
	r, _ := testRegistry()

	r.Register(Registration{ID: "w1", Endpoint: "h1", MaxLoad: 2, Capabilities: []string{"chat"}})
	r.Register(Registration{ID: "w2", Endpoint: "h2", MaxLoad: 2, Capabilities: []string{"chat", "code"}})
	r.Register(Registration{ID: "w3", Endpoint: "h3", MaxLoad: 2})

	if _, err := r.RecordHeartbeat(Heartbeat{WorkerID: "w2", Status: types.WorkerBusy, CurrentLoad: 1}); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	online := r.GetByStatus(types.WorkerOnline)
	if len(online) != 2 {
		t.Errorf("expected 2 online workers, got %d", len(online))
	}

	// Busy workers are excluded from capability lookups.
	chat := r.GetByCapability("chat")
	if len(chat) != 1 || chat[0].ID != "w1" {
		t.Errorf("expected only w1 by capability, got %v", chat)
	}
}

func TestGetAvailableHonorsHeadroom(t *testing.T) {
	r, _ := testRegistry()

	r.Register(Registration{ID: "w1", Endpoint: "h1", MaxLoad: 2})
	r.Register(Registration{ID: "w2", Endpoint: "h2", MaxLoad: 2})
	r.Register(Registration{ID: "w3", Endpoint: "h3", MaxLoad: 2})

	// w2: busy with headroom stays eligible. w3: saturated drops out.
	if _, err := r.RecordHeartbeat(Heartbeat{WorkerID: "w2", Status: types.WorkerBusy, CurrentLoad: 1}); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}
	if _, err := r.RecordHeartbeat(Heartbeat{WorkerID: "w3", Status: types.WorkerBusy, CurrentLoad: 2}); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	available := r.GetAvailable()
	if len(available) != 2 {
		t.Fatalf("expected 2 available workers, got %d", len(available))
	}
	if available[0].ID != "w1" || available[1].ID != "w2" {
		t.Errorf("expected [w1 w2] in registration order, got [%s %s]", available[0].ID, available[1].ID)
	}
}

func TestAdjustLoadClampsAtZero(t *testing.T) {
	r, _ := testRegistry()

	r.Register(Registration{ID: "w1", Endpoint: "h1", MaxLoad: 2})
	r.AdjustLoad("w1", 1)
	r.AdjustLoad("w1", -5)

	w, _ := r.Get("w1")
	if w.CurrentLoad != 0 {
		t.Errorf("expected load clamped at 0, got %d", w.CurrentLoad)
	}
}

func TestGetStats(t *testing.T) {
	r, _ := testRegistry()

	r.Register(Registration{ID: "w1", Endpoint: "h1", MaxLoad: 2})
	r.Register(Registration{ID: "w2", Endpoint: "h2", MaxLoad: 3})
	if _, err := r.RecordHeartbeat(Heartbeat{WorkerID: "w2", Status: types.WorkerBusy, CurrentLoad: 2}); err != nil {
		t.Fatalf("heartbeat failed: %v", err)
	}

	stats := r.GetStats()
	if stats.Total != 2 || stats.Online != 1 || stats.Busy != 1 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.TotalMaxLoad != 5 || stats.TotalCurrentLoad != 2 {
		t.Errorf("unexpected load totals: %+v", stats)
	}
}
