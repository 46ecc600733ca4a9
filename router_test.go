package zmesh

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func newTestGroup(ids ...string) *serviceGroup {
	g := &serviceGroup{workers: make(map[string]*workerEntry)}
	for _, id := range ids {
		g.workers[id] = &workerEntry{
			identity:      id,
			state:         WorkerActive,
			lastHeartbeat: time.Now(),
		}
	}
	return g
}

func TestRoundRobinPick(t *testing.T) {
	g := newTestGroup("w-b", "w-a", "w-c")

	counts := make(map[string]int)
	for i := 0; i < 9; i++ {
		id, ok := g.pick()
		if !ok {
			t.Fatal("pick failed")
		}
		counts[id]++
	}
	for id, n := range counts {
		if n != 3 {
			t.Fatalf("worker %s picked %d times", id, n)
		}
	}
}

func TestPickSkipsInactive(t *testing.T) {
	g := newTestGroup("w-a", "w-b")
	g.workers["w-a"].state = WorkerInactive

	for i := 0; i < 5; i++ {
		id, ok := g.pick()
		if !ok || id != "w-b" {
			t.Fatalf("pick: %s %v", id, ok)
		}
	}

	g.workers["w-b"].state = WorkerInactive
	if _, ok := g.pick(); ok {
		t.Fatal("pick from dead group")
	}
}

func newTestRouter(opts ...Option) *ServiceRouter {
	defOpts := defaultOptions()
	for _, f := range opts {
		f(defOpts)
	}
	return &ServiceRouter{
		identity: "router-test",
		opts:     defOpts,
		logger:   DefaultLogger,
		groups:   make(map[string]*serviceGroup),
		pending:  make(map[string]*pendingCall),
	}
}

func TestSweepLifecycle(t *testing.T) {
	r := newTestRouter(WithHeartbeatInterval(time.Second), WithHeartbeatTimeout(3*time.Second))
	r.addWorker("w-1", "demo", nil)

	// 心跳保持时 sweep 不产生变化
	r.sweep()
	if r.groups["demo"].workers["w-1"].state != WorkerActive {
		t.Fatal("live worker swept")
	}

	// 超过失活阈值：置为 inactive 但保留可见
	r.groups["demo"].workers["w-1"].lastHeartbeat = time.Now().Add(-5 * time.Second)
	r.sweep()
	w := r.groups["demo"].workers["w-1"]
	if w.state != WorkerInactive {
		t.Fatalf("state: %s", w.state)
	}

	// 失活心跳恢复：回到 active
	r.touchWorker("w-1", "demo")
	if w.state != WorkerActive {
		t.Fatalf("state after heartbeat: %s", w.state)
	}

	// 失活且宽限期已过：彻底剔除，空组销毁
	w.state = WorkerInactive
	w.inactiveAt = time.Now().Add(-2 * time.Second)
	r.sweep()
	if _, ok := r.groups["demo"]; ok {
		t.Fatal("empty group not removed")
	}
}

func TestDiscoverServices(t *testing.T) {
	r := newTestRouter()
	r.addWorker("w-1", "demo", map[string]MethodInfo{
		"echo": {Description: "echo back"},
		"add":  {Description: "sum ints"},
	})
	r.addWorker("w-2", "imgproc", map[string]MethodInfo{
		"resize": {Description: "resize image", Params: map[string]string{"width": "target width"}},
	})

	want := map[string]MethodInfo{
		"demo.echo":      {Description: "echo back"},
		"demo.add":       {Description: "sum ints"},
		"imgproc.resize": {Description: "resize image", Params: map[string]string{"width": "target width"}},
	}
	if diff := cmp.Diff(want, r.discoverServices()); diff != "" {
		t.Fatalf("services (-want +got):\n%s", diff)
	}

	// 失活 worker 的方法不可见，但组在宽限期内出现在 clusters 中
	r.groups["imgproc"].workers["w-2"].state = WorkerInactive
	services := r.discoverServices()
	if _, ok := services["imgproc.resize"]; ok {
		t.Fatal("inactive worker still discoverable")
	}
	clusters := r.discoverClusters()
	if clusters["imgproc"]["state"] != WorkerInactive {
		t.Fatalf("cluster state: %v", clusters["imgproc"]["state"])
	}
	if clusters["demo"]["workers"] != 1 {
		t.Fatalf("cluster workers: %v", clusters["demo"]["workers"])
	}
}

func TestRegisterRefreshesMethods(t *testing.T) {
	r := newTestRouter()
	r.addWorker("w-1", "demo", map[string]MethodInfo{"echo": {}})
	// 心跳建表不应清掉注册时带来的方法元信息
	r.touchWorker("w-1", "demo")
	if _, ok := r.discoverServices()["demo.echo"]; !ok {
		t.Fatal("methods lost after heartbeat")
	}
	// 重新注册可更新方法集
	r.addWorker("w-1", "demo", map[string]MethodInfo{"echo": {}, "add": {}})
	if len(r.discoverServices()) != 2 {
		t.Fatalf("services: %v", r.discoverServices())
	}
}
