package zmesh_test

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hunyxv/zmesh"
	"github.com/hunyxv/zmesh/client"
)

// startMesh 起一套 router + demo 组 worker，返回清理函数
func startMesh(t *testing.T, endpoint string, dealerOpts ...zmesh.Option) (*zmesh.ServiceRouter, *zmesh.ServiceDealer) {
	t.Helper()

	router, err := zmesh.NewServiceRouter(endpoint)
	if err != nil {
		t.Fatal(err)
	}
	router.Start()

	d, err := zmesh.NewServiceDealer("demo", endpoint, dealerOpts...)
	if err != nil {
		t.Fatal(err)
	}
	registerDemoMethods(t, d)
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}

	// 等 REGISTER 被 router 消化
	time.Sleep(300 * time.Millisecond)
	return router, d
}

func registerDemoMethods(t *testing.T, d *zmesh.ServiceDealer) {
	t.Helper()

	err := d.Register("echo", zmesh.Handler(func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		return args[0], nil
	}), zmesh.WithDescription("echo back the first argument"))
	if err != nil {
		t.Fatal(err)
	}

	err = d.Register("sleepy", zmesh.Handler(func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		select {
		case <-time.After(2 * time.Second):
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}))
	if err != nil {
		t.Fatal(err)
	}

	err = d.Register("drip", zmesh.GenHandler(func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (<-chan interface{}, error) {
		ch := make(chan interface{})
		go func() {
			defer close(ch)
			ch <- 0
			<-ctx.Done()
		}()
		return ch, nil
	}))
	if err != nil {
		t.Fatal(err)
	}

	err = d.Register("stream_numbers", zmesh.GenHandler(func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (<-chan interface{}, error) {
		start := toInt(args[0])
		stop := toInt(args[1])
		ch := make(chan interface{})
		go func() {
			defer close(ch)
			for i := start; i < stop; i++ {
				ch <- i
			}
		}()
		return ch, nil
	}))
	if err != nil {
		t.Fatal(err)
	}
}

// toInt msgpack 对小整数的解码类型不定，统一转成 int
func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func newTestClient(t *testing.T, endpoint string, opts ...client.Option) *client.ClientDealer {
	t.Helper()
	cli, err := client.New([]string{endpoint}, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return cli
}

func TestEchoCall(t *testing.T) {
	endpoint := "inproc://mesh-echo"
	router, d := startMesh(t, endpoint)
	defer router.Close()
	defer d.Stop()

	cli := newTestClient(t, endpoint)
	defer cli.Close()

	result, err := cli.Call(context.Background(), "demo.echo", []interface{}{"hi"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result != "hi" {
		t.Fatalf("result: %v", result)
	}
}

func TestStreamNumbers(t *testing.T) {
	endpoint := "inproc://mesh-stream"
	router, d := startMesh(t, endpoint)
	defer router.Close()
	defer d.Stop()

	cli := newTestClient(t, endpoint)
	defer cli.Close()

	sc, err := cli.Stream(context.Background(), "demo.stream_numbers", []interface{}{0, 5}, nil)
	if err != nil {
		t.Fatal(err)
	}

	var got []int
	for b := range sc.C() {
		if b.Type != zmesh.BlockContent {
			t.Fatalf("frame type: %s", b.Type)
		}
		got = append(got, toInt(b.Content))
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{0, 1, 2, 3, 4}, got); diff != "" {
		t.Fatalf("stream (-want +got):\n%s", diff)
	}
}

func TestMethodNotFound(t *testing.T) {
	endpoint := "inproc://mesh-notfound"
	router, d := startMesh(t, endpoint)
	defer router.Close()
	defer d.Stop()

	cli := newTestClient(t, endpoint)
	defer cli.Close()

	_, err := cli.Call(context.Background(), "demo.nope", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("err: %v", err)
	}

	// 不存在的服务组由 router 直接拒绝
	_, err = cli.Call(context.Background(), "ghost.echo", nil, nil)
	if err == nil || !strings.Contains(err.Error(), "service not found") {
		t.Fatalf("err: %v", err)
	}
}

func TestCallTimeout(t *testing.T) {
	endpoint := "inproc://mesh-timeout"
	router, d := startMesh(t, endpoint)
	defer router.Close()
	defer d.Stop()

	cli := newTestClient(t, endpoint)
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := cli.Call(ctx, "demo.sleepy", nil, nil)
	if err != zmesh.ErrTimeout {
		t.Fatalf("err: %v", err)
	}
	// 不早于期限，不晚于期限加余量
	if cost := time.Since(start); cost < 300*time.Millisecond || cost > time.Second {
		t.Fatalf("timeout not honored: %s", cost)
	}

	// 迟到的应答被静默丢弃
	time.Sleep(2500 * time.Millisecond)

	result, err := cli.Call(context.Background(), "demo.echo", []interface{}{"still alive"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result != "still alive" {
		t.Fatalf("result: %v", result)
	}
}

func TestDiscovery(t *testing.T) {
	endpoint := "inproc://mesh-discovery"
	router, d := startMesh(t, endpoint)
	defer router.Close()
	defer d.Stop()

	cli := newTestClient(t, endpoint)
	defer cli.Close()

	services, err := cli.DiscoverServices(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info, ok := services["demo.echo"]; !ok || info.Description != "echo back the first argument" {
		t.Fatalf("services: %+v", services)
	}
	if _, ok := services["demo.stream_numbers"]; !ok {
		t.Fatalf("services: %+v", services)
	}

	// 发现是只读操作，连续两次结果一致
	again, err := cli.DiscoverServices(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(services, again); diff != "" {
		t.Fatalf("discovery not idempotent (-first +second):\n%s", diff)
	}

	clusters, err := cli.DiscoverClusters(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c, ok := clusters["demo"]; !ok || c.State != zmesh.WorkerActive || c.Workers != 1 {
		t.Fatalf("clusters: %+v", clusters)
	}
}

func TestLoadBalance(t *testing.T) {
	endpoint := "inproc://mesh-lb"
	router, err := zmesh.NewServiceRouter(endpoint)
	if err != nil {
		t.Fatal(err)
	}
	router.Start()
	defer router.Close()

	for i := 0; i < 2; i++ {
		name := fmt.Sprintf("worker-%d", i)
		d, err := zmesh.NewServiceDealer("demo", endpoint, zmesh.WithIdentity(name))
		if err != nil {
			t.Fatal(err)
		}
		if err := d.Register("whoami", zmesh.Handler(func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
			return name, nil
		})); err != nil {
			t.Fatal(err)
		}
		if err := d.Start(); err != nil {
			t.Fatal(err)
		}
		defer d.Stop()
	}
	time.Sleep(300 * time.Millisecond)

	cli := newTestClient(t, endpoint)
	defer cli.Close()

	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		result, err := cli.Call(context.Background(), "demo.whoami", nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		seen[result.(string)]++
	}
	if len(seen) != 2 {
		t.Fatalf("requests not balanced: %v", seen)
	}
	for id, n := range seen {
		if n != 3 {
			t.Fatalf("worker %s served %d of 6", id, n)
		}
	}
}

func TestWorkerLost(t *testing.T) {
	endpoint := "inproc://mesh-lost"
	router, d := startMesh(t, endpoint, zmesh.WithDrainTimeout(100*time.Millisecond))
	defer router.Close()

	cli := newTestClient(t, endpoint)
	defer cli.Close()

	errCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, err := cli.Call(ctx, "demo.sleepy", nil, nil)
		errCh <- err
	}()

	// 调用在途时 worker 下线，router 以 worker lost 了结该调用
	time.Sleep(300 * time.Millisecond)
	d.Stop()

	select {
	case err := <-errCh:
		if err == nil || !strings.Contains(err.Error(), "worker lost") {
			t.Fatalf("err: %v", err)
		}
	case <-time.After(4 * time.Second):
		t.Fatal("call did not fail after worker loss")
	}
}

func TestFailover(t *testing.T) {
	endpoint := "inproc://mesh-failover"
	router, err := zmesh.NewServiceRouter(endpoint)
	if err != nil {
		t.Fatal(err)
	}
	router.Start()
	defer router.Close()

	var dealers []*zmesh.ServiceDealer
	for i := 0; i < 2; i++ {
		d, err := zmesh.NewServiceDealer("demo", endpoint)
		if err != nil {
			t.Fatal(err)
		}
		registerDemoMethods(t, d)
		if err := d.Start(); err != nil {
			t.Fatal(err)
		}
		dealers = append(dealers, d)
	}
	defer dealers[1].Stop()
	time.Sleep(300 * time.Millisecond)

	cli := newTestClient(t, endpoint)
	defer cli.Close()

	dealers[0].Stop()
	time.Sleep(300 * time.Millisecond)

	// 幸存 worker 继续服务
	for i := 0; i < 4; i++ {
		result, err := cli.Call(context.Background(), "demo.echo", []interface{}{i}, nil)
		if err != nil {
			t.Fatal(err)
		}
		if toInt(result) != i {
			t.Fatalf("result: %v", result)
		}
	}

	clusters, err := cli.DiscoverClusters(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if c := clusters["demo"]; c.State != zmesh.WorkerActive || c.Workers != 1 {
		t.Fatalf("clusters after failover: %+v", clusters)
	}
}

func TestStreamTimeout(t *testing.T) {
	endpoint := "inproc://mesh-stream-timeout"
	router, d := startMesh(t, endpoint)
	defer router.Close()
	defer d.Stop()

	cli := newTestClient(t, endpoint, client.WithCallTimeout(300*time.Millisecond))
	defer cli.Close()

	start := time.Now()
	sc, err := cli.Stream(context.Background(), "demo.drip", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	var frames int
	for range sc.C() {
		frames++
	}
	if frames != 1 {
		t.Fatalf("frames: %d", frames)
	}
	if sc.Err() != zmesh.ErrTimeout {
		t.Fatalf("err: %v", sc.Err())
	}
	if cost := time.Since(start); cost < 300*time.Millisecond || cost > time.Second {
		t.Fatalf("timeout not honored: %s", cost)
	}
}

func TestRouterRestart(t *testing.T) {
	endpoint := "inproc://mesh-router-restart"
	router, err := zmesh.NewServiceRouter(endpoint)
	if err != nil {
		t.Fatal(err)
	}
	router.Start()

	d, err := zmesh.NewServiceDealer("demo", endpoint, zmesh.WithHeartbeatInterval(200*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	registerDemoMethods(t, d)
	if err := d.Start(); err != nil {
		t.Fatal(err)
	}
	defer d.Stop()
	time.Sleep(300 * time.Millisecond)

	cli := newTestClient(t, endpoint, client.WithHeartbeatInterval(200*time.Millisecond))
	defer cli.Close()

	if _, err := cli.Call(context.Background(), "demo.echo", []interface{}{"before"}, nil); err != nil {
		t.Fatal(err)
	}

	// router 下线，dealer 心跳回包断流后进入重连
	router.Close()
	time.Sleep(3 * time.Second)

	replacement, err := zmesh.NewServiceRouter(endpoint)
	if err != nil {
		t.Fatal(err)
	}
	replacement.Start()
	defer replacement.Close()

	// dealer 重连后重新 announce，调用恢复
	deadline := time.Now().Add(8 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		result, err := cli.Call(ctx, "demo.echo", []interface{}{"after"}, nil)
		cancel()
		if err == nil {
			if result != "after" {
				t.Fatalf("result: %v", result)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dealer did not recover: %v", err)
		}
		time.Sleep(200 * time.Millisecond)
	}

	if d.State() != zmesh.StateRunning {
		t.Fatalf("dealer state: %s", d.State())
	}
}
