package shutdown

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// recorder collects the order in which components stop.
type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, name)
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type mockComponent struct {
	name  string
	delay time.Duration
	err   error
	rec   *recorder
	calls int32
}

func (m *mockComponent) Name() string { return m.name }

func (m *mockComponent) Shutdown(ctx context.Context) error {
	atomic.AddInt32(&m.calls, 1)
	select {
	case <-time.After(m.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	if m.rec != nil {
		m.rec.add(m.name)
	}
	return m.err
}

// For any set of components and failures, every component is stopped
// exactly once, newest first, and the exit code reports whether any
// component failed.
func TestPropertyShutdownOrderAndExitCode(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("components stop in reverse order", prop.ForAll(
		func(n int, failAt int) bool {
			rec := &recorder{}
			c := NewCoordinator(WithTimeout(5 * time.Second))
			comps := make([]*mockComponent, n)
			for i := range comps {
				comps[i] = &mockComponent{name: fmt.Sprintf("c%d", i), rec: rec}
				if i == failAt {
					comps[i].err = errors.New("close failed")
				}
				c.Register(comps[i])
			}

			c.Shutdown()
			c.Shutdown()
			c.Wait()

			got := rec.names()
			if len(got) != n {
				return false
			}
			for i, name := range got {
				if name != comps[n-1-i].name || atomic.LoadInt32(&comps[n-1-i].calls) != 1 {
					return false
				}
			}
			wantCode := 0
			if failAt < n {
				wantCode = 1
			}
			return c.ExitCode() == wantCode
		},
		gen.IntRange(0, 6),
		gen.IntRange(0, 8),
	))

	properties.TestingRun(t)
}

func TestShutdownTimeoutDoesNotStrandLaterComponents(t *testing.T) {
	rec := &recorder{}
	first := &mockComponent{name: "db", rec: rec}
	stuck := &mockComponent{name: "stuck", delay: time.Hour}

	c := NewCoordinator(WithTimeout(100 * time.Millisecond))
	c.Register(first)
	c.Register(stuck)

	start := time.Now()
	c.Shutdown()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("shutdown took %s", elapsed)
	}
	if c.ExitCode() != 1 {
		t.Errorf("exit code = %d, want 1", c.ExitCode())
	}
	if atomic.LoadInt32(&first.calls) != 1 {
		t.Error("component registered before the stuck one was never asked to stop")
	}
}

func TestWaitForSignal(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	comp := &mockComponent{name: "engine"}
	c := NewCoordinator(WithSignalChannel(sigCh), WithTimeout(time.Second))
	c.Register(comp)

	done := make(chan struct{})
	go func() {
		c.WaitForSignal(context.Background())
		close(done)
	}()
	sigCh <- os.Interrupt

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("WaitForSignal did not return")
	}
	c.Wait()
	if atomic.LoadInt32(&comp.calls) != 1 || c.ExitCode() != 0 {
		t.Errorf("calls = %d, exit code = %d", comp.calls, c.ExitCode())
	}
}

func TestWaitForSignalContext(t *testing.T) {
	c := NewCoordinator(WithSignalChannel(make(chan os.Signal)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c.WaitForSignal(ctx)
	c.Wait()
}

func TestHTTPServerComponentDrainsRequests(t *testing.T) {
	started := make(chan struct{})
	var completed atomic.Bool
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		completed.Store(true)
		w.WriteHeader(http.StatusOK)
	})}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve(ln) }()

	status := make(chan int, 1)
	go func() {
		resp, err := http.Get("http://" + ln.Addr().String())
		if err != nil {
			status <- 0
			return
		}
		resp.Body.Close()
		status <- resp.StatusCode
	}()
	<-started

	c := NewCoordinator(WithTimeout(5 * time.Second))
	c.Register(NewHTTPServerComponent("api", srv))
	c.Shutdown()

	if !completed.Load() {
		t.Error("shutdown returned before the in-flight request finished")
	}
	if got := <-status; got != http.StatusOK {
		t.Errorf("in-flight request status = %d", got)
	}
	if c.ExitCode() != 0 {
		t.Errorf("exit code = %d", c.ExitCode())
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestCloserAndFuncComponents(t *testing.T) {
	var closed, called bool
	closer := NewCloserComponent("redis", closerFunc(func() error { closed = true; return nil }))
	fn := NewFuncComponent("archiver", func(ctx context.Context) error { called = true; return nil })
	if closer.Name() != "redis" || fn.Name() != "archiver" {
		t.Errorf("names = %s, %s", closer.Name(), fn.Name())
	}

	c := NewCoordinator()
	c.Register(closer)
	c.Register(fn)
	c.Shutdown()
	if !closed || !called {
		t.Errorf("closed = %v, called = %v", closed, called)
	}
}
