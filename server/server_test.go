package server

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/stratumd/stratumd/router"
	"github.com/stratumd/stratumd/sessionlist"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestBuildBindsEphemeralPort(t *testing.T) {
	s, err := NewBuilder().Listen("127.0.0.1", 0).Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer s.listener.Close()

	if s.listener.Addr().(*net.TCPAddr).Port == 0 {
		t.Error("listener bound to port 0, want an assigned ephemeral port")
	}
}

func TestBuildFailsOnBadAddress(t *testing.T) {
	_, err := NewBuilder().Listen("not-a-host", -1).Build()
	if err == nil {
		t.Error("Build() with an invalid listen address should error")
	}
}

func TestRegisterConnectDispatch(t *testing.T) {
	calls := make(chan struct{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	b := NewBuilder().
		Listen("127.0.0.1", 0).
		ImportCancellationToken(ctx).
		Add("auth", func(req *router.Request) (interface{}, error) {
			calls <- struct{}{}
			return true, nil
		})

	s, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	port := s.listener.Addr().(*net.TCPAddr).Port

	startDone := make(chan struct{})
	go func() {
		_ = s.Start()
		close(startDone)
	}()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("{\"id\":1,\"method\":\"auth\",\"params\":{}}\n")); err != nil {
		t.Fatalf("write error = %v", err)
	}

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("registered handler never invoked")
	}

	if s.Sessions().Len() != 1 {
		t.Errorf("Sessions().Len() = %d, want 1", s.Sessions().Len())
	}

	cancel()
	select {
	case <-startDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after Shutdown")
	}
}

func TestShutdownDrainsWithoutWaitingFullBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBuilder().Listen("127.0.0.1", 0).ImportCancellationToken(ctx)

	s, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	startDone := make(chan struct{})
	go func() {
		_ = s.Start()
		close(startDone)
	}()

	// No connections are ever made, so the session list starts (and
	// stays) empty: shutdown must return immediately rather than
	// waiting out the backoff schedule.
	cancel()
	select {
	case <-startDone:
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return promptly for an already-empty session list")
	}
}

func TestGlobalTaskRunsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	b := NewBuilder().Listen("127.0.0.1", 0).ImportCancellationToken(ctx)

	started := make(chan struct{})
	b.Global("noop", func(taskCtx context.Context, globalVars map[string]interface{}, sessions *sessionlist.SessionList) error {
		close(started)
		<-taskCtx.Done()
		return nil
	})

	s, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	startDone := make(chan struct{})
	go func() {
		_ = s.Start()
		close(startDone)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("global task never started")
	}

	cancel()
	select {
	case <-startDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after cancellation")
	}
}

func TestShutdownPayloadIsBroadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBuilder().
		Listen("127.0.0.1", 0).
		ImportCancellationToken(ctx).
		ShutdownPayload([]byte("bye\n"))

	s, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	port := s.listener.Addr().(*net.TCPAddr).Port

	startDone := make(chan struct{})
	go func() {
		_ = s.Start()
		close(startDone)
	}()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	// Give the handler a moment to register the session before shutdown.
	time.Sleep(50 * time.Millisecond)
	cancel()

	buf := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(buf); err != nil {
		t.Fatalf("reading shutdown broadcast: %v", err)
	}
	if string(buf) != "bye\n" {
		t.Errorf("broadcast payload = %q, want %q", buf, "bye\n")
	}

	select {
	case <-startDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after Shutdown")
	}
}
