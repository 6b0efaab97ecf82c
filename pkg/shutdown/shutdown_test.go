package shutdown

import (
	"context"
	"errors"
	"reflect"
	"syscall"
	"testing"
	"time"
)

func TestShutdownRunsLIFO(t *testing.T) {
	m := New(time.Second, nil)
	var order []string
	for _, name := range []string{"lock", "store", "server"} {
		name := name
		m.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	if err := m.Shutdown(); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	want := []string{"server", "store", "lock"}
	if !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestShutdownJoinsErrors(t *testing.T) {
	m := New(time.Second, nil)
	errA := errors.New("a failed")
	errB := errors.New("b failed")
	ran := false
	m.Register("a", func(context.Context) error { return errA })
	m.Register("ok", func(context.Context) error { ran = true; return nil })
	m.Register("b", func(context.Context) error { return errB })

	err := m.Shutdown()
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("expected both errors joined, got %v", err)
	}
	if !ran {
		t.Error("a failing step must not stop later steps")
	}
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestCloseResource(t *testing.T) {
	closed := false
	fn := CloseResource(closerFunc(func() error { closed = true; return nil }))
	if err := fn(context.Background()); err != nil || !closed {
		t.Fatalf("closed=%v err=%v", closed, err)
	}
}

func TestContextCancelledOnSignal(t *testing.T) {
	m := New(time.Second, nil)
	ctx, stop := m.Context(context.Background())
	defer stop()

	if err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("kill: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled after SIGTERM")
	}
	select {
	case <-m.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after SIGTERM")
	}
}
