package proc

import (
	"net"
	"os/exec"
	"runtime"
	"strconv"
	"testing"
	"time"
)

func TestPickFreePort(t *testing.T) {
	p, err := PickFreePort("127.0.0.1")
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if p <= 0 || p > 65535 {
		t.Fatalf("bad port %d", p)
	}
}

func TestPickPortInRange_SkipsBusy(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	busy := l.Addr().(*net.TCPAddr).Port
	if _, err := PickPortInRange("127.0.0.1", busy, busy); err == nil {
		t.Fatalf("expected error when the only port is busy")
	}
	got, err := PickPort("127.0.0.1", 0, 0)
	if err != nil || got == 0 {
		t.Fatalf("fallback pick: %d %v", got, err)
	}
}

func TestTail_KeepsLastBytes(t *testing.T) {
	tl := NewTail(5)
	_, _ = tl.Write([]byte("hello "))
	_, _ = tl.Write([]byte("world"))
	if got := tl.String(); got != "world" {
		t.Fatalf("expected tail %q, got %q", "world", got)
	}
}

func TestProcess_StopIsIdempotent(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signals differ on windows")
	}
	p, err := Start(exec.Command("sleep", "30"))
	if err != nil {
		t.Skipf("sleep unavailable: %v", err)
	}
	if p.PID() <= 0 {
		t.Fatalf("bad pid")
	}
	p.Stop(time.Second)
	p.Stop(time.Second)
	select {
	case <-p.Exited():
	default:
		t.Fatalf("process should have exited after Stop")
	}
	if p.ExitErr() == nil {
		t.Fatalf("expected non-nil exit error after SIGTERM")
	}
}

func TestProcess_ObservesEarlyExit(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no sh on windows")
	}
	p, err := Start(exec.Command("sh", "-c", "exit "+strconv.Itoa(3)))
	if err != nil {
		t.Skipf("sh unavailable: %v", err)
	}
	select {
	case <-p.Exited():
	case <-time.After(5 * time.Second):
		t.Fatalf("exit not observed")
	}
	if p.ExitErr() == nil {
		t.Fatalf("expected exit error")
	}
	p.Stop(0)
}
