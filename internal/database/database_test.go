package database

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"go.uber.org/zap"
)

func writePID(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "postmaster.pid")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadPostmasterPID(t *testing.T) {
	dir := t.TempDir()
	writePID(t, dir, "4242\n/var/lib/pgdata\n1700000000\n5433\n")

	pid, err := readPostmasterPID(dir)
	if err != nil || pid != 4242 {
		t.Errorf("readPostmasterPID() = %d, %v; want 4242", pid, err)
	}

	writePID(t, dir, "")
	if _, err := readPostmasterPID(dir); err == nil {
		t.Error("Expected error for empty pid file")
	}
}

func TestClearStalePID(t *testing.T) {
	log := zap.NewNop().Sugar()

	t.Run("no pid file", func(t *testing.T) {
		if err := clearStalePID(t.TempDir(), log); err != nil {
			t.Errorf("Unexpected error: %v", err)
		}
	})

	t.Run("dead process", func(t *testing.T) {
		dir := t.TempDir()
		path := writePID(t, dir, "99999999\n")
		if err := clearStalePID(dir, log); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Error("Stale pid file should be removed")
		}
	})

	t.Run("garbage pid", func(t *testing.T) {
		dir := t.TempDir()
		path := writePID(t, dir, "not-a-pid\n")
		if err := clearStalePID(dir, log); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Error("Unreadable pid file should be removed")
		}
	})

	t.Run("live process", func(t *testing.T) {
		dir := t.TempDir()
		path := writePID(t, dir, strconv.Itoa(os.Getpid())+"\n")
		if err := clearStalePID(dir, log); err == nil {
			t.Error("Expected error while the recorded process is alive")
		}
		if _, err := os.Stat(path); err != nil {
			t.Error("Pid file of a live process must be kept")
		}
	})
}

func TestIsPortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("cannot listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	if !isPortInUse(port) {
		t.Error("Listening port should be reported in use")
	}
	ln.Close()
	if isPortInUse(port) {
		t.Error("Closed port should be reported free")
	}
}
