package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/daviddao/driftsync/pkg/event"
)

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w
	fn()
	w.Close()
	os.Stdout = old
	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

// --- envOr tests ---

func TestEnvOr_EnvSet(t *testing.T) {
	t.Setenv("TEST_DS_ENV", "hello")
	if got := envOr("TEST_DS_ENV", "default"); got != "hello" {
		t.Fatalf("envOr with set env: got %q, want %q", got, "hello")
	}
}

func TestEnvOr_EnvUnset(t *testing.T) {
	if got := envOr("TEST_DS_UNSET_KEY_XYZ", "fallback"); got != "fallback" {
		t.Fatalf("envOr with unset env: got %q, want %q", got, "fallback")
	}
}

// --- parseFields tests ---

func TestParseFields_Types(t *testing.T) {
	fields, err := parseFields([]string{"title=hello", "count=3", "done=true", `tags=["a","b"]`})
	if err != nil {
		t.Fatalf("parseFields: %v", err)
	}
	if fields["title"] != "hello" {
		t.Fatalf("title: got %v", fields["title"])
	}
	if fields["count"] != float64(3) {
		t.Fatalf("count: got %v (%T)", fields["count"], fields["count"])
	}
	if fields["done"] != true {
		t.Fatalf("done: got %v", fields["done"])
	}
	if tags, ok := fields["tags"].([]interface{}); !ok || len(tags) != 2 {
		t.Fatalf("tags: got %v", fields["tags"])
	}
}

func TestParseFields_Malformed(t *testing.T) {
	if _, err := parseFields([]string{"no-equals"}); err == nil {
		t.Fatal("parseFields should reject an argument without =")
	}
	if _, err := parseFields([]string{"=value"}); err == nil {
		t.Fatal("parseFields should reject an empty field name")
	}
}

// --- orNone tests ---

func TestOrNone(t *testing.T) {
	if got := orNone(""); got != "(none)" {
		t.Fatalf("orNone(\"\") = %q", got)
	}
	if got := orNone("x"); got != "x" {
		t.Fatalf("orNone(\"x\") = %q", got)
	}
}

// --- app lifecycle tests ---

func newTestApp(t *testing.T) *app {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("DRIFTSYNC_CONFIG", filepath.Join(dir, "config.yaml"))
	t.Setenv("DRIFTSYNC_DB_PATH", filepath.Join(dir, "ds.db"))
	a, err := newApp()
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func TestCmdInitCreatesConfigAndDB(t *testing.T) {
	a := newTestApp(t)
	out := captureStdout(t, func() {
		if code := a.cmdInit(nil); code != 0 {
			t.Errorf("init: exit %d", code)
		}
	})
	if !strings.Contains(out, "replica id:") || !strings.Contains(out, "account id:") {
		t.Fatalf("init output missing identity lines: %q", out)
	}
	if _, err := os.Stat(a.cfg.DBPath); err != nil {
		t.Fatalf("init did not create database: %v", err)
	}
	if a.cfg.AccountKey == "" || a.cfg.SigningKey == "" {
		t.Fatal("init did not generate key material")
	}
}

func TestCmdInitRefusesOverwrite(t *testing.T) {
	a := newTestApp(t)
	captureStdout(t, func() { a.cmdInit(nil) })
	if code := a.cmdInit(nil); code == 0 {
		t.Fatal("second init without --force should fail")
	}
	captureStdout(t, func() {
		if code := a.cmdInit([]string{"--force"}); code != 0 {
			t.Errorf("init --force: exit %d", code)
		}
	})
}

func TestEntityLifecycle(t *testing.T) {
	a := newTestApp(t)
	captureStdout(t, func() { a.cmdInit(nil) })

	out := captureStdout(t, func() {
		if code := a.cmdEntity("chat", []string{"new", "--id", "c1", "title=hello"}); code != 0 {
			t.Errorf("chat new: exit %d", code)
		}
	})
	if !strings.Contains(out, "created chat c1") {
		t.Fatalf("chat new output: %q", out)
	}

	captureStdout(t, func() {
		if code := a.cmdEntity("chat", []string{"set", "c1", "title=renamed"}); code != 0 {
			t.Errorf("chat set: exit %d", code)
		}
	})

	out = captureStdout(t, func() {
		if code := a.cmdEntity("chat", []string{"ls"}); code != 0 {
			t.Errorf("chat ls: exit %d", code)
		}
	})
	if !strings.Contains(out, "c1") || !strings.Contains(out, "renamed") {
		t.Fatalf("chat ls output: %q", out)
	}

	captureStdout(t, func() {
		if code := a.cmdEntity("chat", []string{"rm", "c1"}); code != 0 {
			t.Errorf("chat rm: exit %d", code)
		}
	})
	out = captureStdout(t, func() { a.cmdEntity("chat", []string{"ls"}) })
	if !strings.Contains(out, "no chats") {
		t.Fatalf("chat ls after rm: %q", out)
	}
}

func TestCmdSetAndLog(t *testing.T) {
	a := newTestApp(t)
	captureStdout(t, func() { a.cmdInit(nil) })

	captureStdout(t, func() {
		if code := a.cmdSet([]string{"theme", `"dark"`}); code != 0 {
			t.Errorf("set: exit %d", code)
		}
	})

	out := captureStdout(t, func() {
		if code := a.cmdLog(nil); code != 0 {
			t.Errorf("log: exit %d", code)
		}
	})
	if !strings.Contains(out, string(event.SetSetting)) {
		t.Fatalf("log output missing setting event: %q", out)
	}
}

func TestCmdCompactDropsSuperseded(t *testing.T) {
	a := newTestApp(t)
	captureStdout(t, func() { a.cmdInit(nil) })
	captureStdout(t, func() {
		a.cmdEntity("chat", []string{"new", "--id", "c1", "title=x"})
		a.cmdEntity("chat", []string{"rm", "c1"})
	})

	out := captureStdout(t, func() {
		if code := a.cmdCompact([]string{"--dry-run"}); code != 0 {
			t.Errorf("compact --dry-run: exit %d", code)
		}
	})
	if !strings.Contains(out, "would drop 1 of 2") {
		t.Fatalf("compact dry-run output: %q", out)
	}

	out = captureStdout(t, func() {
		if code := a.cmdCompact(nil); code != 0 {
			t.Errorf("compact: exit %d", code)
		}
	})
	if !strings.Contains(out, "dropped 1 of 2") {
		t.Fatalf("compact output: %q", out)
	}
}

func TestCmdStatus(t *testing.T) {
	a := newTestApp(t)
	captureStdout(t, func() { a.cmdInit(nil) })

	out := captureStdout(t, func() {
		if code := a.cmdStatus(nil); code != 0 {
			t.Errorf("status: exit %d", code)
		}
	})
	if !strings.Contains(out, "replica:") || !strings.Contains(out, "clock:") {
		t.Fatalf("status output: %q", out)
	}
}

func TestCmdSyncWithoutRelayFails(t *testing.T) {
	a := newTestApp(t)
	captureStdout(t, func() { a.cmdInit(nil) })
	if code := a.cmdSync(nil); code == 0 {
		t.Fatal("sync without relay configuration should fail")
	}
}
