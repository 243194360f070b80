package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/clinicbase/clinicbase/internal/config"
	storeerrors "github.com/clinicbase/clinicbase/internal/errors"
)

// setupDataDir points the CLI at a fresh database for the test.
func setupDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("CLINICBASE_DATA_DIR", dir)
	t.Setenv("CLINICBASE_DB_PATH", "")
	t.Setenv("CLINICBASE_CONFIG", "")
	t.Setenv("CLINICBASE_LOG_LEVEL", "error")
	return dir
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), args, &stdout, &stderr)
	return stdout.String(), err
}

func TestRun_Version(t *testing.T) {
	out, err := runCmd(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "clinicbase v"+version) {
		t.Errorf("version output = %q", out)
	}
}

func TestRun_Usage(t *testing.T) {
	if _, err := runCmd(t); !errors.Is(err, errUsage) {
		t.Errorf("no args: err = %v", err)
	}
	if _, err := runCmd(t, "frobnicate"); !errors.Is(err, errUsage) {
		t.Errorf("unknown command: err = %v", err)
	}
}

func TestRun_ImportStatsBackupRestore(t *testing.T) {
	dir := setupDataDir(t)

	payload := `[{"firstName":"Ada","lastName":"King","gender":"female","age":36},
	             {"firstName":"Alan","lastName":"Turing","gender":"male","age":41}]`
	file := filepath.Join(dir, "in.json")
	if err := os.WriteFile(file, []byte(payload), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := runCmd(t, "import", file)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !strings.Contains(out, "imported 2") {
		t.Errorf("import output = %q", out)
	}
	if _, err := os.Stat(filepath.Join(dir, "clinicbase.db")); err != nil {
		t.Errorf("database not created in data dir: %v", err)
	}

	out, err = runCmd(t, "stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out, `"totalRecords": 2`) {
		t.Errorf("stats output = %q", out)
	}

	out, err = runCmd(t, "backup")
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	key := strings.Fields(out)[0]
	if !strings.HasPrefix(key, "backup:") {
		t.Fatalf("backup key = %q", key)
	}

	if _, err := runCmd(t, "clear"); !errors.Is(err, errUsage) {
		t.Errorf("clear without -yes: err = %v", err)
	}
	if _, err := runCmd(t, "clear", "-yes"); err != nil {
		t.Fatalf("clear: %v", err)
	}

	out, err = runCmd(t, "backups")
	if err != nil {
		t.Fatalf("backups: %v", err)
	}
	if !strings.Contains(out, key) {
		t.Errorf("backups output = %q", out)
	}

	if _, err := runCmd(t, "restore", key); err != nil {
		t.Fatalf("restore: %v", err)
	}
	out, err = runCmd(t, "check")
	if err != nil || strings.TrimSpace(out) != "healthy" {
		t.Errorf("check = %q, %v", out, err)
	}
	out, err = runCmd(t, "repair")
	if err != nil || strings.TrimSpace(out) != "nothing to repair" {
		t.Errorf("repair = %q, %v", out, err)
	}
}

func TestRun_ExportToFile(t *testing.T) {
	dir := setupDataDir(t)
	in := filepath.Join(dir, "in.json")
	os.WriteFile(in, []byte(`[{"firstName":"Emmy","lastName":"Noether"}]`), 0o644)
	if _, err := runCmd(t, "import", in); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(dir, "out.json")
	msg, err := runCmd(t, "export", "-o", out)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if !strings.Contains(msg, "exported 1 records") {
		t.Errorf("export output = %q", msg)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"Noether"`) {
		t.Errorf("export file = %s", data)
	}

	if _, err := runCmd(t, "export", "no-such-id"); !storeerrors.IsNotFound(err) {
		t.Errorf("export unknown id: err = %v", err)
	}
}

func TestRun_RestoreUnknownKey(t *testing.T) {
	setupDataDir(t)
	if _, err := runCmd(t, "restore", "backup:00000000000000000001"); !storeerrors.IsNotFound(err) {
		t.Errorf("err = %v", err)
	}
	if _, err := runCmd(t, "restore"); !errors.Is(err, errUsage) {
		t.Errorf("missing key: err = %v", err)
	}
}

func TestRun_ConfigFile(t *testing.T) {
	dir := setupDataDir(t)
	cfgPath := filepath.Join(dir, "clinicbase.yaml")
	yaml := "storage:\n  path: custom.db\nlog:\n  level: error\n"
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := runCmd(t, "stats", "-config", cfgPath); err != nil {
		t.Fatalf("stats: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "custom.db")); err != nil {
		t.Errorf("custom database not created: %v", err)
	}
}

func TestListenAddr(t *testing.T) {
	cfg := config.Default().API
	addr, err := listenAddr(cfg)
	if err != nil || addr != cfg.Addr {
		t.Errorf("fixed addr = %q, %v", addr, err)
	}

	cfg.AutoPort = true
	cfg.Addr = "127.0.0.1:0"
	addr, err = listenAddr(cfg)
	if err != nil {
		t.Fatalf("auto port: %v", err)
	}
	if !strings.HasPrefix(addr, "127.0.0.1:") || addr == "127.0.0.1:0" {
		t.Errorf("auto addr = %q", addr)
	}
}
