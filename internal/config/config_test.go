package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadBaseOnly(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	writeFile(t, base, "gateway:\n  max_conn: 100\nlog:\n  level: info\n")

	doc, err := Load(Options{BaseFile: base, Environ: []string{}})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := doc.Int("gateway.max_conn", 0); got != 100 {
		t.Fatalf("gateway.max_conn = %d, want 100", got)
	}
	if got := doc.String("log.level", ""); got != "info" {
		t.Fatalf("log.level = %q, want info", got)
	}
}

func TestLoadEnvOverlayMerges(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	writeFile(t, base, "gateway:\n  max_conn: 100\n  idle_timeout: 30\n")
	overlay := filepath.Join(dir, "staging.yaml")
	writeFile(t, overlay, "gateway:\n  max_conn: 500\n")

	doc, err := Load(Options{BaseFile: base, Env: "staging", Environ: []string{}})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := doc.Int("gateway.max_conn", 0); got != 500 {
		t.Fatalf("gateway.max_conn = %d, want overlay value 500", got)
	}
	if got := doc.Int("gateway.idle_timeout", 0); got != 30 {
		t.Fatalf("gateway.idle_timeout = %d, want base value 30 preserved", got)
	}
}

func TestEnvVarOverridesTakePrecedence(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	writeFile(t, base, "gateway:\n  max_conn: 100\n")

	doc, err := Load(Options{
		BaseFile: base,
		Environ:  []string{"RELAY_GATEWAY__MAX_CONN=900", "UNRELATED=1"},
	})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := doc.String("gateway.max_conn", ""); got != "900" {
		t.Fatalf("gateway.max_conn = %q, want env override 900", got)
	}
}

func TestMissingKeyReturnsDefault(t *testing.T) {
	doc, err := Load(Options{Environ: []string{}})
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if got := doc.Int("nonexistent.path", 42); got != 42 {
		t.Fatalf("Int() = %d, want default 42", got)
	}
	if got := doc.Bool("nonexistent.flag", true); got != true {
		t.Fatalf("Bool() = %v, want default true", got)
	}
}

func TestOversizeFileRejected(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	big := make([]byte, MaxFileBytes+1)
	for i := range big {
		big[i] = ' '
	}
	if err := os.WriteFile(base, big, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(Options{BaseFile: base, Environ: []string{}}); err == nil {
		t.Fatalf("expected error for oversize config file")
	}
}
