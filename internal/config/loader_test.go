package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

type sample struct {
	ID      string   `json:"id" yaml:"id" toml:"id"`
	SizeGB  float64  `json:"size_gb" yaml:"size_gb" toml:"size_gb"`
	Vendors []string `json:"vendors" yaml:"vendors" toml:"vendors"`
}

func TestLoadFileYAML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "c.yaml", "id: low\nsize_gb: 0.9\nvendors: [NVIDIA, AMD]\n")
	var s sample
	if err := LoadFile(p, &s); err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.ID != "low" || s.SizeGB != 0.9 || len(s.Vendors) != 2 {
		t.Fatalf("unexpected: %+v", s)
	}
}

func TestLoadFileJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "c.json", `{"id":"medium","size_gb":3.5,"vendors":["NVIDIA"]}`)
	var s sample
	if err := LoadFile(p, &s); err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.ID != "medium" || s.SizeGB != 3.5 || len(s.Vendors) != 1 {
		t.Fatalf("unexpected: %+v", s)
	}
}

func TestLoadFileTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "c.toml", "id=\"high\"\nsize_gb=6.0\nvendors=[\"NVIDIA\"]\n")
	var s sample
	if err := LoadFile(p, &s); err != nil {
		t.Fatalf("load: %v", err)
	}
	if s.ID != "high" || s.SizeGB != 6.0 {
		t.Fatalf("unexpected: %+v", s)
	}
}

func TestLoadFileErrors(t *testing.T) {
	var s sample
	if err := LoadFile("", &s); err == nil {
		t.Fatalf("expected error on empty path")
	}
	if err := LoadFile("/definitely/not/a/real/file-12345.yaml", &s); err == nil {
		t.Fatalf("expected error for nonexistent file")
	}
	d := t.TempDir()
	if err := LoadFile(writeTempFile(t, d, "c.txt", "x"), &s); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
	if err := LoadFile(writeTempFile(t, d, "bad.json", `{ "id": }`), &s); err == nil {
		t.Fatalf("expected JSON error")
	}
	if err := LoadFile(writeTempFile(t, d, "bad.toml", "id=\nx\n"), &s); err == nil {
		t.Fatalf("expected TOML error")
	}
}
