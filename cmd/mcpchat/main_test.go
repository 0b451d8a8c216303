package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunVersionJSON(t *testing.T) {
	var out, errOut strings.Builder
	err := run(context.Background(), strings.NewReader(""), &out, &errOut,
		[]string{"-o", "json", "version"})
	if err != nil {
		t.Fatalf("run(version) error: %v", err)
	}

	var info map[string]string
	if err := json.Unmarshal([]byte(out.String()), &info); err != nil {
		t.Fatalf("version output is not JSON: %v\n%s", err, out.String())
	}
	if info["version"] == "" {
		t.Errorf("version missing from %v", info)
	}
}

func TestRunUsageWithoutCommand(t *testing.T) {
	var out, errOut strings.Builder
	if err := run(context.Background(), strings.NewReader(""), &out, &errOut, nil); err != nil {
		t.Fatalf("run() error: %v", err)
	}
	if !strings.Contains(out.String(), "Usage: mcpchat") {
		t.Errorf("usage not printed:\n%s", out.String())
	}
}

func TestRunUnknownCommand(t *testing.T) {
	var out, errOut strings.Builder
	err := run(context.Background(), strings.NewReader(""), &out, &errOut, []string{"bogus"})
	if err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("run(bogus) error = %v, want unknown command", err)
	}
}

func TestRunUnknownOutputFormat(t *testing.T) {
	var out, errOut strings.Builder
	err := run(context.Background(), strings.NewReader(""), &out, &errOut,
		[]string{"-o", "xml", "version"})
	if err == nil || !strings.Contains(err.Error(), "output format") {
		t.Fatalf("run(-o xml) error = %v, want output format error", err)
	}
}

func TestRunInit(t *testing.T) {
	dir := t.TempDir()

	var out, errOut strings.Builder
	if err := run(context.Background(), strings.NewReader(""), &out, &errOut,
		[]string{"init", dir}); err != nil {
		t.Fatalf("run(init) error: %v", err)
	}

	path := filepath.Join(dir, "mcpchat.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("config not written: %v", err)
	}
	if !strings.Contains(string(data), "llm:") {
		t.Errorf("written config lacks llm section")
	}

	// Second init must refuse to overwrite.
	err = run(context.Background(), strings.NewReader(""), &out, &errOut,
		[]string{"init", dir})
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("second init error = %v, want already-exists refusal", err)
	}
}

func TestRunAskRequiresQuestion(t *testing.T) {
	var out, errOut strings.Builder
	err := run(context.Background(), strings.NewReader(""), &out, &errOut, []string{"ask"})
	if err == nil || !strings.Contains(err.Error(), "usage:") {
		t.Fatalf("run(ask) error = %v, want usage error", err)
	}
}
