package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestCheckCommand(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
[scheduler]
enabled = true
timezone = "UTC"

[jobs.maintenance.snapshot]
every = "15m"

[jobs.http_probes]
schedule = "09:30"

[[jobs.http_probes.targets]]
name = "home"
url = "https://example.com/"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	var out bytes.Buffer
	cmd := newCheckCmd(func() string { return path })
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--at", "2024-05-01T10:00:00Z"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	got := out.String()
	for _, want := range []string{
		"NAME",
		"jobs.maintenance.snapshot.every (",
		"maintenance/snapshot",
		"2024-05-01T10:15:00Z",
		"jobs.http_probes.schedule (",
		"probes/http",
		"2024-05-02T09:30:00Z",
		"found 2, scheduled 2",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}
}

func TestCheckCommandSharesProbeSchedule(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{
  "scheduler": {"enabled": true},
  "jobs": {"http_probes": {
    "schedule": "1h",
    "targets": [
      {"name": "a", "url": "https://example.com/a"},
      {"name": "b", "url": "https://example.com/b"}
    ]
  }}
}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	var out bytes.Buffer
	cmd := newCheckCmd(func() string { return path })
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--at", "2024-05-01T10:00:00Z"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v\n%s", err, out.String())
	}
	got := out.String()
	if strings.Contains(got, "ERROR") || !strings.Contains(got, "found 1, scheduled 1") {
		t.Fatalf("output:\n%s", got)
	}
	if strings.Count(got, "probes/http") != 1 {
		t.Fatalf("expected one probes/http row:\n%s", got)
	}
}

func TestCheckCommandRejectsBadInstant(t *testing.T) {
	t.Parallel()
	cmd := newCheckCmd(func() string { return "unused" })
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--at", "tomorrow"})
	if err := cmd.Execute(); err == nil || !strings.Contains(err.Error(), "--at") {
		t.Fatalf("err = %v", err)
	}
}
