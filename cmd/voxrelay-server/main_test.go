package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseSince(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		in      string
		want    time.Time
		wantErr bool
	}{
		{"duration", "90m", now.Add(-90 * time.Minute), false},
		{"rfc3339", "2026-02-28T08:00:00Z", time.Date(2026, 2, 28, 8, 0, 0, 0, time.UTC), false},
		{"garbage", "yesterday", time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSince(tt.in, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseSince(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !got.Equal(tt.want) {
				t.Errorf("parseSince(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestRootCmd_Subcommands(t *testing.T) {
	root := rootCmd()
	for _, name := range []string{"serve", "replay", "version"} {
		if cmd, _, err := root.Find([]string{name}); err != nil || cmd.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestReplay_RejectsMemoryBus(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "voxrelay.yaml")
	if err := os.WriteFile(cfgPath, []byte("bus:\n  type: memory\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	root := rootCmd()
	root.SetArgs([]string{"replay", "-c", cfgPath, "--log", filepath.Join(dir, "events.jsonl")})
	root.SilenceErrors = true
	if err := root.Execute(); err == nil {
		t.Error("replay onto a memory bus should fail")
	}
}
