package buildinfo

import (
	"runtime/debug"
	"strings"
	"testing"
)

func TestFromVCS(t *testing.T) {
	settings := []debug.BuildSetting{
		{Key: "vcs.revision", Value: "0123456789abcdef0123"},
		{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
		{Key: "vcs.modified", Value: "true"},
	}

	tests := []struct {
		name       string
		in         Info
		wantCommit string
		wantTime   string
	}{
		{"unset", Info{GitCommit: "unknown", BuildTime: "unknown"}, "0123456789ab", "2026-01-02T03:04:05Z"},
		{"ldflags win", Info{GitCommit: "abc123", BuildTime: "yesterday"}, "abc123", "yesterday"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := tt.in
			fromVCS(&info, settings)
			if info.GitCommit != tt.wantCommit || info.BuildTime != tt.wantTime || !info.Modified {
				t.Errorf("fromVCS() = %+v", info)
			}
		})
	}
}

func TestInfo_String(t *testing.T) {
	i := Info{Version: "1.2.0", GitCommit: "abc", GitBranch: "main", BuildTime: "now"}
	if got := i.String(); got != "postern 1.2.0 (abc@main) built now" {
		t.Errorf("String() = %q", got)
	}
	i.Modified = true
	if !strings.HasSuffix(i.String(), "+dirty") {
		t.Errorf("String() = %q, want +dirty", i.String())
	}
}

func TestGet(t *testing.T) {
	info := Get()
	if info.Version != Version || info.GoVersion == "" || !strings.Contains(info.Platform, "/") {
		t.Errorf("Get() = %+v", info)
	}
	if !strings.HasPrefix(UserAgent(), "postern/") {
		t.Errorf("UserAgent() = %q", UserAgent())
	}
}
