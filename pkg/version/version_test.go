package version

import "testing"

func TestGetInfo(t *testing.T) {
	info := GetInfo()
	if info.Version == "" || info.GitCommit == "" || info.BuildDate == "" {
		t.Fatalf("expected non-empty version info, got %+v", info)
	}
}

func TestGetShortCommit(t *testing.T) {
	orig := GitCommit
	t.Cleanup(func() { GitCommit = orig })

	GitCommit = "abcdef123456"
	if got := GetShortCommit(); got != "abcdef1" {
		t.Fatalf("expected abcdef1, got %s", got)
	}
	GitCommit = "abc"
	if got := GetShortCommit(); got != "abc" {
		t.Fatalf("expected short hash passthrough, got %s", got)
	}
}
