package version

import "testing"

func TestGetInfo(t *testing.T) {
	info := GetInfo()
	if info.Version == "" || info.GitCommit == "" || info.BuildDate == "" {
		t.Fatalf("expected non-empty version info")
	}
}

func TestGetInfoMap(t *testing.T) {
	m := GetInfoMap()
	for _, key := range []string{"version", "git_commit", "build_date"} {
		if m[key] == "" {
			t.Fatalf("expected %s in info map", key)
		}
	}
}

func TestGetShortCommit(t *testing.T) {
	GitCommit = "abcdef123456"
	if GetShortCommit() != "abcdef1" {
		t.Fatalf("expected short commit")
	}

	GitCommit = "abc"
	if GetShortCommit() != "abc" {
		t.Fatalf("expected full short commit when under seven chars")
	}
}
