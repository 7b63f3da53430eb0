package version

import "testing"

func TestString(t *testing.T) {
	origVersion, origCommit, origBuild := Version, Commit, BuildTime
	t.Cleanup(func() { Version, Commit, BuildTime = origVersion, origCommit, origBuild })

	Version, Commit, BuildTime = "1.2.3", "abc1234", "2024-01-15T12:00:00Z"

	want := "1.2.3 (abc1234) built 2024-01-15T12:00:00Z"
	if got := String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestLogAttrs(t *testing.T) {
	attrs := LogAttrs()
	if len(attrs)%2 != 0 {
		t.Fatalf("LogAttrs() has odd length %d", len(attrs))
	}
	if attrs[0] != "version" || attrs[1] != Version {
		t.Errorf("LogAttrs()[0:2] = %v, want version %q", attrs[0:2], Version)
	}
}
