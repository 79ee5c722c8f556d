package scope

import (
	"errors"
	"reflect"
	"testing"

	"github.com/averraz/pitboss/internal/state"
)

func TestNormalizeIdempotent(t *testing.T) {
	cases := map[string]string{
		"src/":     "src/**",
		"./src/**": "src/**",
		" docs/ ":  "docs/**",
		"src/**":   "src/**",
		"Makefile": "Makefile",
		"":         "",
	}
	for in, want := range cases {
		got := Normalize(in)
		if got != want {
			t.Errorf("Normalize(%q): got %q want %q", in, got, want)
		}
		if again := Normalize(got); again != got {
			t.Errorf("Normalize not idempotent for %q: %q -> %q", in, got, again)
		}
	}
}

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, path string
		want          bool
	}{
		{"src/**", "src/a/b.go", true},
		{"src/", "src/deep/nested/file.go", true},
		{"src/*.go", "src/main.go", true},
		{"src/*.go", "src/sub/main.go", false},
		{"**/*.md", "docs/guide/intro.md", true},
		{"config/secrets", "config/secrets", true},
		{"src/**", "lib/a.go", false},
	}
	for _, tc := range cases {
		if got := Match(tc.pattern, tc.path); got != tc.want {
			t.Errorf("Match(%q, %q): got %v want %v", tc.pattern, tc.path, got, tc.want)
		}
	}
}

func TestPartition(t *testing.T) {
	changed := []string{"src/a.go", ".cache/x", "node_modules/pkg/index.js", "README.md"}
	ignored := func(paths []string) (map[string]bool, error) {
		return map[string]bool{"node_modules/pkg/index.js": true}, nil
	}
	semantic, environmental := Partition(changed, []string{".cache/**"}, ignored)
	wantSem := []string{"src/a.go", "README.md"}
	wantEnv := []string{".cache/x", "node_modules/pkg/index.js"}
	if !reflect.DeepEqual(semantic, wantSem) {
		t.Fatalf("semantic: got %v want %v", semantic, wantSem)
	}
	if !reflect.DeepEqual(environmental, wantEnv) {
		t.Fatalf("environmental: got %v want %v", environmental, wantEnv)
	}
}

func TestPartitionIgnoreFailureIsStrict(t *testing.T) {
	changed := []string{"src/a.go", ".cache/x"}
	failing := func(paths []string) (map[string]bool, error) {
		return nil, errors.New("no ignore mechanism")
	}
	semantic, environmental := Partition(changed, []string{".cache/**"}, failing)
	if len(environmental) != 0 {
		t.Fatalf("ignore failure must treat all paths as semantic, got env %v", environmental)
	}
	if !reflect.DeepEqual(semantic, changed) {
		t.Fatalf("semantic: got %v want %v", semantic, changed)
	}
}

func TestCheckAllowDeny(t *testing.T) {
	lock := state.ScopeLock{
		Allowlist: []string{"src/**"},
		Denylist:  []string{"src/generated/**"},
		Lockfiles: []string{"go.sum", "package-lock.json"},
	}
	if v := Check([]string{"src/a.go", "src/b/c.go"}, lock, false); v != nil {
		t.Fatalf("conforming paths flagged: %+v", v)
	}
	v := Check([]string{"lib/x.go", "src/generated/z.go", "go.sum"}, lock, false)
	if v == nil {
		t.Fatalf("expected violation")
	}
	if got := v.FilesByReason[ReasonScopeViolation]; !reflect.DeepEqual(got, []string{"lib/x.go", "src/generated/z.go"}) {
		t.Fatalf("scope_violation files: got %v", got)
	}
	if got := v.FilesByReason[ReasonLockfileRestricted]; !reflect.DeepEqual(got, []string{"go.sum"}) {
		t.Fatalf("lockfile_restricted files: got %v", got)
	}
}

func TestCheckLockfileAllowedWithFlag(t *testing.T) {
	lock := state.ScopeLock{Allowlist: []string{"**"}, Lockfiles: []string{"go.sum"}}
	if v := Check([]string{"go.sum"}, lock, true); v != nil {
		t.Fatalf("allow-deps run should accept lockfile changes: %+v", v)
	}
}

func TestCheckEmptyAllowlistOnlyDenylist(t *testing.T) {
	lock := state.ScopeLock{Denylist: []string{"secrets/**"}}
	if v := Check([]string{"anything/goes.txt"}, lock, false); v != nil {
		t.Fatalf("empty allowlist must not restrict: %+v", v)
	}
	if v := Check([]string{"secrets/key.pem"}, lock, false); v == nil {
		t.Fatalf("denylist must still apply with empty allowlist")
	}
}

func TestCheckOwnership(t *testing.T) {
	if v := CheckOwnership([]string{"src/a/x.go"}, nil); v != nil {
		t.Fatalf("empty claim must not be enforced")
	}
	if v := CheckOwnership([]string{"src/a/x.go"}, []string{"src/a/**"}); v != nil {
		t.Fatalf("owned path flagged: %+v", v)
	}
	v := CheckOwnership([]string{"src/b/y.go", "src/a/x.go"}, []string{"src/a/**"})
	if v == nil || !reflect.DeepEqual(v.Files, []string{"src/b/y.go"}) {
		t.Fatalf("ownership violation: got %+v", v)
	}
}

func TestPatternsOverlap(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"src/a/**", "src/a/x/**", true},
		{"src/a/**", "src/b/**", false},
		{"src/", "src/deep/**", true},
		{"**", "anything/**", true},
		{"Makefile", "Makefile", true},
		{"docs/**", "src/**", false},
	}
	for _, tc := range cases {
		if got := PatternsOverlap(tc.a, tc.b); got != tc.want {
			t.Errorf("PatternsOverlap(%q, %q): got %v want %v", tc.a, tc.b, got, tc.want)
		}
		if got := PatternsOverlap(tc.b, tc.a); got != tc.want {
			t.Errorf("PatternsOverlap(%q, %q): got %v want %v", tc.b, tc.a, got, tc.want)
		}
	}
}

func TestViolationSummarySorted(t *testing.T) {
	v := &Violation{}
	v.add(ReasonScopeViolation, "z.go")
	v.add(ReasonScopeViolation, "a.go")
	want := "scope_violation: a.go, z.go"
	if got := v.Summary(); got != want {
		t.Fatalf("Summary: got %q want %q", got, want)
	}
}
