package geminitest

import (
	"go/parser"
	"go/token"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

var _ TB = (*testing.T)(nil)

// cmd/echo-upstream ships this package, so it must not pull in testing.
func TestServerDoesNotImportTesting(t *testing.T) {
	files, err := filepath.Glob("*.go")
	if err != nil {
		t.Fatal(err)
	}

	fset := token.NewFileSet()
	for _, name := range files {
		if strings.HasSuffix(name, "_test.go") {
			continue
		}
		f, err := parser.ParseFile(fset, name, nil, parser.ImportsOnly)
		if err != nil {
			t.Fatalf("parse %s: %v", name, err)
		}
		for _, imp := range f.Imports {
			path, _ := strconv.Unquote(imp.Path.Value)
			if path == "testing" {
				t.Errorf("%s imports testing", name)
			}
		}
	}
}

func TestNewTestServer_ClosesOnCleanup(t *testing.T) {
	var s *Server
	t.Run("scoped", func(t *testing.T) {
		var url string
		s, url = NewTestServer(t, Options{})
		if !strings.HasPrefix(url, "ws://") {
			t.Errorf("expected ws:// url, got %q", url)
		}
	})
	if s.Active() != 0 {
		t.Errorf("expected no active peers after cleanup, got %d", s.Active())
	}
}
