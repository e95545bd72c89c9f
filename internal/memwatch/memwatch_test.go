package memwatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/execmem/execmem/internal/memconfig"
	"github.com/execmem/execmem/internal/memsys"
)

const doc = `{
  "schemaVersion": "1.0.0",
  "regions": [{"name": "hot", "bytes": 65536, "attrs": ["public"], "priority": 1}],
  "handlers": []
}`

func TestWatcherAppliesNewDocument(t *testing.T) {
	dir := t.TempDir()

	a := memsys.New()
	registry := memconfig.NewRegistry()

	w, err := New(dir, a, registry)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	path := filepath.Join(dir, "provision.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case res := <-w.Results():
		if res.Err != nil {
			t.Fatalf("apply %s: %v", res.Path, res.Err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the watcher to apply the new document")
	}

	if got := a.AvailMem(0); got == 0 {
		t.Fatal("expected the watched document to have provisioned free capacity")
	}
}

func TestWatcherReportsParseErrors(t *testing.T) {
	dir := t.TempDir()

	a := memsys.New()
	registry := memconfig.NewRegistry()

	w, err := New(dir, a, registry)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	path := filepath.Join(dir, "broken.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	select {
	case res := <-w.Results():
		if res.Err == nil {
			t.Fatal("expected a parse error for malformed JSON")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the watcher to report the broken document")
	}
}
