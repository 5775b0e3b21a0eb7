package archive

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/conveyorhq/conveyor/internal/config"
)

func testExporter() *Exporter {
	return &Exporter{
		cfg: &config.ArchiveConfig{Prefix: "jobs", Bucket: "conveyor-archive"},
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func TestBatchKeyLayout(t *testing.T) {
	e := testExporter()
	at := time.Date(2026, 8, 25, 14, 30, 5, 0, time.UTC)

	key := e.batchKey("embeddings", at)

	if !strings.HasPrefix(key, "jobs/embeddings/2026/08/25/20260825T143005Z-") {
		t.Errorf("key = %q, want day-partitioned layout", key)
	}
	if !strings.HasSuffix(key, ".jsonl") {
		t.Errorf("key = %q, want .jsonl suffix", key)
	}
}

func TestBatchKeysAreUnique(t *testing.T) {
	e := testExporter()
	at := time.Now().UTC()

	a := e.batchKey("embeddings", at)
	b := e.batchKey("embeddings", at)

	if a == b {
		t.Errorf("two batches at the same instant must not collide: %q", a)
	}
}

func TestExportEmptyBatchSkipsUpload(t *testing.T) {
	// No client configured; an empty batch must return before using it
	e := testExporter()

	key, err := e.Export(context.Background(), "embeddings", nil)
	if err != nil {
		t.Fatalf("Export(empty) error: %v", err)
	}
	if key != "" {
		t.Errorf("Export(empty) key = %q, want empty", key)
	}
}
