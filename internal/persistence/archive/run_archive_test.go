package archive

import (
	"os"
	"path/filepath"
	"testing"

	"gridswarm.ai/internal/persistence/snapshot"
)

func TestArchiveRun_CopiesTerminalSnapshot(t *testing.T) {
	runDir := filepath.Join(t.TempDir(), "runs", "r1")
	src := snapshot.Path(runDir, 12)
	if err := os.MkdirAll(filepath.Dir(src), 0o755); err != nil {
		t.Fatalf("mkdir snapshots: %v", err)
	}
	want := []byte("dummy")
	if err := os.WriteFile(src, want, 0o644); err != nil {
		t.Fatalf("write src: %v", err)
	}

	snap := snapshot.RunV1{
		Header: snapshot.Header{Version: 1, RunID: "r1", Step: 12, Agents: 4, Arrived: 4, Digest: "abc"},
		Seed:   42,
		Mode:   "goal_seeking",
	}
	archived, err := ArchiveRun(runDir, src, snap, "all_arrived")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if archived != filepath.Join(runDir, "archive", "12.snap.zst") {
		t.Fatalf("archived path=%s", archived)
	}
	got, err := os.ReadFile(archived)
	if err != nil {
		t.Fatalf("read archived: %v", err)
	}
	if string(got) != string(want) {
		t.Fatalf("archived content mismatch: got=%q want=%q", string(got), string(want))
	}

	meta, err := ReadMeta(runDir)
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta.RunID != "r1" || meta.Reason != "all_arrived" || meta.Step != 12 || meta.Snapshot != "12.snap.zst" || meta.Seed != 42 {
		t.Fatalf("meta=%+v", meta)
	}
}

func TestArchiveRun_MissingSource(t *testing.T) {
	runDir := t.TempDir()
	if _, err := ArchiveRun(runDir, filepath.Join(runDir, "nope.snap.zst"), snapshot.RunV1{}, "stopped"); err == nil {
		t.Fatalf("expected error for missing snapshot")
	}
	if _, err := ArchiveRun(runDir, "", snapshot.RunV1{}, "stopped"); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
