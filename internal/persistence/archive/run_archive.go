package archive

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gridswarm.ai/internal/persistence/snapshot"
)

type RunArchiveMeta struct {
	RunID     string `json:"run_id"`
	Reason    string `json:"reason"`
	Step      uint64 `json:"step"`
	Agents    int    `json:"agents"`
	Arrived   int    `json:"arrived"`
	Seed      int64  `json:"seed"`
	Mode      string `json:"mode"`
	Digest    string `json:"digest"`
	Snapshot  string `json:"snapshot"`
	CreatedAt string `json:"created_at"`
}

func Dir(runDir string) string { return filepath.Join(runDir, "archive") }

// ArchiveRun copies the terminal snapshot of a run into `runDir/archive/` and
// writes meta.json next to it. It returns the archived snapshot path.
func ArchiveRun(runDir, snapshotPath string, snap snapshot.RunV1, reason string) (string, error) {
	if snapshotPath == "" {
		return "", fmt.Errorf("archive: empty snapshot path")
	}
	dir := Dir(runDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	dst := filepath.Join(dir, filepath.Base(snapshotPath))
	if err := copyFile(snapshotPath, dst); err != nil {
		return "", err
	}

	meta := RunArchiveMeta{
		RunID:     snap.Header.RunID,
		Reason:    reason,
		Step:      snap.Header.Step,
		Agents:    snap.Header.Agents,
		Arrived:   snap.Header.Arrived,
		Seed:      snap.Seed,
		Mode:      snap.Mode,
		Digest:    snap.Header.Digest,
		Snapshot:  filepath.Base(dst),
		CreatedAt: time.Now().UTC().Format(time.RFC3339Nano),
	}
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), b, 0o644); err != nil {
		return "", err
	}
	return dst, nil
}

// ReadMeta loads `runDir/archive/meta.json`.
func ReadMeta(runDir string) (RunArchiveMeta, error) {
	var m RunArchiveMeta
	b, err := os.ReadFile(filepath.Join(Dir(runDir), "meta.json"))
	if err != nil {
		return m, err
	}
	err = json.Unmarshal(b, &m)
	return m, err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
