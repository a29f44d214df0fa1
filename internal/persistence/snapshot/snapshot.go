package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

// Header is written as a plain JSON line ahead of the gob payload so tools can
// identify a snapshot without decoding the position arrays.
type Header struct {
	Version int    `json:"version"`
	RunID   string `json:"run_id"`
	Step    uint64 `json:"step"`
	Agents  int    `json:"agents"`
	Arrived int    `json:"arrived"`
	Digest  string `json:"digest"`
}

// RunV1 captures everything needed to resume a run bit-identically: the grid,
// the mode and seed, both position arrays and the step random stream.
type RunV1 struct {
	Header Header `json:"header"`

	Mode     string   `json:"mode"`
	Seed     int64    `json:"seed"`
	MaxSteps int      `json:"max_steps"`
	Dims     int      `json:"dims"`
	Size     [3]int32 `json:"size"`

	// Axis-major: Positions[d][i] is coordinate d of agent i.
	Positions [][]int32 `json:"positions"`
	Goals     [][]int32 `json:"goals,omitempty"`

	// RNG is the marshaled PCG state of the step stream.
	RNG []byte `json:"rng"`
}

// Path names the snapshot for step under a run directory.
func Path(runDir string, step uint64) string {
	return filepath.Join(runDir, "snapshots", fmt.Sprintf("%d.snap.zst", step))
}

func WriteSnapshot(path string, snap RunV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap RunV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		enc.Close()
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

func ReadSnapshot(path string) (RunV1, error) {
	var snap RunV1
	br, closeFn, err := open(path)
	if err != nil {
		return snap, err
	}
	defer closeFn()

	// The gob payload repeats the header.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	if snap.Dims != 2 && snap.Dims != 3 {
		return snap, fmt.Errorf("snapshot dims %d: want 2 or 3", snap.Dims)
	}
	return snap, nil
}

// ReadHeader decodes only the leading JSON line.
func ReadHeader(path string) (Header, error) {
	var h Header
	br, closeFn, err := open(path)
	if err != nil {
		return h, err
	}
	defer closeFn()
	line, err := br.ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

func open(path string) (*bufio.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return bufio.NewReaderSize(dec, 256*1024), func() {
		dec.Close()
		_ = f.Close()
	}, nil
}

// Latest returns the path of the highest-step snapshot under runDir.
func Latest(runDir string) (string, uint64, error) {
	matches, err := filepath.Glob(filepath.Join(runDir, "snapshots", "*.snap.zst"))
	if err != nil {
		return "", 0, err
	}
	var (
		best     string
		bestStep uint64
	)
	for _, m := range matches {
		var step uint64
		if _, err := fmt.Sscanf(filepath.Base(m), "%d.snap.zst", &step); err != nil {
			continue
		}
		if best == "" || step > bestStep {
			best, bestStep = m, step
		}
	}
	if best == "" {
		return "", 0, fmt.Errorf("no snapshots under %s", runDir)
	}
	return best, bestStep, nil
}
