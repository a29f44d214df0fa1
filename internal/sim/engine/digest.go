package engine

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// StateDigest hashes the step counter, grid shape and every committed
// coordinate, axis-major. Two runs agree on the digest iff they agree on the
// full position state at the same step.
func (e *Engine) StateDigest() string {
	h := sha256.New()
	var tmp [8]byte

	binary.LittleEndian.PutUint64(tmp[:], e.step)
	h.Write(tmp[:])
	binary.LittleEndian.PutUint64(tmp[:], uint64(e.grid.Dims))
	h.Write(tmp[:])
	for d := 0; d < e.grid.Dims; d++ {
		binary.LittleEndian.PutUint32(tmp[:4], uint32(e.grid.Size[d]))
		h.Write(tmp[:4])
	}

	pos := e.store.Positions()
	buf := make([]byte, 0, 4*1024)
	for d := 0; d < pos.Dims; d++ {
		for _, v := range pos.Axes[d] {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
			if len(buf) == cap(buf) {
				h.Write(buf)
				buf = buf[:0]
			}
		}
	}
	h.Write(buf)
	return hex.EncodeToString(h.Sum(nil))
}
