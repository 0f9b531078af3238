package sandbox

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
)

// SnapshotMagic prefixes every encoded snapshot so Restore can refuse an
// incompatible payload (spec §4.3 "versioned with a magic prefix").
var SnapshotMagic = [4]byte{'D', 'B', 'S', 'H'}

// SnapshotVersion is bumped whenever the encoding changes shape.
const SnapshotVersion = uint8(1)

// ErrIncompatibleSnapshot is returned by DecodeSnapshot when the magic
// prefix or version does not match, per spec §7 "Snapshot/restore
// mismatch: fatal; indicates module version drift across a reorg."
var ErrIncompatibleSnapshot = fmt.Errorf("sandbox: incompatible snapshot")

type payload struct {
	KV          map[string][]byte
	MemoryImage []byte
}

// EncodeSnapshot packages the module's committed KV plus an optional
// backend memory image into one opaque, versioned blob.
func EncodeSnapshot(kv map[string][]byte, memoryImage []byte) ([]byte, error) {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(payload{KV: kv, MemoryImage: memoryImage}); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	var out bytes.Buffer
	out.Write(SnapshotMagic[:])
	out.WriteByte(SnapshotVersion)
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(body.Len()))
	out.Write(lenBuf[:])
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

// DecodeSnapshot reverses EncodeSnapshot, rejecting anything whose magic
// prefix or version does not match.
func DecodeSnapshot(data []byte) (kv map[string][]byte, memoryImage []byte, err error) {
	if len(data) < 4+1+4 {
		return nil, nil, fmt.Errorf("%w: truncated", ErrIncompatibleSnapshot)
	}
	if !bytes.Equal(data[:4], SnapshotMagic[:]) {
		return nil, nil, fmt.Errorf("%w: bad magic", ErrIncompatibleSnapshot)
	}
	if data[4] != SnapshotVersion {
		return nil, nil, fmt.Errorf("%w: version %d, want %d", ErrIncompatibleSnapshot, data[4], SnapshotVersion)
	}
	bodyLen := binary.LittleEndian.Uint32(data[5:9])
	if uint32(len(data)-9) < bodyLen {
		return nil, nil, fmt.Errorf("%w: truncated body", ErrIncompatibleSnapshot)
	}

	var p payload
	if err := gob.NewDecoder(bytes.NewReader(data[9 : 9+bodyLen])).Decode(&p); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrIncompatibleSnapshot, err)
	}
	return p.KV, p.MemoryImage, nil
}
