package store

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/surrealdb/surrealcollab/pkg/crdt"
	"github.com/zeebo/blake3"
)

// snapshotMagic prefixes every encoded snapshot, followed by the BLAKE3 checksum of
// the compressed payload.
var snapshotMagic = []byte("CSN1")

const checksumSize = 32

var (
	encMode = func() cbor.EncMode {
		opts := cbor.CoreDetEncOptions()
		opts.Time = cbor.TimeRFC3339Nano
		em, err := opts.EncMode()
		if err != nil {
			panic(err)
		}
		return em
	}()

	zstdOnce    sync.Once
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func codecs() (*zstd.Encoder, *zstd.Decoder) {
	zstdOnce.Do(func() {
		var err error
		zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			panic(err)
		}
		zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(256<<20))
		if err != nil {
			panic(err)
		}
	})
	return zstdEncoder, zstdDecoder
}

// EncodeSnapshot serializes a snapshot as checksummed, compressed CBOR.
func EncodeSnapshot(snap *Snapshot) ([]byte, error) {
	raw, err := encMode.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("store: encode snapshot: %w", err)
	}
	enc, _ := codecs()
	payload := enc.EncodeAll(raw, nil)
	sum := blake3.Sum256(payload)

	out := make([]byte, 0, len(snapshotMagic)+checksumSize+len(payload))
	out = append(out, snapshotMagic...)
	out = append(out, sum[:]...)
	return append(out, payload...), nil
}

// DecodeSnapshot reverses EncodeSnapshot, failing with ErrCorruptSnapshot when the
// blob was truncated or altered.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	header := len(snapshotMagic) + checksumSize
	if len(data) < header || !bytes.Equal(data[:len(snapshotMagic)], snapshotMagic) {
		return nil, fmt.Errorf("%w: bad header", ErrCorruptSnapshot)
	}
	payload := data[header:]
	sum := blake3.Sum256(payload)
	if !bytes.Equal(sum[:], data[len(snapshotMagic):header]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptSnapshot)
	}
	_, dec := codecs()
	raw, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	var snap Snapshot
	if err := cbor.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return &snap, nil
}

// EncodeOperation serializes one journal entry.
func EncodeOperation(op crdt.Operation) ([]byte, error) {
	return encMode.Marshal(op)
}

// DecodeOperation reverses EncodeOperation.
func DecodeOperation(data []byte) (crdt.Operation, error) {
	var op crdt.Operation
	if err := cbor.Unmarshal(data, &op); err != nil {
		return crdt.Operation{}, fmt.Errorf("store: decode journal entry: %w", err)
	}
	return op, nil
}

// JournalKey is the backend-independent key of a journal entry.
func JournalKey(id crdt.OpID) string {
	return fmt.Sprintf("%s/%020d", id.Client, id.Seq)
}
