package lsm

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

const (
	KindPut uint8 = 1
	KindDel uint8 = 2

	// kindMax sorts before every real kind for the same (user key, seq).
	kindMax uint8 = 0xff
)

// maxSeq is larger than any sequence number handed out by the write path.
const maxSeq = uint64(1)<<56 - 1

const internalKeyTrailerLen = 8

type InternalKey struct {
	UserKey []byte
	Seq     uint64
	Kind    uint8 // 1: put, 2: del
}

func (k InternalKey) String() string {
	kind := "PUT"
	if k.Kind == KindDel {
		kind = "DEL"
	}
	return fmt.Sprintf("%q#%d,%s", k.UserKey, k.Seq, kind)
}

// Clone returns a copy that does not alias the receiver's user key.
func (k InternalKey) Clone() InternalKey {
	return InternalKey{UserKey: append([]byte(nil), k.UserKey...), Seq: k.Seq, Kind: k.Kind}
}

// compareKeys orders internal keys by user key ascending, then seq descending,
// then kind descending.
func compareKeys(a, b InternalKey) int {
	if c := bytes.Compare(a.UserKey, b.UserKey); c != 0 {
		return c
	}
	switch {
	case a.Seq > b.Seq:
		return -1
	case a.Seq < b.Seq:
		return 1
	case a.Kind > b.Kind:
		return -1
	case a.Kind < b.Kind:
		return 1
	}
	return 0
}

func encodeInternalKey(dst []byte, k InternalKey) []byte {
	dst = append(dst, k.UserKey...)
	return binary.LittleEndian.AppendUint64(dst, k.Seq<<8|uint64(k.Kind))
}

func decodeInternalKey(b []byte) (InternalKey, error) {
	n := len(b) - internalKeyTrailerLen
	if n < 0 {
		return InternalKey{}, CorruptionErrorf("lsm: internal key too short (%d bytes)", len(b))
	}
	trailer := binary.LittleEndian.Uint64(b[n:])
	return InternalKey{UserKey: b[:n:n], Seq: trailer >> 8, Kind: uint8(trailer)}, nil
}

// seekKey is the first internal key for userKey that is visible at seq.
func seekKey(userKey []byte, seq uint64) InternalKey {
	return InternalKey{UserKey: userKey, Seq: seq, Kind: kindMax}
}
