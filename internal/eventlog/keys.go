package eventlog

import (
	"encoding/binary"
)

// Keyspace helpers for Pebble keys.
//
// Layout (byte-wise, lexicographically sortable):
// - s/{stream}/{part_be4}/m                   last assigned seq
// - s/{stream}/{part_be4}/e/{seq_be8}         entries
// - s/{stream}/{part_be4}/k/{idempotency}     idempotent publish index
// - c/{stream}/{group}/{part_be4}             acked cursor
// - c/{stream}/{group}/{part_be4}/ld          last delivered seq

var (
	sep          = byte('/')
	streamPrefix = []byte("s/")
	cursorPrefix = []byte("c/")
	metaSuffix   = []byte("/m")
	entrySeg     = []byte("/e/")
	idemSeg      = []byte("/k/")
	ldSuffix     = []byte("/ld")
)

func appendBE4(dst []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(dst, b[:]...)
}

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

func partitionPrefix(stream string, partition uint32) []byte {
	k := make([]byte, 0, len(stream)+32)
	k = append(k, streamPrefix...)
	k = append(k, stream...)
	k = append(k, sep)
	return appendBE4(k, partition)
}

// KeyLogMeta builds the partition metadata key.
func KeyLogMeta(stream string, partition uint32) []byte {
	return append(partitionPrefix(stream, partition), metaSuffix...)
}

// KeyLogEntry builds the entry key with a big-endian sequence for proper ordering.
func KeyLogEntry(stream string, partition uint32, seq uint64) []byte {
	k := append(partitionPrefix(stream, partition), entrySeg...)
	return appendBE8(k, seq)
}

// entryBounds returns [lower, upper) covering every entry of a partition.
func entryBounds(stream string, partition uint32) ([]byte, []byte) {
	low := KeyLogEntry(stream, partition, 0)
	hi := append(KeyLogEntry(stream, partition, ^uint64(0)), 0x00)
	return low, hi
}

func seqFromEntryKey(k []byte) uint64 {
	return binary.BigEndian.Uint64(k[len(k)-8:])
}

// KeyIdempotency indexes an idempotency key to the seq it was first appended at.
func KeyIdempotency(stream string, partition uint32, key string) []byte {
	k := append(partitionPrefix(stream, partition), idemSeg...)
	return append(k, key...)
}

// KeyStreamPrefix covers every log key of a stream.
func KeyStreamPrefix(stream string) []byte {
	k := make([]byte, 0, len(stream)+3)
	k = append(k, streamPrefix...)
	k = append(k, stream...)
	return append(k, sep)
}

// KeyCursor builds the durable cursor key for a group and partition.
func KeyCursor(stream, group string, partition uint32) []byte {
	k := make([]byte, 0, len(stream)+len(group)+16)
	k = append(k, cursorPrefix...)
	k = append(k, stream...)
	k = append(k, sep)
	k = append(k, group...)
	k = append(k, sep)
	return appendBE4(k, partition)
}

// KeyCursorLastDelivered is colocated with the cursor and tracks the highest
// seq handed out by a fetch, which runs ahead of the acked cursor.
func KeyCursorLastDelivered(stream, group string, partition uint32) []byte {
	return append(KeyCursor(stream, group, partition), ldSuffix...)
}

// KeyCursorGroupPrefix covers every cursor key of a group on a stream.
func KeyCursorGroupPrefix(stream, group string) []byte {
	k := make([]byte, 0, len(stream)+len(group)+8)
	k = append(k, cursorPrefix...)
	k = append(k, stream...)
	k = append(k, sep)
	k = append(k, group...)
	return append(k, sep)
}
