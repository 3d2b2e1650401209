package delivery

import (
	"encoding/binary"
)

// Key prefixes for a processor's delivery state.
const (
	prefixInFlight    = "if/"       // in-flight entries by partition and seq
	prefixInFlightIdx = "if_idx/"   // in-flight index by idle_from
	prefixPending     = "pend/"     // pending entries by partition and eta
	prefixPendingSeq  = "pend_seq/" // pending lookup by partition and seq
	prefixPoison      = "poison/"   // quarantine flags
)

// deliveryPrefix format: d/{processor}/
func deliveryPrefix(processor string) string {
	return "d/" + processor + "/"
}

func put4(dst []byte, v int) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return append(dst, b[:]...)
}

func put8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// inFlightKey format: d/{processor}/if/{part_be4}/{seq_be8}
func inFlightKey(processor string, partition int, seq uint64) []byte {
	k := []byte(deliveryPrefix(processor) + prefixInFlight)
	return put8(put4(k, partition), seq)
}

// inFlightPartitionPrefix format: d/{processor}/if/{part_be4}
func inFlightPartitionPrefix(processor string, partition int) []byte {
	return put4([]byte(deliveryPrefix(processor)+prefixInFlight), partition)
}

// inFlightIndexKey format: d/{processor}/if_idx/{idle_from_ms}/{part_be4}/{seq_be8}
func inFlightIndexKey(processor string, idleFromMs int64, partition int, seq uint64) []byte {
	k := []byte(deliveryPrefix(processor) + prefixInFlightIdx)
	return put8(put4(put8(k, uint64(idleFromMs)), partition), seq)
}

// pendingKey format: d/{processor}/pend/{part_be4}/{eta_ms}/{seq_be8}
func pendingKey(processor string, partition int, etaMs int64, seq uint64) []byte {
	k := []byte(deliveryPrefix(processor) + prefixPending)
	return put8(put8(put4(k, partition), uint64(etaMs)), seq)
}

// pendingPartitionPrefix format: d/{processor}/pend/{part_be4}
func pendingPartitionPrefix(processor string, partition int) []byte {
	return put4([]byte(deliveryPrefix(processor)+prefixPending), partition)
}

// pendingSeqKey format: d/{processor}/pend_seq/{part_be4}/{seq_be8}
func pendingSeqKey(processor string, partition int, seq uint64) []byte {
	k := []byte(deliveryPrefix(processor) + prefixPendingSeq)
	return put8(put4(k, partition), seq)
}

// poisonKey format: d/{processor}/poison/{part_be4}
func poisonKey(processor string, partition int) []byte {
	return put4([]byte(deliveryPrefix(processor)+prefixPoison), partition)
}
