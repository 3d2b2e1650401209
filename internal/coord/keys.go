package coord

import (
	"encoding/binary"
)

// Key prefixes under a processor group.
const (
	prefixLease    = "lease/"     // partition leases
	prefixLeaseIdx = "lease_idx/" // lease expiry index
	prefixEpoch    = "epoch/"     // per-partition acquisition counter
	prefixMember   = "mem/"       // executor membership
	prefixMemIdx   = "mem_idx/"   // membership expiry index
)

// groupPrefix returns the base prefix for a processor group.
// Format: g/{processor}/
func groupPrefix(processor string) string {
	return "g/" + processor + "/"
}

// leaseKey format: g/{processor}/lease/{part_be4}
func leaseKey(processor string, partition int) []byte {
	prefix := groupPrefix(processor) + prefixLease
	key := make([]byte, len(prefix)+4)
	copy(key, prefix)
	binary.BigEndian.PutUint32(key[len(prefix):], uint32(partition))
	return key
}

// leaseIndexKey format: g/{processor}/lease_idx/{expires_ms}/{part_be4}
func leaseIndexKey(processor string, expiresMs int64, partition int) []byte {
	prefix := groupPrefix(processor) + prefixLeaseIdx
	key := make([]byte, len(prefix)+8+4)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(expiresMs))
	binary.BigEndian.PutUint32(key[len(prefix)+8:], uint32(partition))
	return key
}

// epochKey format: g/{processor}/epoch/{part_be4}
func epochKey(processor string, partition int) []byte {
	prefix := groupPrefix(processor) + prefixEpoch
	key := make([]byte, len(prefix)+4)
	copy(key, prefix)
	binary.BigEndian.PutUint32(key[len(prefix):], uint32(partition))
	return key
}

// memberKey format: g/{processor}/mem/{executor}
func memberKey(processor, executor string) []byte {
	return []byte(groupPrefix(processor) + prefixMember + executor)
}

// memberIndexKey format: g/{processor}/mem_idx/{expires_ms}/{executor}
func memberIndexKey(processor string, expiresMs int64, executor string) []byte {
	prefix := groupPrefix(processor) + prefixMemIdx
	key := make([]byte, len(prefix)+8+len(executor))
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(expiresMs))
	copy(key[len(prefix)+8:], executor)
	return key
}

// keyRange returns start and end keys for scanning a prefix.
func keyRange(prefix string) ([]byte, []byte) {
	start := []byte(prefix)
	end := make([]byte, len(prefix)+1)
	copy(end, prefix)
	end[len(prefix)] = 0xFF
	return start, end
}
