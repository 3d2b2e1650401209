package eventlog

import (
	"encoding/binary"
	"errors"
	"hash/crc32"

	"github.com/rzbill/runnel/internal/jsoncodec"
)

// Record encoding: varint headerLen | header | payload | crc32c(header|payload)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrCorrupt is returned when a stored record fails its checksum.
var ErrCorrupt = errors.New("eventlog: corrupt record")

func EncodeRecord(header, payload []byte) []byte {
	out := make([]byte, 0, binary.MaxVarintLen64+len(header)+len(payload)+4)
	out = binary.AppendUvarint(out, uint64(len(header)))
	out = append(out, header...)
	out = append(out, payload...)

	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	return binary.BigEndian.AppendUint32(out, crc)
}

type Decoded struct {
	Header  []byte
	Payload []byte
}

func DecodeRecord(b []byte) (Decoded, bool) {
	if len(b) < 1+4 {
		return Decoded{}, false
	}
	hlen, n := binary.Uvarint(b)
	if n <= 0 {
		return Decoded{}, false
	}
	if hlen > uint64(len(b)) || n+int(hlen)+4 > len(b) {
		return Decoded{}, false
	}
	header := b[n : n+int(hlen)]
	payload := b[n+int(hlen) : len(b)-4]
	expect := binary.BigEndian.Uint32(b[len(b)-4:])
	crc := crc32.Update(0, castagnoli, header)
	crc = crc32.Update(crc, castagnoli, payload)
	if crc != expect {
		return Decoded{}, false
	}
	return Decoded{Header: append([]byte(nil), header...), Payload: append([]byte(nil), payload...)}, true
}

// Header is the per-record metadata written ahead of the payload.
// On disk: 8-byte big-endian publish time (ms) followed by JSON.
type Header struct {
	TsMs           int64             `json:"-"`
	ID             string            `json:"id,omitempty"`
	Key            string            `json:"key,omitempty"`
	Codec          string            `json:"codec,omitempty"`
	IdempotencyKey string            `json:"idk,omitempty"`
	Attrs          map[string]string `json:"attrs,omitempty"`
}

func EncodeHeader(h Header) ([]byte, error) {
	body, err := jsoncodec.Marshal(h)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8, 8+len(body))
	binary.BigEndian.PutUint64(out, uint64(h.TsMs))
	return append(out, body...), nil
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < 8 {
		return Header{}, ErrCorrupt
	}
	var h Header
	if len(b) > 8 {
		if err := jsoncodec.Unmarshal(b[8:], &h); err != nil {
			return Header{}, err
		}
	}
	h.TsMs = int64(binary.BigEndian.Uint64(b[:8]))
	return h, nil
}

// HeaderTimestamp reads the publish time without decoding the JSON part.
func HeaderTimestamp(b []byte) (int64, bool) {
	if len(b) < 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(b[:8])), true
}
