// Package output renders stream records for the command-line tools.
package output

import (
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rzbill/runnel/internal/jsoncodec"
)

const (
	FormatText = "text"
	FormatJSON = "json"
)

// Record is one stored record as the CLI sees it.
type Record struct {
	Partition int               `json:"partition"`
	Seq       uint64            `json:"seq"`
	ID        string            `json:"id,omitempty"`
	Key       string            `json:"key,omitempty"`
	TsMs      int64             `json:"tsMs"`
	Headers   map[string]string `json:"headers,omitempty"`
	Payload   []byte            `json:"payload"`
}

// CheckFormat rejects anything but text and json.
func CheckFormat(format string) error {
	switch format {
	case FormatText, FormatJSON:
		return nil
	default:
		return fmt.Errorf("invalid output format %q; use text|json", format)
	}
}

// Write prints r as one line.
func Write(w io.Writer, format string, r Record) error {
	if format == FormatJSON {
		m := Decoded(r.Payload)
		m["partition"] = r.Partition
		m["seq"] = r.Seq
		if r.ID != "" {
			m["id"] = r.ID
		}
		if r.Key != "" {
			m["key"] = r.Key
		}
		if r.TsMs > 0 {
			m["ts_ms"] = r.TsMs
		}
		if len(r.Headers) > 0 {
			m["headers"] = r.Headers
		}
		b, err := jsoncodec.Marshal(m)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(w, "%s\n", b)
		return err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "p=%d seq=%d", r.Partition, r.Seq)
	if r.Key != "" {
		fmt.Fprintf(&sb, " key=%q", r.Key)
	}
	if r.TsMs > 0 {
		fmt.Fprintf(&sb, " ts=%s", time.UnixMilli(r.TsMs).UTC().Format(time.RFC3339Nano))
	}
	if utf8.Valid(r.Payload) {
		fmt.Fprintf(&sb, " %s", r.Payload)
	} else {
		fmt.Fprintf(&sb, " b64:%s", base64.StdEncoding.EncodeToString(r.Payload))
	}
	_, err := fmt.Fprintln(w, sb.String())
	return err
}

// Decoded returns a map with one of payload_json, payload_text or payload_b64.
func Decoded(payload []byte) map[string]any {
	out := map[string]any{}
	if len(payload) > 0 && (payload[0] == '{' || payload[0] == '[') {
		var v any
		if jsoncodec.Unmarshal(payload, &v) == nil {
			out["payload_json"] = v
			return out
		}
	}
	if utf8.Valid(payload) {
		out["payload_text"] = string(payload)
		return out
	}
	out["payload_b64"] = base64.StdEncoding.EncodeToString(payload)
	return out
}
