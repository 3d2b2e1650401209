package eventlog

import "testing"

func TestRecordRoundtrip(t *testing.T) {
	header := []byte("h")
	payload := []byte("payload")
	rec := EncodeRecord(header, payload)
	dec, ok := DecodeRecord(rec)
	if !ok {
		t.Fatalf("decode failed")
	}
	if string(dec.Header) != string(header) || string(dec.Payload) != string(payload) {
		t.Fatalf("got %q/%q", dec.Header, dec.Payload)
	}
}

func TestRecordCRCFail(t *testing.T) {
	rec := EncodeRecord([]byte("x"), []byte("y"))
	rec[len(rec)-1] ^= 0xFF
	if _, ok := DecodeRecord(rec); ok {
		t.Fatalf("expected crc failure")
	}
	if _, ok := DecodeRecord(rec[:3]); ok {
		t.Fatalf("expected short record failure")
	}
}

func TestHeaderTimestampPrefix(t *testing.T) {
	h := Header{TsMs: 1_700_000_000_123, ID: "abc", Key: "user-1", IdempotencyKey: "req-9", Attrs: map[string]string{"src": "api"}}
	b, err := EncodeHeader(h)
	if err != nil {
		t.Fatalf("encode header: %v", err)
	}
	ts, ok := HeaderTimestamp(b)
	if !ok || ts != h.TsMs {
		t.Fatalf("timestamp prefix = %d, %v", ts, ok)
	}
	got, err := DecodeHeader(b)
	if err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if got.TsMs != h.TsMs || got.Key != "user-1" || got.IdempotencyKey != "req-9" || got.Attrs["src"] != "api" {
		t.Fatalf("header mismatch: %+v", got)
	}
	if _, err := DecodeHeader([]byte{1, 2}); err == nil {
		t.Fatalf("expected error on short header")
	}
}
