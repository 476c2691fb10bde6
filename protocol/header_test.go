package protocol

import (
	"testing"

	"github.com/polyphase/rolebus/api"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		h    api.Header
	}{
		{"data", api.Header{Iface: 1, Object: 2, Channel: 3, Kind: api.KindData, Length: 128}},
		{"request", api.Header{Iface: 7, Object: 1, Channel: 4, Kind: api.KindRequest, Length: 64, Correlation: 0xdeadbeef}},
		{"response", api.Header{Iface: 7, Object: 1, Channel: 5, Kind: api.KindResponse, Correlation: 1}},
		{"stream-item", api.Header{Iface: 9, Object: 3, Channel: 6, Kind: api.KindStreamItem, Length: 12, Key: 42, Seq: 1000}},
		{"stream-close", api.Header{Iface: 9, Object: 3, Channel: 6, Kind: api.KindStreamClose, Key: 42, Seq: 1001}},
		{"snapshot", api.Header{Iface: 9, Object: 3, Channel: 6, Kind: api.KindSnapshot, Length: 5, Key: 7, Seq: 3}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := EncodeHeader(nil, tc.h)
			if len(raw) != HeaderLen {
				t.Fatalf("encoded length = %d, want %d", len(raw), HeaderLen)
			}
			got, err := DecodeHeader(raw)
			if err != nil {
				t.Fatalf("DecodeHeader: %v", err)
			}
			if got != tc.h {
				t.Errorf("round trip = %+v, want %+v", got, tc.h)
			}
		})
	}
}

func TestHeaderEncodeAppends(t *testing.T) {
	prefix := []byte("prefix")
	out := EncodeHeader(prefix, api.Header{Kind: api.KindData})
	if len(out) != len(prefix)+HeaderLen {
		t.Fatalf("length = %d, want %d", len(out), len(prefix)+HeaderLen)
	}
	if string(out[:len(prefix)]) != "prefix" {
		t.Error("prefix overwritten")
	}
}

func TestHeaderDecodeViolations(t *testing.T) {
	valid := EncodeHeader(nil, api.Header{Kind: api.KindData, Length: 4})

	t.Run("truncated", func(t *testing.T) {
		if _, err := DecodeHeader(valid[:HeaderLen-1]); err != errShortHeader {
			t.Errorf("err = %v, want errShortHeader", err)
		}
	})
	t.Run("bad-kind", func(t *testing.T) {
		raw := append([]byte(nil), valid...)
		raw[12] = 0xff
		if _, err := DecodeHeader(raw); err != errBadKind {
			t.Errorf("err = %v, want errBadKind", err)
		}
	})
	t.Run("oversized-length", func(t *testing.T) {
		raw := EncodeHeader(nil, api.Header{Kind: api.KindData, Length: MaxPayload + 1})
		if _, err := DecodeHeader(raw); err != errBadLength {
			t.Errorf("err = %v, want errBadLength", err)
		}
	})

	for _, err := range []error{errShortHeader, errBadKind, errBadLength} {
		if !IsViolation(err) {
			t.Errorf("IsViolation(%v) = false", err)
		}
	}
	if IsViolation(nil) || IsViolation(api.ErrProtocol) {
		t.Error("IsViolation matched a non-header error")
	}
}
