package history

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	h := History{
		{IP: "2.2.2.2", Date: "10/17/2026, 3:04:05 PM", Source: SourceForwardedFor},
		{IP: "2001:db8::1", Date: "10/16/2026, 9:00:00 AM", Source: SourceLookup},
	}
	b, err := Encode(h)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !reflect.DeepEqual(got, h) {
		t.Errorf("round trip = %+v, want %+v", got, h)
	}
}

func TestEncodeNil(t *testing.T) {
	b, err := Encode(nil)
	if err != nil {
		t.Fatalf("Encode(nil) error = %v", err)
	}
	if string(b) != "[]" {
		t.Errorf("Encode(nil) = %s, want []", b)
	}
}

func TestDecodeLegacyRecord(t *testing.T) {
	h, err := Decode([]byte(`[{"ip":"3.3.3.3","date":"1/1/2025, 10:00:00 AM"}]`))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if h[0].Source != "" {
		t.Errorf("Source = %q, want empty before migration", h[0].Source)
	}
	m := Migrate(h)
	if m[0].Source != SourceUnknown || m[0].IP != "3.3.3.3" || m[0].Date != "1/1/2025, 10:00:00 AM" {
		t.Errorf("migrated = %+v", m[0])
	}
}

func TestDecodeCorrupt(t *testing.T) {
	tests := []string{"", "   ", "null", "{", `{"ip":"1.1.1.1"}`, "not json"}
	for _, in := range tests {
		t.Run(strings.TrimSpace(in), func(t *testing.T) {
			_, err := Decode([]byte(in))
			if !errors.Is(err, ErrCorrupt) {
				t.Errorf("Decode(%q) error = %v, want ErrCorrupt", in, err)
			}
		})
	}
}
