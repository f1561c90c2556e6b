package translate

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestTaskID_RoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		created time.Time
	}{
		{"epoch", time.Unix(0, 0)},
		{"now", time.Now()},
		{"nanos", time.Unix(1735689600, 999999999)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id := uuid.New()
			encoded := EncodeTaskID(id, tc.created)

			gotID, gotTime, err := DecodeTaskID(encoded)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if gotID != id {
				t.Errorf("uuid = %s, want %s", gotID, id)
			}
			if gotTime.Unix() != tc.created.Unix() || gotTime.Nanosecond() != tc.created.Nanosecond() {
				t.Errorf("time = %v, want %v", gotTime, tc.created)
			}
		})
	}
}

func TestTaskID_NoPaddingEmitted(t *testing.T) {
	encoded := EncodeTaskID(uuid.New(), time.Now())
	if strings.Contains(encoded, "=") {
		t.Errorf("encoded id carries padding: %q", encoded)
	}
}

func TestTaskID_ToleratesPaddedInput(t *testing.T) {
	id := uuid.New()
	encoded := EncodeTaskID(id, time.Unix(1735689600, 0))

	gotID, _, err := DecodeTaskID(encoded + "==")
	if err != nil {
		t.Fatalf("decode with padding: %v", err)
	}
	if gotID != id {
		t.Errorf("uuid = %s, want %s", gotID, id)
	}
}

func TestTaskID_RejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"not base64", "!!!"},
		{"truncated", EncodeTaskID(uuid.New(), time.Now())[:10]},
		{"wrong prefix", func() string {
			s := EncodeTaskID(uuid.New(), time.Now())
			raw := []byte(s)
			// Flip the first character so the decoded length prefix changes.
			raw[0] = 'Z'
			return string(raw)
		}()},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := DecodeTaskID(tc.in); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
