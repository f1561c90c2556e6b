package translate

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Task ids are opaque to the upstream but must round-trip through it
// unchanged. The layout is a 1-byte uuid length prefix, the 16 uuid bytes,
// then the creation instant as big-endian seconds (8 bytes) and nanos
// (4 bytes), encoded with unpadded URL-safe base64.
const (
	taskIDUUIDLen = 16
	taskIDRawLen  = 1 + taskIDUUIDLen + 8 + 4
)

// NewTaskID mints a task id for the current instant.
func NewTaskID() string {
	return EncodeTaskID(uuid.New(), time.Now())
}

// EncodeTaskID packs the uuid and creation time into the composite form.
func EncodeTaskID(id uuid.UUID, created time.Time) string {
	buf := make([]byte, 0, taskIDRawLen)
	buf = append(buf, byte(taskIDUUIDLen))
	buf = append(buf, id[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(created.Unix()))
	buf = binary.BigEndian.AppendUint32(buf, uint32(created.Nanosecond()))
	return base64.RawURLEncoding.EncodeToString(buf)
}

// DecodeTaskID unpacks a composite task id. Padded input is tolerated;
// anything else malformed is an error.
func DecodeTaskID(s string) (uuid.UUID, time.Time, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return uuid.UUID{}, time.Time{}, fmt.Errorf("task id: %w", err)
	}
	if len(raw) != taskIDRawLen {
		return uuid.UUID{}, time.Time{}, fmt.Errorf("task id: %d bytes, want %d", len(raw), taskIDRawLen)
	}
	if raw[0] != taskIDUUIDLen {
		return uuid.UUID{}, time.Time{}, fmt.Errorf("task id: length prefix %d, want %d", raw[0], taskIDUUIDLen)
	}

	var id uuid.UUID
	copy(id[:], raw[1:1+taskIDUUIDLen])
	secs := int64(binary.BigEndian.Uint64(raw[1+taskIDUUIDLen : 1+taskIDUUIDLen+8]))
	nanos := int64(binary.BigEndian.Uint32(raw[1+taskIDUUIDLen+8:]))
	return id, time.Unix(secs, nanos).UTC(), nil
}
