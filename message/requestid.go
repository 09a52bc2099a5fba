package message

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Request id schemes.
const (
	SchemeHash = "hash"
	SchemeUUID = "uuid"
)

// HashRequestID derives a request id from identity, time, agent and
// collective. Two ids only collide when all four inputs are identical at
// nanosecond resolution.
func HashRequestID(identity string, t time.Time, agent, collective string) string {
	sum := sha256.Sum256([]byte(strings.Join([]string{
		identity, strconv.FormatInt(t.UnixNano(), 10), agent, collective,
	}, "-")))
	return hex.EncodeToString(sum[:16])
}

// UUIDRequestID returns a random request id in the same 32 hex digit form.
func UUIDRequestID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
