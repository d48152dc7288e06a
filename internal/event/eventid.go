package event

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmehdipour/jobengine/internal/util"
)

type IDStrategy string

const (
	IDStrategyUUID IDStrategy = "uuid"
	IDStrategyULID IDStrategy = "ulid"
	IDStrategyHash IDStrategy = "hash"
)

// ParseIDStrategy normalizes input; empty or unknown => uuid.
func ParseIDStrategy(s string) IDStrategy {
	switch IDStrategy(strings.ToLower(strings.TrimSpace(s))) {
	case IDStrategyULID, "timestamp":
		return IDStrategyULID
	case IDStrategyHash:
		return IDStrategyHash
	default:
		return IDStrategyUUID
	}
}

// IDGenerator produces a unique event id for a change observed at t.
type IDGenerator func(c Change, t time.Time) string

// NewIDGenerator returns the generator for a strategy.
func NewIDGenerator(s IDStrategy) IDGenerator {
	switch s {
	case IDStrategyULID:
		return func(_ Change, t time.Time) string { return util.NewULID(t) }
	case IDStrategyHash:
		return hashID
	default:
		return func(Change, time.Time) string { return uuid.NewString() }
	}
}

// hashID digests the change identity, the timestamp and 8 random bytes so two
// identical changes in the same nanosecond still differ.
func hashID(c Change, t time.Time) string {
	var salt [8]byte
	_, _ = rand.Read(salt[:])

	h := sha256.New()
	h.Write([]byte(c.Entity))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(c.ID, 10)))
	h.Write([]byte{0})
	h.Write([]byte(c.Type))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(t.UnixNano()))
	h.Write(ts[:])
	h.Write(salt[:])
	return hex.EncodeToString(h.Sum(nil))[:32]
}
