package order

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewPickupToken returns 32 lowercase hex characters from a random UUID.
func NewPickupToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewCode returns a human readable order code for orders imported without
// one, e.g. ORD-20260114-093015-042-0457.
func NewCode(now time.Time) string {
	now = now.UTC()
	millis := now.Nanosecond() / int(time.Millisecond)

	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		n = big.NewInt(now.UnixNano() % 10000)
	}
	return fmt.Sprintf("ORD-%s-%03d-%04d", now.Format("20060102-150405"), millis, n.Int64())
}
