package schema

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"time"
)

// TempIDPrefix marks ids minted on the client before the server confirms a create.
const TempIDPrefix = "temp_"

// IDGenerator mints temporary task ids.
type IDGenerator interface {
	NewTempID() string
}

// IsTemporaryID reports whether id was minted on the client.
func IsTemporaryID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

const tempIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// TimeIDs generates ids of the form temp_<unix millis>_<9 random base36 chars>.
type TimeIDs struct {
	// Now defaults to time.Now.
	Now func() time.Time
}

// NewTempID implements IDGenerator.
func (g TimeIDs) NewTempID() string {
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}

	var suffix strings.Builder
	max := big.NewInt(int64(len(tempIDAlphabet)))
	for i := 0; i < 9; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand does not fail on supported platforms
			panic(fmt.Sprintf("failed to read random bytes: %v", err))
		}
		suffix.WriteByte(tempIDAlphabet[n.Int64()])
	}

	return fmt.Sprintf("%s%d_%s", TempIDPrefix, now().UnixMilli(), suffix.String())
}

// SequentialIDs generates deterministic ids temp_<n>_test for tests.
type SequentialIDs struct {
	n atomic.Int64
}

// NewTempID implements IDGenerator.
func (g *SequentialIDs) NewTempID() string {
	return fmt.Sprintf("%s%d_test", TempIDPrefix, g.n.Add(1))
}
