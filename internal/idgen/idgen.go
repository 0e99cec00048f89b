// Package idgen generates the identifiers used for sessions, frames,
// events, anchors, and tasks.
//
// Sessions and tasks get an opaque google/uuid v4 — nothing downstream
// needs to derive meaning from those ids. Frames, events, and anchors get a
// short, prefixed base36 content hash, the same scheme bd uses for issue
// ids: dense, human-typeable, and stable for a given (name, timestamp,
// nonce) tuple.
package idgen

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
)

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// HashLen is the number of base36 characters after the prefix.
const HashLen = 8

// NewSessionID returns an opaque session identifier.
func NewSessionID() string {
	return "ses-" + uuid.NewString()
}

// NewTaskID returns an opaque task identifier.
func NewTaskID() string {
	return "tsk-" + uuid.NewString()
}

// NewFrameID returns a content-hash id for a frame.
func NewFrameID(name string, ts time.Time, nonce int) string {
	return hashID("frm", name, ts, nonce)
}

// NewEventID returns a content-hash id for an event.
func NewEventID(frameID string, ts time.Time, nonce int) string {
	return hashID("evt", frameID, ts, nonce)
}

// NewAnchorID returns a content-hash id for an anchor.
func NewAnchorID(frameID string, ts time.Time, nonce int) string {
	return hashID("anc", frameID, ts, nonce)
}

// NewItemID returns a content-hash id for a storage_items row.
func NewItemID(frameID string, ts time.Time, nonce int) string {
	return hashID("itm", frameID, ts, nonce)
}

func hashID(prefix, seed string, ts time.Time, nonce int) string {
	content := fmt.Sprintf("%s|%d|%d", seed, ts.UnixNano(), nonce)
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%s-%s", prefix, encodeBase36(sum[:5], HashLen))
}

// encodeBase36 converts bytes to a base36 string of the given length,
// zero-padded on the left and right-truncated to keep the least
// significant (most entropy-dense) digits.
func encodeBase36(data []byte, length int) string {
	num := new(big.Int).SetBytes(data)
	base := big.NewInt(36)
	zero := big.NewInt(0)
	mod := new(big.Int)

	chars := make([]byte, 0, length)
	for num.Cmp(zero) > 0 {
		num.DivMod(num, base, mod)
		chars = append(chars, base36Alphabet[mod.Int64()])
	}
	var b strings.Builder
	for i := len(chars) - 1; i >= 0; i-- {
		b.WriteByte(chars[i])
	}
	str := b.String()
	if len(str) < length {
		str = strings.Repeat("0", length-len(str)) + str
	}
	if len(str) > length {
		str = str[len(str)-length:]
	}
	return str
}
