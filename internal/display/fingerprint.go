package display

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/sjawhar/voice-tutor/internal/protocol"
)

// Normalize lower-cases text and collapses runs of whitespace.
func Normalize(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// Fingerprint derives a deterministic item id from normalized content,
// speaker and the index of the time bucket containing at.
func Fingerprint(text string, speaker protocol.Speaker, at time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = time.Second
	}
	index := at.UnixNano() / int64(bucket)

	h := sha256.New()
	h.Write([]byte(contentKey(text, speaker)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(index, 10)))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func contentKey(text string, speaker protocol.Speaker) string {
	return Normalize(text) + "\x00" + string(speaker)
}
