package feed

import (
	"encoding/base64"
	"strconv"

	"github.com/nova-social/backend/internal/errkind"
)

// EncodeCursor opaquely encodes the last-returned rank as a cursor.
func EncodeCursor(lastRank int) string {
	return base64.RawURLEncoding.EncodeToString([]byte(strconv.Itoa(lastRank)))
}

// DecodeCursor returns the rank to resume after. An empty cursor
// decodes to 0 (start of the feed).
func DecodeCursor(cursor string) (int, error) {
	if cursor == "" {
		return 0, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, errkind.New(errkind.InvalidInput, "malformed feed cursor")
	}
	rank, err := strconv.Atoi(string(decoded))
	if err != nil || rank < 0 {
		return 0, errkind.New(errkind.InvalidInput, "malformed feed cursor")
	}
	return rank, nil
}
