package search

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// FilmKey fingerprints a film by normalized name and year. Two listings of
// the same release always group under the same film row.
func FilmKey(name string, year int) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	sum := blake2b.Sum256([]byte(fmt.Sprintf("%s|%d", normalized, year)))
	return hex.EncodeToString(sum[:])
}

// TorrentKey fingerprints a listing by its detail link. The link embeds the
// tracker's own torrent id, so re-observing the same item on a later run
// produces the same key.
func TorrentKey(link string) string {
	sum := blake2b.Sum256([]byte(strings.TrimSpace(link)))
	return hex.EncodeToString(sum[:])
}
