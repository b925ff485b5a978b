// Package notify fans new-torrent announcements out to search subscribers.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/ivolnistov/telegram-rutor-bot/internal/model"
)

// Notifier delivers one message to one chat.
type Notifier interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// FormatTorrent renders the announcement text for a newly accepted torrent.
func FormatTorrent(search *model.Search, torrent *model.Torrent) string {
	var b strings.Builder
	if search.Label != "" {
		fmt.Fprintf(&b, "[%s]\n", search.Label)
	}
	fmt.Fprintf(&b, "%s\n", torrent.Name)
	fmt.Fprintf(&b, "Size: %s\n", HumanizeBytes(torrent.Size))
	if torrent.Seeds > 0 {
		fmt.Fprintf(&b, "Seeds: %d\n", torrent.Seeds)
	}
	b.WriteString(torrent.Magnet)
	return b.String()
}

// HumanizeBytes renders a byte count the way the tracker does, with one
// decimal for fractional sizes.
func HumanizeBytes(size int64) string {
	const (
		kb = 1 << 10
		mb = 1 << 20
		gb = 1 << 30
		tb = int64(1) << 40
	)
	switch {
	case size >= tb:
		return trimZero(fmt.Sprintf("%.1f TB", float64(size)/float64(tb)))
	case size >= gb:
		return trimZero(fmt.Sprintf("%.1f GB", float64(size)/float64(gb)))
	case size >= mb:
		return trimZero(fmt.Sprintf("%.1f MB", float64(size)/float64(mb)))
	case size >= kb:
		return trimZero(fmt.Sprintf("%.1f KB", float64(size)/float64(kb)))
	default:
		return fmt.Sprintf("%d B", size)
	}
}

func trimZero(s string) string {
	return strings.Replace(s, ".0 ", " ", 1)
}
