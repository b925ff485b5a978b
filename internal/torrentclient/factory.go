package torrentclient

import (
	"fmt"

	"github.com/ivolnistov/telegram-rutor-bot/internal/config"
)

// NewFromConfig builds the download client selected by configuration.
func NewFromConfig(cfg config.TorrentConfig) (Client, error) {
	switch cfg.Kind {
	case "qbittorrent":
		return NewQBittorrent(cfg.URL, cfg.Username, cfg.Password), nil
	case "transmission":
		return NewTransmission(cfg.URL, cfg.Username, cfg.Password), nil
	default:
		return nil, fmt.Errorf("unknown torrent client kind %q", cfg.Kind)
	}
}
