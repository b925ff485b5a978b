// Package torrentclient abstracts the download clients a new torrent can
// be handed to. Two backends are supported: qBittorrent (web API v2) and
// Transmission (JSON RPC).
package torrentclient

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Added describes a torrent accepted by the download client.
type Added struct {
	ID   string
	Name string
	Hash string
}

// Status is a snapshot of one torrent inside the client.
type Status struct {
	ID       string
	Name     string
	Hash     string
	Size     int64
	Progress float64 // 0..1
	State    string
}

// Client is the capability set shared by both backends.
type Client interface {
	// Connect establishes (or verifies) a session with the client.
	Connect(ctx context.Context) error
	// Add hands a magnet link to the client under the given category.
	Add(ctx context.Context, magnet, category string) (*Added, error)
	// Get looks up one torrent; it returns (nil, nil) when not found.
	Get(ctx context.Context, id string) (*Status, error)
	// List returns every torrent the client manages.
	List(ctx context.Context) ([]Status, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	// Remove deletes a torrent, optionally with its downloaded files.
	Remove(ctx context.Context, id string, deleteFiles bool) error
	// Disconnect tears the session down. Safe to call when not connected.
	Disconnect(ctx context.Context) error
}

// Error wraps a backend failure with the operation that produced it.
type Error struct {
	Backend string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var btihRe = regexp.MustCompile(`btih:([0-9a-fA-F]{40}|[0-9A-Za-z]{32})`)

// hashFromMagnet pulls the info hash out of a magnet link.
func hashFromMagnet(magnet string) string {
	m := btihRe.FindStringSubmatch(magnet)
	if m == nil {
		return ""
	}
	return strings.ToLower(m[1])
}
