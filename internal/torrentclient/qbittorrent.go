package torrentclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"
)

// qBittorrent sessions survive well past this; re-login after it to stay
// ahead of server-side expiry.
const qbSessionTimeout = 15 * time.Minute

// QBittorrent talks to the qBittorrent web API v2 with cookie auth.
type QBittorrent struct {
	baseURL  string
	username string
	password string
	client   *http.Client

	mu           sync.Mutex
	lastLogin    time.Time
	sessionValid bool
}

func NewQBittorrent(baseURL, username, password string) *QBittorrent {
	jar, _ := cookiejar.New(nil)
	return &QBittorrent{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		client: &http.Client{
			Jar:     jar,
			Timeout: 10 * time.Second,
		},
	}
}

// Connect logs in, reusing the cached session when still fresh.
func (q *QBittorrent) Connect(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.sessionValid && time.Since(q.lastLogin) < qbSessionTimeout {
		return nil
	}

	data := url.Values{}
	data.Set("username", q.username)
	data.Set("password", q.password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.baseURL+"/api/v2/auth/login", strings.NewReader(data.Encode()))
	if err != nil {
		return &Error{Backend: "qbittorrent", Op: "login", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := q.client.Do(req)
	if err != nil {
		q.sessionValid = false
		return &Error{Backend: "qbittorrent", Op: "login", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		q.sessionValid = false
		return &Error{Backend: "qbittorrent", Op: "login", Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}

	q.lastLogin = time.Now()
	q.sessionValid = true
	return nil
}

func (q *QBittorrent) invalidate() {
	q.mu.Lock()
	q.sessionValid = false
	q.mu.Unlock()
}

// postForm sends an authenticated form post. On 403 the session is assumed
// expired: log in again and retry once.
func (q *QBittorrent) postForm(ctx context.Context, op, path string, data url.Values) (*http.Response, error) {
	if err := q.Connect(ctx); err != nil {
		return nil, err
	}

	do := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, q.baseURL+path, strings.NewReader(data.Encode()))
		if err != nil {
			return nil, &Error{Backend: "qbittorrent", Op: op, Err: err}
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		resp, err := q.client.Do(req)
		if err != nil {
			return nil, &Error{Backend: "qbittorrent", Op: op, Err: err}
		}
		return resp, nil
	}

	resp, err := do()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		q.invalidate()
		if err := q.Connect(ctx); err != nil {
			return nil, err
		}
		resp, err = do()
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &Error{Backend: "qbittorrent", Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}
	return resp, nil
}

// Add hands a magnet link to the client. qBittorrent does not echo the new
// torrent back, so the info hash is taken from the magnet itself.
func (q *QBittorrent) Add(ctx context.Context, magnet, category string) (*Added, error) {
	data := url.Values{}
	data.Set("urls", magnet)
	if category != "" {
		data.Set("category", category)
	}

	resp, err := q.postForm(ctx, "add", "/api/v2/torrents/add", data)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	hash := hashFromMagnet(magnet)
	added := &Added{ID: hash, Hash: hash}
	if st, err := q.Get(ctx, hash); err == nil && st != nil {
		added.Name = st.Name
	}
	return added, nil
}

type qbTorrent struct {
	Hash     string  `json:"hash"`
	Name     string  `json:"name"`
	Size     int64   `json:"size"`
	Progress float64 `json:"progress"`
	State    string  `json:"state"`
}

// List returns every torrent the client manages.
func (q *QBittorrent) List(ctx context.Context) ([]Status, error) {
	if err := q.Connect(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.baseURL+"/api/v2/torrents/info", nil)
	if err != nil {
		return nil, &Error{Backend: "qbittorrent", Op: "list", Err: err}
	}
	resp, err := q.client.Do(req)
	if err != nil {
		return nil, &Error{Backend: "qbittorrent", Op: "list", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &Error{Backend: "qbittorrent", Op: "list", Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var raw []qbTorrent
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, &Error{Backend: "qbittorrent", Op: "list", Err: fmt.Errorf("decode: %w", err)}
	}

	out := make([]Status, 0, len(raw))
	for _, t := range raw {
		out = append(out, Status{
			ID:       t.Hash,
			Name:     t.Name,
			Hash:     t.Hash,
			Size:     t.Size,
			Progress: t.Progress,
			State:    t.State,
		})
	}
	return out, nil
}

// Get looks a torrent up by info hash.
func (q *QBittorrent) Get(ctx context.Context, id string) (*Status, error) {
	torrents, err := q.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range torrents {
		if t.Hash == id {
			return &t, nil
		}
	}
	return nil, nil
}

func (q *QBittorrent) Pause(ctx context.Context, id string) error {
	return q.hashAction(ctx, "pause", id, nil)
}

func (q *QBittorrent) Resume(ctx context.Context, id string) error {
	return q.hashAction(ctx, "resume", id, nil)
}

func (q *QBittorrent) Remove(ctx context.Context, id string, deleteFiles bool) error {
	extra := url.Values{}
	extra.Set("deleteFiles", fmt.Sprintf("%v", deleteFiles))
	return q.hashAction(ctx, "delete", id, extra)
}

func (q *QBittorrent) hashAction(ctx context.Context, action, hash string, extra url.Values) error {
	data := url.Values{}
	data.Set("hashes", hash)
	for k, vs := range extra {
		for _, v := range vs {
			data.Set(k, v)
		}
	}

	resp, err := q.postForm(ctx, action, "/api/v2/torrents/"+action, data)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Disconnect drops the cached session.
func (q *QBittorrent) Disconnect(ctx context.Context) error {
	q.invalidate()
	return nil
}
