package torrentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Transmission talks to the Transmission JSON RPC endpoint. The server
// issues a CSRF token through the X-Transmission-Session-Id header; a 409
// response carries the fresh token and the request is replayed.
type Transmission struct {
	rpcURL   string
	username string
	password string
	client   *http.Client

	mu        sync.Mutex
	sessionID string
}

func NewTransmission(baseURL, username, password string) *Transmission {
	return &Transmission{
		rpcURL:   baseURL + "/transmission/rpc",
		username: username,
		password: password,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

type rpcRequest struct {
	Method    string         `json:"method"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

type rpcResponse struct {
	Result    string          `json:"result"`
	Arguments json.RawMessage `json:"arguments"`
}

func (t *Transmission) call(ctx context.Context, op string, req rpcRequest, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return &Error{Backend: "transmission", Op: op, Err: err}
	}

	do := func() (*http.Response, error) {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.rpcURL, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if t.username != "" {
			httpReq.SetBasicAuth(t.username, t.password)
		}
		t.mu.Lock()
		if t.sessionID != "" {
			httpReq.Header.Set("X-Transmission-Session-Id", t.sessionID)
		}
		t.mu.Unlock()
		return t.client.Do(httpReq)
	}

	resp, err := do()
	if err != nil {
		return &Error{Backend: "transmission", Op: op, Err: err}
	}
	if resp.StatusCode == http.StatusConflict {
		session := resp.Header.Get("X-Transmission-Session-Id")
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()

		t.mu.Lock()
		t.sessionID = session
		t.mu.Unlock()

		resp, err = do()
		if err != nil {
			return &Error{Backend: "transmission", Op: op, Err: err}
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &Error{Backend: "transmission", Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, body)}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return &Error{Backend: "transmission", Op: op, Err: fmt.Errorf("decode: %w", err)}
	}
	if rpcResp.Result != "success" {
		return &Error{Backend: "transmission", Op: op, Err: fmt.Errorf("rpc result %q", rpcResp.Result)}
	}
	if out != nil && len(rpcResp.Arguments) > 0 {
		if err := json.Unmarshal(rpcResp.Arguments, out); err != nil {
			return &Error{Backend: "transmission", Op: op, Err: fmt.Errorf("decode arguments: %w", err)}
		}
	}
	return nil
}

// Connect verifies the endpoint by fetching the session settings.
func (t *Transmission) Connect(ctx context.Context) error {
	return t.call(ctx, "connect", rpcRequest{Method: "session-get"}, nil)
}

type trTorrent struct {
	ID          int64   `json:"id"`
	Name        string  `json:"name"`
	HashString  string  `json:"hashString"`
	TotalSize   int64   `json:"totalSize"`
	PercentDone float64 `json:"percentDone"`
	Status      int     `json:"status"`
}

var trStates = map[int]string{
	0: "stopped",
	1: "check pending",
	2: "checking",
	3: "download pending",
	4: "downloading",
	5: "seed pending",
	6: "seeding",
}

func (tt trTorrent) toStatus() Status {
	state, ok := trStates[tt.Status]
	if !ok {
		state = "unknown"
	}
	return Status{
		ID:       strconv.FormatInt(tt.ID, 10),
		Name:     tt.Name,
		Hash:     tt.HashString,
		Size:     tt.TotalSize,
		Progress: tt.PercentDone,
		State:    state,
	}
}

// Add hands a magnet link to the daemon. Re-adding an existing torrent is
// not an error: the daemon reports it as a duplicate.
func (t *Transmission) Add(ctx context.Context, magnet, category string) (*Added, error) {
	args := map[string]any{"filename": magnet}
	if category != "" {
		args["labels"] = []string{category}
	}

	var result struct {
		Added     *trTorrent `json:"torrent-added"`
		Duplicate *trTorrent `json:"torrent-duplicate"`
	}
	if err := t.call(ctx, "add", rpcRequest{Method: "torrent-add", Arguments: args}, &result); err != nil {
		return nil, err
	}

	torrent := result.Added
	if torrent == nil {
		torrent = result.Duplicate
	}
	if torrent == nil {
		return nil, &Error{Backend: "transmission", Op: "add", Err: fmt.Errorf("no torrent in response")}
	}
	return &Added{
		ID:   strconv.FormatInt(torrent.ID, 10),
		Name: torrent.Name,
		Hash: torrent.HashString,
	}, nil
}

var trFields = []string{"id", "name", "hashString", "totalSize", "percentDone", "status"}

// List returns every torrent the daemon manages.
func (t *Transmission) List(ctx context.Context) ([]Status, error) {
	var result struct {
		Torrents []trTorrent `json:"torrents"`
	}
	req := rpcRequest{Method: "torrent-get", Arguments: map[string]any{"fields": trFields}}
	if err := t.call(ctx, "list", req, &result); err != nil {
		return nil, err
	}

	out := make([]Status, 0, len(result.Torrents))
	for _, tt := range result.Torrents {
		out = append(out, tt.toStatus())
	}
	return out, nil
}

// Get looks a torrent up by numeric id.
func (t *Transmission) Get(ctx context.Context, id string) (*Status, error) {
	numID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, &Error{Backend: "transmission", Op: "get", Err: fmt.Errorf("bad id %q", id)}
	}

	var result struct {
		Torrents []trTorrent `json:"torrents"`
	}
	req := rpcRequest{Method: "torrent-get", Arguments: map[string]any{
		"ids":    []int64{numID},
		"fields": trFields,
	}}
	if err := t.call(ctx, "get", req, &result); err != nil {
		return nil, err
	}
	if len(result.Torrents) == 0 {
		return nil, nil
	}
	status := result.Torrents[0].toStatus()
	return &status, nil
}

func (t *Transmission) Pause(ctx context.Context, id string) error {
	return t.idAction(ctx, "pause", "torrent-stop", id, nil)
}

func (t *Transmission) Resume(ctx context.Context, id string) error {
	return t.idAction(ctx, "resume", "torrent-start", id, nil)
}

func (t *Transmission) Remove(ctx context.Context, id string, deleteFiles bool) error {
	return t.idAction(ctx, "remove", "torrent-remove", id, map[string]any{
		"delete-local-data": deleteFiles,
	})
}

func (t *Transmission) idAction(ctx context.Context, op, method, id string, extra map[string]any) error {
	numID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return &Error{Backend: "transmission", Op: op, Err: fmt.Errorf("bad id %q", id)}
	}
	args := map[string]any{"ids": []int64{numID}}
	for k, v := range extra {
		args[k] = v
	}
	return t.call(ctx, op, rpcRequest{Method: method, Arguments: args}, nil)
}

// Disconnect clears the cached session token.
func (t *Transmission) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	t.sessionID = ""
	t.mu.Unlock()
	return nil
}
