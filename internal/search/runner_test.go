package search

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ivolnistov/telegram-rutor-bot/internal/model"
	"github.com/ivolnistov/telegram-rutor-bot/internal/torrentclient"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeStore is an in-memory RunnerStore.
type fakeStore struct {
	mu          sync.Mutex
	search      *model.Search
	films       map[string]*model.Film
	torrents    map[string]*model.Torrent
	execs       map[uint]*model.TaskExecution
	subscribers []model.User
	lastSuccess *time.Time
	nextID      uint
}

func newFakeStore(search *model.Search) *fakeStore {
	return &fakeStore{
		search:   search,
		films:    map[string]*model.Film{},
		torrents: map[string]*model.Torrent{},
		execs:    map[uint]*model.TaskExecution{},
		nextID:   1,
	}
}

func (f *fakeStore) id() uint {
	id := f.nextID
	f.nextID++
	return id
}

func (f *fakeStore) GetSearch(ctx context.Context, id uint) (*model.Search, error) {
	if f.search == nil || f.search.ID != id {
		return nil, ErrNotFound
	}
	return f.search, nil
}

func (f *fakeStore) UpdateLastSuccess(ctx context.Context, id uint, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSuccess = &at
	return nil
}

func (f *fakeStore) Subscribers(ctx context.Context, searchID uint) ([]model.User, error) {
	return f.subscribers, nil
}

func (f *fakeStore) GetOrCreateFilm(ctx context.Context, blake, name string, year int) (*model.Film, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if film, ok := f.films[blake]; ok {
		return film, nil
	}
	film := &model.Film{ID: f.id(), Blake: blake, Name: name, Year: year}
	f.films[blake] = film
	return film, nil
}

func (f *fakeStore) InsertTorrent(ctx context.Context, t *model.Torrent) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.torrents[t.Blake]; ok {
		return false, nil
	}
	t.ID = f.id()
	clone := *t
	f.torrents[t.Blake] = &clone
	return true, nil
}

func (f *fakeStore) MarkDownloaded(ctx context.Context, torrentID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.torrents {
		if t.ID == torrentID {
			t.Downloaded = true
			return nil
		}
	}
	return ErrNotFound
}

func (f *fakeStore) CreateExecution(searchID uint) *model.TaskExecution {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec := &model.TaskExecution{ID: f.id(), SearchID: searchID, Status: model.TaskStatusPending}
	f.execs[exec.ID] = exec
	return exec
}

func (f *fakeStore) StartExecution(ctx context.Context, execID uint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.execs[execID]
	if !ok {
		return ErrNotFound
	}
	if exec.Status == model.TaskStatusPending {
		exec.Status = model.TaskStatusRunning
		exec.StartTime = time.Now().UTC()
	}
	return nil
}

func (f *fakeStore) SetProgress(ctx context.Context, execID uint, progress int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.execs[execID]
	if !ok {
		return ErrNotFound
	}
	if exec.Status == model.TaskStatusRunning && progress > exec.Progress {
		exec.Progress = progress
	}
	return nil
}

func (f *fakeStore) FinishExecution(ctx context.Context, execID uint, status, result string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	exec, ok := f.execs[execID]
	if !ok {
		return ErrNotFound
	}
	if exec.Terminal() {
		return nil
	}
	exec.Status = status
	exec.Result = result
	now := time.Now().UTC()
	exec.EndTime = &now
	if status == model.TaskStatusSuccess {
		exec.Progress = 100
	}
	return nil
}

type fakePager struct {
	page []byte
	err  error
}

func (f *fakePager) Fetch(ctx context.Context, url string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.page, nil
}

type fakeDispatcher struct {
	mu      sync.Mutex
	added   []string // magnets
	failFor string   // magnet substring that fails
}

func (f *fakeDispatcher) Add(ctx context.Context, magnet, category string) (*torrentclient.Added, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor != "" && strings.Contains(magnet, f.failFor) {
		return nil, errors.New("client unavailable")
	}
	f.added = append(f.added, magnet)
	return &torrentclient.Added{Hash: magnet}, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	sent     map[int64]int
	failChat int64
}

func (f *fakeNotifier) Send(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if chatID == f.failChat {
		return errors.New("bot was blocked by the user")
	}
	if f.sent == nil {
		f.sent = map[int64]int{}
	}
	f.sent[chatID]++
	return nil
}

func listingRow(id int, title, size string) string {
	return fmt.Sprintf(`<tr>
		<td>10&nbsp;янв&nbsp;25</td>
		<td><a href="magnet:?xt=urn:btih:%040d">M</a>
		    <a href="/torrent/%d/item">%s</a></td>
		<td>%s</td>
		<td><span class="green">&#8593;5</span></td>
	</tr>`, id, id, title, size)
}

func listingPage(rows ...string) []byte {
	return []byte("<html><body><table>" + strings.Join(rows, "\n") + "</table></body></html>")
}

func testPage() []byte {
	return listingPage(
		listingRow(1, "Фильм один (2024) [WEB-DL 1080p]", "1.4 GB"),
		listingRow(2, "Фильм два (2024) [WEB-DL 1080p]", "2 GB"),
		listingRow(3, "Фильм три (2024) [HDRip 720p]", "700 MB"),
	)
}

func newTestRunner(store *fakeStore, pager Pager, client Dispatcher, notifier *fakeNotifier) *Runner {
	filters := Filters{Quality: []string{"1080p"}}
	if notifier == nil {
		return NewRunner(store, pager, client, nil, testLogger(), filters, "movies")
	}
	return NewRunner(store, pager, client, notifier, testLogger(), filters, "movies")
}

func TestRunEndToEnd(t *testing.T) {
	store := newFakeStore(&model.Search{ID: 1, URL: "http://tracker/search/q", Cron: "* * * * *"})
	store.subscribers = []model.User{{ID: 10, ChatID: 100}, {ID: 11, ChatID: 101}}
	dispatcher := &fakeDispatcher{}
	notifier := &fakeNotifier{}
	runner := newTestRunner(store, &fakePager{page: testPage()}, dispatcher, notifier)

	exec := store.CreateExecution(1)
	if err := runner.Run(context.Background(), 1, exec.ID, true); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if exec.Status != model.TaskStatusSuccess {
		t.Fatalf("status = %q, want success", exec.Status)
	}
	if exec.Progress != 100 {
		t.Errorf("progress = %d, want 100", exec.Progress)
	}
	if want := "2 new, 2 accepted, 2 downloaded, 2 notified"; exec.Result != want {
		t.Errorf("result = %q, want %q", exec.Result, want)
	}
	if store.lastSuccess == nil {
		t.Error("last success not updated")
	}
	if len(store.torrents) != 2 {
		t.Errorf("persisted %d torrents, want 2", len(store.torrents))
	}
	if len(dispatcher.added) != 2 {
		t.Errorf("dispatched %d torrents, want 2", len(dispatcher.added))
	}
	// Each subscriber got one message per new torrent.
	if notifier.sent[100] != 2 || notifier.sent[101] != 2 {
		t.Errorf("deliveries = %v, want 2 per chat", notifier.sent)
	}
}

func TestRunDedupIdempotent(t *testing.T) {
	store := newFakeStore(&model.Search{ID: 1, URL: "http://tracker/search/q"})
	dispatcher := &fakeDispatcher{}
	runner := newTestRunner(store, &fakePager{page: testPage()}, dispatcher, nil)

	first := store.CreateExecution(1)
	if err := runner.Run(context.Background(), 1, first.ID, false); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	second := store.CreateExecution(1)
	if err := runner.Run(context.Background(), 1, second.ID, false); err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if want := "0 new, 2 accepted, 0 downloaded, 0 notified"; second.Result != want {
		t.Errorf("second run result = %q, want %q", second.Result, want)
	}
	if len(store.torrents) != 2 {
		t.Errorf("persisted %d torrents after two runs, want 2", len(store.torrents))
	}
	if len(dispatcher.added) != 2 {
		t.Errorf("dispatched %d total, want 2 (no re-dispatch)", len(dispatcher.added))
	}
}

func TestRunDispatchFailureIsolated(t *testing.T) {
	store := newFakeStore(&model.Search{ID: 1, URL: "http://tracker/search/q"})
	// Magnet for row 1 contains the zero-padded id 1.
	dispatcher := &fakeDispatcher{failFor: fmt.Sprintf("%040d", 1)}
	runner := newTestRunner(store, &fakePager{page: testPage()}, dispatcher, nil)

	exec := store.CreateExecution(1)
	if err := runner.Run(context.Background(), 1, exec.ID, false); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if exec.Status != model.TaskStatusSuccess {
		t.Fatalf("status = %q, a dispatch failure must not fail the run", exec.Status)
	}
	if want := "2 new, 2 accepted, 1 downloaded, 0 notified"; !strings.HasPrefix(exec.Result, want) {
		t.Errorf("result = %q, want prefix %q", exec.Result, want)
	}
	// The ledger is how operators see per-item failures: the summary must
	// name the torrent and carry the cause.
	if !strings.Contains(exec.Result, "dispatch Фильм один (2024) [WEB-DL 1080p]: client unavailable") {
		t.Errorf("result = %q, want the dispatch failure recorded", exec.Result)
	}
}

func TestRunFanOutFailureIsolated(t *testing.T) {
	store := newFakeStore(&model.Search{ID: 1, URL: "http://tracker/search/q"})
	store.subscribers = []model.User{{ID: 10, ChatID: 100}, {ID: 11, ChatID: 101}, {ID: 12, ChatID: 102}}
	notifier := &fakeNotifier{failChat: 101}
	runner := newTestRunner(store, &fakePager{page: testPage()}, &fakeDispatcher{}, notifier)

	exec := store.CreateExecution(1)
	if err := runner.Run(context.Background(), 1, exec.ID, true); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if exec.Status != model.TaskStatusSuccess {
		t.Fatalf("status = %q, a delivery failure must not fail the run", exec.Status)
	}
	if want := "2 new, 2 accepted, 2 downloaded, 2 notified"; !strings.HasPrefix(exec.Result, want) {
		t.Errorf("result = %q, want prefix %q", exec.Result, want)
	}
	if !strings.Contains(exec.Result, "notify chat 101: bot was blocked by the user") {
		t.Errorf("result = %q, want the delivery failure recorded", exec.Result)
	}
	if notifier.sent[100] != 2 || notifier.sent[102] != 2 {
		t.Errorf("deliveries = %v, remaining chats must still be served", notifier.sent)
	}
}

func TestRunFetchFailureRecordsFailed(t *testing.T) {
	store := newFakeStore(&model.Search{ID: 1, URL: "http://tracker/search/q"})
	runner := newTestRunner(store, &fakePager{err: errors.New("fetch http://tracker: 3 attempts failed")}, &fakeDispatcher{}, nil)

	exec := store.CreateExecution(1)
	if err := runner.Run(context.Background(), 1, exec.ID, false); err == nil {
		t.Fatal("Run with failing fetch: want error")
	}

	if exec.Status != model.TaskStatusFailed {
		t.Fatalf("status = %q, want failed", exec.Status)
	}
	if !strings.Contains(exec.Result, "attempts failed") {
		t.Errorf("result = %q, want the fetch error recorded", exec.Result)
	}
	if store.lastSuccess != nil {
		t.Error("last success must not advance on a failed run")
	}
}

func TestResolveURLYearPlaceholder(t *testing.T) {
	year := fmt.Sprint(time.Now().UTC().Year())
	got := resolveURL("http://tracker/search/0/0/000/0/films+{year}")
	if !strings.Contains(got, year) || strings.Contains(got, "{year}") {
		t.Errorf("resolveURL = %q, want year substituted", got)
	}
}
