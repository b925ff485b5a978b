package search

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ivolnistov/telegram-rutor-bot/internal/model"
	"github.com/ivolnistov/telegram-rutor-bot/internal/notify"
	"github.com/ivolnistov/telegram-rutor-bot/internal/parser"
	"github.com/ivolnistov/telegram-rutor-bot/internal/pkg/metrics"
	"github.com/ivolnistov/telegram-rutor-bot/internal/torrentclient"
)

// Pager fetches one listing page.
type Pager interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Dispatcher is the slice of the download client the pipeline needs.
type Dispatcher interface {
	Add(ctx context.Context, magnet, category string) (*torrentclient.Added, error)
}

// RunnerStore is the persistence surface one run touches.
type RunnerStore interface {
	GetSearch(ctx context.Context, id uint) (*model.Search, error)
	UpdateLastSuccess(ctx context.Context, id uint, at time.Time) error
	Subscribers(ctx context.Context, searchID uint) ([]model.User, error)
	GetOrCreateFilm(ctx context.Context, blake, name string, year int) (*model.Film, error)
	InsertTorrent(ctx context.Context, t *model.Torrent) (bool, error)
	MarkDownloaded(ctx context.Context, torrentID uint) error
	StartExecution(ctx context.Context, execID uint) error
	SetProgress(ctx context.Context, execID uint, progress int) error
	FinishExecution(ctx context.Context, execID uint, status, result string) error
}

// Progress checkpoints, one per pipeline stage.
const (
	progressFetched    = 16
	progressParsed     = 33
	progressDeduped    = 50
	progressDispatched = 66
	progressNotified   = 83
)

// Runner executes the full pipeline for one search: fetch, parse, filter,
// dedup, dispatch, notify. Every run is recorded in the execution ledger.
type Runner struct {
	store    RunnerStore
	pager    Pager
	client   Dispatcher
	notifier notify.Notifier
	logger   *slog.Logger

	defaults Filters
	category string // fallback download-client category
}

func NewRunner(store RunnerStore, pager Pager, client Dispatcher, notifier notify.Notifier, logger *slog.Logger, defaults Filters, category string) *Runner {
	return &Runner{
		store:    store,
		pager:    pager,
		client:   client,
		notifier: notifier,
		logger:   logger,
		defaults: defaults,
		category: category,
	}
}

// Run executes one search against a previously opened ledger entry. The
// returned error mirrors what the ledger records: nil for success.
func (r *Runner) Run(ctx context.Context, searchID, execID uint, notifySubs bool) error {
	if err := r.store.StartExecution(ctx, execID); err != nil {
		return err
	}

	summary, runErr := r.process(ctx, searchID, execID, notifySubs)
	if runErr != nil {
		metrics.RunsTotal.WithLabelValues(model.TaskStatusFailed).Inc()
		if err := r.store.FinishExecution(ctx, execID, model.TaskStatusFailed, runErr.Error()); err != nil {
			r.logger.Error("close failed execution", slog.Uint64("execution_id", uint64(execID)), slog.String("error", err.Error()))
		}
		return runErr
	}

	metrics.RunsTotal.WithLabelValues(model.TaskStatusSuccess).Inc()
	if err := r.store.FinishExecution(ctx, execID, model.TaskStatusSuccess, summary); err != nil {
		r.logger.Error("close execution", slog.Uint64("execution_id", uint64(execID)), slog.String("error", err.Error()))
	}
	return nil
}

func (r *Runner) process(ctx context.Context, searchID, execID uint, notifySubs bool) (string, error) {
	search, err := r.store.GetSearch(ctx, searchID)
	if err != nil {
		return "", fmt.Errorf("load search %d: %w", searchID, err)
	}

	logger := r.logger.With(slog.Uint64("search_id", uint64(searchID)), slog.Uint64("execution_id", uint64(execID)))

	page, err := r.pager.Fetch(ctx, resolveURL(search.URL))
	if err != nil {
		return "", err
	}
	r.checkpoint(ctx, execID, progressFetched)

	items, err := parser.Parse(logger, page)
	if err != nil {
		return "", err
	}
	r.checkpoint(ctx, execID, progressParsed)
	logger.Info("listing parsed", slog.Int("items", len(items)))

	filters := Effective(search, r.defaults)
	accepted := 0
	var fresh []model.Torrent

	filmCache := map[string]uint{}
	for _, item := range items {
		if !filters.Accept(item.Title, item.Size) {
			logger.Debug("listing filtered out", slog.String("title", item.Title))
			continue
		}
		accepted++

		filmBlake := FilmKey(item.Name, item.Year)
		filmID, ok := filmCache[filmBlake]
		if !ok {
			film, err := r.store.GetOrCreateFilm(ctx, filmBlake, item.Name, item.Year)
			if err != nil {
				logger.Error("persist film", slog.String("title", item.Title), slog.String("error", err.Error()))
				continue
			}
			filmID = film.ID
			filmCache[filmBlake] = filmID
		}

		torrent := model.Torrent{
			FilmID:    filmID,
			Blake:     TorrentKey(item.Link),
			Name:      item.Title,
			Magnet:    item.Magnet,
			Link:      item.Link,
			Size:      item.Size,
			Published: item.Published,
			Seeds:     item.Seeds,
		}
		created, err := r.store.InsertTorrent(ctx, &torrent)
		if err != nil {
			logger.Error("persist torrent", slog.String("title", item.Title), slog.String("error", err.Error()))
			continue
		}
		if !created {
			// Already known from an earlier run.
			continue
		}
		metrics.NewTorrentsTotal.Inc()
		fresh = append(fresh, torrent)
	}
	r.checkpoint(ctx, execID, progressDeduped)

	downloaded, failures := r.dispatch(ctx, logger, search, fresh)
	r.checkpoint(ctx, execID, progressDispatched)

	notified := 0
	if notifySubs && len(fresh) > 0 {
		var deliveryFailures []string
		notified, deliveryFailures = r.fanOut(ctx, logger, search, fresh)
		failures = append(failures, deliveryFailures...)
	}
	r.checkpoint(ctx, execID, progressNotified)

	if err := r.store.UpdateLastSuccess(ctx, searchID, time.Now().UTC()); err != nil {
		return "", err
	}

	summary := fmt.Sprintf("%d new, %d accepted, %d downloaded, %d notified", len(fresh), accepted, downloaded, notified)
	if len(failures) > 0 {
		summary += "; " + strings.Join(failures, "; ")
	}
	logger.Info("run finished", slog.String("summary", summary))
	return summary, nil
}

// dispatch hands each new torrent to the download client. One failed
// hand-off never aborts the others; every failure is returned so the run
// summary records it.
func (r *Runner) dispatch(ctx context.Context, logger *slog.Logger, search *model.Search, fresh []model.Torrent) (int, []string) {
	if r.client == nil {
		return 0, nil
	}

	category := r.category
	if search.Category != nil && search.Category.Name != "" {
		category = search.Category.Name
	}

	downloaded := 0
	var failures []string
	for _, t := range fresh {
		if _, err := r.client.Add(ctx, t.Magnet, category); err != nil {
			metrics.DispatchFailuresTotal.Inc()
			failures = append(failures, fmt.Sprintf("dispatch %s: %v", t.Name, err))
			logger.Warn("dispatch to download client failed",
				slog.String("torrent", t.Name),
				slog.String("error", err.Error()))
			continue
		}
		if err := r.store.MarkDownloaded(ctx, t.ID); err != nil {
			logger.Error("mark downloaded", slog.Uint64("torrent_id", uint64(t.ID)), slog.String("error", err.Error()))
		}
		downloaded++
	}
	return downloaded, failures
}

// fanOut announces the new torrents to every subscriber. Returns how many
// subscribers received all their messages plus a note per failed delivery;
// one unreachable chat never blocks the rest.
func (r *Runner) fanOut(ctx context.Context, logger *slog.Logger, search *model.Search, fresh []model.Torrent) (int, []string) {
	if r.notifier == nil {
		return 0, nil
	}

	subscribers, err := r.store.Subscribers(ctx, search.ID)
	if err != nil {
		logger.Error("load subscribers", slog.String("error", err.Error()))
		return 0, []string{fmt.Sprintf("load subscribers: %v", err)}
	}

	notified := 0
	var failures []string
	for _, user := range subscribers {
		delivered := true
		for i := range fresh {
			if err := r.notifier.Send(ctx, user.ChatID, notify.FormatTorrent(search, &fresh[i])); err != nil {
				metrics.DeliveryFailuresTotal.Inc()
				failures = append(failures, fmt.Sprintf("notify chat %d: %v", user.ChatID, err))
				logger.Warn("notify subscriber failed",
					slog.Int64("chat_id", user.ChatID),
					slog.String("error", err.Error()))
				delivered = false
				break
			}
		}
		if delivered {
			notified++
		}
	}
	return notified, failures
}

func (r *Runner) checkpoint(ctx context.Context, execID uint, progress int) {
	if err := r.store.SetProgress(ctx, execID, progress); err != nil {
		r.logger.Warn("record progress", slog.Uint64("execution_id", uint64(execID)), slog.String("error", err.Error()))
	}
}

// resolveURL substitutes dynamic placeholders in a saved search URL.
// "{year}" expands to the current year.
func resolveURL(rawURL string) string {
	return strings.ReplaceAll(rawURL, "{year}", strconv.Itoa(time.Now().UTC().Year()))
}
