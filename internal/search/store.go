package search

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ivolnistov/telegram-rutor-bot/internal/model"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Store is the gorm-backed persistence layer for searches, films, torrents
// and the execution ledger.
type Store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the schema.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(
		&model.User{},
		&model.Category{},
		&model.Search{},
		&model.Subscription{},
		&model.Film{},
		&model.Torrent{},
		&model.TaskExecution{},
	)
}

// ListSearches returns every saved search with its category preloaded.
func (s *Store) ListSearches(ctx context.Context) ([]model.Search, error) {
	var searches []model.Search
	if err := s.db.WithContext(ctx).Preload("Category").Find(&searches).Error; err != nil {
		return nil, fmt.Errorf("list searches: %w", err)
	}
	return searches, nil
}

// GetSearch loads one search with its category.
func (s *Store) GetSearch(ctx context.Context, id uint) (*model.Search, error) {
	var search model.Search
	err := s.db.WithContext(ctx).Preload("Category").First(&search, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get search %d: %w", id, err)
	}
	return &search, nil
}

// UpdateLastSuccess advances the search's last successful run marker.
func (s *Store) UpdateLastSuccess(ctx context.Context, id uint, at time.Time) error {
	err := s.db.WithContext(ctx).
		Model(&model.Search{}).
		Where("id = ?", id).
		Update("last_success", at).Error
	if err != nil {
		return fmt.Errorf("update last_success for search %d: %w", id, err)
	}
	return nil
}

// Subscribers returns the users subscribed to a search.
func (s *Store) Subscribers(ctx context.Context, searchID uint) ([]model.User, error) {
	var users []model.User
	err := s.db.WithContext(ctx).
		Joins("JOIN subscriptions ON subscriptions.user_id = users.id").
		Where("subscriptions.search_id = ?", searchID).
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("subscribers of search %d: %w", searchID, err)
	}
	return users, nil
}

// GetOrCreateFilm returns the film with the given fingerprint, creating it
// on first sight. Concurrent creators race on the unique index; the loser
// re-reads the winner's row.
func (s *Store) GetOrCreateFilm(ctx context.Context, blake, name string, year int) (*model.Film, error) {
	film := model.Film{Blake: blake, Name: name, Year: year}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "blake"}}, DoNothing: true}).
		Create(&film).Error
	if err != nil {
		return nil, fmt.Errorf("create film: %w", err)
	}

	if film.ID == 0 {
		if err := s.db.WithContext(ctx).Where("blake = ?", blake).First(&film).Error; err != nil {
			return nil, fmt.Errorf("reload film: %w", err)
		}
	}
	return &film, nil
}

// InsertTorrent inserts a torrent behind the dedup gate. It reports false
// when a row with the same fingerprint already exists; the existing row is
// left untouched.
func (s *Store) InsertTorrent(ctx context.Context, t *model.Torrent) (bool, error) {
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "blake"}}, DoNothing: true}).
		Create(t)
	if res.Error != nil {
		return false, fmt.Errorf("insert torrent: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

// MarkDownloaded flips the torrent's Downloaded flag after a successful
// hand-off to the download client.
func (s *Store) MarkDownloaded(ctx context.Context, torrentID uint) error {
	err := s.db.WithContext(ctx).
		Model(&model.Torrent{}).
		Where("id = ?", torrentID).
		Update("downloaded", true).Error
	if err != nil {
		return fmt.Errorf("mark torrent %d downloaded: %w", torrentID, err)
	}
	return nil
}

// CreateExecution opens a pending ledger entry for a search run.
func (s *Store) CreateExecution(ctx context.Context, searchID uint) (*model.TaskExecution, error) {
	exec := model.TaskExecution{
		SearchID: searchID,
		Status:   model.TaskStatusPending,
	}
	if err := s.db.WithContext(ctx).Create(&exec).Error; err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	return &exec, nil
}

// StartExecution moves a pending entry to running and stamps the start
// time. Entries already past pending are left alone.
func (s *Store) StartExecution(ctx context.Context, execID uint) error {
	err := s.db.WithContext(ctx).
		Model(&model.TaskExecution{}).
		Where("id = ? AND status = ?", execID, model.TaskStatusPending).
		Updates(map[string]any{
			"status":     model.TaskStatusRunning,
			"start_time": time.Now().UTC(),
		}).Error
	if err != nil {
		return fmt.Errorf("start execution %d: %w", execID, err)
	}
	return nil
}

// SetProgress records a checkpoint. Progress only moves forward and only
// while the entry is running.
func (s *Store) SetProgress(ctx context.Context, execID uint, progress int) error {
	err := s.db.WithContext(ctx).
		Model(&model.TaskExecution{}).
		Where("id = ? AND status = ? AND progress < ?", execID, model.TaskStatusRunning, progress).
		Update("progress", progress).Error
	if err != nil {
		return fmt.Errorf("set progress for execution %d: %w", execID, err)
	}
	return nil
}

// FinishExecution closes a running entry with a terminal status, summary
// and end time. Terminal entries never change again.
func (s *Store) FinishExecution(ctx context.Context, execID uint, status, result string) error {
	if status != model.TaskStatusSuccess && status != model.TaskStatusFailed {
		return fmt.Errorf("finish execution %d: %q is not terminal", execID, status)
	}

	updates := map[string]any{
		"status":   status,
		"result":   result,
		"end_time": time.Now().UTC(),
	}
	if status == model.TaskStatusSuccess {
		updates["progress"] = 100
	}

	err := s.db.WithContext(ctx).
		Model(&model.TaskExecution{}).
		Where("id = ? AND status IN ?", execID, []string{model.TaskStatusPending, model.TaskStatusRunning}).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("finish execution %d: %w", execID, err)
	}
	return nil
}

// FinalizeInterrupted fails every non-terminal ledger entry. Called on
// shutdown so no run is left dangling in pending or running.
func (s *Store) FinalizeInterrupted(ctx context.Context, result string) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&model.TaskExecution{}).
		Where("status IN ?", []string{model.TaskStatusPending, model.TaskStatusRunning}).
		Updates(map[string]any{
			"status":   model.TaskStatusFailed,
			"result":   result,
			"end_time": time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("finalize interrupted executions: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ListExecutions returns the most recent ledger entries.
func (s *Store) ListExecutions(ctx context.Context, limit int) ([]model.TaskExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	var execs []model.TaskExecution
	err := s.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Find(&execs).Error
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	return execs, nil
}
