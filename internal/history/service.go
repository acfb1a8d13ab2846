// Package history serves the paginated read view over finished batches.
package history

import (
	"context"
	"log/slog"
	"math"

	"github.com/rmacedo/docproc/constants"
	"github.com/rmacedo/docproc/internal/common"
	"github.com/rmacedo/docproc/internal/entity"
	"github.com/rmacedo/docproc/internal/repository"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

type Service struct {
	repo   repository.HistoryRepository
	logger *slog.Logger
}

func NewService(repo repository.HistoryRepository, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger}
}

// List returns one page of terminal records for a single owning context,
// with the derived per-row flags filled in. Pages are 1-based.
func (s *Service) List(ctx context.Context, q entity.HistoryQuery) (*entity.HistoryPage, error) {
	if q.BatchContext == "" {
		return nil, common.ErrInvalidInput
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PerPage < 1 {
		q.PerPage = defaultPerPage
	}
	if q.PerPage > maxPerPage {
		q.PerPage = maxPerPage
	}
	if q.SortBy == "" {
		q.SortBy = entity.SortStartedAt
		q.SortDesc = true
	}

	rows, total, err := s.repo.List(ctx, q)
	if err != nil {
		return nil, err
	}

	for i := range rows {
		derive(&rows[i])
	}

	return &entity.HistoryPage{
		Rows:       rows,
		Total:      total,
		Page:       q.Page,
		PerPage:    q.PerPage,
		TotalPages: int(math.Ceil(float64(total) / float64(q.PerPage))),
	}, nil
}

// derive fills CanDownload and ProcessingTimeMinutes from the stored fields.
func derive(row *entity.HistoryRow) {
	row.CanDownload = row.Status == constants.ProcessingCompleted && row.ResultURL != nil && *row.ResultURL != ""
	if row.CompletedAt != nil && !row.StartedAt.IsZero() {
		minutes := row.CompletedAt.Sub(row.StartedAt).Minutes()
		row.ProcessingTimeMinutes = &minutes
	}
}
