package export

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/rmacedo/docproc/internal/entity"
	"github.com/rmacedo/docproc/internal/history"
)

// Service is a tiny façade over the history view that produces XLSX bytes
// for reporting exports.
type Service struct {
	history *history.Service
	logger  *slog.Logger
}

func NewService(h *history.Service, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{history: h, logger: logger}
}

// HistoryXLSX returns an XLSX workbook (as bytes) for the filtered history
// view. The export walks every page of the query so the workbook holds the
// full filtered set, not just one page.
func (s *Service) HistoryXLSX(ctx context.Context, q entity.HistoryQuery) ([]byte, error) {
	start := time.Now()

	f := excelize.NewFile()
	const sheet = "History"
	if index, _ := f.GetSheetIndex(sheet); index == -1 {
		if _, err := f.NewSheet(sheet); err != nil {
			return nil, err
		}
	}
	activeIndex, _ := f.GetSheetIndex(sheet)
	f.SetActiveSheet(activeIndex)

	headers := []string{
		"Started At",
		"Completed At",
		"Kind",
		"Period",
		"Status",
		"Files",
		"Processing Time (min)",
		"Result URL",
		"Error",
		"Initiated By",
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	q.Page = 1
	if q.PerPage < 1 {
		q.PerPage = 100
	}

	row := 2
	exported := 0
	for {
		page, err := s.history.List(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("query history: %w", err)
		}

		for _, r := range page.Rows {
			write := func(col int, v any) {
				cell, _ := excelize.CoordinatesToCellName(col, row)
				_ = f.SetCellValue(sheet, cell, v)
			}

			write(1, r.StartedAt.Format("2006-01-02 15:04"))
			if r.CompletedAt != nil {
				write(2, r.CompletedAt.Format("2006-01-02 15:04"))
			} else {
				write(2, "")
			}
			write(3, string(r.Kind))
			write(4, r.Period)
			write(5, string(r.Status))
			write(6, r.FileCount)
			if r.ProcessingTimeMinutes != nil {
				write(7, fmt.Sprintf("%.1f", *r.ProcessingTimeMinutes))
			} else {
				write(7, "")
			}
			if r.ResultURL != nil {
				write(8, *r.ResultURL)
			} else {
				write(8, "")
			}
			if r.ErrorMessage != nil {
				write(9, *r.ErrorMessage)
			} else {
				write(9, "")
			}
			write(10, r.InitiatedBy)

			row++
			exported++
		}

		if q.Page >= page.TotalPages {
			break
		}
		q.Page++
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}

	s.logger.Info("history export generated",
		"batch_context", q.BatchContext, "rows", exported, "elapsed_ms", time.Since(start).Milliseconds())
	return buf.Bytes(), nil
}
