package ingest

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/rmacedo/docproc/constants"
	"github.com/rmacedo/docproc/internal/common"
	"github.com/rmacedo/docproc/internal/entity"
	"github.com/rmacedo/docproc/internal/repository"
	"github.com/rmacedo/docproc/internal/validate"
)

func newTestAdmitter(t *testing.T) (*Admitter, repository.FileRepository) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := repository.Open(":memory:", logger)
	if err != nil {
		t.Fatalf("opening in-memory database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	files := repository.NewFileRepository(db, logger)
	return NewAdmitter(files, logger), files
}

func TestAdmitPersistsPendingRecord(t *testing.T) {
	adm, files := newTestAdmitter(t)
	ctx := context.Background()

	content := []byte("pdf bytes")
	rec, err := adm.Admit(ctx, validate.Candidate{
		Filename:  "jan.pdf",
		MediaType: "application/pdf",
		SizeBytes: int64(len(content)),
		Content:   content,
	}, "acct-1", constants.KindPayslip, "05/2024")
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}

	if rec.Status != constants.FilePending {
		t.Fatalf("admitted record status = %s, want PENDING", rec.Status)
	}
	if rec.OriginalFilename != "jan.pdf" || !strings.HasSuffix(rec.Filename, "_jan.pdf") {
		t.Fatalf("stored name = %q, original = %q", rec.Filename, rec.OriginalFilename)
	}
	if rec.Content != base64.StdEncoding.EncodeToString(content) {
		t.Fatal("transfer encoding is not base64 of the raw content")
	}

	stored, err := files.GetByID(ctx, rec.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if stored.Content != "" {
		t.Fatal("transfer content leaked into the database")
	}
	if stored.SizeBytes != int64(len(content)) {
		t.Fatalf("stored size = %d, want %d", stored.SizeBytes, len(content))
	}
}

// poisonedFiles fails persistence for a single filename.
type poisonedFiles struct {
	repository.FileRepository
	poison string
}

func (p *poisonedFiles) Create(ctx context.Context, rec *entity.FileRecord) error {
	if rec.OriginalFilename == p.poison {
		return errors.New("disk on fire")
	}
	return p.FileRepository.Create(ctx, rec)
}

func TestAdmitAllIsolatesFailures(t *testing.T) {
	_, inner := newTestAdmitter(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	adm := NewAdmitter(&poisonedFiles{FileRepository: inner, poison: "feb.pdf"}, logger)

	candidates := []validate.Candidate{
		{Filename: "jan.pdf", SizeBytes: 3, Content: []byte("jan")},
		{Filename: "feb.pdf", SizeBytes: 3, Content: []byte("feb")},
		{Filename: "mar.pdf", SizeBytes: 3, Content: []byte("mar")},
	}
	outcomes := adm.AdmitAll(context.Background(), candidates, "acct-1", constants.KindPayslip, "05/2024")

	if len(outcomes) != 3 {
		t.Fatalf("got %d outcomes, want 3", len(outcomes))
	}
	for _, o := range outcomes {
		switch o.Filename {
		case "feb.pdf":
			var serr *common.StorageError
			if !errors.As(o.Err, &serr) {
				t.Fatalf("poisoned file error = %v, want StorageError", o.Err)
			}
			if o.Record != nil {
				t.Fatal("failed admission still produced a record")
			}
		default:
			if o.Err != nil {
				t.Fatalf("file %s failed: %v", o.Filename, o.Err)
			}
			if o.Record == nil {
				t.Fatalf("file %s has no record", o.Filename)
			}
		}
	}
}
