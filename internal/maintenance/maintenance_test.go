package maintenance

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/calliohq/calliope/internal/database"
)

func setupTestDB(t *testing.T) (*sql.DB, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open(path)
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("running migrations: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, path
}

func testService(t *testing.T) *Service {
	t.Helper()
	db, path := setupTestDB(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewService(db, path, logger)
}

func TestStatus(t *testing.T) {
	svc := testService(t)

	st, err := svc.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.DBFileSize == 0 {
		t.Error("expected a non-empty database file")
	}
	if st.PageCount == 0 || st.PageSize == 0 {
		t.Errorf("page stats = %d x %d, want non-zero", st.PageCount, st.PageSize)
	}
	if st.Artists != 0 || st.Jobs != 0 {
		t.Errorf("fresh database should have zero rows, got %+v", st)
	}
}

func TestOptimizeAndVacuum(t *testing.T) {
	svc := testService(t)
	ctx := context.Background()

	if err := svc.Optimize(ctx); err != nil {
		t.Fatalf("Optimize: %v", err)
	}
	if err := svc.Vacuum(ctx); err != nil {
		t.Fatalf("Vacuum: %v", err)
	}
}

func TestIntegrityCheck(t *testing.T) {
	svc := testService(t)

	if err := svc.IntegrityCheck(context.Background()); err != nil {
		t.Fatalf("IntegrityCheck: %v", err)
	}
}
