package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/clipcut/clipcut-agent/internal/db"
)

func testRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return NewRepository(database.Conn())
}

func TestExportRoundTrip(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	rec := &ExportRecord{
		ID:           "job-1",
		SourcePath:   "/media/in.mp4",
		OutputPath:   "/media/out.mp4",
		OutputFormat: "mp4",
		Status:       "pending",
		Diagnostics:  []string{"snapped to 0.00s", "widened to 1.00s"},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := repo.CreateExport(ctx, rec); err != nil {
		t.Fatalf("CreateExport: %v", err)
	}

	got, err := repo.GetExport(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetExport: %v", err)
	}
	if got == nil {
		t.Fatal("export not found")
	}
	if got.Status != "pending" || got.OutputFormat != "mp4" {
		t.Errorf("got %+v", got)
	}
	if len(got.Diagnostics) != 2 {
		t.Errorf("diagnostics = %v, want 2 entries", got.Diagnostics)
	}

	if err := repo.UpdateExportProgress(ctx, "job-1", 42); err != nil {
		t.Fatalf("UpdateExportProgress: %v", err)
	}
	if err := repo.UpdateExportStatus(ctx, "job-1", "failed", "write failure"); err != nil {
		t.Fatalf("UpdateExportStatus: %v", err)
	}

	got, err = repo.GetExport(ctx, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Progress != 42 || got.Status != "failed" || got.Error != "write failure" {
		t.Errorf("after updates: %+v", got)
	}
}

func TestGetExportMissing(t *testing.T) {
	repo := testRepo(t)
	got, err := repo.GetExport(context.Background(), "nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("got %+v, want nil for missing id", got)
	}
}

func TestListExportsOrdering(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"old", "mid", "new"} {
		ts := base.Add(time.Duration(i) * time.Minute)
		rec := &ExportRecord{
			ID: id, SourcePath: "/in.mp4", OutputPath: "/out.mp4",
			OutputFormat: "mp4", Status: "completed",
			CreatedAt: ts, UpdatedAt: ts,
		}
		if err := repo.CreateExport(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	records, err := repo.ListExports(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 || records[0].ID != "new" || records[1].ID != "mid" {
		t.Errorf("records = %v", records)
	}
}

func TestRecentFiles(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	if err := repo.TouchRecentFile(ctx, "/media/a.mp4", "mp4", 60000); err != nil {
		t.Fatal(err)
	}
	if err := repo.TouchRecentFile(ctx, "/media/b.mkv", "matroska", 120000); err != nil {
		t.Fatal(err)
	}
	// Re-open the first so it moves to the top, with new metadata.
	if err := repo.TouchRecentFile(ctx, "/media/a.mp4", "mp4", 61000); err != nil {
		t.Fatal(err)
	}

	files, err := repo.ListRecentFiles(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("files = %d, want 2 (touch must upsert)", len(files))
	}
	if files[0].Path != "/media/a.mp4" || files[0].DurationMs != 61000 {
		t.Errorf("most recent = %+v", files[0])
	}
}

func TestConfigRoundTrip(t *testing.T) {
	repo := testRepo(t)
	ctx := context.Background()

	if v, err := repo.GetConfig(ctx, "auth_token"); err != nil || v != "" {
		t.Fatalf("missing key: v=%q err=%v", v, err)
	}
	if err := repo.SetConfig(ctx, "auth_token", "secret"); err != nil {
		t.Fatal(err)
	}
	if err := repo.SetConfig(ctx, "auth_token", "rotated"); err != nil {
		t.Fatal(err)
	}
	if v, _ := repo.GetConfig(ctx, "auth_token"); v != "rotated" {
		t.Errorf("value = %q, want rotated", v)
	}
}
