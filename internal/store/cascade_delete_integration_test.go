package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"
)

// TestDeleteDocumentCascades verifies that deleting a document removes its
// comments, activity entries, access entries and search row in the same
// transaction, and that unrelated documents keep theirs.
func TestDeleteDocumentCascades(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	db := openTestDB(t, ctx)
	defer db.Close()

	s := NewPostgresStore(db)

	doomed := testDocument("doc_cascade_doomed", "Doomed")
	survivor := testDocument("doc_cascade_survivor", "Survivor")
	for _, doc := range []Document{doomed, survivor} {
		if err := s.InsertDocument(ctx, doc); err != nil {
			t.Fatalf("insert %s: %v", doc.ID, err)
		}
	}
	t.Cleanup(func() { _ = s.DeleteDocument(ctx, survivor.ID) })

	for _, docID := range []string{doomed.ID, survivor.ID} {
		if err := s.InsertComment(ctx, Comment{
			ID:         "cmt_cascade_" + docID,
			DocumentID: docID,
			UserID:     "usr_cascade",
			UserName:   "Cascade Tester",
			Content:    "row for " + docID,
		}); err != nil {
			t.Fatalf("insert comment for %s: %v", docID, err)
		}
		if err := s.InsertActivity(ctx, ActivityEntry{
			DocumentID: docID,
			UserID:     "usr_cascade",
			UserName:   "Cascade Tester",
			Action:     "created",
			Details:    "seed",
		}); err != nil {
			t.Fatalf("insert activity for %s: %v", docID, err)
		}
		if err := s.InsertAccess(ctx, AccessEntry{
			DocumentID: docID,
			UserID:     "usr_cascade",
			Action:     "view",
		}); err != nil {
			t.Fatalf("insert access for %s: %v", docID, err)
		}
		if err := s.UpsertSearchMeta(ctx, SearchMeta{
			DocumentID:       docID,
			TitleLower:       "cascade",
			DescriptionLower: "cascade row",
			UpdatedAt:        time.Now(),
		}); err != nil {
			t.Fatalf("upsert search meta for %s: %v", docID, err)
		}
	}

	if err := s.DeleteDocument(ctx, doomed.ID); err != nil {
		t.Fatalf("DeleteDocument: %v", err)
	}

	if _, err := s.GetDocument(ctx, doomed.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("GetDocument after delete = %v, want no rows", err)
	}
	for _, table := range []string{"comments", "activity_log", "access_log", "document_search"} {
		if got := countRows(t, db, table, doomed.ID); got != 0 {
			t.Fatalf("%s rows for deleted document = %d, want 0", table, got)
		}
		if got := countRows(t, db, table, survivor.ID); got != 1 {
			t.Fatalf("%s rows for surviving document = %d, want 1", table, got)
		}
	}

	// idempotence: the row is gone, a second delete reports no rows
	if err := s.DeleteDocument(ctx, doomed.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("second DeleteDocument = %v, want no rows", err)
	}
}

func countRows(t *testing.T, db *sql.DB, table, documentID string) int {
	t.Helper()
	var count int
	if err := db.QueryRowContext(context.Background(),
		`SELECT COUNT(*) FROM `+table+` WHERE document_id = $1`, documentID).Scan(&count); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}

func testDocument(id, title string) Document {
	return Document{
		ID:                id,
		Title:             title,
		Type:              "text",
		OwnerID:           "usr_cascade",
		OwnerName:         "Cascade Tester",
		OwnerRole:         "teacher",
		SchoolID:          "sch_cascade",
		SharedWith:        []string{},
		SharedPermissions: map[string]string{},
		Collaborators:     []string{"usr_cascade"},
		Visibility:        "private",
		Version:           1,
		Content:           json.RawMessage(`{"kind":"text","html":"<p>x</p>"}`),
		SizeBytes:         32,
	}
}

// openTestDB connects to the database named by TEST_DATABASE_URL and applies
// the migrations. Without the variable the test is skipped.
func openTestDB(t *testing.T, ctx context.Context) *sql.DB {
	t.Helper()
	databaseURL := os.Getenv("TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := Open(ctx, databaseURL)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := ApplyMigrations(ctx, db, "../../db/migrations"); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}
