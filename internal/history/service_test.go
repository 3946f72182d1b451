package history

import (
	"os"
	"path/filepath"
	"testing"

	"studyhall/api/internal/content"
)

func TestSnapshotLifecycle(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)

	initial := content.Content{Kind: content.KindText, HTML: "<p>Notes</p>"}
	if err := svc.CreateInitialVersion("doc-1", "Notes", initial, "Priya"); err != nil {
		t.Fatalf("CreateInitialVersion() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "doc-1")); err != nil {
		t.Fatalf("archive directory missing: %v", err)
	}
	if !svc.Verify("doc-1", 1) {
		t.Fatal("expected snapshot v1 to exist")
	}

	updated := content.Content{Kind: content.KindText, HTML: "<p>Notes, expanded</p>"}
	info, err := svc.CommitVersion("doc-1", 2, "Notes", updated, "Priya")
	if err != nil {
		t.Fatalf("CommitVersion() error = %v", err)
	}
	if info.Version != 2 || info.Hash == "" {
		t.Fatalf("unexpected snapshot info: %+v", info)
	}

	snapshot, err := svc.GetVersion("doc-1", 2)
	if err != nil {
		t.Fatalf("GetVersion(2) error = %v", err)
	}
	if snapshot.Content.HTML != "<p>Notes, expanded</p>" || snapshot.Version != 2 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}

	// v1 must remain immutable after later commits.
	first, err := svc.GetVersion("doc-1", 1)
	if err != nil {
		t.Fatalf("GetVersion(1) error = %v", err)
	}
	if first.Content.HTML != "<p>Notes</p>" {
		t.Fatalf("v1 snapshot changed: %+v", first)
	}

	versions, err := svc.ListVersions("doc-1")
	if err != nil {
		t.Fatalf("ListVersions() error = %v", err)
	}
	if len(versions) != 2 || versions[0].Version != 2 || versions[1].Version != 1 {
		t.Fatalf("unexpected version list: %+v", versions)
	}
}

func TestGetVersionMissing(t *testing.T) {
	svc := New(t.TempDir())
	if err := svc.CreateInitialVersion("doc-1", "Notes", content.Empty(content.KindText), "Priya"); err != nil {
		t.Fatalf("CreateInitialVersion() error = %v", err)
	}
	if _, err := svc.GetVersion("doc-1", 9); err == nil {
		t.Fatal("expected missing version to error")
	}
	if svc.Verify("doc-1", 9) {
		t.Fatal("Verify() must report missing snapshots")
	}
}

func TestDeleteRemovesArchive(t *testing.T) {
	tempDir := t.TempDir()
	svc := New(tempDir)
	if err := svc.CreateInitialVersion("doc-1", "Notes", content.Empty(content.KindText), "Priya"); err != nil {
		t.Fatalf("CreateInitialVersion() error = %v", err)
	}
	if err := svc.Delete("doc-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(tempDir, "doc-1")); !os.IsNotExist(err) {
		t.Fatal("expected archive directory to be removed")
	}
	if svc.Verify("doc-1", 1) {
		t.Fatal("deleted archive must not verify")
	}
}

func TestSpreadsheetSnapshotsKeepKind(t *testing.T) {
	svc := New(t.TempDir())
	sheet := content.Content{Kind: content.KindSpreadsheet, Cells: map[string]string{"A1": "7"}}
	if err := svc.CreateInitialVersion("sheet-1", "Budget", sheet, "Priya"); err != nil {
		t.Fatalf("CreateInitialVersion() error = %v", err)
	}
	snapshot, err := svc.GetVersion("sheet-1", 1)
	if err != nil {
		t.Fatalf("GetVersion() error = %v", err)
	}
	if snapshot.Content.Kind != content.KindSpreadsheet || snapshot.Content.Cells["A1"] != "7" {
		t.Fatalf("unexpected snapshot content: %+v", snapshot.Content)
	}
}
