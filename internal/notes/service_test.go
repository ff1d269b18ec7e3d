package notes

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequenceIDGenerator struct {
	next int
}

func (g *sequenceIDGenerator) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("id-%d", g.next), nil
}

type staticDirectory struct {
	ids map[string]uint
}

func (d *staticDirectory) LookupIDByUsername(_ context.Context, username string) (uint, bool, error) {
	id, ok := d.ids[username]
	return id, ok, nil
}

// newTestClock returns a clock that advances one second per reading so that
// timestamp ordering is observable in tests.
func newTestClock(start int64) func() time.Time {
	current := start
	return func() time.Time {
		current++
		return time.Unix(current, 0).UTC()
	}
}

func newTestService(t *testing.T, directory UserDirectory) (*Service, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:noteledger_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Note{}, &Collaborator{}, &Version{}, &ActivityLog{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	if directory == nil {
		directory = &staticDirectory{}
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      newTestClock(1700000000),
		IDProvider: &sequenceIDGenerator{},
		Directory:  directory,
	})
	if err != nil {
		t.Fatalf("failed to construct notes service: %v", err)
	}

	return service, db
}

func mustCreate(t *testing.T, service *Service, ownerID uint, title, content string) Note {
	t.Helper()
	note, err := service.Create(context.Background(), ownerID, mustTitle(t, title), mustContent(t, content))
	if err != nil {
		t.Fatalf("failed to create note: %v", err)
	}
	return note
}

func mustTitle(t *testing.T, value string) Title {
	t.Helper()
	title, err := NewTitle(value)
	if err != nil {
		t.Fatalf("unexpected title error: %v", err)
	}
	return title
}

func mustContent(t *testing.T, value string) Content {
	t.Helper()
	content, err := NewContent(value)
	if err != nil {
		t.Fatalf("unexpected content error: %v", err)
	}
	return content
}

func TestEditSnapshotsPreImage(t *testing.T) {
	service, db := newTestService(t, nil)
	note := mustCreate(t, service, 1, "Test Note", "Test content")

	updated, err := service.Edit(context.Background(), note.ID, 1, mustTitle(t, "Updated"), mustContent(t, "Updated content"))
	if err != nil {
		t.Fatalf("unexpected edit error: %v", err)
	}
	if updated.Title != "Updated" || updated.Content != "Updated content" {
		t.Fatalf("note not updated: %#v", updated)
	}
	if updated.UpdatedAt.Before(updated.CreatedAt) {
		t.Fatalf("updated_at precedes created_at")
	}

	versions, err := service.ListVersions(context.Background(), note.ID, 1)
	if err != nil {
		t.Fatalf("unexpected list versions error: %v", err)
	}
	if len(versions) != 1 {
		t.Fatalf("expected one version, got %d", len(versions))
	}
	if versions[0].VersionNumber != 1 {
		t.Fatalf("expected version number 1, got %d", versions[0].VersionNumber)
	}
	if versions[0].ContentSnapshot != "Test content" {
		t.Fatalf("expected pre-image snapshot, got %q", versions[0].ContentSnapshot)
	}
	if versions[0].EditorID != 1 {
		t.Fatalf("expected editor attribution, got %d", versions[0].EditorID)
	}

	var auditCount int64
	if err := db.Model(&ActivityLog{}).Where("note_id = ? AND action = ?", note.ID, ActionEdit).Count(&auditCount).Error; err != nil {
		t.Fatalf("failed to count audits: %v", err)
	}
	if auditCount != 1 {
		t.Fatalf("expected one edit audit row, got %d", auditCount)
	}
}

func TestVersionNumbersAreContiguous(t *testing.T) {
	service, _ := newTestService(t, nil)
	note := mustCreate(t, service, 1, "Note", "v0")

	for i := 1; i <= 4; i++ {
		_, err := service.Edit(context.Background(), note.ID, 1, mustTitle(t, "Note"), mustContent(t, fmt.Sprintf("v%d", i)))
		if err != nil {
			t.Fatalf("edit %d failed: %v", i, err)
		}
	}
	if _, err := service.Restore(context.Background(), note.ID, 1, 2); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	versions, err := service.ListVersions(context.Background(), note.ID, 1)
	if err != nil {
		t.Fatalf("unexpected list versions error: %v", err)
	}
	if len(versions) != 5 {
		t.Fatalf("expected 5 versions, got %d", len(versions))
	}
	for i, version := range versions {
		if version.VersionNumber != int64(i+1) {
			t.Fatalf("expected contiguous numbering, got %d at position %d", version.VersionNumber, i)
		}
	}
}

func TestRestoreBringsBackOriginalContent(t *testing.T) {
	service, _ := newTestService(t, nil)
	note := mustCreate(t, service, 1, "Test Note", "Test content")

	if _, err := service.Edit(context.Background(), note.ID, 1, mustTitle(t, "Updated"), mustContent(t, "Updated content")); err != nil {
		t.Fatalf("edit failed: %v", err)
	}

	result, err := service.Restore(context.Background(), note.ID, 1, 1)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if result.RestoredVersion != 1 {
		t.Fatalf("expected restored version 1, got %d", result.RestoredVersion)
	}
	if result.Note.Content != "Test content" {
		t.Fatalf("expected original content after restore, got %q", result.Note.Content)
	}
	if result.Note.Title != "Updated" {
		t.Fatalf("restore must not touch the title, got %q", result.Note.Title)
	}

	versions, err := service.ListVersions(context.Background(), note.ID, 1)
	if err != nil {
		t.Fatalf("unexpected list versions error: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected two versions after restore, got %d", len(versions))
	}
	if versions[1].VersionNumber != 2 || versions[1].ContentSnapshot != "Updated content" {
		t.Fatalf("expected pre-restore snapshot as version 2, got %#v", versions[1])
	}

	logs, err := service.ListLogs(context.Background(), note.ID, 1)
	if err != nil {
		t.Fatalf("unexpected list logs error: %v", err)
	}
	if len(logs) == 0 || logs[0].Action != ActionRestore {
		t.Fatalf("expected most recent log entry to be the restore, got %#v", logs)
	}
}

func TestRestoreUnknownVersionFails(t *testing.T) {
	service, db := newTestService(t, nil)
	note := mustCreate(t, service, 1, "Note", "content")

	_, err := service.Restore(context.Background(), note.ID, 1, 7)
	if !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("expected version-not-found, got %v", err)
	}

	var versionCount int64
	if err := db.Model(&Version{}).Count(&versionCount).Error; err != nil {
		t.Fatalf("failed to count versions: %v", err)
	}
	if versionCount != 0 {
		t.Fatalf("failed restore must not leave a snapshot, found %d", versionCount)
	}
}

func TestViewsAreNeverDeduplicated(t *testing.T) {
	service, _ := newTestService(t, nil)
	note := mustCreate(t, service, 1, "Note", "content")

	for i := 0; i < 2; i++ {
		if _, err := service.Get(context.Background(), note.ID, 1); err != nil {
			t.Fatalf("get failed: %v", err)
		}
	}

	logs, err := service.ListLogs(context.Background(), note.ID, 1)
	if err != nil {
		t.Fatalf("unexpected list logs error: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected two view entries, got %d", len(logs))
	}
	for _, entry := range logs {
		if entry.Action != ActionView {
			t.Fatalf("expected view action, got %s", entry.Action)
		}
	}
	if logs[0].Timestamp.Before(logs[1].Timestamp) {
		t.Fatalf("expected most recent entry first")
	}
}

func TestAccessDenialIsIndistinguishableFromMissingNote(t *testing.T) {
	service, _ := newTestService(t, nil)
	note := mustCreate(t, service, 1, "Private", "secret")

	const strangerID = 99
	const missingNoteID = 12345

	_, errExisting := service.Get(context.Background(), note.ID, strangerID)
	_, errMissing := service.Get(context.Background(), missingNoteID, strangerID)
	if !errors.Is(errExisting, ErrNoteNotFound) || !errors.Is(errMissing, ErrNoteNotFound) {
		t.Fatalf("expected identical not-found errors, got %v and %v", errExisting, errMissing)
	}

	if _, err := service.ListVersions(context.Background(), note.ID, strangerID); !errors.Is(err, ErrNoteNotFound) {
		t.Fatalf("expected masked denial for versions, got %v", err)
	}
	if _, err := service.ListLogs(context.Background(), note.ID, strangerID); !errors.Is(err, ErrNoteNotFound) {
		t.Fatalf("expected masked denial for logs, got %v", err)
	}
	if _, err := service.Edit(context.Background(), note.ID, strangerID, mustTitle(t, "x"), mustContent(t, "y")); !errors.Is(err, ErrNoteNotFound) {
		t.Fatalf("expected masked denial for edit, got %v", err)
	}

	logs, err := service.ListLogs(context.Background(), note.ID, 1)
	if err != nil {
		t.Fatalf("unexpected list logs error: %v", err)
	}
	if len(logs) != 0 {
		t.Fatalf("denied requests must not leave audit entries, found %d", len(logs))
	}
}

func TestCollaboratorLifecycle(t *testing.T) {
	const ownerID, collaboratorID = 1, 2
	directory := &staticDirectory{ids: map[string]uint{"bob": collaboratorID}}
	service, _ := newTestService(t, directory)
	note := mustCreate(t, service, ownerID, "Shared", "draft")

	if err := service.AddCollaborator(context.Background(), note.ID, ownerID, "bob"); err != nil {
		t.Fatalf("add collaborator failed: %v", err)
	}
	if err := service.AddCollaborator(context.Background(), note.ID, ownerID, "bob"); !errors.Is(err, ErrDuplicateCollaborator) {
		t.Fatalf("expected duplicate-collaborator error, got %v", err)
	}
	if err := service.AddCollaborator(context.Background(), note.ID, ownerID, "nobody"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected user-not-found error, got %v", err)
	}
	if err := service.AddCollaborator(context.Background(), note.ID, collaboratorID, "bob"); !errors.Is(err, ErrNoteNotFound) {
		t.Fatalf("non-owner grant must be masked as not-found, got %v", err)
	}

	if _, err := service.Edit(context.Background(), note.ID, collaboratorID, mustTitle(t, "Shared"), mustContent(t, "edited by bob")); err != nil {
		t.Fatalf("collaborator edit failed: %v", err)
	}

	if err := service.RemoveCollaborator(context.Background(), note.ID, ownerID, collaboratorID); err != nil {
		t.Fatalf("remove collaborator failed: %v", err)
	}
	if err := service.RemoveCollaborator(context.Background(), note.ID, ownerID, collaboratorID); !errors.Is(err, ErrCollaboratorNotFound) {
		t.Fatalf("expected collaborator-not-found error, got %v", err)
	}

	if _, err := service.Edit(context.Background(), note.ID, collaboratorID, mustTitle(t, "Shared"), mustContent(t, "late edit")); !errors.Is(err, ErrNoteNotFound) {
		t.Fatalf("revoked collaborator must see not-found, got %v", err)
	}
}

func TestVersionNumberUniquenessEnforcedBySchema(t *testing.T) {
	_, db := newTestService(t, nil)

	first := Version{ID: "v-1", NoteID: 1, VersionNumber: 1, ContentSnapshot: "a", EditorID: 1, Timestamp: time.Unix(1700000001, 0)}
	if err := db.Create(&first).Error; err != nil {
		t.Fatalf("failed to insert version: %v", err)
	}

	duplicate := Version{ID: "v-2", NoteID: 1, VersionNumber: 1, ContentSnapshot: "b", EditorID: 2, Timestamp: time.Unix(1700000002, 0)}
	err := db.Create(&duplicate).Error
	if err == nil {
		t.Fatalf("expected unique constraint violation for duplicate version number")
	}
	if !isVersionNumberConflict(err) {
		t.Fatalf("expected conflict to be classified as retryable, got %v", err)
	}
}

func TestNoteTransactionRetriesOnceOnVersionConflict(t *testing.T) {
	service, _ := newTestService(t, nil)

	attempts := 0
	err := service.inNoteTransaction(context.Background(), func(tx *gorm.DB) error {
		attempts++
		if attempts == 1 {
			return errors.New("UNIQUE constraint failed: versions.note_id, versions.version_number")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly one retry, got %d attempts", attempts)
	}

	attempts = 0
	err = service.inNoteTransaction(context.Background(), func(tx *gorm.DB) error {
		attempts++
		return errors.New("UNIQUE constraint failed: versions.note_id, versions.version_number")
	})
	if err == nil {
		t.Fatalf("expected persistent conflict to surface")
	}
	if attempts != 2 {
		t.Fatalf("expected exactly two attempts, got %d", attempts)
	}
}

func TestDeleteCascadesVersionsLogsAndMemberships(t *testing.T) {
	const ownerID, collaboratorID = 1, 2
	directory := &staticDirectory{ids: map[string]uint{"bob": collaboratorID}}
	service, db := newTestService(t, directory)
	note := mustCreate(t, service, ownerID, "Doomed", "content")

	if err := service.AddCollaborator(context.Background(), note.ID, ownerID, "bob"); err != nil {
		t.Fatalf("add collaborator failed: %v", err)
	}
	if _, err := service.Edit(context.Background(), note.ID, ownerID, mustTitle(t, "Doomed"), mustContent(t, "v2")); err != nil {
		t.Fatalf("edit failed: %v", err)
	}

	if err := service.Delete(context.Background(), note.ID, collaboratorID); !errors.Is(err, ErrNoteNotFound) {
		t.Fatalf("non-owner delete must be masked as not-found, got %v", err)
	}
	if err := service.Delete(context.Background(), note.ID, ownerID); err != nil {
		t.Fatalf("owner delete failed: %v", err)
	}

	for name, model := range map[string]interface{}{
		"notes":       &Note{},
		"versions":    &Version{},
		"logs":        &ActivityLog{},
		"memberships": &Collaborator{},
	} {
		var count int64
		if err := db.Model(model).Count(&count).Error; err != nil {
			t.Fatalf("failed to count %s: %v", name, err)
		}
		if count != 0 {
			t.Fatalf("expected %s to be cascade-deleted, found %d rows", name, count)
		}
	}
}

func TestSearchMatchesCaseInsensitivelyAcrossAccessibleNotes(t *testing.T) {
	const ownerID, collaboratorID, strangerID = 1, 2, 3
	directory := &staticDirectory{ids: map[string]uint{"bob": collaboratorID}}
	service, _ := newTestService(t, directory)

	owned := mustCreate(t, service, ownerID, "Meeting Notes", "agenda for Friday")
	mustCreate(t, service, ownerID, "Groceries", "milk and eggs")
	foreign := mustCreate(t, service, strangerID, "Meeting Minutes", "private agenda")

	if err := service.AddCollaborator(context.Background(), foreign.ID, strangerID, "bob"); err != nil {
		t.Fatalf("add collaborator failed: %v", err)
	}

	results, err := service.Search(context.Background(), ownerID, "MEETING")
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != owned.ID {
		t.Fatalf("expected only the owned note, got %#v", results)
	}

	results, err = service.Search(context.Background(), collaboratorID, "agenda")
	if err != nil {
		t.Fatalf("search failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != foreign.ID {
		t.Fatalf("expected the shared note for the collaborator, got %#v", results)
	}
}
