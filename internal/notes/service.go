package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	errMissingDirectory  = errors.New("user directory is required")
	errMissingUserID     = errors.New("user identifier is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a dotted operation code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew         = "notes.service.new"
	opCreateNote         = "notes.create_note"
	opGetNote            = "notes.get_note"
	opListNotes          = "notes.list_notes"
	opEditNote           = "notes.edit_note"
	opRestoreVersion     = "notes.restore_version"
	opDeleteNote         = "notes.delete_note"
	opSearchNotes        = "notes.search_notes"
	opListVersions       = "notes.list_versions"
	opGetVersion         = "notes.get_version"
	opListLogs           = "notes.list_logs"
	opAddCollaborator    = "notes.add_collaborator"
	opRemoveCollaborator = "notes.remove_collaborator"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for version and activity-log records.
type IDProvider interface {
	NewID() (string, error)
}

// UserDirectory resolves usernames to user identifiers when granting
// collaborator access.
type UserDirectory interface {
	LookupIDByUsername(ctx context.Context, username string) (uint, bool, error)
}

// ServiceConfig declares the dependencies of the notes service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Directory  UserDirectory
	Logger     *zap.Logger
}

// Service orchestrates note mutations: every edit and restore runs as one
// transaction covering the access check, the pre-image snapshot, the mutation
// itself, and the audit entry.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	directory  UserDirectory
	logger     *zap.Logger
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	if cfg.Directory == nil {
		return nil, newServiceError(opServiceNew, "missing_directory", errMissingDirectory)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		directory:  cfg.Directory,
		logger:     logger,
	}, nil
}

// ready guards against use of a partially constructed service, mirroring the
// dependency validation done in NewService.
func (s *Service) ready(operation string) error {
	if s.db == nil {
		s.logError(operation, "missing_database", errMissingDatabase)
		return newServiceError(operation, "missing_database", errMissingDatabase)
	}
	if s.idProvider == nil {
		s.logError(operation, "missing_id_provider", errMissingIDProvider)
		return newServiceError(operation, "missing_id_provider", errMissingIDProvider)
	}
	return nil
}

// Create persists a new note owned by the caller.
func (s *Service) Create(ctx context.Context, ownerID uint, title Title, content Content) (Note, error) {
	if err := s.ready(opCreateNote); err != nil {
		return Note{}, err
	}
	if ownerID == 0 {
		return Note{}, newServiceError(opCreateNote, "missing_user_id", errMissingUserID)
	}

	now := s.clock().UTC()
	note := Note{
		Title:     title.String(),
		Content:   content.String(),
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&note).Error; err != nil {
		s.logError(opCreateNote, "note_insert_failed", err, zap.Uint("owner_id", ownerID))
		return Note{}, newServiceError(opCreateNote, "note_insert_failed", err)
	}
	return note, nil
}

// Get loads a single note for the viewer and records a view audit entry.
// Every successful read writes one activity row.
func (s *Service) Get(ctx context.Context, noteID uint, viewerID uint) (Note, error) {
	if err := s.ready(opGetNote); err != nil {
		return Note{}, err
	}

	var loaded Note
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		note, err := loadAccessibleNote(tx, noteID, viewerID, false)
		if err != nil {
			return err
		}
		if err := s.recordActivity(tx, note.ID, viewerID, ActionView); err != nil {
			return fmt.Errorf("activity insert: %w", err)
		}
		loaded = *note
		return nil
	})
	if txErr != nil {
		if errors.Is(txErr, ErrNoteNotFound) {
			return Note{}, newServiceError(opGetNote, "note_not_found", txErr)
		}
		s.logError(opGetNote, "transaction_failed", txErr, zap.Uint("note_id", noteID))
		return Note{}, newServiceError(opGetNote, "transaction_failed", txErr)
	}
	return loaded, nil
}

// List returns the notes the user owns or collaborates on, most recently
// updated first.
func (s *Service) List(ctx context.Context, userID uint) ([]Note, error) {
	if err := s.ready(opListNotes); err != nil {
		return nil, err
	}
	if userID == 0 {
		return nil, newServiceError(opListNotes, "missing_user_id", errMissingUserID)
	}

	var results []Note
	err := s.db.WithContext(ctx).
		Where("owner_id = ? OR id IN (?)", userID,
			s.db.Model(&Collaborator{}).Select("note_id").Where("user_id = ?", userID)).
		Order("updated_at DESC").
		Find(&results).Error
	if err != nil {
		s.logError(opListNotes, "query_failed", err, zap.Uint("user_id", userID))
		return nil, newServiceError(opListNotes, "query_failed", err)
	}
	return results, nil
}

// Edit snapshots the note's current content into the version ledger, applies
// the new title and content, and records an edit audit entry, all within one
// transaction.
func (s *Service) Edit(ctx context.Context, noteID uint, editorID uint, newTitle Title, newContent Content) (Note, error) {
	if err := s.ready(opEditNote); err != nil {
		return Note{}, err
	}

	var updated Note
	txErr := s.inNoteTransaction(ctx, func(tx *gorm.DB) error {
		note, err := loadAccessibleNote(tx, noteID, editorID, true)
		if err != nil {
			return err
		}
		if _, err := s.snapshot(tx, note, editorID); err != nil {
			return fmt.Errorf("version insert: %w", err)
		}
		note.Title = newTitle.String()
		note.Content = newContent.String()
		note.UpdatedAt = s.clock().UTC()
		if err := tx.Save(note).Error; err != nil {
			return fmt.Errorf("note save: %w", err)
		}
		if err := s.recordActivity(tx, note.ID, editorID, ActionEdit); err != nil {
			return fmt.Errorf("activity insert: %w", err)
		}
		updated = *note
		return nil
	})
	if txErr != nil {
		if errors.Is(txErr, ErrNoteNotFound) {
			return Note{}, newServiceError(opEditNote, "note_not_found", txErr)
		}
		s.logError(opEditNote, "transaction_failed", txErr,
			zap.Uint("note_id", noteID), zap.Uint("editor_id", editorID))
		return Note{}, newServiceError(opEditNote, "transaction_failed", txErr)
	}
	return updated, nil
}

// RestoreResult reports a completed restore.
type RestoreResult struct {
	Note            Note
	RestoredVersion int64
}

// Restore rolls a note's content back to the target version. The current
// content is snapshotted first, so a restore can itself be undone. Title is
// not restored; the ledger only snapshots content.
func (s *Service) Restore(ctx context.Context, noteID uint, editorID uint, targetNumber int64) (RestoreResult, error) {
	if err := s.ready(opRestoreVersion); err != nil {
		return RestoreResult{}, err
	}

	var result RestoreResult
	txErr := s.inNoteTransaction(ctx, func(tx *gorm.DB) error {
		note, err := loadAccessibleNote(tx, noteID, editorID, true)
		if err != nil {
			return err
		}
		target, err := versionByNumber(tx, note.ID, targetNumber)
		if err != nil {
			return err
		}
		if _, err := s.snapshot(tx, note, editorID); err != nil {
			return fmt.Errorf("version insert: %w", err)
		}
		note.Content = target.ContentSnapshot
		note.UpdatedAt = s.clock().UTC()
		if err := tx.Save(note).Error; err != nil {
			return fmt.Errorf("note save: %w", err)
		}
		if err := s.recordActivity(tx, note.ID, editorID, ActionRestore); err != nil {
			return fmt.Errorf("activity insert: %w", err)
		}
		result = RestoreResult{Note: *note, RestoredVersion: target.VersionNumber}
		return nil
	})
	if txErr != nil {
		if errors.Is(txErr, ErrNoteNotFound) || errors.Is(txErr, ErrVersionNotFound) {
			return RestoreResult{}, newServiceError(opRestoreVersion, "not_found", txErr)
		}
		s.logError(opRestoreVersion, "transaction_failed", txErr,
			zap.Uint("note_id", noteID), zap.Int64("target_version", targetNumber))
		return RestoreResult{}, newServiceError(opRestoreVersion, "transaction_failed", txErr)
	}
	return result, nil
}

// Delete removes a note together with its versions, activity logs, and
// collaborator memberships. Only the owner may delete; non-ownership is masked
// as not-found.
func (s *Service) Delete(ctx context.Context, noteID uint, ownerID uint) error {
	if err := s.ready(opDeleteNote); err != nil {
		return err
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		note, err := loadOwnedNote(tx, noteID, ownerID, true)
		if err != nil {
			return err
		}
		if err := tx.Where("note_id = ?", note.ID).Delete(&Version{}).Error; err != nil {
			return fmt.Errorf("version delete: %w", err)
		}
		if err := tx.Where("note_id = ?", note.ID).Delete(&ActivityLog{}).Error; err != nil {
			return fmt.Errorf("activity delete: %w", err)
		}
		if err := tx.Where("note_id = ?", note.ID).Delete(&Collaborator{}).Error; err != nil {
			return fmt.Errorf("membership delete: %w", err)
		}
		return tx.Delete(note).Error
	})
	if txErr != nil {
		if errors.Is(txErr, ErrNoteNotFound) {
			return newServiceError(opDeleteNote, "note_not_found", txErr)
		}
		s.logError(opDeleteNote, "transaction_failed", txErr, zap.Uint("note_id", noteID))
		return newServiceError(opDeleteNote, "transaction_failed", txErr)
	}
	return nil
}

// Search returns accessible notes whose title or content contains the term,
// case-insensitively.
func (s *Service) Search(ctx context.Context, userID uint, term string) ([]Note, error) {
	if err := s.ready(opSearchNotes); err != nil {
		return nil, err
	}
	if userID == 0 {
		return nil, newServiceError(opSearchNotes, "missing_user_id", errMissingUserID)
	}

	pattern := "%" + strings.ToLower(strings.TrimSpace(term)) + "%"
	var results []Note
	err := s.db.WithContext(ctx).
		Where("owner_id = ? OR id IN (?)", userID,
			s.db.Model(&Collaborator{}).Select("note_id").Where("user_id = ?", userID)).
		Where("LOWER(title) LIKE ? OR LOWER(content) LIKE ?", pattern, pattern).
		Order("updated_at DESC").
		Find(&results).Error
	if err != nil {
		s.logError(opSearchNotes, "query_failed", err, zap.Uint("user_id", userID))
		return nil, newServiceError(opSearchNotes, "query_failed", err)
	}
	return results, nil
}

// ListVersions returns the note's ledger entries ordered by version number
// ascending.
func (s *Service) ListVersions(ctx context.Context, noteID uint, userID uint) ([]Version, error) {
	if err := s.ready(opListVersions); err != nil {
		return nil, err
	}

	tx := s.db.WithContext(ctx)
	if _, err := loadAccessibleNote(tx, noteID, userID, false); err != nil {
		if errors.Is(err, ErrNoteNotFound) {
			return nil, newServiceError(opListVersions, "note_not_found", err)
		}
		s.logError(opListVersions, "note_select_failed", err, zap.Uint("note_id", noteID))
		return nil, newServiceError(opListVersions, "note_select_failed", err)
	}

	var versions []Version
	err := tx.Where("note_id = ?", noteID).Order("version_number ASC").Find(&versions).Error
	if err != nil {
		s.logError(opListVersions, "query_failed", err, zap.Uint("note_id", noteID))
		return nil, newServiceError(opListVersions, "query_failed", err)
	}
	return versions, nil
}

// GetVersion returns a single ledger entry by number.
func (s *Service) GetVersion(ctx context.Context, noteID uint, userID uint, number int64) (Version, error) {
	if err := s.ready(opGetVersion); err != nil {
		return Version{}, err
	}

	tx := s.db.WithContext(ctx)
	if _, err := loadAccessibleNote(tx, noteID, userID, false); err != nil {
		if errors.Is(err, ErrNoteNotFound) {
			return Version{}, newServiceError(opGetVersion, "note_not_found", err)
		}
		s.logError(opGetVersion, "note_select_failed", err, zap.Uint("note_id", noteID))
		return Version{}, newServiceError(opGetVersion, "note_select_failed", err)
	}

	version, err := versionByNumber(tx, noteID, number)
	if err != nil {
		if errors.Is(err, ErrVersionNotFound) {
			return Version{}, newServiceError(opGetVersion, "version_not_found", err)
		}
		s.logError(opGetVersion, "query_failed", err,
			zap.Uint("note_id", noteID), zap.Int64("version_number", number))
		return Version{}, newServiceError(opGetVersion, "query_failed", err)
	}
	return *version, nil
}

// ListLogs returns the note's audit entries, most recent first.
func (s *Service) ListLogs(ctx context.Context, noteID uint, userID uint) ([]ActivityLog, error) {
	if err := s.ready(opListLogs); err != nil {
		return nil, err
	}

	tx := s.db.WithContext(ctx)
	if _, err := loadAccessibleNote(tx, noteID, userID, false); err != nil {
		if errors.Is(err, ErrNoteNotFound) {
			return nil, newServiceError(opListLogs, "note_not_found", err)
		}
		s.logError(opListLogs, "note_select_failed", err, zap.Uint("note_id", noteID))
		return nil, newServiceError(opListLogs, "note_select_failed", err)
	}

	var logs []ActivityLog
	err := tx.Where("note_id = ?", noteID).Order("timestamp DESC").Find(&logs).Error
	if err != nil {
		s.logError(opListLogs, "query_failed", err, zap.Uint("note_id", noteID))
		return nil, newServiceError(opListLogs, "query_failed", err)
	}
	return logs, nil
}

// inNoteTransaction runs fn as one transaction and retries it once when the
// commit fails on the (note_id, version_number) unique index. That failure
// means another editor inserted the same version number concurrently; the
// retry recomputes against the committed state.
func (s *Service) inNoteTransaction(ctx context.Context, fn func(tx *gorm.DB) error) error {
	err := s.db.WithContext(ctx).Transaction(fn)
	if err != nil && isVersionNumberConflict(err) {
		s.logger.Warn("version number conflict, retrying transaction", zap.Error(err))
		err = s.db.WithContext(ctx).Transaction(fn)
	}
	return err
}

func isVersionNumberConflict(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed: versions.")
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notes service error", attrs...)
}
