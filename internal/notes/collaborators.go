package notes

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AddCollaborator grants a user access to the note. Only the owner may grant
// access; the target is resolved by username through the user directory.
// Collaborator changes touch neither the version ledger nor the activity log.
func (s *Service) AddCollaborator(ctx context.Context, noteID uint, ownerID uint, targetUsername string) error {
	if err := s.ready(opAddCollaborator); err != nil {
		return err
	}
	if s.directory == nil {
		s.logError(opAddCollaborator, "missing_directory", errMissingDirectory)
		return newServiceError(opAddCollaborator, "missing_directory", errMissingDirectory)
	}

	targetID, found, err := s.directory.LookupIDByUsername(ctx, targetUsername)
	if err != nil {
		s.logError(opAddCollaborator, "user_lookup_failed", err, zap.String("username", targetUsername))
		return newServiceError(opAddCollaborator, "user_lookup_failed", err)
	}
	if !found {
		return newServiceError(opAddCollaborator, "user_not_found", ErrUserNotFound)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		note, err := loadOwnedNote(tx, noteID, ownerID, true)
		if err != nil {
			return err
		}

		var existing Collaborator
		err = tx.Where("note_id = ? AND user_id = ?", note.ID, targetID).Take(&existing).Error
		if err == nil {
			return ErrDuplicateCollaborator
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("membership select: %w", err)
		}

		return tx.Create(&Collaborator{NoteID: note.ID, UserID: targetID}).Error
	})
	if txErr != nil {
		switch {
		case errors.Is(txErr, ErrNoteNotFound):
			return newServiceError(opAddCollaborator, "note_not_found", txErr)
		case errors.Is(txErr, ErrDuplicateCollaborator):
			return newServiceError(opAddCollaborator, "duplicate_collaborator", txErr)
		}
		s.logError(opAddCollaborator, "transaction_failed", txErr,
			zap.Uint("note_id", noteID), zap.String("username", targetUsername))
		return newServiceError(opAddCollaborator, "transaction_failed", txErr)
	}
	return nil
}

// RemoveCollaborator revokes a user's membership on the note. Owner only.
func (s *Service) RemoveCollaborator(ctx context.Context, noteID uint, ownerID uint, targetUserID uint) error {
	if err := s.ready(opRemoveCollaborator); err != nil {
		return err
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		note, err := loadOwnedNote(tx, noteID, ownerID, true)
		if err != nil {
			return err
		}

		result := tx.Where("note_id = ? AND user_id = ?", note.ID, targetUserID).Delete(&Collaborator{})
		if result.Error != nil {
			return fmt.Errorf("membership delete: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrCollaboratorNotFound
		}
		return nil
	})
	if txErr != nil {
		switch {
		case errors.Is(txErr, ErrNoteNotFound):
			return newServiceError(opRemoveCollaborator, "note_not_found", txErr)
		case errors.Is(txErr, ErrCollaboratorNotFound):
			return newServiceError(opRemoveCollaborator, "collaborator_not_found", txErr)
		}
		s.logError(opRemoveCollaborator, "transaction_failed", txErr,
			zap.Uint("note_id", noteID), zap.Uint("target_user_id", targetUserID))
		return newServiceError(opRemoveCollaborator, "transaction_failed", txErr)
	}
	return nil
}
