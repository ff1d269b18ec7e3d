package notes

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// canAccess reports whether the user owns the note or holds a collaborator
// membership. It never mutates state.
func canAccess(tx *gorm.DB, note *Note, userID uint) (bool, error) {
	if note.OwnerID == userID {
		return true, nil
	}
	var membership Collaborator
	err := tx.Where("note_id = ? AND user_id = ?", note.ID, userID).Take(&membership).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// loadAccessibleNote loads a note the user may read or edit. A missing note
// and an inaccessible note both surface as ErrNoteNotFound so that callers
// cannot probe for the existence of other users' notes.
func loadAccessibleNote(tx *gorm.DB, noteID uint, userID uint, forUpdate bool) (*Note, error) {
	query := tx
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var note Note
	err := query.Where("id = ?", noteID).Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoteNotFound
	}
	if err != nil {
		return nil, err
	}

	allowed, err := canAccess(tx, &note, userID)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, ErrNoteNotFound
	}
	return &note, nil
}

// loadOwnedNote loads a note only when the user is its owner. Non-ownership is
// masked the same way as a missing note.
func loadOwnedNote(tx *gorm.DB, noteID uint, ownerID uint, forUpdate bool) (*Note, error) {
	query := tx
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}

	var note Note
	err := query.Where("id = ? AND owner_id = ?", noteID, ownerID).Take(&note).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoteNotFound
	}
	if err != nil {
		return nil, err
	}
	return &note, nil
}
