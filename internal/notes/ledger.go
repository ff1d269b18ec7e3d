package notes

import (
	"errors"

	"gorm.io/gorm"
)

// nextVersionNumber returns one past the highest version number recorded for
// the note, or 1 when no versions exist. It must run inside the same
// transaction as the subsequent insert; the caller holds the note row lock so
// two editors cannot both observe the same maximum.
func nextVersionNumber(tx *gorm.DB, noteID uint) (int64, error) {
	var last Version
	err := tx.Where("note_id = ?", noteID).Order("version_number DESC").Take(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return last.VersionNumber + 1, nil
}

// snapshot appends the note's current content to the ledger as the next
// version. The snapshot is the pre-image: it captures the state the note held
// before the mutation the caller is about to apply.
func (s *Service) snapshot(tx *gorm.DB, note *Note, editorID uint) (*Version, error) {
	number, err := nextVersionNumber(tx, note.ID)
	if err != nil {
		return nil, err
	}
	versionID, err := s.idProvider.NewID()
	if err != nil {
		return nil, err
	}

	version := &Version{
		ID:              versionID,
		NoteID:          note.ID,
		VersionNumber:   number,
		ContentSnapshot: note.Content,
		EditorID:        editorID,
		Timestamp:       s.clock().UTC(),
	}
	if err := tx.Create(version).Error; err != nil {
		return nil, err
	}
	return version, nil
}

// versionByNumber resolves a single ledger entry for the note.
func versionByNumber(tx *gorm.DB, noteID uint, number int64) (*Version, error) {
	var version Version
	err := tx.Where("note_id = ? AND version_number = ?", noteID, number).Take(&version).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrVersionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &version, nil
}
