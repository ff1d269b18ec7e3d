package notes

import (
	"fmt"

	"gorm.io/gorm"
)

// recordActivity appends an audit entry within the caller's transaction.
// Entries are never deduplicated: two views of the same note produce two rows.
func (s *Service) recordActivity(tx *gorm.DB, noteID uint, userID uint, action Action) error {
	if !action.known() {
		return fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	entryID, err := s.idProvider.NewID()
	if err != nil {
		return err
	}
	entry := &ActivityLog{
		ID:        entryID,
		NoteID:    noteID,
		UserID:    userID,
		Action:    action,
		Timestamp: s.clock().UTC(),
	}
	return tx.Create(entry).Error
}
