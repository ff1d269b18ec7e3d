package notes

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Action enumerates the audited operations on a note.
type Action string

const (
	// ActionView records a successful read of a single note.
	ActionView Action = "view"
	// ActionEdit records a title/content mutation.
	ActionEdit Action = "edit"
	// ActionRestore records a rollback to an earlier version.
	ActionRestore Action = "restore"
)

const maxTitleLength = 255

var (
	// ErrInvalidTitle indicates that a note title is blank or exceeds storage bounds.
	ErrInvalidTitle = errors.New("notes: invalid title")
	// ErrInvalidContent indicates that note content is blank.
	ErrInvalidContent = errors.New("notes: invalid content")
	// ErrInvalidAction indicates an unknown activity action.
	ErrInvalidAction = errors.New("notes: invalid action")

	// ErrNoteNotFound covers both a nonexistent note and a note the caller may
	// not access; the two are indistinguishable to callers.
	ErrNoteNotFound = errors.New("notes: note not found")
	// ErrVersionNotFound indicates the requested version number does not exist.
	ErrVersionNotFound = errors.New("notes: version not found")
	// ErrUserNotFound indicates the referenced user does not exist.
	ErrUserNotFound = errors.New("notes: user not found")
	// ErrDuplicateCollaborator indicates the user already holds a membership.
	ErrDuplicateCollaborator = errors.New("notes: user is already a collaborator")
	// ErrCollaboratorNotFound indicates the user holds no membership on the note.
	ErrCollaboratorNotFound = errors.New("notes: collaborator not found")
)

// Title represents a validated note title.
type Title string

// NewTitle trims raw input and validates it as a note title.
func NewTitle(rawInput string) (Title, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: blank", ErrInvalidTitle)
	}
	if len(trimmed) > maxTitleLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTitle, maxTitleLength)
	}
	return Title(trimmed), nil
}

// String returns the underlying title text.
func (t Title) String() string {
	return string(t)
}

// Content represents validated note content.
type Content string

// NewContent validates that raw input is not blank after trimming. The stored
// content keeps its original whitespace.
func NewContent(rawInput string) (Content, error) {
	if strings.TrimSpace(rawInput) == "" {
		return "", fmt.Errorf("%w: blank", ErrInvalidContent)
	}
	return Content(rawInput), nil
}

// String returns the underlying content text.
func (c Content) String() string {
	return string(c)
}

// ParseAction validates a raw action value.
func ParseAction(rawInput string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(rawInput))) {
	case ActionView:
		return ActionView, nil
	case ActionEdit:
		return ActionEdit, nil
	case ActionRestore:
		return ActionRestore, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, rawInput)
	}
}

func (a Action) known() bool {
	return a == ActionView || a == ActionEdit || a == ActionRestore
}

// Note models a titled text document owned by a single user.
type Note struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement"`
	Title     string    `gorm:"column:title;size:255;not null"`
	Content   string    `gorm:"column:content;type:text;not null"`
	OwnerID   uint      `gorm:"column:owner_id;not null;index:idx_notes_owner"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// Collaborator is a join row granting a user access to a note they do not own.
type Collaborator struct {
	NoteID uint `gorm:"column:note_id;primaryKey;autoIncrement:false"`
	UserID uint `gorm:"column:user_id;primaryKey;autoIncrement:false"`
}

// TableName provides the explicit table binding for GORM.
func (Collaborator) TableName() string {
	return "note_collaborators"
}

// Version is an immutable pre-mutation content snapshot. For each note the
// version numbers form a contiguous sequence starting at 1; the unique index
// on (note_id, version_number) turns a concurrent-editor race into a
// retryable constraint conflict instead of a duplicate number.
type Version struct {
	ID              string    `gorm:"column:id;primaryKey;size:190;not null"`
	NoteID          uint      `gorm:"column:note_id;not null;uniqueIndex:idx_versions_note_number,priority:1"`
	VersionNumber   int64     `gorm:"column:version_number;not null;uniqueIndex:idx_versions_note_number,priority:2"`
	ContentSnapshot string    `gorm:"column:content_snapshot;type:text;not null"`
	EditorID        uint      `gorm:"column:editor_id;not null"`
	Timestamp       time.Time `gorm:"column:timestamp;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Version) TableName() string {
	return "versions"
}

// ActivityLog is an append-only audit record of a view/edit/restore action.
type ActivityLog struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null"`
	NoteID    uint      `gorm:"column:note_id;not null;index:idx_logs_note_time,priority:1"`
	UserID    uint      `gorm:"column:user_id;not null"`
	Action    Action    `gorm:"column:action;size:16;not null"`
	Timestamp time.Time `gorm:"column:timestamp;not null;index:idx_logs_note_time,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ActivityLog) TableName() string {
	return "activity_logs"
}
