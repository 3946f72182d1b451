package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID          string
	DisplayName string
	Email       string
	Role        string
	SchoolID    string
	CreatedAt   time.Time
}

type Document struct {
	ID       string
	Title    string
	Type     string // text | spreadsheet | presentation, fixed at creation
	OwnerID  string
	OwnerName string
	OwnerRole string
	SchoolID string
	FolderID *string

	SharedWith        []string
	SharedPermissions map[string]string // user id -> view | comment | edit
	Collaborators     []string          // owner plus everyone ever shared with

	Visibility       string // private | internal | public
	PublicToken      string // non-empty iff Visibility == public
	LinkPasswordHash string // optional bcrypt hash guarding the public link

	Version   int
	Content   json.RawMessage
	SizeBytes int64
	FileURL   string

	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastEditedBy   string
	LastEditedAt   *time.Time
	LastAccessedBy string
	LastAccessedAt *time.Time

	ViewCount             int
	EditCount             int
	CommentCount          int
	HasUnresolvedComments bool
}

type Comment struct {
	ID         string
	DocumentID string
	UserID     string
	UserName   string
	Content    string
	Resolved   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ActivityEntry is the human-readable feed: one row per consequential action.
type ActivityEntry struct {
	ID         int64
	DocumentID string
	UserID     string
	UserName   string
	Action     string // created | edited | commented | shared
	Details    string
	CreatedAt  time.Time
}

// AccessEntry is the finer-grained access trail used for view-count and
// last-accessed bookkeeping rather than display.
type AccessEntry struct {
	ID         int64
	DocumentID string
	UserID     string
	Action     string // view | edit | comment | share | download | delete
	Device     string
	IP         string
	CreatedAt  time.Time
}

// SearchMeta is the denormalized lowercase record maintained alongside the
// document for search support.
type SearchMeta struct {
	DocumentID       string
	TitleLower       string
	DescriptionLower string
	UpdatedAt        time.Time
}

// SnapshotInfo describes one immutable version snapshot in the history
// archive.
type SnapshotInfo struct {
	Version   int
	Hash      string
	Title     string
	CreatedBy string
	CreatedAt time.Time
}
