package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"studyhall/api/internal/access"
	"studyhall/api/internal/aiqueue"
	"studyhall/api/internal/audit"
	"studyhall/api/internal/auth"
	"studyhall/api/internal/autosave"
	"studyhall/api/internal/blob"
	"studyhall/api/internal/config"
	"studyhall/api/internal/content"
	"studyhall/api/internal/email"
	"studyhall/api/internal/export"
	"studyhall/api/internal/feed"
	"studyhall/api/internal/history"
	"studyhall/api/internal/roles"
	"studyhall/api/internal/search"
	"studyhall/api/internal/stats"
	"studyhall/api/internal/store"
	"studyhall/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      string
	SchoolID  string
	ExpiresAt time.Time
}

func sessionViewer(session Session) access.Viewer {
	return access.Viewer{
		UserID:   session.UserID,
		Role:     roles.Normalize(session.Role),
		SchoolID: session.SchoolID,
	}
}

// AccessMeta carries request attributes recorded in the access trail.
type AccessMeta struct {
	Device string
	IP     string
}

type CreateDocumentInput struct {
	Title    string          `json:"title"`
	Type     string          `json:"type"`
	Content  json.RawMessage `json:"content"`
	FolderID string          `json:"folderId"`
}

type SaveDocumentInput struct {
	Content json.RawMessage `json:"content"`
	Bump    bool            `json:"bump"`
	Title   string          `json:"title"`
}

type ShareInput struct {
	UserID     string `json:"userId"`
	Permission string `json:"permission"`
}

type VisibilityInput struct {
	Visibility   string `json:"visibility"`
	LinkPassword string `json:"linkPassword"`
	ReuseToken   bool   `json:"reuseToken"`
}

type BatchError struct {
	DocumentID string `json:"documentId"`
	Message    string `json:"message"`
}

type BatchResult struct {
	Success int          `json:"success"`
	Failed  int          `json:"failed"`
	Errors  []BatchError `json:"errors"`
}

type dataStore interface {
	EnsureUser(ctx context.Context, name, role, schoolID string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	InsertDocument(ctx context.Context, item store.Document) error
	GetDocument(ctx context.Context, documentID string) (store.Document, error)
	GetDocumentByPublicToken(ctx context.Context, token string) (store.Document, error)
	ListDocuments(ctx context.Context) ([]store.Document, error)
	ListDocumentsBySchool(ctx context.Context, schoolID string) ([]store.Document, error)
	ListDocumentsByOwner(ctx context.Context, ownerID string) ([]store.Document, error)
	UpdateDocumentContent(ctx context.Context, documentID string, body json.RawMessage, sizeBytes int64, editedBy string, bump int, newTitle string) (int, error)
	RenameDocument(ctx context.Context, documentID, title, updatedBy string) error
	SetDocumentVisibility(ctx context.Context, documentID, visibility, publicToken, linkPasswordHash string) error
	UpdateDocumentSharing(ctx context.Context, documentID string, sharedWith []string, sharedPermissions map[string]string, collaborators []string) error
	MoveDocument(ctx context.Context, documentID string, folderID *string) error
	SetDocumentFileURL(ctx context.Context, documentID, fileURL string) error
	DeleteDocument(ctx context.Context, documentID string) error
	InsertComment(ctx context.Context, item store.Comment) error
	GetComment(ctx context.Context, commentID string) (store.Comment, error)
	ListComments(ctx context.Context, documentID string) ([]store.Comment, error)
	SetCommentResolved(ctx context.Context, commentID string, resolved bool) (string, error)
	Ping(ctx context.Context) error
}

type historyArchive interface {
	CreateInitialVersion(documentID, title string, body content.Content, author string) error
	CommitVersion(documentID string, version int, title string, body content.Content, author string) (store.SnapshotInfo, error)
	GetVersion(documentID string, version int) (history.Snapshot, error)
	ListVersions(documentID string) ([]store.SnapshotInfo, error)
	Verify(documentID string, version int) bool
	Delete(documentID string) error
}

type editSessionKey struct {
	documentID string
	userID     string
}

type Service struct {
	cfg     config.Config
	store   dataStore
	history historyArchive
	audit   *audit.Log

	// optional collaborators, nil when unconfigured
	feed   *feed.Pipeline
	search *search.Service
	stats  *stats.Aggregator
	blob   *blob.Client
	email  *email.Service
	ai     *aiqueue.Queue

	editMu       sync.Mutex
	editSessions map[editSessionKey]*autosave.Session
}

type Deps struct {
	Feed    *feed.Pipeline
	Search  *search.Service
	Stats   *stats.Aggregator
	Blob    *blob.Client
	Email   *email.Service
	AIQueue *aiqueue.Queue
}

func New(cfg config.Config, dataStore *store.PostgresStore, historyService *history.Service, deps Deps) *Service {
	if deps.Stats == nil {
		deps.Stats = stats.New(dataStore, nil, time.Minute)
	}
	return &Service{
		cfg:          cfg,
		store:        dataStore,
		history:      historyService,
		audit:        audit.NewLog(dataStore),
		feed:         deps.Feed,
		search:       deps.Search,
		stats:        deps.Stats,
		blob:         deps.Blob,
		email:        deps.Email,
		ai:           deps.AIQueue,
		editSessions: make(map[editSessionKey]*autosave.Session),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// --- Sessions ---

func (s *Service) Login(ctx context.Context, name, role, schoolID string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUser(ctx, userName, string(roles.Normalize(role)), strings.TrimSpace(schoolID))
	if err != nil {
		return Session{}, err
	}

	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.APISecret), auth.Claims{
		Sub:    user.ID,
		Name:   user.DisplayName,
		Role:   user.Role,
		School: user.SchoolID,
		Exp:    expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		SchoolID:  user.SchoolID,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.APISecret), token)
	if err != nil {
		return Session{}, err
	}

	// role and school come from the user row so changes take effect without
	// re-login
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		SchoolID:  user.SchoolID,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// --- Documents ---

func (s *Service) CreateDocument(ctx context.Context, session Session, input CreateDocumentInput) (map[string]any, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = "Untitled Document"
	}
	if !content.ValidKind(input.Type) {
		return nil, validationError("type must be text, spreadsheet or presentation")
	}
	kind := content.Kind(input.Type)
	body, err := content.Parse(kind, input.Content)
	if err != nil {
		return nil, validationError(err.Error())
	}
	raw, err := body.Canonical()
	if err != nil {
		return nil, validationError(err.Error())
	}

	var folderID *string
	if trimmed := strings.TrimSpace(input.FolderID); trimmed != "" {
		folderID = &trimmed
	}

	documentID := util.NewID("doc")
	doc := store.Document{
		ID:                documentID,
		Title:             title,
		Type:              input.Type,
		OwnerID:           session.UserID,
		OwnerName:         session.UserName,
		OwnerRole:         string(roles.Normalize(session.Role)),
		SchoolID:          session.SchoolID,
		FolderID:          folderID,
		SharedWith:        []string{},
		SharedPermissions: map[string]string{},
		Collaborators:     []string{session.UserID},
		Visibility:        "private",
		Version:           1,
		Content:           raw,
		SizeBytes:         body.Size(),
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return nil, err
	}

	audit.BestEffort("initial version snapshot", func() error {
		return s.history.CreateInitialVersion(documentID, title, body, session.UserName)
	})
	s.audit.Record(ctx, store.ActivityEntry{
		DocumentID: documentID,
		UserID:     session.UserID,
		UserName:   session.UserName,
		Action:     "created",
		Details:    fmt.Sprintf("created %s document", input.Type),
	})

	created, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	s.indexDocument(ctx, created)
	s.publish(ctx, documentID)
	s.invalidateStats(ctx, session.UserID)
	return documentPayload(created), nil
}

func (s *Service) GetDocument(ctx context.Context, session Session, documentID string, meta AccessMeta) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	viewer := sessionViewer(session)
	if !access.CanSee(doc, viewer) {
		return nil, permissionDenied("you do not have access to this document")
	}
	s.audit.RecordAccess(ctx, store.AccessEntry{
		DocumentID: documentID,
		UserID:     session.UserID,
		Action:     "view",
		Device:     meta.Device,
		IP:         meta.IP,
	})
	payload := documentPayload(doc)
	payload["permission"] = string(access.Level(doc, viewer))
	return payload, nil
}

func (s *Service) ListDocuments(ctx context.Context, session Session) ([]map[string]any, error) {
	viewer := sessionViewer(session)
	docs, err := s.roleScopedDocuments(ctx, viewer)
	if err != nil {
		return nil, err
	}
	visible := access.FilterVisible(docs, viewer)
	items := make([]map[string]any, 0, len(visible))
	for _, doc := range visible {
		items = append(items, documentPayload(doc))
	}
	return items, nil
}

// roleScopedDocuments runs the broad query for a viewer's role; the caller
// narrows the superset through access.FilterVisible.
func (s *Service) roleScopedDocuments(ctx context.Context, viewer access.Viewer) ([]store.Document, error) {
	switch viewer.Role {
	case roles.RolePlatformAdmin:
		return s.store.ListDocuments(ctx)
	case roles.RoleSchoolAdmin:
		return s.store.ListDocumentsBySchool(ctx, viewer.SchoolID)
	default:
		return s.store.ListDocuments(ctx)
	}
}

// SaveDocument is last-write-wins: there is no based-on-version
// precondition, and the version counter is history bookkeeping rather than
// a concurrency token.
func (s *Service) SaveDocument(ctx context.Context, session Session, documentID string, input SaveDocumentInput) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !access.CanEdit(doc, sessionViewer(session)) {
		return nil, permissionDenied("edit access required")
	}
	body, err := content.Parse(content.Kind(doc.Type), input.Content)
	if err != nil {
		return nil, validationError(err.Error())
	}
	updated, err := s.commitContent(ctx, documentID, body, session, input.Bump, input.Title)
	if err != nil {
		return nil, err
	}
	s.applyRemoteToEditors(documentID, session.UserID, body)
	return documentPayload(updated), nil
}

// commitContent is the single write path for document bodies, shared by the
// direct save endpoint and the auto-save coordinator. A bump advances the
// version counter and archives a snapshot; the snapshot write is best-effort
// and never fails the save.
func (s *Service) commitContent(ctx context.Context, documentID string, body content.Content, session Session, bump bool, newTitle string) (store.Document, error) {
	raw, err := body.Canonical()
	if err != nil {
		return store.Document{}, validationError(err.Error())
	}
	bumpDelta := 0
	if bump {
		bumpDelta = 1
	}
	newVersion, err := s.store.UpdateDocumentContent(ctx, documentID, raw, body.Size(), session.UserName, bumpDelta, strings.TrimSpace(newTitle))
	if err != nil {
		return store.Document{}, err
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.Document{}, err
	}
	if bump {
		audit.BestEffort("version snapshot", func() error {
			_, err := s.history.CommitVersion(documentID, newVersion, doc.Title, body, session.UserName)
			return err
		})
	}
	details := "saved content"
	if bump {
		details = fmt.Sprintf("saved version %d", newVersion)
	}
	s.audit.Record(ctx, store.ActivityEntry{
		DocumentID: documentID,
		UserID:     session.UserID,
		UserName:   session.UserName,
		Action:     "edited",
		Details:    details,
	})
	s.audit.RecordAccess(ctx, store.AccessEntry{DocumentID: documentID, UserID: session.UserID, Action: "edit"})
	s.indexDocument(ctx, doc)
	s.publish(ctx, documentID)
	s.invalidateStats(ctx, doc.OwnerID)
	return doc, nil
}

func (s *Service) RenameDocument(ctx context.Context, session Session, documentID, title string) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !access.CanEdit(doc, sessionViewer(session)) {
		return nil, permissionDenied("edit access required")
	}
	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return nil, validationError("title is required")
	}
	if err := s.store.RenameDocument(ctx, documentID, trimmed, session.UserName); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, store.ActivityEntry{
		DocumentID: documentID,
		UserID:     session.UserID,
		UserName:   session.UserName,
		Action:     "edited",
		Details:    fmt.Sprintf("renamed to %q", trimmed),
	})
	renamed, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	s.indexDocument(ctx, renamed)
	s.publish(ctx, documentID)
	return documentPayload(renamed), nil
}

func (s *Service) MoveDocument(ctx context.Context, session Session, documentID, folderID string) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !access.CanEdit(doc, sessionViewer(session)) {
		return nil, permissionDenied("edit access required")
	}
	var target *string
	if trimmed := strings.TrimSpace(folderID); trimmed != "" {
		target = &trimmed
	}
	if err := s.store.MoveDocument(ctx, documentID, target); err != nil {
		return nil, err
	}
	moved, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, documentID)
	return documentPayload(moved), nil
}

// canAdminister reports whether the viewer owns the document or carries an
// admin role covering it.
func canAdminister(doc store.Document, viewer access.Viewer) bool {
	if viewer.Role == roles.RolePlatformAdmin {
		return true
	}
	if viewer.Role == roles.RoleSchoolAdmin && doc.SchoolID != "" && doc.SchoolID == viewer.SchoolID {
		return true
	}
	return doc.OwnerID == viewer.UserID
}

func (s *Service) SetVisibility(ctx context.Context, session Session, documentID string, input VisibilityInput) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	viewer := sessionViewer(session)
	if !canAdminister(doc, viewer) {
		return nil, permissionDenied("only the owner or an admin can change visibility")
	}

	visibility := strings.TrimSpace(input.Visibility)
	switch visibility {
	case "private", "internal", "public":
	default:
		return nil, validationError("visibility must be private, internal or public")
	}

	publicToken := ""
	passwordHash := ""
	if visibility == "public" {
		if !roles.CanPublish(viewer.Role) {
			return nil, permissionDenied("your role cannot publish documents")
		}
		// token rotates on every publish so stale links die with the old
		// token, unless the caller explicitly keeps it
		publicToken = util.NewShareToken()
		if input.ReuseToken && doc.PublicToken != "" {
			publicToken = doc.PublicToken
		}
		if password := strings.TrimSpace(input.LinkPassword); password != "" {
			hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("hash link password: %w", err)
			}
			passwordHash = string(hashed)
		}
	}

	if err := s.store.SetDocumentVisibility(ctx, documentID, visibility, publicToken, passwordHash); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, store.ActivityEntry{
		DocumentID: documentID,
		UserID:     session.UserID,
		UserName:   session.UserName,
		Action:     "shared",
		Details:    "visibility set to " + visibility,
	})
	updated, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	s.indexDocument(ctx, updated)
	s.publish(ctx, documentID)
	return documentPayload(updated), nil
}

func (s *Service) ShareDocument(ctx context.Context, session Session, documentID string, input ShareInput) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	viewer := sessionViewer(session)
	if !canAdminister(doc, viewer) {
		return nil, permissionDenied("only the owner or an admin can share")
	}
	targetID := strings.TrimSpace(input.UserID)
	if targetID == "" {
		return nil, validationError("userId is required")
	}
	if targetID == doc.OwnerID {
		return nil, validationError("the owner already has full access")
	}
	permission := roles.NormalizePermission(input.Permission)

	sharedWith := doc.SharedWith
	if !contains(sharedWith, targetID) {
		sharedWith = append(sharedWith, targetID)
	}
	sharedPermissions := doc.SharedPermissions
	if sharedPermissions == nil {
		sharedPermissions = map[string]string{}
	}
	sharedPermissions[targetID] = string(permission)
	collaborators := doc.Collaborators
	if !contains(collaborators, targetID) {
		collaborators = append(collaborators, targetID)
	}

	if err := s.store.UpdateDocumentSharing(ctx, documentID, sharedWith, sharedPermissions, collaborators); err != nil {
		return nil, err
	}

	s.notifyShare(ctx, session, doc, targetID, string(permission))
	s.audit.Record(ctx, store.ActivityEntry{
		DocumentID: documentID,
		UserID:     session.UserID,
		UserName:   session.UserName,
		Action:     "shared",
		Details:    fmt.Sprintf("shared with %s (%s)", targetID, permission),
	})
	s.audit.RecordAccess(ctx, store.AccessEntry{DocumentID: documentID, UserID: session.UserID, Action: "share"})

	updated, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, documentID)
	s.invalidateStats(ctx, doc.OwnerID)
	return documentPayload(updated), nil
}

func (s *Service) notifyShare(ctx context.Context, session Session, doc store.Document, targetID, permission string) {
	if s.email == nil || !s.email.IsConfigured() {
		return
	}
	recipient, err := s.store.GetUserByID(ctx, targetID)
	if err != nil {
		return
	}
	documentURL := strings.TrimRight(s.cfg.AppBaseURL, "/") + "/documents/" + doc.ID
	audit.BestEffort("share notification email", func() error {
		return s.email.SendShareNotification(recipient.Email, recipient.DisplayName, session.UserName, doc.Title, permission, documentURL)
	})
}

// RevokeShare removes a user's grant. Collaborators keep the historical
// record of everyone who ever had access.
func (s *Service) RevokeShare(ctx context.Context, session Session, documentID, targetID string) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !canAdminister(doc, sessionViewer(session)) {
		return nil, permissionDenied("only the owner or an admin can revoke shares")
	}
	sharedWith := make([]string, 0, len(doc.SharedWith))
	for _, id := range doc.SharedWith {
		if id != targetID {
			sharedWith = append(sharedWith, id)
		}
	}
	sharedPermissions := doc.SharedPermissions
	if sharedPermissions == nil {
		sharedPermissions = map[string]string{}
	}
	delete(sharedPermissions, targetID)

	if err := s.store.UpdateDocumentSharing(ctx, documentID, sharedWith, sharedPermissions, doc.Collaborators); err != nil {
		return nil, err
	}
	updated, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, documentID)
	return documentPayload(updated), nil
}

func (s *Service) DeleteDocument(ctx context.Context, session Session, documentID string) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if !canAdminister(doc, sessionViewer(session)) {
		return permissionDenied("only the owner or an admin can delete")
	}
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	audit.BestEffort("delete history archive", func() error {
		return s.history.Delete(documentID)
	})
	s.deindexDocument(documentID)
	s.publish(ctx, documentID)
	s.invalidateStats(ctx, doc.OwnerID)
	return nil
}

// BatchDelete deletes each requested document independently; one failure
// never aborts the rest.
func (s *Service) BatchDelete(ctx context.Context, session Session, documentIDs []string) BatchResult {
	result := BatchResult{Errors: []BatchError{}}
	for _, documentID := range documentIDs {
		if err := s.DeleteDocument(ctx, session, documentID); err != nil {
			result.Failed++
			result.Errors = append(result.Errors, BatchError{DocumentID: documentID, Message: batchMessage(err)})
			continue
		}
		result.Success++
	}
	return result
}

// --- Public links ---

func (s *Service) ResolvePublicDocument(ctx context.Context, token, linkPassword string, meta AccessMeta) (map[string]any, error) {
	doc, err := s.store.GetDocumentByPublicToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !access.PublicVisible(doc) {
		return nil, notFound("this link is no longer valid")
	}
	if doc.LinkPasswordHash != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(doc.LinkPasswordHash), []byte(linkPassword)); err != nil {
			return nil, domainError(http.StatusForbidden, "PERMISSION_DENIED", "this link requires a password", map[string]any{"passwordRequired": true})
		}
	}
	s.audit.RecordAccess(ctx, store.AccessEntry{
		DocumentID: doc.ID,
		UserID:     "public",
		Action:     "view",
		Device:     meta.Device,
		IP:         meta.IP,
	})
	return publicPayload(doc), nil
}

// --- Comments ---

func (s *Service) AddComment(ctx context.Context, session Session, documentID, body string) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !access.CanComment(doc, sessionViewer(session)) {
		return nil, permissionDenied("comment access required")
	}
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return nil, validationError("comment body is required")
	}
	comment := store.Comment{
		ID:         util.NewID("cmt"),
		DocumentID: documentID,
		UserID:     session.UserID,
		UserName:   session.UserName,
		Content:    trimmed,
	}
	if err := s.store.InsertComment(ctx, comment); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, store.ActivityEntry{
		DocumentID: documentID,
		UserID:     session.UserID,
		UserName:   session.UserName,
		Action:     "commented",
		Details:    "added a comment",
	})
	s.audit.RecordAccess(ctx, store.AccessEntry{DocumentID: documentID, UserID: session.UserID, Action: "comment"})
	s.publish(ctx, documentID)

	stored, err := s.store.GetComment(ctx, comment.ID)
	if err != nil {
		return nil, err
	}
	return commentPayload(stored), nil
}

func (s *Service) ListComments(ctx context.Context, session Session, documentID string) ([]map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !access.CanSee(doc, sessionViewer(session)) {
		return nil, permissionDenied("you do not have access to this document")
	}
	comments, err := s.store.ListComments(ctx, documentID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(comments))
	for _, comment := range comments {
		items = append(items, commentPayload(comment))
	}
	return items, nil
}

func (s *Service) SetCommentResolved(ctx context.Context, session Session, documentID, commentID string, resolved bool) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !access.CanComment(doc, sessionViewer(session)) {
		return nil, permissionDenied("comment access required")
	}
	comment, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	if comment.DocumentID != documentID {
		return nil, notFound("comment not found on this document")
	}
	if _, err := s.store.SetCommentResolved(ctx, commentID, resolved); err != nil {
		return nil, err
	}
	action := "resolved a comment"
	if !resolved {
		action = "reopened a comment"
	}
	s.audit.Record(ctx, store.ActivityEntry{
		DocumentID: documentID,
		UserID:     session.UserID,
		UserName:   session.UserName,
		Action:     "commented",
		Details:    action,
	})
	s.publish(ctx, documentID)
	updated, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return nil, err
	}
	return commentPayload(updated), nil
}

// --- Audit trails ---

func (s *Service) ListActivity(ctx context.Context, session Session, documentID string, limit int) ([]map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !access.CanSee(doc, sessionViewer(session)) {
		return nil, permissionDenied("you do not have access to this document")
	}
	entries, err := s.audit.ListActivity(ctx, documentID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"id":        entry.ID,
			"userId":    entry.UserID,
			"userName":  entry.UserName,
			"action":    entry.Action,
			"details":   entry.Details,
			"createdAt": entry.CreatedAt.Format(time.RFC3339),
		})
	}
	return items, nil
}

func (s *Service) ListAccessTrail(ctx context.Context, session Session, documentID string, limit int) ([]map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !canAdminister(doc, sessionViewer(session)) {
		return nil, permissionDenied("only the owner or an admin can read the access trail")
	}
	entries, err := s.audit.ListAccess(ctx, documentID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, map[string]any{
			"id":        entry.ID,
			"userId":    entry.UserID,
			"action":    entry.Action,
			"device":    nilIfEmpty(entry.Device),
			"ip":        nilIfEmpty(entry.IP),
			"createdAt": entry.CreatedAt.Format(time.RFC3339),
		})
	}
	return items, nil
}

// --- Versions ---

func (s *Service) ListVersions(ctx context.Context, session Session, documentID string) ([]map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !access.CanSee(doc, sessionViewer(session)) {
		return nil, permissionDenied("you do not have access to this document")
	}
	versions, err := s.history.ListVersions(documentID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(versions))
	for _, version := range versions {
		items = append(items, map[string]any{
			"version":   version.Version,
			"hash":      version.Hash,
			"title":     version.Title,
			"createdBy": version.CreatedBy,
			"createdAt": version.CreatedAt.Format(time.RFC3339),
		})
	}
	return items, nil
}

func (s *Service) GetVersion(ctx context.Context, session Session, documentID string, version int) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !access.CanSee(doc, sessionViewer(session)) {
		return nil, permissionDenied("you do not have access to this document")
	}
	snapshot, err := s.history.GetVersion(documentID, version)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"version":   snapshot.Version,
		"title":     snapshot.Title,
		"content":   snapshot.Content,
		"createdBy": snapshot.CreatedBy,
	}, nil
}

// --- Statistics ---

func (s *Service) Statistics(ctx context.Context, session Session, ownerID string) (stats.DocumentStatistics, error) {
	if s.stats == nil {
		return stats.DocumentStatistics{}, domainError(http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "statistics are not available", nil)
	}
	target := strings.TrimSpace(ownerID)
	if target == "" {
		target = session.UserID
	}
	viewer := sessionViewer(session)
	if target != session.UserID && viewer.Role != roles.RolePlatformAdmin && viewer.Role != roles.RoleSchoolAdmin {
		return stats.DocumentStatistics{}, permissionDenied("you can only read your own statistics")
	}
	return s.stats.ComputeForOwner(ctx, target)
}

// --- Search ---

func (s *Service) Search(ctx context.Context, session Session, text, filterType string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "search is not available", nil)
	}
	viewer := sessionViewer(session)
	query := search.Query{
		Text:       text,
		FilterType: strings.TrimSpace(filterType),
		Limit:      limit,
		Offset:     offset,
	}
	if viewer.Role != roles.RolePlatformAdmin {
		query.FilterSchoolID = viewer.SchoolID
	}
	return s.search.Search(query)
}

// --- Export ---

func (s *Service) ExportPDF(ctx context.Context, session Session, documentID string, meta AccessMeta) (*export.Result, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !access.CanSee(doc, sessionViewer(session)) {
		return nil, permissionDenied("you do not have access to this document")
	}
	body, err := content.Parse(content.Kind(doc.Type), doc.Content)
	if err != nil {
		return nil, validationError(err.Error())
	}
	result, err := export.ToPDF(export.Meta{
		Title:     doc.Title,
		OwnerName: doc.OwnerName,
		Version:   doc.Version,
		UpdatedAt: doc.UpdatedAt,
	}, body)
	if err != nil {
		return nil, err
	}
	s.audit.RecordAccess(ctx, store.AccessEntry{
		DocumentID: documentID,
		UserID:     session.UserID,
		Action:     "download",
		Device:     meta.Device,
		IP:         meta.IP,
	})
	return result, nil
}

// --- Attachments ---

func (s *Service) UploadAttachment(ctx context.Context, session Session, documentID, filename, contentType string, reader io.Reader, size int64) (map[string]any, error) {
	if s.blob == nil {
		return nil, domainError(http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "attachment storage is not configured", nil)
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !access.CanEdit(doc, sessionViewer(session)) {
		return nil, permissionDenied("edit access required")
	}
	fileURL, err := s.blob.Upload(ctx, documentID, filename, contentType, reader, size)
	if err != nil {
		return nil, err
	}
	if err := s.store.SetDocumentFileURL(ctx, documentID, fileURL); err != nil {
		return nil, err
	}
	s.audit.Record(ctx, store.ActivityEntry{
		DocumentID: documentID,
		UserID:     session.UserID,
		UserName:   session.UserName,
		Action:     "edited",
		Details:    "attached " + filename,
	})
	s.publish(ctx, documentID)
	return map[string]any{"fileUrl": fileURL}, nil
}

func (s *Service) DeleteAttachment(ctx context.Context, session Session, documentID, filename string) error {
	if s.blob == nil {
		return domainError(http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "attachment storage is not configured", nil)
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if !access.CanEdit(doc, sessionViewer(session)) {
		return permissionDenied("edit access required")
	}
	audit.BestEffort("delete attachment object", func() error {
		return s.blob.Delete(ctx, documentID, filename)
	})
	if err := s.store.SetDocumentFileURL(ctx, documentID, ""); err != nil {
		return err
	}
	s.publish(ctx, documentID)
	return nil
}

// --- AI handoff ---

func (s *Service) RequestAIReview(ctx context.Context, session Session, documentID string) (map[string]any, error) {
	if s.ai == nil {
		return nil, domainError(http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "ai review is not available", nil)
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !access.CanSee(doc, sessionViewer(session)) {
		return nil, permissionDenied("you do not have access to this document")
	}
	s.ai.Enqueue(ctx, session.UserID, documentID, doc.Content)
	return map[string]any{"queued": true}, nil
}

// --- Change feed ---

func (s *Service) SubscribeDocuments(ctx context.Context, session Session, onChange func([]store.Document), onError func(error)) (func(), error) {
	if s.feed == nil {
		return nil, domainError(http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "change feed is not available", nil)
	}
	return s.feed.Subscribe(ctx, sessionViewer(session), onChange, onError)
}

// --- Editing sessions (auto-save) ---

func (s *Service) StartEditing(ctx context.Context, session Session, documentID string) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !access.CanEdit(doc, sessionViewer(session)) {
		return nil, permissionDenied("edit access required")
	}
	body, err := content.Parse(content.Kind(doc.Type), doc.Content)
	if err != nil {
		return nil, validationError(err.Error())
	}

	key := editSessionKey{documentID: documentID, userID: session.UserID}
	editorSession := session
	editing := autosave.NewSession(s.cfg.AutosaveInterval, body, func(ctx context.Context, body content.Content, bump bool) error {
		if _, err := s.commitContent(ctx, documentID, body, editorSession, bump, ""); err != nil {
			return err
		}
		s.applyRemoteToEditors(documentID, editorSession.UserID, body)
		return nil
	})

	s.editMu.Lock()
	previous := s.editSessions[key]
	s.editSessions[key] = editing
	s.editMu.Unlock()
	if previous != nil {
		_ = previous.Stop(ctx)
	}
	// the ticker loop outlives the request
	editing.Start(context.Background())

	return map[string]any{"state": string(editing.State())}, nil
}

func (s *Service) UpdateEditing(ctx context.Context, session Session, documentID string, input SaveDocumentInput) (map[string]any, error) {
	editing, ok := s.lookupEditSession(documentID, session.UserID)
	if !ok {
		return nil, notFound("no editing session for this document")
	}
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	body, err := content.Parse(content.Kind(doc.Type), input.Content)
	if err != nil {
		return nil, validationError(err.Error())
	}
	editing.Update(body)
	if input.Bump {
		editing.RequestBump()
	}
	return map[string]any{"state": string(editing.State())}, nil
}

func (s *Service) FlushEditing(ctx context.Context, session Session, documentID string) (map[string]any, error) {
	editing, ok := s.lookupEditSession(documentID, session.UserID)
	if !ok {
		return nil, notFound("no editing session for this document")
	}
	if err := editing.Flush(ctx); err != nil {
		return map[string]any{"state": string(editing.State())}, err
	}
	return map[string]any{"state": string(editing.State())}, nil
}

func (s *Service) StopEditing(ctx context.Context, session Session, documentID string) (map[string]any, error) {
	key := editSessionKey{documentID: documentID, userID: session.UserID}
	s.editMu.Lock()
	editing, ok := s.editSessions[key]
	delete(s.editSessions, key)
	s.editMu.Unlock()
	if !ok {
		return nil, notFound("no editing session for this document")
	}
	if err := editing.Stop(ctx); err != nil {
		return map[string]any{"state": string(editing.State())}, err
	}
	return map[string]any{"state": string(editing.State())}, nil
}

func (s *Service) lookupEditSession(documentID, userID string) (*autosave.Session, bool) {
	s.editMu.Lock()
	defer s.editMu.Unlock()
	editing, ok := s.editSessions[editSessionKey{documentID: documentID, userID: userID}]
	return editing, ok
}

// applyRemoteToEditors forwards a committed body to other open editing
// sessions on the same document; dirty sessions keep their local buffer.
func (s *Service) applyRemoteToEditors(documentID, exceptUserID string, body content.Content) {
	s.editMu.Lock()
	defer s.editMu.Unlock()
	for key, editing := range s.editSessions {
		if key.documentID == documentID && key.userID != exceptUserID {
			editing.ApplyRemote(body)
		}
	}
}

// --- helpers ---

func (s *Service) publish(ctx context.Context, documentID string) {
	if s.feed != nil {
		s.feed.Publish(ctx, documentID)
	}
}

func (s *Service) indexDocument(ctx context.Context, doc store.Document) {
	if s.search != nil {
		s.search.IndexDocument(ctx, doc)
	}
}

func (s *Service) deindexDocument(documentID string) {
	if s.search != nil {
		s.search.DeleteDocument(documentID)
	}
}

func (s *Service) invalidateStats(ctx context.Context, ownerID string) {
	if s.stats != nil {
		s.stats.Invalidate(ctx, ownerID)
	}
}

func contains(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

func batchMessage(err error) string {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Message
	}
	return "delete failed"
}

func documentPayload(doc store.Document) map[string]any {
	payload := map[string]any{
		"id":                    doc.ID,
		"title":                 doc.Title,
		"type":                  doc.Type,
		"ownerId":               doc.OwnerID,
		"ownerName":             doc.OwnerName,
		"ownerRole":             doc.OwnerRole,
		"schoolId":              nilIfEmpty(doc.SchoolID),
		"folderId":              doc.FolderID,
		"sharedWith":            doc.SharedWith,
		"sharedPermissions":     doc.SharedPermissions,
		"collaborators":         doc.Collaborators,
		"visibility":            doc.Visibility,
		"version":               doc.Version,
		"content":               contentOrEmpty(doc),
		"sizeBytes":             doc.SizeBytes,
		"fileUrl":               nilIfEmpty(doc.FileURL),
		"createdAt":             doc.CreatedAt.Format(time.RFC3339),
		"updatedAt":             doc.UpdatedAt.Format(time.RFC3339),
		"lastEditedBy":          nilIfEmpty(doc.LastEditedBy),
		"lastEditedAt":          timeOrNil(doc.LastEditedAt),
		"lastAccessedBy":        nilIfEmpty(doc.LastAccessedBy),
		"lastAccessedAt":        timeOrNil(doc.LastAccessedAt),
		"viewCount":             doc.ViewCount,
		"editCount":             doc.EditCount,
		"commentCount":          doc.CommentCount,
		"hasUnresolvedComments": doc.HasUnresolvedComments,
	}
	if doc.Visibility == "public" {
		payload["publicToken"] = doc.PublicToken
		payload["hasLinkPassword"] = doc.LinkPasswordHash != ""
	}
	return payload
}

// publicPayload is the read-only shape served on the public-link path; it
// never exposes sharing or audit details.
func publicPayload(doc store.Document) map[string]any {
	return map[string]any{
		"id":        doc.ID,
		"title":     doc.Title,
		"type":      doc.Type,
		"ownerName": doc.OwnerName,
		"version":   doc.Version,
		"content":   contentOrEmpty(doc),
		"updatedAt": doc.UpdatedAt.Format(time.RFC3339),
		"readOnly":  true,
	}
}

func commentPayload(comment store.Comment) map[string]any {
	return map[string]any{
		"id":         comment.ID,
		"documentId": comment.DocumentID,
		"userId":     comment.UserID,
		"userName":   comment.UserName,
		"content":    comment.Content,
		"resolved":   comment.Resolved,
		"createdAt":  comment.CreatedAt.Format(time.RFC3339),
		"updatedAt":  comment.UpdatedAt.Format(time.RFC3339),
	}
}

func contentOrEmpty(doc store.Document) json.RawMessage {
	if len(doc.Content) > 0 {
		return doc.Content
	}
	raw, err := content.Empty(content.Kind(doc.Type)).Canonical()
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

func nilIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func timeOrNil(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.Format(time.RFC3339)
}
