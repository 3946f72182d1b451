package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureUser(ctx context.Context, name, role, schoolID string) (User, error) {
	const findUser = `SELECT id, display_name, email, role, COALESCE(school_id, '') FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role, &user.SchoolID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	insertUser := `
		INSERT INTO users (display_name, email, role, school_id)
		VALUES ($1, CONCAT(LOWER(REPLACE($1, ' ', '.')), '@local.studyhall.dev'), $2, NULLIF($3, ''))
		RETURNING id, display_name, email, role, COALESCE(school_id, '')
	`
	if err := s.db.QueryRowContext(ctx, insertUser, name, role, schoolID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role, &user.SchoolID); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, role, COALESCE(school_id, ''), created_at
		FROM users WHERE id = $1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role, &user.SchoolID, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

const documentColumns = `
	id, title, doc_type, owner_id, owner_name, owner_role, COALESCE(school_id, ''),
	folder_id, shared_with, shared_permissions, collaborators,
	visibility, COALESCE(public_token, ''), COALESCE(link_password_hash, ''),
	version, COALESCE(content::text, ''), size_bytes, COALESCE(file_url, ''),
	created_at, updated_at,
	COALESCE(last_edited_by, ''), last_edited_at,
	COALESCE(last_accessed_by, ''), last_accessed_at,
	view_count, edit_count, comment_count, has_unresolved_comments
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var item Document
	var sharedWithRaw, sharedPermsRaw, collaboratorsRaw []byte
	var contentRaw string
	err := row.Scan(
		&item.ID, &item.Title, &item.Type, &item.OwnerID, &item.OwnerName, &item.OwnerRole, &item.SchoolID,
		&item.FolderID, &sharedWithRaw, &sharedPermsRaw, &collaboratorsRaw,
		&item.Visibility, &item.PublicToken, &item.LinkPasswordHash,
		&item.Version, &contentRaw, &item.SizeBytes, &item.FileURL,
		&item.CreatedAt, &item.UpdatedAt,
		&item.LastEditedBy, &item.LastEditedAt,
		&item.LastAccessedBy, &item.LastAccessedAt,
		&item.ViewCount, &item.EditCount, &item.CommentCount, &item.HasUnresolvedComments,
	)
	if err != nil {
		return Document{}, err
	}
	item.SharedWith = []string{}
	item.SharedPermissions = map[string]string{}
	item.Collaborators = []string{}
	_ = json.Unmarshal(sharedWithRaw, &item.SharedWith)
	_ = json.Unmarshal(sharedPermsRaw, &item.SharedPermissions)
	_ = json.Unmarshal(collaboratorsRaw, &item.Collaborators)
	if contentRaw != "" {
		item.Content = json.RawMessage(contentRaw)
	}
	return item, nil
}

func encodeList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshal list: %w", err)
	}
	return string(encoded), nil
}

func encodeMap(values map[string]string) (string, error) {
	if values == nil {
		values = map[string]string{}
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("marshal map: %w", err)
	}
	return string(encoded), nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	sharedWith, err := encodeList(item.SharedWith)
	if err != nil {
		return err
	}
	sharedPerms, err := encodeMap(item.SharedPermissions)
	if err != nil {
		return err
	}
	collaborators, err := encodeList(item.Collaborators)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (
			id, title, doc_type, owner_id, owner_name, owner_role, school_id, folder_id,
			shared_with, shared_permissions, collaborators,
			visibility, content, size_bytes, last_edited_by, last_edited_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9::jsonb, $10::jsonb, $11::jsonb, $12, $13::jsonb, $14, $15, NOW())
	`, item.ID, item.Title, item.Type, item.OwnerID, item.OwnerName, item.OwnerRole, item.SchoolID, item.FolderID,
		sharedWith, sharedPerms, collaborators,
		item.Visibility, string(item.Content), item.SizeBytes, item.OwnerID)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = $1`, documentID)
	return scanDocument(row)
}

func (s *PostgresStore) GetDocumentByPublicToken(ctx context.Context, token string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE public_token = $1 AND visibility = 'public'
	`, token)
	return scanDocument(row)
}

func (s *PostgresStore) listDocuments(ctx context.Context, where string, args ...any) ([]Document, error) {
	query := `SELECT ` + documentColumns + ` FROM documents`
	if where != "" {
		query += ` WHERE ` + where
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	return s.listDocuments(ctx, "")
}

func (s *PostgresStore) ListDocumentsBySchool(ctx context.Context, schoolID string) ([]Document, error) {
	return s.listDocuments(ctx, `school_id = $1`, schoolID)
}

func (s *PostgresStore) ListDocumentsByOwner(ctx context.Context, ownerID string) ([]Document, error) {
	return s.listDocuments(ctx, `owner_id = $1`, ownerID)
}

// UpdateDocumentContent persists a save. bump of 0 is a soft save; bump of 1
// advances the version counter. The authoritative resulting version is
// returned so callers can tag the matching snapshot.
func (s *PostgresStore) UpdateDocumentContent(ctx context.Context, documentID string, body json.RawMessage, sizeBytes int64, editedBy string, bump int, newTitle string) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx, `
		UPDATE documents
		SET content = $2::jsonb,
			size_bytes = $3,
			version = version + $4,
			title = CASE WHEN $5 <> '' THEN $5 ELSE title END,
			edit_count = edit_count + 1,
			last_edited_by = $6,
			last_edited_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
		RETURNING version
	`, documentID, string(body), sizeBytes, bump, newTitle, editedBy).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("update document content: %w", err)
	}
	return version, nil
}

func (s *PostgresStore) RenameDocument(ctx context.Context, documentID, title, updatedBy string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET title = $2, last_edited_by = $3, last_edited_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, documentID, title, updatedBy)
	if err != nil {
		return fmt.Errorf("rename document: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) SetDocumentVisibility(ctx context.Context, documentID, visibility, publicToken, linkPasswordHash string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET visibility = $2,
			public_token = NULLIF($3, ''),
			link_password_hash = NULLIF($4, ''),
			updated_at = NOW()
		WHERE id = $1
	`, documentID, visibility, publicToken, linkPasswordHash)
	if err != nil {
		return fmt.Errorf("set document visibility: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) UpdateDocumentSharing(ctx context.Context, documentID string, sharedWith []string, sharedPermissions map[string]string, collaborators []string) error {
	encodedWith, err := encodeList(sharedWith)
	if err != nil {
		return err
	}
	encodedPerms, err := encodeMap(sharedPermissions)
	if err != nil {
		return err
	}
	encodedCollaborators, err := encodeList(collaborators)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET shared_with = $2::jsonb,
			shared_permissions = $3::jsonb,
			collaborators = $4::jsonb,
			updated_at = NOW()
		WHERE id = $1
	`, documentID, encodedWith, encodedPerms, encodedCollaborators)
	if err != nil {
		return fmt.Errorf("update document sharing: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) MoveDocument(ctx context.Context, documentID string, folderID *string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET folder_id = $2, updated_at = NOW() WHERE id = $1
	`, documentID, folderID)
	if err != nil {
		return fmt.Errorf("move document: %w", err)
	}
	return requireRow(result)
}

func (s *PostgresStore) SetDocumentFileURL(ctx context.Context, documentID, fileURL string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents SET file_url = NULLIF($2, ''), updated_at = NOW() WHERE id = $1
	`, documentID, fileURL)
	if err != nil {
		return fmt.Errorf("set document file url: %w", err)
	}
	return requireRow(result)
}

// TouchAccess records the last accessor and, for views, bumps the raw view
// counter. Every view call counts; there is no dedup of rapid repeats.
func (s *PostgresStore) TouchAccess(ctx context.Context, documentID, userID string, incrementView bool) error {
	increment := 0
	if incrementView {
		increment = 1
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET last_accessed_by = $2, last_accessed_at = NOW(), view_count = view_count + $3
		WHERE id = $1
	`, documentID, userID, increment)
	if err != nil {
		return fmt.Errorf("touch access: %w", err)
	}
	return nil
}

// DeleteDocument removes the document and, in the same transaction, its
// comments, activity entries, access entries, and search metadata.
func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"comments", "activity_log", "access_log", "document_search"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE document_id = $1`, documentID); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, documentID)
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if err := requireRow(result); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete tx: %w", err)
	}
	return nil
}

// InsertComment appends a comment and updates the parent document's comment
// counter and unresolved flag in one transaction.
func (s *PostgresStore) InsertComment(ctx context.Context, item Comment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin comment tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO comments (id, document_id, user_id, user_name, body, resolved)
		VALUES ($1, $2, $3, $4, $5, FALSE)
	`, item.ID, item.DocumentID, item.UserID, item.UserName, item.Content); err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET comment_count = comment_count + 1, has_unresolved_comments = TRUE, updated_at = NOW()
		WHERE id = $1
	`, item.DocumentID)
	if err != nil {
		return fmt.Errorf("update comment counters: %w", err)
	}
	if err := requireRow(result); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit comment tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (Comment, error) {
	var item Comment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, user_id, user_name, body, resolved, created_at, updated_at
		FROM comments WHERE id = $1
	`, commentID).Scan(&item.ID, &item.DocumentID, &item.UserID, &item.UserName, &item.Content, &item.Resolved, &item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return Comment{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListComments(ctx context.Context, documentID string) ([]Comment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, user_id, user_name, body, resolved, created_at, updated_at
		FROM comments
		WHERE document_id = $1
		ORDER BY created_at DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]Comment, 0)
	for rows.Next() {
		var item Comment
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.UserID, &item.UserName, &item.Content, &item.Resolved, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

// SetCommentResolved toggles a comment and recomputes the parent document's
// unresolved flag from the remaining open comments, not by decrement.
func (s *PostgresStore) SetCommentResolved(ctx context.Context, commentID string, resolved bool) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin resolve tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var documentID string
	err = tx.QueryRowContext(ctx, `
		UPDATE comments SET resolved = $2, updated_at = NOW() WHERE id = $1
		RETURNING document_id
	`, commentID, resolved).Scan(&documentID)
	if err != nil {
		return "", err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE documents
		SET has_unresolved_comments = EXISTS(
			SELECT 1 FROM comments WHERE document_id = $1 AND resolved = FALSE
		)
		WHERE id = $1
	`, documentID); err != nil {
		return "", fmt.Errorf("recompute unresolved flag: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit resolve tx: %w", err)
	}
	return documentID, nil
}

func (s *PostgresStore) InsertActivity(ctx context.Context, entry ActivityEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (document_id, user_id, user_name, action, details)
		VALUES ($1, $2, $3, $4, $5)
	`, entry.DocumentID, entry.UserID, entry.UserName, entry.Action, entry.Details)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListActivity(ctx context.Context, documentID string, limit int) ([]ActivityEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, user_id, user_name, action, COALESCE(details, ''), created_at
		FROM activity_log
		WHERE document_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	items := make([]ActivityEntry, 0)
	for rows.Next() {
		var item ActivityEntry
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.UserID, &item.UserName, &item.Action, &item.Details, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertAccess(ctx context.Context, entry AccessEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO access_log (document_id, user_id, action, device, ip)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''))
	`, entry.DocumentID, entry.UserID, entry.Action, entry.Device, entry.IP)
	if err != nil {
		return fmt.Errorf("insert access: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAccess(ctx context.Context, documentID string, limit int) ([]AccessEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, user_id, action, COALESCE(device, ''), COALESCE(ip, ''), created_at
		FROM access_log
		WHERE document_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, documentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list access: %w", err)
	}
	defer rows.Close()

	items := make([]AccessEntry, 0)
	for rows.Next() {
		var item AccessEntry
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.UserID, &item.Action, &item.Device, &item.IP, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan access: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate access: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpsertSearchMeta(ctx context.Context, meta SearchMeta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO document_search (document_id, title_lower, description_lower, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (document_id) DO UPDATE
		SET title_lower = EXCLUDED.title_lower,
			description_lower = EXCLUDED.description_lower,
			updated_at = NOW()
	`, meta.DocumentID, meta.TitleLower, meta.DescriptionLower)
	if err != nil {
		return fmt.Errorf("upsert search meta: %w", err)
	}
	return nil
}

func requireRow(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
