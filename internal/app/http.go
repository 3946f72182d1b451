package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"studyhall/api/internal/auth"
	"studyhall/api/internal/export"
	"studyhall/api/internal/history"
	"studyhall/api/internal/store"
)

const maxAttachmentMemory = 32 << 20

type HTTPServer struct {
	service *Service
}

func NewHTTPServer(service *Service, corsOrigin string) http.Handler {
	s := &HTTPServer{service: service}
	return withMiddleware(http.HandlerFunc(s.handle), corsOrigin)
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(r.URL.Path)
	if len(parts) == 0 || parts[0] != "api" {
		writeError(w, notFound("unknown route"))
		return
	}
	parts = parts[1:]

	switch {
	case len(parts) == 1 && parts[0] == "health":
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	case len(parts) == 1 && parts[0] == "ready":
		s.handleReady(w, r)
	case len(parts) == 2 && parts[0] == "session" && parts[1] == "login" && r.Method == http.MethodPost:
		s.handleLogin(w, r)
	case len(parts) == 1 && parts[0] == "session" && r.Method == http.MethodGet:
		s.handleSession(w, r)
	case len(parts) == 1 && parts[0] == "search" && r.Method == http.MethodGet:
		s.handleSearch(w, r)
	case len(parts) == 3 && parts[0] == "documents" && parts[1] == "public" && r.Method == http.MethodGet:
		s.handlePublicDocument(w, r, parts[2])
	case len(parts) >= 1 && parts[0] == "documents":
		s.handleDocuments(w, r, parts[1:])
	default:
		writeError(w, notFound("unknown route"))
	}
}

func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, parts []string) {
	session, err := s.requireSession(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if len(parts) == 0 {
		switch r.Method {
		case http.MethodGet:
			s.handleListDocuments(w, r, session)
		case http.MethodPost:
			s.handleCreateDocument(w, r, session)
		default:
			writeError(w, domainError(http.StatusMethodNotAllowed, "VALIDATION_ERROR", "method not allowed", nil))
		}
		return
	}

	if len(parts) == 1 {
		switch parts[0] {
		case "stats":
			s.handleStatistics(w, r, session)
			return
		case "batch-delete":
			s.handleBatchDelete(w, r, session)
			return
		case "feed":
			s.handleFeed(w, r, session)
			return
		}
	}

	documentID := parts[0]
	rest := parts[1:]

	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.GetDocument(r.Context(), session, documentID, requestMeta(r))
			s.respond(w, payload, err)
		case http.MethodDelete:
			if err := s.service.DeleteDocument(r.Context(), session, documentID); err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
		default:
			writeError(w, domainError(http.StatusMethodNotAllowed, "VALIDATION_ERROR", "method not allowed", nil))
		}
		return
	}

	switch rest[0] {
	case "content":
		if r.Method != http.MethodPut {
			writeError(w, domainError(http.StatusMethodNotAllowed, "VALIDATION_ERROR", "method not allowed", nil))
			return
		}
		var input SaveDocumentInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, err)
			return
		}
		payload, err := s.service.SaveDocument(r.Context(), session, documentID, input)
		s.respond(w, payload, err)
	case "rename":
		var input struct {
			Title string `json:"title"`
		}
		if err := decodeBody(r, &input); err != nil {
			writeError(w, err)
			return
		}
		payload, err := s.service.RenameDocument(r.Context(), session, documentID, input.Title)
		s.respond(w, payload, err)
	case "visibility":
		var input VisibilityInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, err)
			return
		}
		payload, err := s.service.SetVisibility(r.Context(), session, documentID, input)
		s.respond(w, payload, err)
	case "share":
		var input ShareInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, err)
			return
		}
		payload, err := s.service.ShareDocument(r.Context(), session, documentID, input)
		s.respond(w, payload, err)
	case "unshare":
		var input struct {
			UserID string `json:"userId"`
		}
		if err := decodeBody(r, &input); err != nil {
			writeError(w, err)
			return
		}
		payload, err := s.service.RevokeShare(r.Context(), session, documentID, input.UserID)
		s.respond(w, payload, err)
	case "move":
		var input struct {
			FolderID string `json:"folderId"`
		}
		if err := decodeBody(r, &input); err != nil {
			writeError(w, err)
			return
		}
		payload, err := s.service.MoveDocument(r.Context(), session, documentID, input.FolderID)
		s.respond(w, payload, err)
	case "comments":
		s.handleComments(w, r, session, documentID, rest[1:])
	case "activity":
		items, err := s.service.ListActivity(r.Context(), session, documentID, queryInt(r, "limit", 50))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"activity": items})
	case "access":
		items, err := s.service.ListAccessTrail(r.Context(), session, documentID, queryInt(r, "limit", 50))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"access": items})
	case "versions":
		s.handleVersions(w, r, session, documentID, rest[1:])
	case "export":
		s.handleExport(w, r, session, documentID)
	case "attachment":
		s.handleAttachment(w, r, session, documentID)
	case "ai-review":
		payload, err := s.service.RequestAIReview(r.Context(), session, documentID)
		s.respond(w, payload, err)
	case "editing":
		s.handleEditing(w, r, session, documentID, rest[1:])
	default:
		writeError(w, notFound("unknown route"))
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.service.Ping(ctx); err != nil {
		writeError(w, domainError(http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "database is not reachable", nil))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var input struct {
		Name     string `json:"name"`
		Role     string `json:"role"`
		SchoolID string `json:"schoolId"`
	}
	if err := decodeBody(r, &input); err != nil {
		writeError(w, err)
		return
	}
	session, err := s.service.Login(r.Context(), input.Name, input.Role, input.SchoolID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.requireSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	session, err := s.requireSession(r)
	if err != nil {
		writeError(w, err)
		return
	}
	query := r.URL.Query()
	response, err := s.service.Search(r.Context(), session, query.Get("q"), query.Get("type"), queryInt(r, "limit", 20), queryInt(r, "offset", 0))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleListDocuments(w http.ResponseWriter, r *http.Request, session Session) {
	items, err := s.service.ListDocuments(r.Context(), session)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": items})
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request, session Session) {
	var input CreateDocumentInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, err)
		return
	}
	payload, err := s.service.CreateDocument(r.Context(), session, input)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, payload)
}

func (s *HTTPServer) handleStatistics(w http.ResponseWriter, r *http.Request, session Session) {
	statistics, err := s.service.Statistics(r.Context(), session, r.URL.Query().Get("ownerId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statistics)
}

func (s *HTTPServer) handleBatchDelete(w http.ResponseWriter, r *http.Request, session Session) {
	var input struct {
		DocumentIDs []string `json:"documentIds"`
	}
	if err := decodeBody(r, &input); err != nil {
		writeError(w, err)
		return
	}
	if len(input.DocumentIDs) == 0 {
		writeError(w, validationError("documentIds is required"))
		return
	}
	result := s.service.BatchDelete(r.Context(), session, input.DocumentIDs)
	status := http.StatusOK
	payload := map[string]any{
		"success": result.Success,
		"failed":  result.Failed,
		"errors":  result.Errors,
	}
	if result.Failed > 0 {
		status = http.StatusMultiStatus
		payload["code"] = "PARTIAL_BATCH_FAILURE"
	}
	writeJSON(w, status, payload)
}

// handleFeed streams the viewer's filtered document list as server-sent
// events: a full snapshot immediately and again after every change.
func (s *HTTPServer) handleFeed(w http.ResponseWriter, r *http.Request, session Session) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, domainError(http.StatusInternalServerError, "STORE_UNAVAILABLE", "streaming unsupported", nil))
		return
	}

	events := make(chan []byte, 4)
	errs := make(chan error, 1)
	ctx := r.Context()
	cancel, err := s.service.SubscribeDocuments(ctx, session,
		func(docs []store.Document) {
			items := make([]map[string]any, 0, len(docs))
			for _, doc := range docs {
				items = append(items, documentPayload(doc))
			}
			raw, err := json.Marshal(map[string]any{"documents": items})
			if err != nil {
				return
			}
			select {
			case events <- raw:
			case <-ctx.Done():
			}
		},
		func(err error) {
			log.Printf("feed subscription for %s: %v", session.UserID, err)
			select {
			case errs <- err:
			default:
			}
		})
	if err != nil {
		writeError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(25 * time.Second)
	defer keepalive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-events:
			fmt.Fprintf(w, "event: documents\ndata: %s\n\n", raw)
			flusher.Flush()
		case <-errs:
			// subscription is dead, no auto-resubscribe: tell the client
			// and close so it can reconnect
			fmt.Fprint(w, "event: error\ndata: {\"code\":\"STORE_UNAVAILABLE\"}\n\n")
			flusher.Flush()
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		}
	}
}

// handlePublicDocument serves public-link reads without a session; the
// optional link password arrives in a header.
func (s *HTTPServer) handlePublicDocument(w http.ResponseWriter, r *http.Request, token string) {
	payload, err := s.service.ResolvePublicDocument(r.Context(), token, r.Header.Get("X-Link-Password"), requestMeta(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) handleComments(w http.ResponseWriter, r *http.Request, session Session, documentID string, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			items, err := s.service.ListComments(r.Context(), session, documentID)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"comments": items})
		case http.MethodPost:
			var input struct {
				Content string `json:"content"`
			}
			if err := decodeBody(r, &input); err != nil {
				writeError(w, err)
				return
			}
			payload, err := s.service.AddComment(r.Context(), session, documentID, input.Content)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, payload)
		default:
			writeError(w, domainError(http.StatusMethodNotAllowed, "VALIDATION_ERROR", "method not allowed", nil))
		}
		return
	}
	if len(rest) == 2 && r.Method == http.MethodPost {
		switch rest[1] {
		case "resolve":
			payload, err := s.service.SetCommentResolved(r.Context(), session, documentID, rest[0], true)
			s.respond(w, payload, err)
			return
		case "reopen":
			payload, err := s.service.SetCommentResolved(r.Context(), session, documentID, rest[0], false)
			s.respond(w, payload, err)
			return
		}
	}
	writeError(w, notFound("unknown route"))
}

func (s *HTTPServer) handleVersions(w http.ResponseWriter, r *http.Request, session Session, documentID string, rest []string) {
	if len(rest) == 0 {
		items, err := s.service.ListVersions(r.Context(), session, documentID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"versions": items})
		return
	}
	version, err := strconv.Atoi(rest[0])
	if err != nil || version < 1 {
		writeError(w, validationError("version must be a positive integer"))
		return
	}
	payload, err := s.service.GetVersion(r.Context(), session, documentID, version)
	s.respond(w, payload, err)
}

func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request, session Session, documentID string) {
	result, err := s.service.ExportPDF(r.Context(), session, documentID, requestMeta(r))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", result.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(result.Data)
}

func (s *HTTPServer) handleAttachment(w http.ResponseWriter, r *http.Request, session Session, documentID string) {
	switch r.Method {
	case http.MethodPost:
		if err := r.ParseMultipartForm(maxAttachmentMemory); err != nil {
			writeError(w, validationError("multipart form required"))
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, validationError("file field is required"))
			return
		}
		defer file.Close()
		payload, err := s.service.UploadAttachment(r.Context(), session, documentID, header.Filename, header.Header.Get("Content-Type"), file, header.Size)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, payload)
	case http.MethodDelete:
		if err := s.service.DeleteAttachment(r.Context(), session, documentID, r.URL.Query().Get("filename")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": true})
	default:
		writeError(w, domainError(http.StatusMethodNotAllowed, "VALIDATION_ERROR", "method not allowed", nil))
	}
}

func (s *HTTPServer) handleEditing(w http.ResponseWriter, r *http.Request, session Session, documentID string, rest []string) {
	if len(rest) == 0 && r.Method == http.MethodPut {
		var input SaveDocumentInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, err)
			return
		}
		payload, err := s.service.UpdateEditing(r.Context(), session, documentID, input)
		s.respond(w, payload, err)
		return
	}
	if len(rest) == 1 && r.Method == http.MethodPost {
		switch rest[0] {
		case "start":
			payload, err := s.service.StartEditing(r.Context(), session, documentID)
			s.respond(w, payload, err)
			return
		case "flush":
			payload, err := s.service.FlushEditing(r.Context(), session, documentID)
			s.respond(w, payload, err)
			return
		case "stop":
			payload, err := s.service.StopEditing(r.Context(), session, documentID)
			s.respond(w, payload, err)
			return
		}
	}
	writeError(w, notFound("unknown route"))
}

func (s *HTTPServer) respond(w http.ResponseWriter, payload map[string]any, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) requireSession(r *http.Request) (Session, error) {
	token := bearerToken(r)
	if token == "" {
		// EventSource cannot set headers
		token = r.URL.Query().Get("token")
	}
	if token == "" {
		return Session{}, domainError(http.StatusUnauthorized, "PERMISSION_DENIED", "missing bearer token", nil)
	}
	return s.service.SessionFromToken(r.Context(), token)
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":     session.Token,
		"userId":    session.UserID,
		"userName":  session.UserName,
		"role":      session.Role,
		"schoolId":  nilIfEmpty(session.SchoolID),
		"expiresAt": session.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

func requestMeta(r *http.Request) AccessMeta {
	ip := r.Header.Get("X-Forwarded-For")
	if ip == "" {
		ip = r.RemoteAddr
	}
	if comma := strings.Index(ip, ","); comma >= 0 {
		ip = strings.TrimSpace(ip[:comma])
	}
	return AccessMeta{
		Device: r.Header.Get("User-Agent"),
		IP:     ip,
	}
}

func queryInt(r *http.Request, key string, fallback int) int {
	value := r.URL.Query().Get(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}

// --- plumbing ---

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

func decodeBody(r *http.Request, target any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return validationError("invalid JSON body: " + err.Error())
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	domainErr := mapError(err)
	body := map[string]any{
		"error": map[string]any{
			"code":    domainErr.Code,
			"message": domainErr.Message,
		},
	}
	if domainErr.Details != nil {
		body["error"].(map[string]any)["details"] = domainErr.Details
	}
	writeJSON(w, domainErr.Status, body)
}

// mapError flattens any error into the wire taxonomy.
func mapError(err error) *DomainError {
	var domainErr *DomainError
	switch {
	case errors.As(err, &domainErr):
		return domainErr
	case errors.Is(err, sql.ErrNoRows):
		return notFound("not found")
	case errors.Is(err, history.ErrVersionNotFound):
		return notFound("version not found")
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return domainError(http.StatusUnauthorized, "PERMISSION_DENIED", "invalid or expired token", nil)
	case errors.Is(err, export.ErrPDFDependencyMissing):
		return domainError(http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "pdf renderer is not available", nil)
	default:
		log.Printf("internal error: %v", err)
		return domainError(http.StatusInternalServerError, "STORE_UNAVAILABLE", "internal error", nil)
	}
}

// --- middleware ---

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func withMiddleware(next http.Handler, corsOrigin string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := randomRequestID()

		setCORSHeaders(w, corsOrigin)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		line, _ := json.Marshal(map[string]any{
			"requestId": requestID,
			"method":    r.Method,
			"path":      r.URL.Path,
			"status":    recorder.status,
			"durMs":     time.Since(start).Milliseconds(),
		})
		log.Printf("%s", line)
	})
}

func setCORSHeaders(w http.ResponseWriter, origin string) {
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Link-Password")
}

func randomRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(buf)
}
