package app

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"collab/api/internal/auth"
	"collab/api/internal/collab"
	"collab/api/internal/rbac"
	"collab/api/internal/search"
)

// sessionSocket serves the live connection of one user to one session.
type sessionSocket interface {
	ServeSession(w http.ResponseWriter, r *http.Request, sessionID collab.SessionID, userID collab.UserID, role rbac.Role)
	Clients() int
}

type HTTPServer struct {
	service    *Service
	secret     []byte
	corsOrigin string
	logger     zerolog.Logger
	socket     sessionSocket
}

func NewHTTPServer(service *Service, secret []byte, corsOrigin string, logger zerolog.Logger) *HTTPServer {
	return &HTTPServer{service: service, secret: secret, corsOrigin: corsOrigin, logger: logger}
}

// WithSocket enables GET /api/sessions/{id}/ws.
func (s *HTTPServer) WithSocket(socket sessionSocket) *HTTPServer {
	s.socket = socket
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
		stats := s.service.PresenceStats()
		live := map[string]any{
			"connections": stats.Connections,
			"sessions":    stats.Sessions,
			"users":       stats.Users,
		}
		if s.socket != nil {
			live["sockets"] = s.socket.Clients()
		}
		checks["presence"] = live
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/sessions":
		s.handleStartSession(w, r, userID)
		return
	case r.Method == http.MethodGet && r.URL.Path == "/api/me/sessions":
		sessions, err := s.service.ListUserSessions(r.Context(), userID, queryBool(r, "active"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"sessions": presentSessions(sessions)})
		return
	case r.Method == http.MethodGet && r.URL.Path == "/api/comments/search":
		s.handleSearch(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/api/comments":
		s.handleCreateComment(w, r, userID)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 3 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	switch parts[1] {
	case "sessions":
		sessionID, err := collab.ParseID("sessionId", parts[2])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		action := ""
		if len(parts) == 4 {
			action = parts[3]
		}
		if len(parts) > 4 {
			break
		}
		s.handleSession(w, r, userID, sessionID, action)
		return
	case "resources":
		if len(parts) != 5 {
			break
		}
		resourceType, err := collab.ParseResourceType(parts[2])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		resourceID, err := collab.ParseID("resourceId", parts[3])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.handleResource(w, r, resourceType, resourceID, parts[4])
		return
	case "comments":
		commentID, err := collab.ParseID("commentId", parts[2])
		if err != nil {
			s.fail(w, r, err)
			return
		}
		action := ""
		if len(parts) == 4 {
			action = parts[3]
		}
		if len(parts) > 4 {
			break
		}
		s.handleComment(w, r, userID, commentID, action)
		return
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleStartSession(w http.ResponseWriter, r *http.Request, userID collab.UserID) {
	var body startSessionRequest
	if !s.decodeValid(w, r, &body) {
		return
	}
	resourceType, resourceID, role, err := body.parse()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	session, err := s.service.StartSession(r.Context(), userID, resourceType, resourceID, role)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": presentSession(*session)})
}

func (s *HTTPServer) handleSession(w http.ResponseWriter, r *http.Request, userID collab.UserID, sessionID collab.SessionID, action string) {
	ctx := r.Context()
	switch {
	case action == "" && r.Method == http.MethodGet:
		session, err := s.service.GetSession(ctx, sessionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": presentSession(*session)})

	case action == "" && r.Method == http.MethodDelete:
		if err := s.service.DeleteSession(ctx, userID, sessionID); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})

	case action == "join" && r.Method == http.MethodPost:
		var body joinSessionRequest
		if !s.decodeValid(w, r, &body) {
			return
		}
		role, err := parseRole(body.Role, rbac.RoleViewer)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		session, added, err := s.service.JoinSession(ctx, userID, sessionID, role)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": presentSession(*session), "joined": added})

	case action == "leave" && r.Method == http.MethodPost:
		session, ended, err := s.service.LeaveSession(ctx, userID, sessionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": presentSession(*session), "ended": ended})

	case action == "end" && r.Method == http.MethodPost:
		session, err := s.service.EndSession(ctx, userID, sessionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": presentSession(*session)})

	case action == "participants" && r.Method == http.MethodGet:
		participants, err := s.service.ListParticipants(ctx, sessionID, queryBool(r, "active"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"participants": presentParticipants(participants)})

	case action == "changes" && r.Method == http.MethodGet:
		var since *time.Time
		if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
			parsed, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "since must be an RFC 3339 timestamp", nil)
				return
			}
			since = &parsed
		}
		changes, err := s.service.ChangesSince(ctx, sessionID, since)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"changes": presentChanges(changes)})

	case action == "changes" && r.Method == http.MethodPost:
		var body recordChangeRequest
		if !s.decodeValid(w, r, &body) {
			return
		}
		input, err := body.parse()
		if err != nil {
			s.fail(w, r, err)
			return
		}
		change, err := s.service.RecordChange(ctx, userID, sessionID, input)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"change": presentChange(*change)})

	case action == "comments" && r.Method == http.MethodGet:
		threads, err := s.service.ListSessionComments(ctx, sessionID, queryBool(r, "includeDeleted"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"threads": presentThreads(threads)})

	case action == "presence" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"presence": presentPresence(s.service.SessionPresence(sessionID))})

	case action == "events" && r.Method == http.MethodGet:
		limit, ok := queryInt(w, r, "limit", 50)
		if !ok {
			return
		}
		events, err := s.service.RecentEvents(ctx, sessionID, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"events": nonNilEvents(events)})

	case action == "archive" && r.Method == http.MethodGet:
		snapshot, err := s.service.SessionArchive(ctx, sessionID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"archive": snapshot})

	case action == "ws" && r.Method == http.MethodGet:
		if s.socket == nil {
			writeError(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Realtime is disabled", nil)
			return
		}
		role, err := parseRole(r.URL.Query().Get("role"), rbac.RoleViewer)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		s.socket.ServeSession(w, r, sessionID, userID, role)

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleResource(w http.ResponseWriter, r *http.Request, resourceType collab.ResourceType, resourceID collab.ResourceID, action string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	ctx := r.Context()
	switch action {
	case "session":
		session, err := s.service.GetActiveSession(ctx, resourceType, resourceID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": presentSession(*session)})
	case "comments":
		threads, err := s.service.ListResourceComments(ctx, resourceType, resourceID, queryBool(r, "includeDeleted"))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"threads": presentThreads(threads)})
	case "archives":
		limit, ok := queryInt(w, r, "limit", 20)
		if !ok {
			return
		}
		history, err := s.service.ArchiveHistory(ctx, resourceType, resourceID, limit)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"archives": history})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleCreateComment(w http.ResponseWriter, r *http.Request, userID collab.UserID) {
	var body createCommentRequest
	if !s.decodeValid(w, r, &body) {
		return
	}
	input, err := body.parse()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	comment, err := s.service.CreateComment(r.Context(), userID, input)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"comment": presentComment(*comment)})
}

func (s *HTTPServer) handleComment(w http.ResponseWriter, r *http.Request, userID collab.UserID, commentID collab.CommentID, action string) {
	ctx := r.Context()
	switch {
	case action == "" && r.Method == http.MethodPatch:
		var body commentTextRequest
		if !s.decodeValid(w, r, &body) {
			return
		}
		comment, err := s.service.UpdateComment(ctx, userID, commentID, body.Text)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"comment": presentComment(*comment)})

	case action == "" && r.Method == http.MethodDelete:
		comment, err := s.service.DeleteComment(ctx, userID, commentID)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"comment": presentComment(*comment)})

	case action == "replies" && r.Method == http.MethodPost:
		var body commentTextRequest
		if !s.decodeValid(w, r, &body) {
			return
		}
		reply, err := s.service.ReplyToComment(ctx, userID, commentID, body.Text)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"comment": presentComment(*reply)})

	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := search.Query{
		Text:       strings.TrimSpace(query.Get("q")),
		ResourceID: strings.TrimSpace(query.Get("resourceId")),
		SessionID:  strings.TrimSpace(query.Get("sessionId")),
	}
	if raw := strings.TrimSpace(query.Get("resourceType")); raw != "" {
		resourceType, err := collab.ParseResourceType(raw)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		q.ResourceType = resourceType
	}
	var ok bool
	if q.Limit, ok = queryInt(w, r, "limit", 20); !ok {
		return
	}
	if q.Offset, ok = queryInt(w, r, "offset", 0); !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.service.SearchComments(r.Context(), q))
}

// requireUser authenticates the bearer token. Browsers cannot set headers on
// a websocket handshake, so access_token is accepted as a query parameter too.
func (s *HTTPServer) requireUser(w http.ResponseWriter, r *http.Request) (collab.UserID, bool) {
	token, ok := auth.BearerToken(r.Header.Get("Authorization"))
	if !ok {
		token = strings.TrimSpace(r.URL.Query().Get("access_token"))
	}
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return collab.UserID{}, false
	}
	claims, err := auth.ParseToken(s.secret, token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return collab.UserID{}, false
	}
	userID, err := claims.UserID()
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return collab.UserID{}, false
	}
	return userID, true
}

func (s *HTTPServer) decodeValid(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeBody(r, target); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return false
	}
	if err := validateRequest(target); err != nil {
		s.fail(w, r, err)
		return false
	}
	return true
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		logger := s.logger.With().Str("request_id", requestID).Logger()
		r = r.WithContext(logger.WithContext(r.Context()))

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", writer.status).
			Int64("duration_ms", time.Since(started).Milliseconds()).
			Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Hijack lets the websocket upgrader take over the connection.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hijacker.Hijack()
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryBool(r *http.Request, name string) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get(name)))
	return err == nil && value
}

func queryInt(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", name+" must be a non-negative integer", nil)
		return 0, false
	}
	return parsed, true
}
