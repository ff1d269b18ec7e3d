package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/noteledger/backend/internal/notes"
	"github.com/noteledger/backend/internal/users"
	"go.uber.org/zap"
)

const userIDContextKey = "noteledger_user_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingUserRegistry  = errors.New("user registry dependency required")
	errMissingNotesService  = errors.New("notes service dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// TokenManager issues bearer tokens at login and validates them on protected
// routes.
type TokenManager interface {
	IssueToken(ctx context.Context, subject string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// UserRegistry handles account registration and credential checks.
type UserRegistry interface {
	Register(ctx context.Context, username, email, password string) (users.User, error)
	Authenticate(ctx context.Context, username, password string) (users.User, error)
}

// Dependencies wires the handler to its collaborating services.
type Dependencies struct {
	TokenManager TokenManager
	UserRegistry UserRegistry
	NotesService *notes.Service
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router with all note, version, and auth routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.UserRegistry == nil {
		return nil, errMissingUserRegistry
	}
	if deps.NotesService == nil {
		return nil, errMissingNotesService
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		tokens:       deps.TokenManager,
		userRegistry: deps.UserRegistry,
		notesService: deps.NotesService,
		logger:       logger,
	}

	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/login", handler.handleLogin)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/notes", handler.handleCreateNote)
	protected.GET("/notes", handler.handleListNotes)
	protected.GET("/notes/search", handler.handleSearchNotes)
	protected.GET("/notes/:id", handler.handleGetNote)
	protected.PUT("/notes/:id", handler.handleEditNote)
	protected.DELETE("/notes/:id", handler.handleDeleteNote)
	protected.POST("/notes/:id/collaborators", handler.handleAddCollaborator)
	protected.DELETE("/notes/:id/collaborators/:userID", handler.handleRemoveCollaborator)
	protected.GET("/notes/:id/logs", handler.handleListLogs)
	protected.GET("/versions/:id", handler.handleListVersions)
	protected.GET("/versions/:id/:number", handler.handleGetVersion)
	protected.POST("/versions/:id/restore/:number", handler.handleRestoreVersion)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	tokens       TokenManager
	userRegistry UserRegistry
	notesService *notes.Service
	logger       *zap.Logger
}

type registerRequestPayload struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userResponsePayload struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	user, err := h.userRegistry.Register(c.Request.Context(), request.Username, request.Email, request.Password)
	if err != nil {
		switch {
		case errors.Is(err, users.ErrUsernameTaken):
			c.JSON(http.StatusBadRequest, gin.H{"error": "username_taken"})
		case errors.Is(err, users.ErrEmailTaken):
			c.JSON(http.StatusBadRequest, gin.H{"error": "email_taken"})
		case errors.Is(err, users.ErrInvalidInput):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		default:
			h.logger.Error("registration failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registration_failed"})
		}
		return
	}

	c.JSON(http.StatusCreated, userResponsePayload{
		ID:       user.ID,
		Username: user.Username,
		Email:    user.Email,
	})
}

type loginRequestPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Username) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	user, err := h.userRegistry.Authenticate(c.Request.Context(), request.Username, request.Password)
	if err != nil {
		if errors.Is(err, users.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
			return
		}
		h.logger.Error("authentication failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), strconv.FormatUint(uint64(user.ID), 10))
	if err != nil {
		h.logger.Error("failed to issue token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, loginResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	userID, err := strconv.ParseUint(subject, 10, 64)
	if err != nil || userID == 0 {
		h.logger.Warn("token subject is not a user id", zap.String("subject", subject))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, uint(userID))
	c.Next()
}

func (h *httpHandler) currentUserID(c *gin.Context) (uint, bool) {
	value, exists := c.Get(userIDContextKey)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return 0, false
	}
	userID, ok := value.(uint)
	if !ok || userID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return 0, false
	}
	return userID, true
}

func noteIDParam(c *gin.Context) (uint, bool) {
	raw, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || raw == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return 0, false
	}
	return uint(raw), true
}

type notePayload struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

type noteResponsePayload struct {
	ID        uint      `json:"id"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	OwnerID   uint      `json:"owner_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func renderNote(note notes.Note) noteResponsePayload {
	return noteResponsePayload{
		ID:        note.ID,
		Title:     note.Title,
		Content:   note.Content,
		OwnerID:   note.OwnerID,
		CreatedAt: note.CreatedAt,
		UpdatedAt: note.UpdatedAt,
	}
}

func renderNotes(items []notes.Note) []noteResponsePayload {
	payloads := make([]noteResponsePayload, 0, len(items))
	for _, note := range items {
		payloads = append(payloads, renderNote(note))
	}
	return payloads
}

// parseNotePayload validates the request body; blank titles and content never
// reach the service layer.
func parseNotePayload(c *gin.Context) (notes.Title, notes.Content, bool) {
	var request notePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return "", "", false
	}
	title, err := notes.NewTitle(request.Title)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_title"})
		return "", "", false
	}
	content, err := notes.NewContent(request.Content)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_content"})
		return "", "", false
	}
	return title, content, true
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}
	title, content, ok := parseNotePayload(c)
	if !ok {
		return
	}

	note, err := h.notesService.Create(c.Request.Context(), userID, title, content)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, renderNote(note))
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}

	items, err := h.notesService.List(c.Request.Context(), userID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notes": renderNotes(items)})
}

func (h *httpHandler) handleSearchNotes(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}
	term := strings.TrimSpace(c.Query("q"))
	if term == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_query"})
		return
	}

	items, err := h.notesService.Search(c.Request.Context(), userID, term)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notes": renderNotes(items)})
}

func (h *httpHandler) handleGetNote(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}
	noteID, ok := noteIDParam(c)
	if !ok {
		return
	}

	note, err := h.notesService.Get(c.Request.Context(), noteID, userID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderNote(note))
}

func (h *httpHandler) handleEditNote(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}
	noteID, ok := noteIDParam(c)
	if !ok {
		return
	}
	title, content, ok := parseNotePayload(c)
	if !ok {
		return
	}

	note, err := h.notesService.Edit(c.Request.Context(), noteID, userID, title, content)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderNote(note))
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}
	noteID, ok := noteIDParam(c)
	if !ok {
		return
	}

	if err := h.notesService.Delete(c.Request.Context(), noteID, userID); err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "note deleted"})
}

type collaboratorRequestPayload struct {
	Username string `json:"username"`
}

func (h *httpHandler) handleAddCollaborator(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}
	noteID, ok := noteIDParam(c)
	if !ok {
		return
	}
	var request collaboratorRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Username) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	err := h.notesService.AddCollaborator(c.Request.Context(), noteID, userID, request.Username)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "collaborator added"})
}

func (h *httpHandler) handleRemoveCollaborator(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}
	noteID, ok := noteIDParam(c)
	if !ok {
		return
	}
	rawTarget, err := strconv.ParseUint(c.Param("userID"), 10, 64)
	if err != nil || rawTarget == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}

	err = h.notesService.RemoveCollaborator(c.Request.Context(), noteID, userID, uint(rawTarget))
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "collaborator removed"})
}

type activityLogPayload struct {
	ID        string    `json:"id"`
	NoteID    uint      `json:"note_id"`
	UserID    uint      `json:"user_id"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *httpHandler) handleListLogs(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}
	noteID, ok := noteIDParam(c)
	if !ok {
		return
	}

	logs, err := h.notesService.ListLogs(c.Request.Context(), noteID, userID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	payloads := make([]activityLogPayload, 0, len(logs))
	for _, entry := range logs {
		payloads = append(payloads, activityLogPayload{
			ID:        entry.ID,
			NoteID:    entry.NoteID,
			UserID:    entry.UserID,
			Action:    string(entry.Action),
			Timestamp: entry.Timestamp,
		})
	}
	c.JSON(http.StatusOK, gin.H{"logs": payloads})
}

type versionPayload struct {
	ID              string    `json:"id"`
	NoteID          uint      `json:"note_id"`
	VersionNumber   int64     `json:"version_number"`
	ContentSnapshot string    `json:"content_snapshot"`
	EditorID        uint      `json:"editor_id"`
	Timestamp       time.Time `json:"timestamp"`
}

func renderVersion(version notes.Version) versionPayload {
	return versionPayload{
		ID:              version.ID,
		NoteID:          version.NoteID,
		VersionNumber:   version.VersionNumber,
		ContentSnapshot: version.ContentSnapshot,
		EditorID:        version.EditorID,
		Timestamp:       version.Timestamp,
	}
}

func (h *httpHandler) handleListVersions(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}
	noteID, ok := noteIDParam(c)
	if !ok {
		return
	}

	versions, err := h.notesService.ListVersions(c.Request.Context(), noteID, userID)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}

	payloads := make([]versionPayload, 0, len(versions))
	for _, version := range versions {
		payloads = append(payloads, renderVersion(version))
	}
	c.JSON(http.StatusOK, gin.H{"versions": payloads})
}

func versionNumberParam(c *gin.Context) (int64, bool) {
	number, err := strconv.ParseInt(c.Param("number"), 10, 64)
	if err != nil || number <= 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return 0, false
	}
	return number, true
}

func (h *httpHandler) handleGetVersion(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}
	noteID, ok := noteIDParam(c)
	if !ok {
		return
	}
	number, ok := versionNumberParam(c)
	if !ok {
		return
	}

	version, err := h.notesService.GetVersion(c.Request.Context(), noteID, userID, number)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, renderVersion(version))
}

func (h *httpHandler) handleRestoreVersion(c *gin.Context) {
	userID, ok := h.currentUserID(c)
	if !ok {
		return
	}
	noteID, ok := noteIDParam(c)
	if !ok {
		return
	}
	number, ok := versionNumberParam(c)
	if !ok {
		return
	}

	result, err := h.notesService.Restore(c.Request.Context(), noteID, userID, number)
	if err != nil {
		h.respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"restored_version": result.RestoredVersion,
		"note":             renderNote(result.Note),
	})
}

// respondServiceError maps service error kinds onto HTTP statuses. Access
// denials arrive here already masked as not-found by the service layer.
func (h *httpHandler) respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, notes.ErrNoteNotFound),
		errors.Is(err, notes.ErrVersionNotFound),
		errors.Is(err, notes.ErrUserNotFound),
		errors.Is(err, notes.ErrCollaboratorNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, notes.ErrDuplicateCollaborator):
		c.JSON(http.StatusConflict, gin.H{"error": "duplicate_collaborator"})
	case errors.Is(err, notes.ErrInvalidTitle), errors.Is(err, notes.ErrInvalidContent):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		var serviceErr *notes.ServiceError
		if errors.As(err, &serviceErr) {
			h.logger.Error("notes service failure", zap.String("code", serviceErr.Code()), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"code": serviceErr.Code()})
			return
		}
		h.logger.Error("notes service failure", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
