package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/noteledger/backend/internal/auth"
	"github.com/noteledger/backend/internal/notes"
	"github.com/noteledger/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSigningSecret = "router-test-secret"

func newTestHandler(testContext *testing.T) http.Handler {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:router_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&users.User{}, &notes.Note{}, &notes.Collaborator{}, &notes.Version{}, &notes.ActivityLog{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	usersService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build users service: %v", err)
	}
	notesService, err := notes.NewService(notes.ServiceConfig{
		Database:   db,
		IDProvider: notes.NewUUIDProvider(),
		Directory:  usersService,
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build notes service: %v", err)
	}
	tokenManager, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        "noteledger-auth",
		Audience:      "noteledger-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		testContext.Fatalf("failed to build token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: tokenManager,
		UserRegistry: usersService,
		NotesService: notesService,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}
	return handler
}

func doJSON(testContext *testing.T, handler http.Handler, method, path, token string, payload any) *httptest.ResponseRecorder {
	testContext.Helper()

	var body *bytes.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			testContext.Fatalf("failed to encode payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	} else {
		body = bytes.NewReader(nil)
	}

	request := httptest.NewRequest(method, path, body)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func registerAndLogin(testContext *testing.T, handler http.Handler, username string) string {
	testContext.Helper()

	response := doJSON(testContext, handler, http.MethodPost, "/auth/register", "", map[string]string{
		"username": username,
		"email":    username + "@example.com",
		"password": "correct-horse",
	})
	if response.Code != http.StatusCreated {
		testContext.Fatalf("registration failed with status %d: %s", response.Code, response.Body.String())
	}

	response = doJSON(testContext, handler, http.MethodPost, "/auth/login", "", map[string]string{
		"username": username,
		"password": "correct-horse",
	})
	if response.Code != http.StatusOK {
		testContext.Fatalf("login failed with status %d: %s", response.Code, response.Body.String())
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		testContext.Fatalf("failed to decode login response: %v", err)
	}
	if payload.AccessToken == "" {
		testContext.Fatalf("expected access token in login response")
	}
	return payload.AccessToken
}

func createNote(testContext *testing.T, handler http.Handler, token, title, content string) uint {
	testContext.Helper()

	response := doJSON(testContext, handler, http.MethodPost, "/notes", token, map[string]string{
		"title":   title,
		"content": content,
	})
	if response.Code != http.StatusCreated {
		testContext.Fatalf("note creation failed with status %d: %s", response.Code, response.Body.String())
	}
	var payload struct {
		ID uint `json:"id"`
	}
	if err := json.Unmarshal(response.Body.Bytes(), &payload); err != nil {
		testContext.Fatalf("failed to decode note response: %v", err)
	}
	return payload.ID
}
