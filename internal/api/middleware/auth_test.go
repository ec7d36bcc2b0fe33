package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/lawnflow/fieldsync/internal/db"
)

func newAuthFixture(t *testing.T) (*gin.Engine, *AuthMiddleware) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	database, err := db.OpenMemory(db.ServerMigrations())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	require.NoError(t, EnsureTechnician(database, "miguel", "trimmer-455"))

	auth, err := NewAuthMiddleware(database)
	require.NoError(t, err)

	engine := gin.New()
	engine.POST("/api/login", auth.LoginHandler)
	engine.GET("/api/whoami", auth.RequireAuth(), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"technician_id": c.GetString("technician_id"), "username": c.GetString("username")})
	})
	return engine, auth
}

func login(t *testing.T, engine *gin.Engine, username, password string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(LoginRequest{Username: username, Password: password})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/api/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestLoginIssuesToken(t *testing.T) {
	engine, _ := newAuthFixture(t)

	rec := login(t, engine, "miguel", "trimmer-455")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp LoginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Token)
	require.NotEmpty(t, resp.TechnicianID)

	req := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var who map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &who))
	require.Equal(t, "miguel", who["username"])
	require.Equal(t, resp.TechnicianID, who["technician_id"])
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	engine, _ := newAuthFixture(t)

	rec := login(t, engine, "miguel", "wrong")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = login(t, engine, "nobody", "trimmer-455")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAuthRejectsMissingOrForgedToken(t *testing.T) {
	engine, _ := newAuthFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/whoami", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSecretPersistsAcrossRestarts(t *testing.T) {
	gin.SetMode(gin.TestMode)

	database, err := db.OpenMemory(db.ServerMigrations())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, EnsureTechnician(database, "miguel", "trimmer-455"))

	first, err := NewAuthMiddleware(database)
	require.NoError(t, err)
	tech, err := first.getTechnician("miguel")
	require.NoError(t, err)
	token, err := first.generateToken(tech)
	require.NoError(t, err)

	// A second construction over the same database reuses the stored secret,
	// so tokens issued before a restart stay valid.
	second, err := NewAuthMiddleware(database)
	require.NoError(t, err)
	claims, err := second.validateToken(token)
	require.NoError(t, err)
	require.Equal(t, tech.ID, claims.TechnicianID)
}

func TestEnsureTechnicianIsIdempotent(t *testing.T) {
	database, err := db.OpenMemory(db.ServerMigrations())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	require.NoError(t, EnsureTechnician(database, "miguel", "trimmer-455"))
	require.NoError(t, EnsureTechnician(database, "miguel", "different-password"))

	var count int
	require.NoError(t, database.QueryRow(`SELECT COUNT(*) FROM technicians`).Scan(&count))
	require.Equal(t, 1, count)
}
