package middleware

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/lawnflow/fieldsync/internal/db"
)

const (
	tokenDuration       = 24 * time.Hour
	settingsKeyJWTSecret = "jwt_secret"
)

type Claims struct {
	jwt.RegisteredClaims
	TechnicianID string `json:"technician_id"`
	Username     string `json:"username"`
}

type AuthMiddleware struct {
	db     *sql.DB
	secret []byte
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type LoginResponse struct {
	Token        string `json:"token,omitempty"`
	TechnicianID string `json:"technician_id,omitempty"`
	Message      string `json:"message,omitempty"`
}

func NewAuthMiddleware(database *sql.DB) (*AuthMiddleware, error) {
	a := &AuthMiddleware{db: database}

	secret, err := a.getOrCreateSecret()
	if err != nil {
		return nil, err
	}
	a.secret = secret

	return a, nil
}

func (a *AuthMiddleware) getOrCreateSecret() ([]byte, error) {
	var value string
	err := a.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, settingsKeyJWTSecret).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate secret: %w", err)
		}
		if _, err := a.db.Exec(`INSERT INTO settings (key, value) VALUES (?, ?)`,
			settingsKeyJWTSecret, hex.EncodeToString(secret)); err != nil {
			return nil, fmt.Errorf("failed to store secret: %w", err)
		}
		return secret, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load secret: %w", err)
	}
	return hex.DecodeString(value)
}

func (a *AuthMiddleware) generateToken(tech *db.Technician) (string, error) {
	now := time.Now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenDuration)),
			Issuer:    "fieldsync",
			Subject:   tech.ID,
		},
		TechnicianID: tech.ID,
		Username:     tech.Username,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

func (a *AuthMiddleware) validateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

func (a *AuthMiddleware) getTechnician(username string) (*db.Technician, error) {
	tech := &db.Technician{}
	err := a.db.QueryRow(`
		SELECT id, username, password_hash, created_at FROM technicians WHERE username = ?
	`, username).Scan(&tech.ID, &tech.Username, &tech.PasswordHash, &tech.CreatedAt)
	if err != nil {
		return nil, err
	}
	return tech, nil
}

func (a *AuthMiddleware) LoginHandler(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, LoginResponse{Message: "Invalid request"})
		return
	}

	tech, err := a.getTechnician(req.Username)
	if err != nil {
		c.JSON(http.StatusUnauthorized, LoginResponse{Message: "Invalid credentials"})
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(tech.PasswordHash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, LoginResponse{Message: "Invalid credentials"})
		return
	}

	token, err := a.generateToken(tech)
	if err != nil {
		c.JSON(http.StatusInternalServerError, LoginResponse{Message: "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, LoginResponse{Token: token, TechnicianID: tech.ID})
}

func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		claims, err := a.validateToken(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			return
		}

		c.Set("technician_id", claims.TechnicianID)
		c.Set("username", claims.Username)
		c.Next()
	}
}

// EnsureTechnician provisions an account if the username is free; used at
// startup to bootstrap from config.
func EnsureTechnician(database *sql.DB, username, password string) error {
	var exists int
	err := database.QueryRow(`SELECT COUNT(*) FROM technicians WHERE username = ?`, username).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check technician: %w", err)
	}
	if exists > 0 {
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	_, err = database.Exec(`
		INSERT INTO technicians (id, username, password_hash, created_at)
		VALUES (?, ?, ?, ?)
	`, uuid.New().String(), username, string(hash), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to create technician: %w", err)
	}
	return nil
}
