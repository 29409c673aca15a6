package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/4xmen/storechat/internal/db"
)

var usernamePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

type Service struct {
	db        *sql.DB
	jwtSecret string
	tokenTTL  time.Duration
}

type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func New(conn *sql.DB, jwtSecret string) *Service {
	return NewWithTokenTTL(conn, jwtSecret, 24*time.Hour)
}

func NewWithTokenTTL(conn *sql.DB, jwtSecret string, tokenTTL time.Duration) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}

	return &Service{
		db:        conn,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
	}
}

// Register creates a user. An empty display name falls back to the username.
func (s *Service) Register(ctx context.Context, username, password, displayName string) (db.User, error) {
	username = strings.TrimSpace(username)
	if len(username) < 3 || len(username) > 32 {
		return db.User{}, fmt.Errorf("username must be between 3 and 32 characters")
	}

	if !usernamePattern.MatchString(username) {
		return db.User{}, fmt.Errorf("username can only contain letters, numbers, and underscores")
	}

	if len(password) < 6 {
		return db.User{}, fmt.Errorf("password must be at least 6 characters")
	}

	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = username
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return db.User{}, fmt.Errorf("failed to hash password: %w", err)
	}

	user := db.User{ID: uuid.NewString(), Username: username, DisplayName: displayName}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO users (id, username, password_hash, display_name) VALUES (?, ?, ?, ?)",
		user.ID, user.Username, string(hash), user.DisplayName,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return db.User{}, fmt.Errorf("username already exists")
		}
		return db.User{}, fmt.Errorf("failed to register user: %w", err)
	}

	return user, nil
}

// Login verifies the credentials and returns a signed token for the user.
func (s *Service) Login(ctx context.Context, username, password string) (string, db.User, error) {
	username = strings.TrimSpace(username)

	var user db.User
	var passwordHash string
	err := s.db.QueryRowContext(ctx,
		"SELECT id, username, display_name, avatar_url, password_hash FROM users WHERE username = ?",
		username,
	).Scan(&user.ID, &user.Username, &user.DisplayName, &user.AvatarURL, &passwordHash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", db.User{}, fmt.Errorf("invalid username or password")
		}
		return "", db.User{}, fmt.Errorf("failed to query user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return "", db.User{}, fmt.Errorf("invalid username or password")
	}

	token, err := s.GenerateToken(user.ID, user.Username)
	if err != nil {
		return "", db.User{}, fmt.Errorf("failed to generate token: %w", err)
	}

	return token, user, nil
}

func (s *Service) GenerateToken(userID, username string) (string, error) {
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.jwtSecret), nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid || claims.UserID == "" {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}

// UserExists checks if a user with the given ID exists
func (s *Service) UserExists(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, "SELECT EXISTS(SELECT 1 FROM users WHERE id = ?)", userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to query user: %w", err)
	}
	return exists, nil
}
