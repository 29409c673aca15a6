package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/4xmen/storechat/internal/auth"
	"github.com/4xmen/storechat/internal/db"
	"github.com/4xmen/storechat/pkg/i18n"
)

type AuthHandler struct {
	authSvc *auth.Service
}

func NewAuthHandler(authSvc *auth.Service) *AuthHandler {
	return &AuthHandler{authSvc: authSvc}
}

type RegisterRequest struct {
	Username    string `json:"username" binding:"required"`
	Password    string `json:"password" binding:"required"`
	DisplayName string `json:"display_name"`
}

type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

type AuthResponse struct {
	Token string  `json:"token"`
	User  db.User `json:"user"`
}

// locale picks the response language from Accept-Language.
func locale(c *gin.Context) string {
	if strings.HasPrefix(strings.ToLower(c.GetHeader("Accept-Language")), i18n.Persian) {
		return i18n.Persian
	}
	return i18n.English
}

func errorBody(c *gin.Context, message string) gin.H {
	return gin.H{"error": i18n.Lookup(locale(c), message)}
}

// Register creates a new user account
func (h *AuthHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(c, "invalid request"))
		return
	}

	user, err := h.authSvc.Register(c.Request.Context(), req.Username, req.Password, req.DisplayName)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorBody(c, err.Error()))
		return
	}

	token, err := h.authSvc.GenerateToken(user.ID, user.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, errorBody(c, "failed to generate token"))
		return
	}

	c.JSON(http.StatusCreated, AuthResponse{Token: token, User: user})
}

// Login authenticates a user and returns a token
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(c, "invalid request"))
		return
	}

	token, user, err := h.authSvc.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, errorBody(c, err.Error()))
		return
	}

	c.JSON(http.StatusOK, AuthResponse{Token: token, User: user})
}

// AuthMiddleware validates the JWT from the Authorization header or, for
// the websocket, the token query parameter.
func (h *AuthHandler) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if authHeader := c.GetHeader("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
		if token == "" {
			token = c.Query("token")
		}

		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody(c, "missing authorization token"))
			return
		}

		claims, err := h.authSvc.ValidateToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody(c, "invalid token"))
			return
		}

		exists, err := h.authSvc.UserExists(c.Request.Context(), claims.UserID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody(c, "failed to validate user"))
			return
		}
		if !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody(c, "user not found"))
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("username", claims.Username)
		c.Next()
	}
}
