package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	. "relaychat/internal/auth"
)

type AuthHandlers struct {
	authService *AuthService
	am          *AuthMiddleware
}

func NewAuthHandlers(db *gorm.DB, am *AuthMiddleware) *AuthHandlers {
	return &AuthHandlers{
		authService: NewAuthService(db),
		am:          am,
	}
}

// UserLoginInput carries the same shared-salt hash a chat client sends in
// its LOGIN line.
type UserLoginInput struct {
	Username string `json:"username" binding:"required" example:"a"`
	Hash     string `json:"hash" binding:"required" example:"$argon2id$v=19$m=65536,t=1,p=2$..."`
}

type UserResponse struct {
	ID       string `json:"id" example:"a1b2c3d4"`
	Username string `json:"username" example:"a"`
}

type LoginResponse struct {
	Message string       `json:"message" example:"Login successful"`
	Token   string       `json:"token"`
	User    UserResponse `json:"user"`
}

type ErrorResponse struct {
	Error string `json:"error" example:"Authentication failed"`
}

// LoginHandler authenticates an operator
// @Summary Login
// @Description Exchange a username and credential hash for a JWT
// @Tags Authentication
// @Accept json
// @Produce json
// @Param request body UserLoginInput true "Login request"
// @Success 200 {object} LoginResponse "Logged in"
// @Failure 400 {object} ErrorResponse "Bad request"
// @Failure 401 {object} ErrorResponse "Authentication failed"
// @Failure 500 {object} ErrorResponse "Internal server error"
// @Router /login [post]
func (h *AuthHandlers) LoginHandler(c *gin.Context) {
	var input UserLoginInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	user, err := h.authService.Authenticate(input.Username, input.Hash)
	if err != nil {
		if errors.Is(err, ErrAuthFailed) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication failed"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Login failed"})
		return
	}

	token, err := h.am.GenerateToken(user.ID, user.Username)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Token generation failed"})
		return
	}

	c.SetCookie("token", token, 3600*24, "/", "", true, true)

	c.JSON(http.StatusOK, LoginResponse{
		Message: "Login successful",
		Token:   token,
		User: UserResponse{
			ID:       user.ID,
			Username: user.Username,
		},
	})
}
