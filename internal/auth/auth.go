package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/ksred/semicrypto-api/internal/types"
	"github.com/ksred/semicrypto-api/pkg/response"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	// MinPasswordLength is the shortest password accepted at registration
	MinPasswordLength = 8

	// verificationCode is accepted by VerifyOTP until real delivery exists
	verificationCode = "123456"
)

var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrTokenGeneration    = errors.New("failed to generate token")
	errUnexpectedSigning  = errors.New("unexpected signing method")
	errInvalidCredentials = types.Unauthorized("INVALID_CREDENTIALS", "Invalid email or password")
)

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
}

// Tokens is an access/refresh token pair
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Options configures token signing and new account funding
type Options struct {
	JWTSecret          string
	JWTExpiry          time.Duration
	RefreshTokenSecret string
	RefreshTokenExpiry time.Duration
	StartingCash       float64
}

// Service handles registration, login and token issuance
type Service struct {
	db   *Database
	opts Options
	now  func() time.Time
}

// NewService creates a new authentication service with the given database connection
func NewService(gormDB *gorm.DB, opts Options) *Service {
	if opts.JWTExpiry <= 0 {
		opts.JWTExpiry = 7 * 24 * time.Hour
	}
	if opts.RefreshTokenExpiry <= 0 {
		opts.RefreshTokenExpiry = 30 * 24 * time.Hour
	}
	return &Service{
		db:   NewDatabase(gormDB),
		opts: opts,
		now:  time.Now,
	}
}

// RegisterRequest is the body of POST /auth/register
type RegisterRequest struct {
	Email     string `json:"email" binding:"required,email"`
	Password  string `json:"password" binding:"required,min=8"`
	FirstName string `json:"firstName" binding:"required"`
	LastName  string `json:"lastName" binding:"required"`
}

// LoginRequest is the body of POST /auth/login
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Register creates a user and its funded portfolio in one transaction and
// returns a first token pair
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*types.User, *Tokens, error) {
	email := normalizeEmail(req.Email)
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return nil, nil, types.Validation("A valid email is required")
	}
	if len(req.Password) < MinPasswordLength {
		return nil, nil, types.Validation(fmt.Sprintf("Password must be at least %d characters", MinPasswordLength))
	}
	firstName := strings.TrimSpace(req.FirstName)
	lastName := strings.TrimSpace(req.LastName)
	if firstName == "" || lastName == "" {
		return nil, nil, types.Validation("First and last name are required")
	}

	existing, err := s.db.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to look up email: %w", err)
	}
	if existing != nil {
		return nil, nil, types.Conflict("EMAIL_EXISTS", "Email already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &types.User{
		UserID:        uuid.New().String(),
		Email:         email,
		PasswordHash:  string(hash),
		FirstName:     firstName,
		LastName:      lastName,
		AccountStatus: types.AccountActive,
		KYCStatus:     types.KYCPending,
		Theme:         "dark",
	}

	tokens, refresh, err := s.issue(user)
	if err != nil {
		return nil, nil, err
	}

	portfolio := types.NewPortfolio(user.UserID, s.opts.StartingCash)
	if err := s.db.CreateUserWithPortfolio(ctx, user, portfolio, refresh); err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, nil, types.Conflict("EMAIL_EXISTS", "Email already registered")
		}
		return nil, nil, fmt.Errorf("failed to create user: %w", err)
	}

	log.Info().
		Str("user_id", user.UserID).
		Str("portfolio_id", portfolio.PortfolioID).
		Float64("starting_cash", portfolio.Cash).
		Str("service", "auth").
		Msg("user registered")

	return user, tokens, nil
}

// Login checks credentials and issues a new token pair
func (s *Service) Login(ctx context.Context, req LoginRequest) (*types.User, *Tokens, error) {
	user, err := s.db.GetUserByEmail(ctx, normalizeEmail(req.Email))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if user == nil || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
		return nil, nil, errInvalidCredentials
	}
	if user.AccountStatus != types.AccountActive {
		return nil, nil, types.Forbidden("ACCOUNT_INACTIVE", fmt.Sprintf("Account is %s", strings.ToLower(string(user.AccountStatus))))
	}

	tokens, refresh, err := s.issue(user)
	if err != nil {
		return nil, nil, err
	}

	now := s.now()
	if err := s.db.RecordLogin(ctx, user.UserID, now, refresh); err != nil {
		return nil, nil, err
	}
	user.LastLogin = &now

	if removed, err := s.db.DeleteExpiredRefreshTokens(ctx, now); err != nil {
		log.Warn().Err(err).Str("service", "auth").Msg("failed to prune expired refresh tokens")
	} else if removed > 0 {
		log.Debug().Int64("removed", removed).Str("service", "auth").Msg("pruned expired refresh tokens")
	}

	return user, tokens, nil
}

// Refresh exchanges a refresh token for a new pair. The presented token is
// revoked, so each refresh token works once.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	if refreshToken == "" {
		return nil, types.ValidationCode("MISSING_REFRESH_TOKEN", "Refresh token is required")
	}

	claims, err := s.parse(refreshToken, s.opts.RefreshTokenSecret)
	if err != nil {
		return nil, types.Unauthorized("INVALID_REFRESH_TOKEN", "Invalid refresh token")
	}

	user, err := s.db.GetUserByUserID(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if user == nil {
		return nil, types.Unauthorized("INVALID_REFRESH_TOKEN", "Refresh token not found")
	}

	tokens, next, err := s.issue(user)
	if err != nil {
		return nil, err
	}
	if err := s.db.RotateRefreshToken(ctx, user.UserID, refreshToken, next); err != nil {
		if errors.Is(err, errRefreshTokenNotFound) {
			return nil, types.Unauthorized("INVALID_REFRESH_TOKEN", "Refresh token not found")
		}
		return nil, err
	}
	return tokens, nil
}

// VerifyOTP marks the user's email as verified
func (s *Service) VerifyOTP(ctx context.Context, email, otp string) (*types.User, error) {
	user, err := s.db.GetUserByEmail(ctx, normalizeEmail(email))
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if user == nil {
		return nil, types.NotFound("USER_NOT_FOUND", "User not found")
	}
	if otp != verificationCode {
		return nil, types.ValidationCode("INVALID_OTP", "Invalid OTP")
	}

	if err := s.db.MarkEmailVerified(ctx, user.UserID); err != nil {
		return nil, fmt.Errorf("failed to verify email: %w", err)
	}
	user.IsEmailVerified = true
	return user, nil
}

// GetUser returns a user by id
func (s *Service) GetUser(ctx context.Context, userID string) (*types.User, error) {
	user, err := s.db.GetUserByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	if user == nil {
		return nil, types.NotFound("USER_NOT_FOUND", "User not found")
	}
	return user, nil
}

// GetUsers returns the users with the given ids keyed by id
func (s *Service) GetUsers(ctx context.Context, userIDs []string) (map[string]types.User, error) {
	users, err := s.db.GetUsersByUserIDs(ctx, userIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to look up users: %w", err)
	}
	byID := make(map[string]types.User, len(users))
	for _, u := range users {
		byID[u.UserID] = u
	}
	return byID, nil
}

// Logout revokes the given refresh token. Unknown tokens are ignored.
func (s *Service) Logout(ctx context.Context, userID, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.db.DeleteRefreshToken(ctx, userID, refreshToken)
}

// ValidateToken validates an access token and returns the claims
// Verifies token signature and expiration
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	return s.parse(tokenString, s.opts.JWTSecret)
}

func (s *Service) parse(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errUnexpectedSigning
		}
		return []byte(secret), nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid && claims.UserID != "" {
		return claims, nil
	}
	return nil, ErrInvalidToken
}

// issue signs a new access/refresh pair for user
func (s *Service) issue(user *types.User) (*Tokens, *types.RefreshToken, error) {
	now := s.now()
	expiresAt := now.Add(s.opts.JWTExpiry)

	access, err := s.sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
		UserID: user.UserID,
		Email:  user.Email,
	}, s.opts.JWTSecret)
	if err != nil {
		return nil, nil, err
	}

	refreshExpiresAt := now.Add(s.opts.RefreshTokenExpiry)
	refresh, err := s.sign(Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			ExpiresAt: jwt.NewNumericDate(refreshExpiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		UserID: user.UserID,
	}, s.opts.RefreshTokenSecret)
	if err != nil {
		return nil, nil, err
	}

	return &Tokens{AccessToken: access, RefreshToken: refresh, ExpiresAt: expiresAt},
		&types.RefreshToken{Token: refresh, UserID: user.UserID, ExpiresAt: refreshExpiresAt},
		nil
}

func (s *Service) sign(claims Claims, secret string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", ErrTokenGeneration
	}
	return signed, nil
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for authentication endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// bindingMessage turns a gin binding failure into a client message
func bindingMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "Invalid request body"
	}

	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "email":
		return "A valid email is required"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s is invalid", fe.Field())
}

// RegisterHandler handles POST /auth/register
func (h *GinHandlers) RegisterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationFailed(c, bindingMessage(err))
			return
		}

		user, tokens, err := h.service.Register(c.Request.Context(), req)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Created(c, "User registered successfully", gin.H{
			"user":   user,
			"tokens": tokens,
		})
	}
}

// LoginHandler handles POST /auth/login
func (h *GinHandlers) LoginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationFailed(c, bindingMessage(err))
			return
		}

		user, tokens, err := h.service.Login(c.Request.Context(), req)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.OK(c, "Login successful", gin.H{
			"user":   user,
			"tokens": tokens,
		})
	}
}

// RefreshTokenHandler handles POST /auth/refresh-token
func (h *GinHandlers) RefreshTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationFailed(c, "Refresh token is required")
			return
		}

		tokens, err := h.service.Refresh(c.Request.Context(), req.RefreshToken)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.OK(c, "Token refreshed successfully", gin.H{"tokens": tokens})
	}
}

// VerifyOTPHandler handles POST /auth/verify-otp
func (h *GinHandlers) VerifyOTPHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Email string `json:"email" binding:"required,email"`
			OTP   string `json:"otp" binding:"required,len=6,numeric"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			response.ValidationFailed(c, bindingMessage(err))
			return
		}

		user, err := h.service.VerifyOTP(c.Request.Context(), req.Email, req.OTP)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.OK(c, "Email verified successfully", gin.H{"user": user})
	}
}

// MeHandler handles GET /auth/me
func (h *GinHandlers) MeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := h.service.GetUser(c.Request.Context(), c.GetString("userID"))
		if err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.Success(c, gin.H{"user": user})
	}
}

// LogoutHandler handles POST /auth/logout
func (h *GinHandlers) LogoutHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			RefreshToken string `json:"refreshToken"`
		}
		// Body is optional
		_ = c.ShouldBindJSON(&req)

		if err := h.service.Logout(c.Request.Context(), c.GetString("userID"), req.RefreshToken); err != nil {
			response.Handle(c, nil, err)
			return
		}

		response.OK(c, "Logged out successfully", nil)
	}
}
