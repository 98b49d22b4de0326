package auth

import (
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	errors "github.com/frahmantamala/mobile-money/internal"
	"github.com/frahmantamala/mobile-money/internal/core/datamodel/operator"
)

// RepositoryAPI loads operator accounts. Lookups return
// errors.ErrInvalidCredentials when no active operator matches.
type RepositoryAPI interface {
	GetByEmail(ctx context.Context, email string) (*operator.Operator, error)
	GetByID(ctx context.Context, id int64) (*operator.Operator, error)
	Upsert(ctx context.Context, op *operator.Operator) error
}

// Service is the main auth service with dependencies
type Service struct {
	repo           RepositoryAPI
	tokenGenerator *JWTTokenGenerator
	bcryptCost     int
}

func NewService(repo RepositoryAPI, tokenGen *JWTTokenGenerator) *Service {
	return &Service{
		repo:           repo,
		tokenGenerator: tokenGen,
		bcryptCost:     bcrypt.DefaultCost,
	}
}

// WithBCryptCost overrides the hashing cost; values outside bcrypt's range are ignored.
func (s *Service) WithBCryptCost(cost int) *Service {
	if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
		s.bcryptCost = cost
	}
	return s
}

type JWTTokenGenerator struct {
	AccessTokenSecret  []byte
	RefreshTokenSecret []byte
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	now                func() time.Time
}

func NewJWTTokenGenerator(accessSecret, refreshSecret string, accessTTL, refreshTTL time.Duration) *JWTTokenGenerator {
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}
	if refreshTTL <= 0 {
		refreshTTL = 24 * 7 * time.Hour
	}
	return &JWTTokenGenerator{
		AccessTokenSecret:  []byte(accessSecret),
		RefreshTokenSecret: []byte(refreshSecret),
		AccessTokenTTL:     accessTTL,
		RefreshTokenTTL:    refreshTTL,
		now:                time.Now,
	}
}

// Authenticate validates credentials and returns tokens
func (s *Service) Authenticate(ctx context.Context, dto LoginDTO) (AuthTokens, error) {
	if err := dto.Validate(); err != nil {
		return AuthTokens{}, err
	}

	op, err := s.repo.GetByEmail(ctx, dto.Email)
	if err != nil {
		return AuthTokens{}, err
	}
	if !op.IsActive {
		return AuthTokens{}, errors.ErrUserInactive
	}
	if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(dto.Password)); err != nil {
		return AuthTokens{}, errors.ErrInvalidCredentials
	}

	return s.issue(strconv.FormatInt(op.ID, 10), op.Email)
}

// RefreshTokens validates refresh token and returns new tokens
func (s *Service) RefreshTokens(ctx context.Context, refreshToken string) (AuthTokens, error) {
	claims, err := s.tokenGenerator.validate(refreshToken, tokenTypeRefresh)
	if err != nil {
		return AuthTokens{}, err
	}

	id, err := strconv.ParseInt(claims.UserID, 10, 64)
	if err != nil {
		return AuthTokens{}, errors.ErrInvalidToken
	}
	op, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return AuthTokens{}, err
	}
	if !op.IsActive {
		return AuthTokens{}, errors.ErrUserInactive
	}

	return s.issue(claims.UserID, op.Email)
}

func (s *Service) ValidateAccessToken(tokenString string) (*Claims, error) {
	return s.tokenGenerator.validate(tokenString, tokenTypeAccess)
}

func (s *Service) GetUserWithPermissions(ctx context.Context, userID int64) (*User, error) {
	op, err := s.repo.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !op.IsActive {
		return nil, errors.ErrUserInactive
	}
	return &User{
		ID:          op.ID,
		Email:       op.Email,
		Name:        op.Name,
		Permissions: []string(op.Permissions),
	}, nil
}

// CreateOperator hashes the password and inserts or updates the account.
func (s *Service) CreateOperator(ctx context.Context, email, name, password string, permissions []string) (*operator.Operator, error) {
	hash, err := s.HashPassword(password)
	if err != nil {
		return nil, err
	}
	op := &operator.Operator{
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		Permissions:  permissions,
		IsActive:     true,
	}
	if err := s.repo.Upsert(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

func (s *Service) issue(userID, email string) (AuthTokens, error) {
	accessToken, err := s.tokenGenerator.GenerateAccessToken(userID, email)
	if err != nil {
		return AuthTokens{}, err
	}
	refreshToken, err := s.tokenGenerator.GenerateRefreshToken(userID, email)
	if err != nil {
		return AuthTokens{}, err
	}
	return AuthTokens{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.tokenGenerator.AccessTokenTTL.Seconds()),
	}, nil
}

// HashPassword creates a bcrypt hash of the password
func (s *Service) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (j *JWTTokenGenerator) GenerateAccessToken(userID string, email string) (string, error) {
	return j.sign(userID, email, tokenTypeAccess, j.AccessTokenTTL, j.AccessTokenSecret)
}

func (j *JWTTokenGenerator) GenerateRefreshToken(userID string, email string) (string, error) {
	return j.sign(userID, email, tokenTypeRefresh, j.RefreshTokenTTL, j.RefreshTokenSecret)
}

func (j *JWTTokenGenerator) sign(userID, email, tokenType string, ttl time.Duration, secret []byte) (string, error) {
	now := j.clock()
	claims := &Claims{
		UserID:    userID,
		Email:     email,
		TokenType: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Subject:   userID,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ValidateToken accepts either token type.
func (j *JWTTokenGenerator) ValidateToken(tokenString string) (*Claims, error) {
	return j.validate(tokenString, "")
}

func (j *JWTTokenGenerator) validate(tokenString, wantType string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		claims, ok := token.Claims.(*Claims)
		if !ok {
			return nil, stderrors.New("unexpected claims type")
		}
		if claims.TokenType == tokenTypeRefresh {
			return j.RefreshTokenSecret, nil
		}
		return j.AccessTokenSecret, nil
	}, jwt.WithTimeFunc(j.clock))

	if err != nil {
		if stderrors.Is(err, jwt.ErrTokenExpired) {
			return nil, errors.ErrTokenExpired
		}
		return nil, errors.ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.ErrInvalidToken
	}
	if wantType != "" && claims.TokenType != wantType {
		return nil, errors.ErrInvalidToken
	}
	return claims, nil
}

// WithClock replaces the time source used for issuing and verifying tokens.
func (j *JWTTokenGenerator) WithClock(now func() time.Time) *JWTTokenGenerator {
	j.now = now
	return j
}

func (j *JWTTokenGenerator) clock() time.Time {
	if j.now == nil {
		return time.Now()
	}
	return j.now()
}
