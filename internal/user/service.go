package user

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"polychat/internal/translate"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidInput       = errors.New("invalid input")
)

const tokenTTL = 24 * time.Hour

// Store is the persistence the service needs; *Repository implements it.
type Store interface {
	CreateUser(ctx context.Context, user *User) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id int) (*User, error)
	SearchUsers(ctx context.Context, query string) ([]User, error)
	UpdateSettings(ctx context.Context, id int, lang, apiKey *string) error
}

type Service struct {
	repo      Store
	jwtSecret string
	now       func() time.Time
}

type MyJWTClaims struct {
	ID       int    `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func NewService(repo Store, secret string) *Service {
	return &Service{
		repo:      repo,
		jwtSecret: secret,
		now:       time.Now,
	}
}

func (s *Service) Register(ctx context.Context, req *RegisterRequest) (*User, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return nil, fmt.Errorf("username and password are required: %w", ErrInvalidInput)
	}
	lang := translate.NormalizeLanguage(req.TargetLanguage)
	if lang == "" {
		return nil, fmt.Errorf("target_language is required: %w", ErrInvalidInput)
	}

	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}

	u := &User{
		Username:       username,
		Password:       string(hashedPwd),
		TargetLanguage: lang,
		APIKey:         strings.TrimSpace(req.APIKey),
	}

	return s.repo.CreateUser(ctx, u)
}

func (s *Service) Login(ctx context.Context, req *LoginRequest) (*LoginResponse, error) {
	u, err := s.repo.GetUserByUsername(ctx, req.Username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.Password), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, MyJWTClaims{
		ID:       u.ID,
		Username: u.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "polychat",
			IssuedAt:  jwt.NewNumericDate(s.now()),
			ExpiresAt: jwt.NewNumericDate(s.now().Add(tokenTTL)),
		},
	})

	ss, err := token.SignedString([]byte(s.jwtSecret))
	if err != nil {
		return nil, err
	}

	return &LoginResponse{
		AccessToken:    ss,
		ID:             u.ID,
		Username:       u.Username,
		TargetLanguage: u.TargetLanguage,
	}, nil
}

func (s *Service) ValidateToken(tokenString string) (int, string, error) {
	claims := &MyJWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte(s.jwtSecret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		return 0, "", err
	}
	if !token.Valid {
		return 0, "", ErrInvalidCredentials
	}

	return claims.ID, claims.Username, nil
}

func (s *Service) Me(ctx context.Context, id int) (*Profile, error) {
	u, err := s.repo.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Profile{ID: u.ID, Username: u.Username, TargetLanguage: u.TargetLanguage, HasAPIKey: u.APIKey != ""}, nil
}

func (s *Service) SearchUsers(ctx context.Context, query string) ([]User, error) {
	return s.repo.SearchUsers(ctx, query)
}

// UpdateSettings changes the caller's language and translation key.
func (s *Service) UpdateSettings(ctx context.Context, id int, req *SettingsRequest) error {
	if req.TargetLanguage == nil && req.APIKey == nil {
		return fmt.Errorf("nothing to update: %w", ErrInvalidInput)
	}
	var lang *string
	if req.TargetLanguage != nil {
		l := translate.NormalizeLanguage(*req.TargetLanguage)
		if l == "" {
			return fmt.Errorf("target_language must not be empty: %w", ErrInvalidInput)
		}
		lang = &l
	}
	var key *string
	if req.APIKey != nil {
		k := strings.TrimSpace(*req.APIKey)
		key = &k
	}
	return s.repo.UpdateSettings(ctx, id, lang, key)
}
