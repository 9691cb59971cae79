package services

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/rowanlabs/syncboard-backend/internal/pkg/apperr"
	"github.com/rowanlabs/syncboard-backend/internal/pkg/logger"
	"github.com/rowanlabs/syncboard-backend/internal/requestdata"
)

// AuthService resolves a bearer token to an authenticated principal. This is
// the whole auth surface of this service; account management lives elsewhere.
type AuthService interface {
	SetContextFromToken(ctx context.Context, tokenString string) (context.Context, error)
}

type authService struct {
	log    *logger.Logger
	secret []byte
}

func NewAuthService(log *logger.Logger, jwtSecretKey string) AuthService {
	return &authService{
		log:    log.With("service", "AuthService"),
		secret: []byte(jwtSecretKey),
	}
}

func (s *authService) SetContextFromToken(ctx context.Context, tokenString string) (context.Context, error) {
	if tokenString == "" {
		return ctx, fmt.Errorf("missing token: %w", apperr.ErrUnauthorized)
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return ctx, fmt.Errorf("invalid token: %w", apperr.ErrUnauthorized)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return ctx, fmt.Errorf("token missing subject: %w", apperr.ErrUnauthorized)
	}
	userID, err := uuid.Parse(sub)
	if err != nil {
		return ctx, fmt.Errorf("token subject is not a user id: %w", apperr.ErrUnauthorized)
	}

	return requestdata.WithRequestData(ctx, &requestdata.RequestData{
		TokenString: tokenString,
		UserID:      userID,
	}), nil
}
