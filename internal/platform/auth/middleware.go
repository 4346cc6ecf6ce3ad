package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	DoctorIDKey contextKey = "doctor_id"
	RoleKey     contextKey = "role"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
)

// Claims carried by doctor access tokens. DoctorID takes precedence; tokens
// minted by older issuers carry the doctor id in the subject instead.
type Claims struct {
	jwt.RegisteredClaims
	DoctorID int64  `json:"doctor_id,omitempty"`
	Role     string `json:"role,omitempty"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
}

// Verifier validates HS256 doctor tokens. It is shared by the HTTP middleware
// and the WebSocket handshake.
type Verifier struct {
	cfg JWTConfig
}

func NewVerifier(cfg JWTConfig) *Verifier {
	return &Verifier{cfg: cfg}
}

// Verify parses tokenStr and returns its claims with DoctorID resolved.
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	if tokenStr == "" {
		return nil, ErrMissingToken
	}
	if len(v.cfg.SigningKey) == 0 {
		return nil, fmt.Errorf("%w: no signing key configured", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return v.cfg.SigningKey, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if claims.DoctorID == 0 && claims.Subject != "" {
		id, err := strconv.ParseInt(claims.Subject, 10, 64)
		if err == nil {
			claims.DoctorID = id
		}
	}
	if claims.DoctorID <= 0 {
		return nil, fmt.Errorf("%w: token carries no doctor id", ErrInvalidToken)
	}
	return claims, nil
}

// BearerToken extracts a bearer credential from a request. The WebSocket
// handshake passes it as the `token` query parameter because browsers cannot
// set headers on upgrade requests; otherwise the Authorization header is used.
func BearerToken(r *http.Request) string {
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
		return strings.TrimPrefix(tok, "Bearer ")
	}
	return headerToken(r.Header.Get("Authorization"))
}

func headerToken(authHeader string) string {
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func JWTMiddleware(v *Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			tokenStr := headerToken(authHeader)
			if tokenStr == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims, err := v.Verify(tokenStr)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.Set("doctor_id", claims.DoctorID)
			c.SetRequest(c.Request().WithContext(WithDoctor(c.Request().Context(), claims.DoctorID, claims.Role)))

			return next(c)
		}
	}
}

// WithDoctor stores the authenticated doctor on ctx.
func WithDoctor(ctx context.Context, doctorID int64, role string) context.Context {
	ctx = context.WithValue(ctx, DoctorIDKey, doctorID)
	return context.WithValue(ctx, RoleKey, role)
}

func DoctorIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(DoctorIDKey).(int64)
	return id, ok && id > 0
}

func RoleFromContext(ctx context.Context) string {
	role, _ := ctx.Value(RoleKey).(string)
	return role
}
