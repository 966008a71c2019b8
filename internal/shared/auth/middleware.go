package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/carebridge/triage/internal/shared/config"
	"github.com/carebridge/triage/internal/shared/types"
)

type contextKey string

const (
	UserContextKey contextKey = "user"
)

// Role identifies the kind of authenticated actor.
type Role string

const (
	RolePhysician Role = "physician"
	RoleNurse     Role = "nurse"
	RoleAdmin     Role = "admin"
	RoleService   Role = "service"
)

// User represents the authenticated clinician (or service account) from
// JWT claims.
type User struct {
	ID   types.ID `json:"sub"`
	Role Role     `json:"role"`
	// Panel lists the patient IDs this clinician is assigned to.
	// Pending-review queries and unlock actions are scoped to it.
	Panel     []types.ID `json:"panel"`
	SessionID string     `json:"session_id"`
}

// Claims extends JWT claims with engine-specific data
type Claims struct {
	jwt.RegisteredClaims
	Role      string   `json:"role"`
	Panel     []string `json:"panel"`
	SessionID string   `json:"session_id"`
}

// Middleware creates JWT authentication middleware
func Middleware(cfg config.AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
				writeError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			token, err := jwt.ParseWithClaims(parts[1], &Claims{}, func(token *jwt.Token) (interface{}, error) {
				return []byte(cfg.JWTSecret), nil
			})
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			claims, ok := token.Claims.(*Claims)
			if !ok || !token.Valid {
				writeError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			user := &User{
				ID:        types.ID(claims.Subject),
				Role:      Role(claims.Role),
				SessionID: claims.SessionID,
			}
			for _, p := range claims.Panel {
				if id, err := types.ParseID(p); err == nil {
					user.Panel = append(user.Panel, id)
				}
			}

			ctx := context.WithValue(r.Context(), UserContextKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUser extracts the authenticated user from the request context
func GetUser(ctx context.Context) *User {
	user, _ := ctx.Value(UserContextKey).(*User)
	return user
}

// IsAdmin checks if the user has the admin role
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdmin
}

// IsClinician reports whether the user can perform verification actions.
func (u *User) IsClinician() bool {
	return u != nil && (u.Role == RolePhysician || u.Role == RoleNurse)
}

// CanActOnPatient reports whether the user's panel covers the patient.
// Admin and service accounts are unscoped.
func (u *User) CanActOnPatient(patientID types.ID) bool {
	if u == nil {
		return false
	}
	if u.Role == RoleAdmin || u.Role == RoleService {
		return true
	}
	for _, p := range u.Panel {
		if p == patientID {
			return true
		}
	}
	return false
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
