package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/clinicdesk/scheduling-engine/internal/scheduling"
)

const callerKey contextKey = "caller"

// Caller is the identity the session boundary vouched for. The engine
// trusts it and performs its own ownership checks against it.
type Caller struct {
	ID   uuid.UUID
	Role scheduling.Role
}

// IdentityMiddleware lifts the upstream-verified X-Caller-ID and
// X-Caller-Role headers into the request context. Requests without a usable
// identity are rejected before they reach any handler.
func IdentityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get("X-Caller-ID"))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "missing_caller", "X-Caller-ID must be a valid UUID")
			return
		}

		role := scheduling.Role(r.Header.Get("X-Caller-Role"))
		switch role {
		case scheduling.RolePatient, scheduling.RoleDoctor, scheduling.RoleAdmin:
		default:
			writeError(w, http.StatusUnauthorized, "missing_caller", "X-Caller-Role must be patient, doctor or admin")
			return
		}

		ctx := context.WithValue(r.Context(), callerKey, Caller{ID: id, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetCaller retrieves the verified caller from context.
func GetCaller(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey).(Caller)
	return c, ok
}

func requireRole(w http.ResponseWriter, r *http.Request, role scheduling.Role) (Caller, bool) {
	caller, ok := GetCaller(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing_caller", "request has no verified caller")
		return Caller{}, false
	}
	if caller.Role != role {
		writeError(w, http.StatusForbidden, "wrong_role", "operation requires role "+string(role))
		return Caller{}, false
	}
	return caller, true
}
