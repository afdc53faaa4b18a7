package core

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"crewdesk/internal/types"
)

const (
	AdminKeyHeader = "X-Admin-Key"
	OrgHeader      = "X-Organization-Id"
)

// AdminAuth accepts the operator key either as X-Admin-Key or as a Bearer
// token, then scopes the request to the organization named in
// X-Organization-Id. The resulting Actor is stored in the context.
func (s *Server) AdminAuth(next http.Handler) http.Handler {
	expected := []byte(s.Config.Security.AdminAPIKey.Unmask())

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(AdminKeyHeader)
		if key == "" {
			key = bearerToken(r.Header.Get("Authorization"))
		}
		if key == "" {
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenMissing, "admin key required", nil))
			return
		}
		if len(expected) == 0 || subtle.ConstantTimeCompare([]byte(key), expected) != 1 {
			s.Logger.WarnContext(r.Context(), "rejected admin key", "path", r.URL.Path)
			Error(w, r, types.NewAppError(types.ErrCodeAuthTokenInvalid, "invalid admin key", nil))
			return
		}

		orgID := strings.TrimSpace(r.Header.Get(OrgHeader))
		if orgID == "" {
			Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
				OrgHeader+" header is required", nil, map[string]any{"header": OrgHeader}))
			return
		}

		ctx := types.WithActor(r.Context(), types.Actor{
			ID:             "operator",
			Type:           types.ActorTypeOperator,
			OrganizationID: orgID,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

// OrgID returns the organization the request is scoped to. Handlers mounted
// behind AdminAuth can rely on it being set.
func OrgID(r *http.Request) (string, error) {
	actor, ok := types.GetActor(r.Context())
	if !ok || actor.OrganizationID == "" {
		return "", types.NewAppError(types.ErrCodeAuthTokenMissing, "request is not scoped to an organization", nil)
	}
	return actor.OrganizationID, nil
}
