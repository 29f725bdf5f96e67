package api

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/ctfdeploy/ctfdeploy/internal/netutil"
)

const sessionCookie = "user_uuid"

// ownerFromRequest returns the session id, or "" when the client never passed
// through the index page.
func ownerFromRequest(r *http.Request) string {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return ""
	}
	if _, err := uuid.Parse(c.Value); err != nil {
		return ""
	}
	return c.Value
}

// ensureSession sets the session cookie when missing. Only the index page
// does this; the action endpoints require an existing session.
func ensureSession(w http.ResponseWriter, r *http.Request) string {
	if owner := ownerFromRequest(r); owner != "" {
		return owner
	}
	owner := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    owner,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return owner
}

// adminOnly gates the operational endpoints: private-network callers pass,
// everyone else needs the configured admin key. The source check uses the
// proxy-aware resolved address, never raw forwarding headers.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := netutil.ClientIP(r)
		if netutil.IsPrivate(addr) {
			next.ServeHTTP(w, r)
			return
		}
		if s.cfg.AdminKey != "" && r.URL.Query().Get("admin_key") == s.cfg.AdminKey {
			next.ServeHTTP(w, r)
			return
		}
		s.logger.Warn().Str("client", addr).Str("path", r.URL.Path).Msg("admin access denied")
		writeErrorMsg(w, http.StatusForbidden, "admin key required")
	})
}
