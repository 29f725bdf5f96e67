package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ctfdeploy/ctfdeploy/internal/admission"
	"github.com/ctfdeploy/ctfdeploy/internal/model"
	"github.com/ctfdeploy/ctfdeploy/internal/netutil"
)

const serviceName = "CTF Challenge Deployer"

type deployResponse struct {
	Message        string `json:"message"`
	Port           int    `json:"port"`
	ID             string `json:"id"`
	ExpirationTime int64  `json:"expiration_time"`
}

// handleIndex serves the challenge page and plants the session cookie. The
// caller's current lease, if any, is rendered into the page.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	owner := ensureSession(w, r)

	data := map[string]any{
		"Title":         s.cfg.ChallengeTitle,
		"Description":   s.cfg.ChallengeDesc,
		"BypassCaptcha": s.cfg.BypassCaptcha,
		"LeaseMinutes":  int(s.cfg.LeaveTime.Minutes()),
		"ExtendMinutes": int(s.cfg.AddTime.Minutes()),
		"Active":        false,
		"Port":          0,
		"ExpiresAt":     int64(0),
	}
	if l, status, err := s.manager.Status(r.Context(), owner); err == nil && status.Running {
		data["Active"] = true
		data["Port"] = l.Port
		data["ExpiresAt"] = l.ExpiresAt.Unix()
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, data); err != nil {
		s.logger.Error().Err(err).Msg("failed to render index")
	}
}

func (s *Server) handleCaptcha(w http.ResponseWriter, r *http.Request) {
	if s.cfg.BypassCaptcha {
		writeJSON(w, http.StatusOK, map[string]any{"bypass": true})
		return
	}
	id, image, err := s.captcha.Issue()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to generate captcha")
		writeErrorMsg(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"captcha_id":    id,
		"captcha_image": image,
	})
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromRequest(r)
	clientAddr := netutil.ClientIP(r)

	req := admission.Request{
		Owner:         owner,
		ClientAddr:    clientAddr,
		CaptchaID:     r.FormValue("captcha_id"),
		CaptchaAnswer: r.FormValue("captcha_answer"),
	}
	if err := s.admission.Admit(r.Context(), req); err != nil {
		writeLeaseError(w, err)
		return
	}

	l, err := s.manager.Create(r.Context(), owner, clientAddr)
	if err != nil {
		s.logger.Error().Err(err).Str("owner", owner).Msg("deploy failed")
		writeLeaseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, deployResponse{
		Message:        "Your CTF challenge is ready! Redirecting to your instance...",
		Port:           l.Port,
		ID:             l.ID,
		ExpirationTime: l.ExpiresAt.Unix(),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromRequest(r)
	if owner == "" {
		writeLeaseError(w, model.ErrInvalidSession)
		return
	}
	if err := s.manager.Stop(r.Context(), owner); err != nil {
		writeLeaseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Challenge instance stopped successfully"})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromRequest(r)
	if owner == "" {
		writeLeaseError(w, model.ErrInvalidSession)
		return
	}
	if err := s.manager.Restart(r.Context(), owner); err != nil {
		writeLeaseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Challenge instance restarted successfully"})
}

func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromRequest(r)
	if owner == "" {
		writeLeaseError(w, model.ErrInvalidSession)
		return
	}
	l, err := s.manager.Extend(r.Context(), owner)
	if err != nil {
		writeLeaseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":             fmt.Sprintf("Challenge lifetime extended by %d minutes!", int(s.cfg.AddTime.Minutes())),
		"new_expiration_time": l.ExpiresAt.Unix(),
	})
}

// handleStatus reports service-level state: active deployments, pool headroom
// and store health.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	active, err := s.store.CountLeases(ctx)
	if err != nil {
		writeLeaseError(w, err)
		return
	}
	total, allocated, err := s.store.CountPorts(ctx)
	if err != nil {
		writeLeaseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "online",
		"service":            serviceName,
		"active_containers":  active,
		"available_ports":    total - allocated,
		"db_connection_pool": s.store.PoolStats(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, line := range s.ring.Tail(logTailLines) {
		_, _ = w.Write([]byte(line))
	}
}

// handleAdminStatus is the operator's one-stop view: leases, ports, resource
// snapshot and pool health.
func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	leases, err := s.store.AllLeases(ctx)
	if err != nil {
		writeLeaseError(w, err)
		return
	}
	total, allocated, err := s.store.CountPorts(ctx)
	if err != nil {
		writeLeaseError(w, err)
		return
	}

	type leaseView struct {
		ID        string `json:"id"`
		Port      int    `json:"port"`
		Owner     string `json:"owner"`
		ExpiresAt int64  `json:"expires_at"`
	}
	views := make([]leaseView, 0, len(leases))
	for _, l := range leases {
		views = append(views, leaseView{ID: l.ID, Port: l.Port, Owner: l.Owner, ExpiresAt: l.ExpiresAt.Unix()})
	}

	snap := s.monitor.Snapshot(ctx)
	writeJSON(w, http.StatusOK, map[string]any{
		"leases":          views,
		"ports_total":     total,
		"ports_allocated": allocated,
		"resources": map[string]any{
			"containers":   snap.Leases,
			"cpu_percent":  snap.CPUPercent,
			"memory_gb":    snap.MemoryGB,
			"taken_at":     snap.TakenAt.Unix(),
			"cpu_limit":    snap.CPULimit,
			"memory_limit": snap.MemoryLimit,
			"lease_limit":  snap.LeaseLimit,
		},
		"db_pool":        s.store.PoolStats(),
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
	})
}
