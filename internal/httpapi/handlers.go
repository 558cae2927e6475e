package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"pingcast/internal/ping"
	logx "pingcast/pkg/logx"
)

// Engine is the part of *ping.Engine the handlers use.
type Engine interface {
	Login(ctx context.Context, identity, secret, deviceID string) (string, error)
	Refresh(identity, token string) (string, bool)
	Send(ctx context.Context, text, group string) error
	ForceRotate(ctx context.Context) (ping.RotationResult, error)
	Stats() ping.Stats
}

const (
	maxBodyBytes = 1 << 20
	minPingLen   = 2

	respSent     = "sent"
	respBadGroup = "badGroup"
	respInvalid  = "invalid"
	respDone     = "done"
)

type loginResponse struct {
	Challenge string `json:"challenge"`
	Valid     bool   `json:"valid"`
}

type statusResponse struct {
	Response string `json:"response"`
}

type handlers struct {
	eng Engine
	log logx.Logger
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newLoginResponse(token string) loginResponse {
	return loginResponse{Challenge: token, Valid: token != ""}
}

// parseForm reads a form body capped at maxBodyBytes.
func parseForm(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return false
	}
	return true
}

func (h *handlers) login(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r) {
		return
	}
	identity := r.PostForm.Get("username")
	secret := r.PostForm.Get("password")
	device := r.PostForm.Get("deviceID")

	token, err := h.eng.Login(r.Context(), identity, secret, device)
	if err != nil && !errors.Is(err, ping.ErrBadLogin) {
		h.log.Warn("login failed", logx.String("identity", identity), logx.Err(err))
	}
	writeJSON(w, http.StatusOK, newLoginResponse(token))
}

func (h *handlers) refresh(w http.ResponseWriter, r *http.Request) {
	if !parseForm(w, r) {
		return
	}
	token, _ := h.eng.Refresh(r.PostForm.Get("username"), r.PostForm.Get("challenge"))
	writeJSON(w, http.StatusOK, newLoginResponse(token))
}

func (h *handlers) ping(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	body := q.Get("body")
	group := strings.TrimSpace(q.Get("group"))
	if group == "" {
		group = ping.GroupAll
	}
	if len(body) < minPingLen {
		writeJSON(w, http.StatusOK, statusResponse{Response: respInvalid})
		return
	}

	err := h.eng.Send(r.Context(), body, group)
	var de *ping.DeliveryError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, statusResponse{Response: respSent})
	case errors.Is(err, ping.ErrInvalidGroup):
		writeJSON(w, http.StatusOK, statusResponse{Response: respBadGroup})
	case errors.As(err, &de):
		writeJSON(w, http.StatusOK, statusResponse{Response: "failed: " + de.Reason()})
	default:
		h.log.Error("ping failed", logx.String("group", group), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, statusResponse{Response: "failed: internal error"})
	}
}

func (h *handlers) forceRefresh(w http.ResponseWriter, r *http.Request) {
	if _, err := h.eng.ForceRotate(r.Context()); err != nil {
		h.log.Error("forced rotation failed", logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, statusResponse{Response: "failed: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{Response: respDone})
}

type healthResponse struct {
	Status       string     `json:"status"`
	Sessions     int        `json:"sessions"`
	Groups       int        `json:"groups"`
	Rotations    uint64     `json:"rotations"`
	LastRotation *time.Time `json:"last_rotation,omitempty"`
}

func (h *handlers) healthz(w http.ResponseWriter, r *http.Request) {
	st := h.eng.Stats()
	resp := healthResponse{Status: "ok", Sessions: st.Sessions, Groups: st.Groups, Rotations: st.Rotations}
	if !st.LastRotation.IsZero() {
		t := st.LastRotation
		resp.LastRotation = &t
	}
	status := http.StatusOK
	if !st.Bootstrapped {
		resp.Status = "starting"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func badRequest(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusBadRequest)
}
