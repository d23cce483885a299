// Package httpapi wires the admission pipeline and its supporting
// components onto the public HTTP surface named in spec §6: POST /mint
// and its hidden-endpoint twin, the read-only capacity and abuse-stats
// endpoints, the abuse ban/whitelist administration endpoints, and the
// three liveness probes.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/xbsc-402/x402-backend/internal/abuse"
	"github.com/xbsc-402/x402-backend/internal/admission"
	"github.com/xbsc-402/x402-backend/internal/burstlimit"
	"github.com/xbsc-402/x402-backend/internal/capacity"
	"github.com/xbsc-402/x402-backend/internal/deadline"
	"github.com/xbsc-402/x402-backend/internal/facilitator"
	"github.com/xbsc-402/x402-backend/internal/gwerr"
	"github.com/xbsc-402/x402-backend/internal/kvpool"
	"github.com/xbsc-402/x402-backend/internal/logging"
	"github.com/xbsc-402/x402-backend/internal/metrics"
)

const headerRequestID = "X-Request-ID"

// KVHealthChecker is the subset of kvpool.Pool the health endpoint needs.
type KVHealthChecker interface {
	Status() kvpool.Status
}

// FacilitatorHealthChecker is the subset of facilitator.Client the health
// endpoint needs.
type FacilitatorHealthChecker interface {
	Health(ctx context.Context) error
}

// Server bundles the admission pipeline and its read-only neighbors into
// one http.Handler.
type Server struct {
	mux                *http.ServeMux
	pipeline           *admission.Pipeline
	abuseDet           *abuse.Detector
	capacityMgr        *capacity.Manager
	deadlines          *deadline.Cache
	burstLimiter       *burstlimit.Limiter
	metrics            *metrics.Metrics
	facilitatorHealth  FacilitatorHealthChecker
	kvHealth           KVHealthChecker
	internalMintSecret string
	logger             *logging.Logger
}

// Deps is everything New needs to build the full route table.
type Deps struct {
	Pipeline           *admission.Pipeline
	AbuseDetector      *abuse.Detector
	CapacityManager    *capacity.Manager
	Deadlines          *deadline.Cache
	BurstLimiter       *burstlimit.Limiter
	Metrics            *metrics.Metrics
	FacilitatorHealth  FacilitatorHealthChecker
	KVHealth           KVHealthChecker
	InternalMintSecret string
	Logger             *logging.Logger
}

// New builds the route table described in spec §6.
func New(d Deps) *Server {
	s := &Server{
		mux:                http.NewServeMux(),
		pipeline:           d.Pipeline,
		abuseDet:           d.AbuseDetector,
		capacityMgr:        d.CapacityManager,
		deadlines:          d.Deadlines,
		burstLimiter:       d.BurstLimiter,
		metrics:            d.Metrics,
		facilitatorHealth:  d.FacilitatorHealth,
		kvHealth:           d.KVHealth,
		internalMintSecret: d.InternalMintSecret,
		logger:             d.Logger,
	}

	s.mux.HandleFunc("POST /mint", s.handleMint(false))
	s.mux.HandleFunc("POST /internal/mint/{secret}", s.handleInternalMint)
	s.mux.HandleFunc("GET /capacity/{token}", s.handleCapacity)
	s.mux.HandleFunc("GET /abuse/stats/{identifier}", s.handleAbuseStats)
	s.mux.HandleFunc("POST /abuse/ban", s.handleAbuseBan)
	s.mux.HandleFunc("POST /abuse/unban", s.handleAbuseUnban)
	s.mux.HandleFunc("POST /abuse/whitelist/add", s.handleWhitelistAdd)
	s.mux.HandleFunc("POST /abuse/whitelist/remove", s.handleWhitelistRemove)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /payment/health", s.handlePaymentHealth)
	s.mux.HandleFunc("GET /kv/health", s.handleKVHealth)

	return s
}

// ServeHTTP implements http.Handler, wrapping the route table with the
// request-id and CORS middleware every request passes through.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	withCORS(withRequestID(s.mux)).ServeHTTP(w, r)
}

// withRequestID assigns each request a correlation id (reusing an
// upstream-supplied one, if present), echoes it on the response, and
// threads it through the request's context for logging.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(headerRequestID))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		ctx := logging.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// withCORS makes the public, browser-callable surface reachable from
// in-page x402 clients, exposing the two payment headers a caller needs to
// read back (spec §6's ambient CORS note).
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Payment, "+headerRequestID)
		w.Header().Set("Access-Control-Expose-Headers", "X-Payment-Options, X-Payment-Response, "+headerRequestID)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleMint(skipRateLimit bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mint(w, r, skipRateLimit)
	}
}

// handleInternalMint implements the hidden-endpoint twin of POST /mint:
// identical semantics minus the rate limit, gated by the opaque path secret
// plus the abuse detector's whitelist (spec §4.6 step 2) — a caller that
// guesses or leaks the secret still needs an explicitly whitelisted IP.
func (s *Server) handleInternalMint(w http.ResponseWriter, r *http.Request) {
	secret := r.PathValue("secret")
	if secret == "" || secret != s.internalMintSecret {
		writeError(w, gwerr.New(gwerr.KindUnauthorized, "not found"))
		return
	}
	if gateErr, err := s.pipeline.WhitelistGate(r.Context(), clientIP(r)); err != nil {
		writeError(w, gwerr.Wrap(gwerr.KindDependencyUnavailable, "whitelist check unavailable", err))
		return
	} else if gateErr != nil {
		writeError(w, gateErr)
		return
	}
	s.mint(w, r, true)
}

func (s *Server) mint(w http.ResponseWriter, r *http.Request, skipRateLimit bool) {
	ip := clientIP(r)

	if !skipRateLimit && s.burstLimiter != nil {
		res, err := s.burstLimiter.Allow(r.Context(), ip)
		if err != nil {
			writeError(w, gwerr.Wrap(gwerr.KindDependencyUnavailable, "burst limiter unavailable", err))
			return
		}
		if !res.Allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%.0f", res.RetryAfter.Seconds()))
			s.recordMintOutcome(r.Context(), metrics.OutcomeDenied, "burst_limited")
			writeError(w, gwerr.New(gwerr.KindRateLimited, "too many requests"))
			return
		}
	}

	body, err := decodeBody(r)
	if err != nil {
		writeError(w, gwerr.Wrap(gwerr.KindMalformedRequest, "malformed request body", err))
		return
	}
	req, err := admission.DecodeMintRequest(body)
	if err != nil {
		writeError(w, gwerr.Wrap(gwerr.KindMalformedRequest, "malformed request body", err))
		return
	}

	out := s.pipeline.Handle(r.Context(), req, ip, r.Header.Get("X-Payment"), skipRateLimit)

	for k, v := range out.Headers {
		w.Header().Set(k, v)
	}

	if out.Err != nil {
		if out.Challenge != nil {
			s.recordMintOutcome(r.Context(), metrics.OutcomeChallengeIssued, "")
			writeJSON(w, out.Err.Status(), map[string]any{"paymentRequired": out.Challenge})
			return
		}
		s.recordMintOutcome(r.Context(), metrics.OutcomeDenied, out.Err.Reason)
		writeError(w, out.Err)
		return
	}
	s.recordMintOutcome(r.Context(), metrics.OutcomeSettled, "")
	writeJSON(w, http.StatusOK, out.Response)
}

func (s *Server) recordMintOutcome(ctx context.Context, outcome metrics.Outcome, reason string) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordMintRequest(ctx, outcome, reason)
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	token := strings.ToLower(strings.TrimSpace(r.PathValue("token")))
	if token == "" {
		writeError(w, gwerr.New(gwerr.KindMalformedRequest, "token address is required"))
		return
	}

	expired, err := s.deadlines.IsExpired(r.Context(), token)
	if err != nil {
		writeError(w, gwerr.Wrap(gwerr.KindDependencyUnavailable, "deadline read failed", err))
		return
	}
	if expired {
		writeError(w, gwerr.New(gwerr.KindTokenExpired, "Token deployment period has ended"))
		return
	}

	info, err := s.capacityMgr.CheckCapacity(r.Context(), token, 0)
	if err != nil && err != capacity.ErrCapacityExceeded {
		writeError(w, gwerr.Wrap(gwerr.KindDependencyUnavailable, "capacity read failed", err))
		return
	}

	percentage := 0.0
	if info.Max > 0 {
		percentage = float64(int64(info.Current)+info.Pending) / float64(info.Max) * 100
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"capacity": map[string]any{
			"max":        info.Max,
			"current":    info.Current,
			"pending":    info.Pending,
			"available":  info.Available,
			"percentage": percentage,
		},
	})
}

func (s *Server) handleAbuseStats(w http.ResponseWriter, r *http.Request) {
	identifier := strings.TrimSpace(r.PathValue("identifier"))
	if identifier == "" {
		writeError(w, gwerr.New(gwerr.KindMalformedRequest, "identifier is required"))
		return
	}
	stats, err := s.abuseDet.GetStats(r.Context(), identifier)
	if err != nil {
		writeError(w, gwerr.Wrap(gwerr.KindDependencyUnavailable, "abuse stats read failed", err))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type identifierRequest struct {
	Identifier string `json:"identifier"`
}

func (s *Server) handleAbuseBan(w http.ResponseWriter, r *http.Request) {
	s.withIdentifier(w, r, s.abuseDet.ManualBan)
}

func (s *Server) handleAbuseUnban(w http.ResponseWriter, r *http.Request) {
	s.withIdentifier(w, r, s.abuseDet.Unban)
}

func (s *Server) handleWhitelistAdd(w http.ResponseWriter, r *http.Request) {
	s.withIdentifier(w, r, s.abuseDet.AddToWhitelist)
}

func (s *Server) handleWhitelistRemove(w http.ResponseWriter, r *http.Request) {
	s.withIdentifier(w, r, s.abuseDet.RemoveFromWhitelist)
}

func (s *Server) withIdentifier(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	body, err := decodeBody(r)
	if err != nil {
		writeError(w, gwerr.Wrap(gwerr.KindMalformedRequest, "malformed request body", err))
		return
	}
	var req identifierRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Identifier == "" {
		writeError(w, gwerr.New(gwerr.KindMalformedRequest, "identifier is required"))
		return
	}
	if err := op(r.Context(), req.Identifier); err != nil {
		writeError(w, gwerr.Wrap(gwerr.KindDependencyUnavailable, "abuse administration operation failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePaymentHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if err := s.facilitatorHealth.Health(ctx); err != nil {
		s.logger.Warn(ctx, "facilitator health check failed", slog.Any("error", err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleKVHealth(w http.ResponseWriter, r *http.Request) {
	status := s.kvHealth.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"total":   status.Total,
		"idle":    status.Idle,
		"active":  status.Active,
		"waiting": status.Waiting,
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
	}
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx != -1 {
		return host[:idx]
	}
	return host
}

func decodeBody(r *http.Request) ([]byte, error) {
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err *gwerr.Error) {
	body := map[string]any{"error": err.Message}
	if err.Reason != "" {
		body["reason"] = err.Reason
	}
	writeJSON(w, err.Status(), body)
}
