package admin

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dalbodeule/pool-gate/internal/balancer"
	"github.com/dalbodeule/pool-gate/internal/logging"
)

// PoolService 는 관리 plane 이 의존하는 밸런서 공개 연산입니다.
// *balancer.Balancer 가 구현합니다.
type PoolService interface {
	Workers() []balancer.Worker
	SetWorkers(workers []balancer.Worker)
	QuotaSnapshot() []balancer.QuotaEntry
	WorkerStatuses() map[int]balancer.WorkerStatus
	Host() string
}

// Handler 는 /api/v1/admin 관리 plane HTTP 엔드포인트를 제공합니다.
type Handler struct {
	Logger      logging.Logger
	AdminAPIKey string
	Service     PoolService
}

// NewHandler 는 새로운 Handler 를 생성합니다.
func NewHandler(logger logging.Logger, adminAPIKey string, svc PoolService) *Handler {
	return &Handler{
		Logger:      logger.With(logging.Fields{"component": "admin_api"}),
		AdminAPIKey: strings.TrimSpace(adminAPIKey),
		Service:     svc,
	}
}

// RegisterRoutes 는 전달받은 mux 에 관리 API 라우트를 등록합니다.
//   - GET  /api/v1/admin/pool           : 풀 전체 스냅샷 (워커/상태/쿼터)
//   - POST /api/v1/admin/pool/workers   : 워커 풀 일괄 교체
//   - GET  /metrics                     : Prometheus 메트릭 (인증 없음)
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("/api/v1/admin/pool", h.authMiddleware(http.HandlerFunc(h.handlePoolStatus)))
	mux.Handle("/api/v1/admin/pool/workers", h.authMiddleware(http.HandlerFunc(h.handleSetWorkers)))
	mux.Handle("/metrics", promhttp.Handler())
}

// authMiddleware 는 Authorization: Bearer {ADMIN_API_KEY} 헤더를 검증합니다.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.authenticate(r) {
			h.writeJSON(w, http.StatusUnauthorized, map[string]any{
				"success": false,
				"error":   "unauthorized",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) authenticate(r *http.Request) bool {
	if h.AdminAPIKey == "" {
		// Admin API 키가 설정되지 않았다면 모든 요청을 거부
		return false
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, prefix)) == h.AdminAPIKey
}

type poolStatusResponse struct {
	Host     string                        `json:"host"`
	Workers  []balancer.Worker             `json:"workers"`
	Statuses map[int]balancer.WorkerStatus `json:"statuses"`
	Quota    []balancer.QuotaEntry         `json:"quota"`
}

func (h *Handler) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeMethodNotAllowed(w)
		return
	}
	h.writeJSON(w, http.StatusOK, poolStatusResponse{
		Host:     h.Service.Host(),
		Workers:  h.Service.Workers(),
		Statuses: h.Service.WorkerStatuses(),
		Quota:    h.Service.QuotaSnapshot(),
	})
}

type setWorkersRequest struct {
	Workers []struct {
		Port int `json:"port"`
	} `json:"workers"`
}

type setWorkersResponse struct {
	Success bool   `json:"success"`
	Count   int    `json:"count,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (h *Handler) handleSetWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeMethodNotAllowed(w)
		return
	}

	var req setWorkersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Warn("invalid set workers request body", logging.Fields{"error": err.Error()})
		h.writeJSON(w, http.StatusBadRequest, setWorkersResponse{
			Success: false,
			Error:   "invalid request body",
		})
		return
	}

	workers := make([]balancer.Worker, 0, len(req.Workers))
	for _, e := range req.Workers {
		if e.Port <= 0 || e.Port > 65535 {
			h.writeJSON(w, http.StatusBadRequest, setWorkersResponse{
				Success: false,
				Error:   "worker port out of range",
			})
			return
		}
		workers = append(workers, balancer.Worker{Port: e.Port})
	}

	h.Service.SetWorkers(workers)
	h.Logger.Info("worker pool replaced via admin api", logging.Fields{"count": len(workers)})
	h.writeJSON(w, http.StatusOK, setWorkersResponse{
		Success: true,
		Count:   len(workers),
	})
}

func (h *Handler) writeMethodNotAllowed(w http.ResponseWriter) {
	h.writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
		"success": false,
		"error":   "method not allowed",
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.Logger.Error("failed to encode admin response", logging.Fields{"error": err.Error()})
	}
}
