package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// 전역 레지스트리에 등록할 PoolGate 메트릭들을 정의합니다.
// Prometheus 기본 네임스페이스를 사용하며, 메트릭 이름에 poolgate_ 접두어를 붙입니다.

var (
	// 디스패치된 요청 수 (kind: http/websocket, mode: session/quota/random/iphash 라벨 포함).
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolgate_dispatches_total",
			Help: "Total number of dispatched requests, labeled by kind and target selection mode.",
		},
		[]string{"kind", "mode"},
	)

	// Proxy 에러 카운터 (에러 유형 라벨 포함).
	ProxyErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolgate_proxy_errors_total",
			Help: "Total number of proxy-related errors, labeled by error type.",
		},
		[]string{"type"}, // e.g. middleware, backend_request_failed, upgrade_tunnel_failed, empty_registry
	)

	// 상태 폴링 1 사이클 소요 시간 분포.
	StatusPollDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "poolgate_status_poll_duration_seconds",
			Help:    "Histogram of status poll cycle latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// 상태 프로브 실패 수 (워커 포트 라벨 포함).
	StatusProbeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "poolgate_status_probe_failures_total",
			Help: "Total number of failed worker status probes, labeled by worker port.",
		},
		[]string{"port"},
	)

	// 현재 쿼터 테이블 엔트리 수 (발행 시와 매 선택 후 갱신).
	QuotaTableSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "poolgate_quota_table_size",
			Help: "Number of entries currently in the quota table.",
		},
	)

	// 현재 등록된 워커 수.
	PoolWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "poolgate_pool_workers",
			Help: "Number of workers currently registered in the pool.",
		},
	)
)

// MustRegister 는 위에서 정의한 메트릭들을 전역 Prometheus 레지스트리에 등록합니다.
// 서버 시작 시 한 번만 호출해야 합니다.
func MustRegister() {
	prometheus.MustRegister(
		DispatchesTotal,
		ProxyErrorsTotal,
		StatusPollDurationSeconds,
		StatusProbeFailuresTotal,
		QuotaTableSize,
		PoolWorkers,
	)
}
