package balancer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"syscall"

	"golang.org/x/net/http2"

	"github.com/dalbodeule/pool-gate/internal/config"
	"github.com/dalbodeule/pool-gate/internal/logging"
	"github.com/dalbodeule/pool-gate/internal/observability"
	"github.com/dalbodeule/pool-gate/internal/proxy"
)

// Controller 는 시작 시 한 번 호출되는 외부 훅입니다.
// 미들웨어 등록 등 밸런서 공개 연산에 접근할 수 있습니다.
type Controller interface {
	Setup(b *Balancer) error
}

// Balancer 는 세션 인지 리버스 프록시 / 로드 밸런서입니다.
//
// 공개 포트 하나에서 일반 HTTP 교환과 WebSocket 업그레이드를 함께 받아,
// smart 모드(세션 친화 + 쿼터 폴백) 또는 IP 해시 모드로 워커를 고른 뒤
// 스트리밍 프록시에 넘깁니다.
type Balancer struct {
	cfg    *config.BalancerConfig
	logger logging.Logger

	registry *Registry
	selector *QuotaSelector
	hasher   *IPHasher
	session  SessionParser
	poller   *StatusPoller
	chains   middlewareChains
	proxy    *proxy.StreamProxy

	controller Controller
	tlsConfig  *tls.Config // https 일 때 리스너에 주입할 설정 (cert 파일보다 우선)

	errMu       sync.RWMutex
	errHandlers []func(error)

	server *http.Server
}

// New 는 설정으로 Balancer 를 구성합니다. 리스너와 폴러는 Start 에서 기동됩니다.
func New(cfg *config.BalancerConfig, logger logging.Logger, controller Controller) (*Balancer, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewStdJSONLogger("balancer")
	}

	workers := make([]Worker, 0, len(cfg.Workers))
	for _, w := range cfg.Workers {
		workers = append(workers, Worker{Port: w.Port})
	}

	b := &Balancer{
		cfg:        cfg,
		logger:     logger.With(logging.Fields{"component": "balancer"}),
		registry:   NewRegistry(workers),
		controller: controller,
		proxy:      proxy.NewStreamProxy(logger),
	}
	b.selector = NewQuotaSelector(b.registry)
	b.hasher = NewIPHasher(b.registry)
	b.poller = NewStatusPoller(PollerConfig{
		Interval:      cfg.StatusCheckInterval,
		Timeout:       cfg.CheckStatusTimeout,
		StatusURL:     cfg.StatusURL,
		DataKey:       cfg.DataKey,
		BalancerCount: cfg.BalancerCount,
	}, b.registry, b.selector, logger, b.emitError)

	observability.PoolWorkers.Set(float64(len(workers)))
	return b, nil
}

// OnError 는 비동기 에러 싱크에 핸들러를 등록합니다.
// 리스너/프록시/폴러에서 발생한 에러가 모두 이 채널로 모입니다.
func (b *Balancer) OnError(fn func(error)) {
	if fn == nil {
		return
	}
	b.errMu.Lock()
	b.errHandlers = append(b.errHandlers, fn)
	b.errMu.Unlock()
}

// emitError 는 무해한 전송 에러를 걸러낸 뒤 등록된 핸들러에 에러를 전달합니다.
func (b *Balancer) emitError(err error) {
	if err == nil || isBenignTransportError(err) {
		return
	}
	b.errMu.RLock()
	handlers := b.errHandlers
	b.errMu.RUnlock()
	for _, fn := range handlers {
		fn(err)
	}
}

// isBenignTransportError 는 클라이언트가 일방적으로 끊을 때 흔히 생기는
// 전송 에러를 식별합니다. 원 구현의 "read ECONNRESET"/"socket hang up" 두 메시지와
// Go 런타임의 대응 에러를 함께 거릅니다.
func isBenignTransportError(err error) bool {
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "read ECONNRESET") ||
		strings.Contains(msg, "socket hang up") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe")
}

// AddRequestMiddleware 는 request 체인 끝에 핸들러를 추가합니다.
func (b *Balancer) AddRequestMiddleware(m RequestMiddleware) {
	b.chains.addRequest(m)
}

// AddUpgradeMiddleware 는 upgrade 체인 끝에 핸들러를 추가합니다.
func (b *Balancer) AddUpgradeMiddleware(m UpgradeMiddleware) {
	b.chains.addUpgrade(m)
}

// SetWorkers 는 워커 풀과 포트 집합을 원자적으로 교체합니다.
// 교체 전에 수집된 워커 상태 항목은 그대로 남습니다(다음 사이클부터 새 풀 기준).
func (b *Balancer) SetWorkers(workers []Worker) {
	b.registry.SetWorkers(workers)
	observability.PoolWorkers.Set(float64(len(workers)))
	b.logger.Info("worker pool replaced", logging.Fields{
		"workers": len(workers),
	})
}

// Workers 는 현재 워커 목록을 반환합니다.
func (b *Balancer) Workers() []Worker { return b.registry.Workers() }

// QuotaSnapshot 은 현재 쿼터 테이블의 사본을 반환합니다.
func (b *Balancer) QuotaSnapshot() []QuotaEntry { return b.selector.Snapshot() }

// WorkerStatuses 는 마지막 폴링 결과의 사본을 반환합니다.
func (b *Balancer) WorkerStatuses() map[int]WorkerStatus { return b.poller.Statuses() }

// Host 는 설정에 광고된 호스트명을 반환합니다. 대상 결정에는 쓰이지 않습니다.
func (b *Balancer) Host() string { return b.cfg.Host }

// SetTLSConfig 는 https 리스너에 사용할 tls.Config 를 주입합니다.
// Start 전에 호출해야 하며, 설정 파일의 cert/key 경로보다 우선합니다.
func (b *Balancer) SetTLSConfig(cfg *tls.Config) { b.tlsConfig = cfg }

// Start 는 컨트롤러 훅을 실행하고 상태 폴러와 공개 리스너를 기동합니다.
// 리스너가 닫힐 때까지 블록합니다.
func (b *Balancer) Start(ctx context.Context) error {
	if b.controller != nil {
		if err := b.controller.Setup(b); err != nil {
			return fmt.Errorf("balancer controller setup: %w", err)
		}
	}

	b.poller.Start(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", b.cfg.SourcePort),
		Handler: b,
	}
	b.server = srv

	b.logger.Info("balancer listening", logging.Fields{
		"protocol":        b.cfg.Protocol,
		"source_port":     b.cfg.SourcePort,
		"host":            b.cfg.Host,
		"workers":         b.registry.Len(),
		"smart_balancing": b.cfg.UseSmartBalancing,
	})

	if b.cfg.Protocol == "https" {
		tlsCfg, err := b.listenerTLSConfig()
		if err != nil {
			return err
		}
		srv.TLSConfig = tlsCfg
		if err := http2.ConfigureServer(srv, &http2.Server{}); err != nil {
			return fmt.Errorf("configure http2: %w", err)
		}
		err = srv.ListenAndServeTLS("", "")
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}

	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// listenerTLSConfig 는 주입된 설정 > cert 파일 쌍 순서로 TLS 설정을 결정합니다.
func (b *Balancer) listenerTLSConfig() (*tls.Config, error) {
	if b.tlsConfig != nil {
		return b.tlsConfig, nil
	}
	if b.cfg.TLSCertFile != "" && b.cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(b.cfg.TLSCertFile, b.cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load tls key pair: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
	}
	return nil, fmt.Errorf("https protocol requires a tls config or cert/key files")
}

// Shutdown 은 공개 리스너를 정상 종료합니다.
func (b *Balancer) Shutdown(ctx context.Context) error {
	if b.server != nil {
		return b.server.Shutdown(ctx)
	}
	return nil
}
