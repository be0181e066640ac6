package balancer

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/dalbodeule/pool-gate/internal/errorpages"
	"github.com/dalbodeule/pool-gate/internal/logging"
	"github.com/dalbodeule/pool-gate/internal/observability"
)

// 대상 결정 방식. 메트릭/로그 라벨로 사용합니다.
const (
	modeSession = "session" // 세션이 풀 멤버 포트를 지목
	modeQuota   = "quota"   // 쿼터 셀렉터가 결정 (테이블 소진 시 내부 랜덤 폴백 포함)
	modeRandom  = "random"  // WebSocket 의 unknown-port 폴백
	modeIPHash  = "iphash"  // non-smart 모드
)

// ServeHTTP 는 리스너로 들어온 모든 교환의 진입점입니다.
// WebSocket 업그레이드 핸드셰이크와 일반 HTTP 요청을 같은 포트에서 구분해 처리합니다.
func (b *Balancer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isUpgradeRequest(r) {
		b.dispatchUpgrade(w, r)
		return
	}
	b.dispatchRequest(w, r)
}

// isUpgradeRequest 는 WebSocket 업그레이드 핸드셰이크를 식별합니다.
func isUpgradeRequest(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// dispatchRequest 는 일반 HTTP 요청 1건을 처리합니다:
// request 체인 실행 → 대상 결정 → 스트리밍 프록시 위임.
func (b *Balancer) dispatchRequest(w http.ResponseWriter, r *http.Request) {
	log := b.logger.With(logging.Fields{"request_id": uuid.NewString()})

	if err := b.chains.runRequest(w, r); err != nil {
		observability.ProxyErrorsTotal.WithLabelValues("middleware").Inc()
		b.emitError(fmt.Errorf("request middleware: %w", err))
		log.Warn("request aborted by middleware", logging.Fields{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
		// 체인이 실패하면 응답 없이 요청을 포기합니다. 응답이 필요한 경우는
		// 미들웨어가 next(err) 전에 직접 써야 합니다.
		panic(http.ErrAbortHandler)
	}

	target, mode, ok := b.resolveTarget(r, false)
	if !ok {
		observability.ProxyErrorsTotal.WithLabelValues("empty_registry").Inc()
		b.emitError(fmt.Errorf("no target available for %s (empty worker pool)", r.URL.Path))
		errorpages.Render(w, http.StatusBadGateway, "no workers available")
		return
	}

	observability.DispatchesTotal.WithLabelValues("http", mode).Inc()
	log.Debug("dispatching http request", logging.Fields{
		"path": r.URL.Path,
		"port": target.Port,
		"mode": mode,
	})

	if err := b.proxy.ForwardHTTP(w, r, targetAddr(target)); err != nil {
		observability.ProxyErrorsTotal.WithLabelValues("backend_request_failed").Inc()
		b.emitError(err)
	}
}

// dispatchUpgrade 는 WebSocket 업그레이드 1건을 처리합니다:
// 소켓 하이재킹 → upgrade 체인 실행 → 대상 결정 → 터널링.
func (b *Balancer) dispatchUpgrade(w http.ResponseWriter, r *http.Request) {
	log := b.logger.With(logging.Fields{"request_id": uuid.NewString()})

	hj, ok := w.(http.Hijacker)
	if !ok {
		observability.ProxyErrorsTotal.WithLabelValues("hijack_unsupported").Inc()
		b.emitError(fmt.Errorf("upgrade on non-hijackable connection (proto %s)", r.Proto))
		errorpages.Render(w, http.StatusBadRequest, "upgrade not supported on this connection")
		return
	}
	conn, bufrw, err := hj.Hijack()
	if err != nil {
		observability.ProxyErrorsTotal.WithLabelValues("hijack_failed").Inc()
		b.emitError(fmt.Errorf("hijack upgrade connection: %w", err))
		return
	}

	// 핸드셰이크 뒤에 이미 도착한 선행 바이트. 백엔드로 그대로 이어 보냅니다.
	var head []byte
	if n := bufrw.Reader.Buffered(); n > 0 {
		head, _ = bufrw.Reader.Peek(n)
	}

	if err := b.chains.runUpgrade(r, conn, head); err != nil {
		observability.ProxyErrorsTotal.WithLabelValues("middleware").Inc()
		b.emitError(fmt.Errorf("upgrade middleware: %w", err))
		log.Warn("upgrade aborted by middleware", logging.Fields{
			"path":  r.URL.Path,
			"error": err.Error(),
		})
		_ = conn.Close()
		return
	}

	target, mode, ok := b.resolveTarget(r, true)
	if !ok {
		observability.ProxyErrorsTotal.WithLabelValues("empty_registry").Inc()
		b.emitError(fmt.Errorf("no upgrade target available for %s (empty worker pool)", r.URL.Path))
		_ = conn.Close()
		return
	}

	observability.DispatchesTotal.WithLabelValues("websocket", mode).Inc()
	log.Debug("tunneling websocket upgrade", logging.Fields{
		"path": r.URL.Path,
		"port": target.Port,
		"mode": mode,
	})

	if err := b.proxy.TunnelUpgrade(conn, r, head, targetAddr(target)); err != nil {
		observability.ProxyErrorsTotal.WithLabelValues("upgrade_tunnel_failed").Inc()
		b.emitError(err)
	}
}

// resolveTarget 은 모드에 따라 디스패치 대상을 결정합니다.
//
// smart 모드:
//   - 세션이 풀 멤버 포트를 지목하면 그 포트를 그대로 사용합니다 (친화가 부하보다 우선).
//   - 세션이 풀에 없는 포트를 지목하면 HTTP 는 쿼터 셀렉터로, WebSocket 은
//     균등 랜덤으로 대체합니다. (두 경로의 유일한 비대칭)
//   - 세션이 없으면 쿼터 셀렉터가 결정합니다.
//
// non-smart 모드: 클라이언트 IP 해시가 결정합니다.
// 레지스트리가 비어 있으면 세 번째 반환값이 false 이며 요청은 프록시되지 않습니다.
func (b *Balancer) resolveTarget(r *http.Request, upgrade bool) (Target, string, bool) {
	if !b.cfg.UseSmartBalancing {
		t, ok := b.hasher.Resolve(r)
		return t, modeIPHash, ok
	}

	if dest, ok := b.session.Resolve(r); ok {
		if b.registry.Contains(dest.Port) {
			return dest, modeSession, true
		}
		if upgrade {
			port, ok := b.selector.RandomPort()
			return Target{Host: loopbackHost, Port: port}, modeRandom, ok
		}
		port, ok := b.selector.ChooseTargetPort()
		return Target{Host: loopbackHost, Port: port}, modeQuota, ok
	}

	port, ok := b.selector.ChooseTargetPort()
	return Target{Host: loopbackHost, Port: port}, modeQuota, ok
}

func targetAddr(t Target) string {
	return net.JoinHostPort(t.Host, fmt.Sprintf("%d", t.Port))
}
