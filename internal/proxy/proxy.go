package proxy

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dalbodeule/pool-gate/internal/errorpages"
	"github.com/dalbodeule/pool-gate/internal/logging"
)

// StreamProxy 는 선택된 워커로 바이트를 양방향 중계하는 스트리밍 프록시입니다. (ko)
// StreamProxy relays bytes in both directions to the selected worker. (en)
//
// HTTP 교환은 공유 Transport 로 전달하고, WebSocket 업그레이드는 하이재킹된
// 원시 소켓을 백엔드 TCP 연결에 직접 터널링합니다. 이 계층은 본문을 버퍼링하거나
// 해석하지 않습니다.
type StreamProxy struct {
	Transport   *http.Transport
	Logger      logging.Logger
	DialTimeout time.Duration
}

// NewStreamProxy 는 기본 Transport 및 로거를 사용해 StreamProxy 를 생성합니다.
func NewStreamProxy(logger logging.Logger) *StreamProxy {
	if logger == nil {
		logger = logging.NewStdJSONLogger("stream_proxy")
	}
	return &StreamProxy{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			// 업그레이드가 아닌 일반 교환만 이 Transport 를 지나므로 HTTP/1.1 로 충분합니다.
		},
		Logger:      logger.With(logging.Fields{"component": "stream_proxy"}),
		DialTimeout: 10 * time.Second,
	}
}

// ForwardHTTP 는 요청을 대상 워커로 전달하고 응답을 클라이언트로 스트리밍합니다.
//
// 응답 헤더 전송 전에 실패하면 500 과 "Proxy error - <message>" 본문을 쓰고,
// 본문 스트리밍 중에 실패하면 조용히 연결을 닫습니다. 두 경우 모두 에러를
// 반환하므로 호출자가 에러 싱크로 전달할 수 있습니다.
// 연결 종료는 http.Hijacker 를 구현하는 ResponseWriter(HTTP/1.x)에서만 일어나며,
// HTTP/2 스트림은 닫지 않습니다.
func (p *StreamProxy) ForwardHTTP(w http.ResponseWriter, r *http.Request, targetAddr string) error {
	outURL := *r.URL
	outURL.Scheme = "http"
	outURL.Host = targetAddr

	out, err := http.NewRequestWithContext(r.Context(), r.Method, outURL.String(), r.Body)
	if err != nil {
		err = fmt.Errorf("create backend request: %w", err)
		errorpages.Render(w, http.StatusInternalServerError, err.Error())
		return err
	}
	out.ContentLength = r.ContentLength
	out.Host = r.Host

	copyHeader(out.Header, r.Header)
	removeHopByHopHeaders(out.Header)
	appendForwardedFor(out.Header, r)

	res, err := p.Transport.RoundTrip(out)
	if err != nil {
		err = fmt.Errorf("backend request to %s: %w", targetAddr, err)
		errorpages.Render(w, http.StatusInternalServerError, err.Error())
		return err
	}
	defer res.Body.Close()

	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)

	if _, err := io.Copy(w, res.Body); err != nil {
		// 헤더는 이미 나갔으므로 응답을 쓸 수 없습니다. 연결만 닫힙니다.
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, herr := hj.Hijack(); herr == nil {
				_ = conn.Close()
			}
		}
		return fmt.Errorf("stream backend response from %s: %w", targetAddr, err)
	}
	return nil
}

// TunnelUpgrade 는 하이재킹된 클라이언트 소켓과 대상 워커 사이에
// WebSocket 업그레이드를 터널링합니다.
//
// 원본 핸드셰이크 요청을 백엔드에 재전송하고, 이미 읽힌 선행 바이트(head)를
// 이어 쓴 뒤, 어느 한쪽이 닫힐 때까지 양방향으로 바이트를 복사합니다.
func (p *StreamProxy) TunnelUpgrade(clientConn net.Conn, r *http.Request, head []byte, targetAddr string) error {
	backend, err := net.DialTimeout("tcp", targetAddr, p.DialTimeout)
	if err != nil {
		return fmt.Errorf("dial backend %s for upgrade: %w", targetAddr, err)
	}
	defer backend.Close()
	defer clientConn.Close()

	appendForwardedFor(r.Header, r)
	if err := r.Write(backend); err != nil {
		return fmt.Errorf("replay upgrade handshake to %s: %w", targetAddr, err)
	}
	if len(head) > 0 {
		if _, err := backend.Write(head); err != nil {
			return fmt.Errorf("write upgrade head bytes to %s: %w", targetAddr, err)
		}
	}

	// 한쪽 방향이 끝나면 반대쪽도 닫아 양쪽 연결을 함께 정리합니다.
	var once sync.Once
	done := make(chan error, 2)
	closeBoth := func() {
		once.Do(func() {
			_ = clientConn.Close()
			_ = backend.Close()
		})
	}

	go func() {
		_, err := io.Copy(backend, clientConn)
		closeBoth()
		done <- err
	}()
	go func() {
		_, err := io.Copy(clientConn, backend)
		closeBoth()
		done <- err
	}()

	first := <-done
	<-done
	if first != nil {
		return fmt.Errorf("upgrade tunnel to %s: %w", targetAddr, first)
	}
	return nil
}

// hopHeaders 는 홉 단위 헤더로, 백엔드로 전달하지 않습니다.
// 업그레이드 핸드셰이크는 이 경로를 지나지 않으므로 Upgrade/Connection 도 제거 대상입니다.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func removeHopByHopHeaders(h http.Header) {
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

// appendForwardedFor 는 표준 X-Forwarded-For 체인에 클라이언트 주소를 덧붙입니다.
func appendForwardedFor(h http.Header, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		h.Set("X-Forwarded-For", strings.Join([]string{prior, host}, ", "))
	} else {
		h.Set("X-Forwarded-For", host)
	}
}
