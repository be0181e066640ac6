package errorpages

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Render writes an error page HTML for the given HTTP status code to the response writer.
// 상태 코드에 대한 에러 페이지 HTML을 응답에 씁니다. 외부 템플릿이 없으면
// 프록시 기본 본문으로 폴백합니다.
//
// 500 의 기본 본문은 "Proxy error - <detail>" 이며 헤더가 아직 전송되지 않은
// 프록시 실패에만 사용해야 합니다.
func Render(w http.ResponseWriter, status int, detail string) {
	html, ok := Load(status)

	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(status)

	if ok {
		_, _ = w.Write(html)
		return
	}

	if status == http.StatusInternalServerError {
		_, _ = fmt.Fprintf(w, "Proxy error - %s", detail)
		return
	}
	_, _ = fmt.Fprintf(w, "%d %s", status, http.StatusText(status))
}

// Load attempts to load an error page for the given HTTP status code from
// $POOL_ERROR_PAGES_DIR/<status>.html (or ./errors/<status>.html if env is empty).
//
// 주어진 상태 코드에 대한 에러 페이지를 외부 디렉터리에서 로드합니다.
// 파일이 없으면 두 번째 반환값이 false 입니다.
func Load(status int) ([]byte, bool) {
	name := fmt.Sprintf("%d.html", status)

	dir := strings.TrimSpace(os.Getenv("POOL_ERROR_PAGES_DIR"))
	if dir == "" {
		dir = "./errors"
	}
	p := filepath.Join(dir, name)
	if data, err := os.ReadFile(p); err == nil {
		return data, true
	}

	return nil, false
}
