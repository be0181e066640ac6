package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// 밸런서 설정의 기본값입니다. 환경변수로 재정의할 수 있습니다.
const (
	DefaultStatusCheckInterval = 5 * time.Second
	DefaultCheckStatusTimeout  = 10 * time.Second
	DefaultStatusURL           = "/~status"
	DefaultBalancerCount       = 1
)

// LoggingConfig 는 공통 로그 설정을 담습니다.
type LoggingConfig struct {
	Level string // 예: "debug", "info", "warn", "error"
}

// WorkerConfig 는 백엔드 워커 1개를 기술합니다.
// 워커는 항상 루프백 주소의 로컬 포트에서 수신 대기한다고 가정합니다.
type WorkerConfig struct {
	Port int `yaml:"port"`
}

// BalancerConfig 는 밸런서 프로세스 설정을 담습니다.
//
//   - Protocol / TLS*     : 공개 리스너 전송 방식 (http 또는 https)
//   - SourcePort          : 공개 리스너가 바인딩할 TCP 포트
//   - Host                : 외부에 광고되는 호스트명 (메타데이터 전용)
//   - Workers             : 백엔드 워커 풀
//   - UseSmartBalancing   : true 면 세션/쿼터 모드, false 면 IP 해시 모드
//   - DataKey             : 상태 프로브 POST 본문에 포함되는 토큰
//   - StatusCheckInterval : 상태 폴링 주기
//   - CheckStatusTimeout  : 상태 프로브 1건당 소켓 타임아웃
//   - StatusURL           : 각 워커의 상태 엔드포인트 경로
//   - BalancerCount       : 쿼터 계산 시 적용되는 협조 밸런서 수 (>= 1)
//   - AdminListen         : 관리 plane 리스너 주소 (비어 있으면 비활성)
type BalancerConfig struct {
	Protocol    string // "http" 또는 "https"
	TLSCertFile string // https 일 때 인증서 경로 (선택)
	TLSKeyFile  string // https 일 때 키 경로 (선택)
	SourcePort  int
	Host        string

	Workers []WorkerConfig

	UseSmartBalancing   bool
	DataKey             string
	StatusCheckInterval time.Duration
	CheckStatusTimeout  time.Duration
	StatusURL           string
	BalancerCount       int

	AdminListen  string
	AdminAPIKey  string
	ACMEDomain   string // 설정 시 lego 기반 ACME 인증서 발급을 시도
	ACMEEmail    string
	ACMECacheDir string
	Debug        bool // true 면 self-signed 인증서 허용 등 디버그 동작
	Logging      LoggingConfig
}

var (
	dotenvOnce sync.Once
	dotenvErr  error
)

// loadDotEnvOnce 는 현재 작업 디렉터리의 .env 파일을 한 번만 읽어서 os.Environ 에 주입합니다.
// - KEY=VALUE, export KEY=VALUE 형식을 지원
// - # 으로 시작하는 줄은 주석으로 간주합니다.
func loadDotEnvOnce() {
	dotenvOnce.Do(func() {
		fi, err := os.Stat(".env")
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return
			}
			dotenvErr = err
			return
		}
		if fi.IsDir() {
			return
		}

		f, err := os.Open(".env")
		if err != nil {
			dotenvErr = err
			return
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if strings.HasPrefix(line, "export ") {
				line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)

			if key != "" {
				// OS 환경변수가 이미 있으면 그것을 우선하고, 없는 키만 .env 값으로 채웁니다.
				if _, exists := os.LookupEnv(key); !exists {
					_ = os.Setenv(key, val)
				}
			}
		}
		if err := scanner.Err(); err != nil {
			dotenvErr = err
			return
		}
	})
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return def
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getEnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// getEnvDurationMS 는 밀리초 단위 정수 환경변수를 time.Duration 으로 읽습니다.
func getEnvDurationMS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// parseWorkersCSV 는 "8001,8002,8003" 형식의 포트 목록을 파싱합니다.
func parseWorkersCSV(raw string) ([]WorkerConfig, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []WorkerConfig
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		port, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid worker port %q: %w", part, err)
		}
		if port <= 0 || port > 65535 {
			return nil, fmt.Errorf("worker port out of range: %d", port)
		}
		out = append(out, WorkerConfig{Port: port})
	}
	return out, nil
}

// workersFile 은 POOL_WORKERS_FILE 이 가리키는 YAML 문서 구조입니다.
//
//	workers:
//	  - port: 8001
//	  - port: 8002
type workersFile struct {
	Workers []WorkerConfig `yaml:"workers"`
}

// loadWorkersFile 은 YAML 워커 목록 파일을 읽어 파싱합니다.
func loadWorkersFile(path string) ([]WorkerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workers file: %w", err)
	}
	var doc workersFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse workers file: %w", err)
	}
	for _, w := range doc.Workers {
		if w.Port <= 0 || w.Port > 65535 {
			return nil, fmt.Errorf("worker port out of range in %s: %d", path, w.Port)
		}
	}
	return doc.Workers, nil
}

// LoadBalancerConfigFromEnv 는 .env 를 한 번 읽어 현재 환경변수를 보완한 뒤
// "환경변수 > .env" 우선순위로 밸런서 설정을 구성합니다.
//
// 워커 풀은 POOL_WORKERS (CSV) 가 우선이고, 비어 있으면 POOL_WORKERS_FILE (YAML) 을 읽습니다.
func LoadBalancerConfigFromEnv() (*BalancerConfig, error) {
	loadDotEnvOnce()
	if dotenvErr != nil {
		return nil, dotenvErr
	}

	cfg := &BalancerConfig{
		Protocol:    strings.ToLower(getEnvOrDefault("POOL_PROTOCOL", "http")),
		TLSCertFile: os.Getenv("POOL_TLS_CERT_FILE"),
		TLSKeyFile:  os.Getenv("POOL_TLS_KEY_FILE"),
		SourcePort:  getEnvInt("POOL_SOURCE_PORT", 8080),
		Host:        getEnvOrDefault("POOL_HOST", "localhost"),

		UseSmartBalancing:   getEnvBool("POOL_SMART_BALANCING", true),
		DataKey:             os.Getenv("POOL_DATA_KEY"),
		StatusCheckInterval: getEnvDurationMS("POOL_STATUS_CHECK_INTERVAL_MS", DefaultStatusCheckInterval),
		CheckStatusTimeout:  getEnvDurationMS("POOL_CHECK_STATUS_TIMEOUT_MS", DefaultCheckStatusTimeout),
		StatusURL:           getEnvOrDefault("POOL_STATUS_URL", DefaultStatusURL),
		BalancerCount:       getEnvInt("POOL_BALANCER_COUNT", DefaultBalancerCount),

		AdminListen:  os.Getenv("POOL_ADMIN_LISTEN"),
		AdminAPIKey:  os.Getenv("POOL_ADMIN_API_KEY"),
		ACMEDomain:   os.Getenv("POOL_ACME_DOMAIN"),
		ACMEEmail:    os.Getenv("POOL_ACME_EMAIL"),
		ACMECacheDir: getEnvOrDefault("POOL_ACME_CACHE_DIR", "./acme-cache"),
		Debug:        getEnvBool("POOL_DEBUG", false),
		Logging: LoggingConfig{
			Level: getEnvOrDefault("POOL_LOG_LEVEL", "info"),
		},
	}

	workers, err := parseWorkersCSV(os.Getenv("POOL_WORKERS"))
	if err != nil {
		return nil, err
	}
	if len(workers) == 0 {
		if path := strings.TrimSpace(os.Getenv("POOL_WORKERS_FILE")); path != "" {
			workers, err = loadWorkersFile(path)
			if err != nil {
				return nil, err
			}
		}
	}
	cfg.Workers = workers

	return cfg, Validate(cfg)
}

// Validate 는 설정 값의 기본 무결성을 검사합니다.
func Validate(cfg *BalancerConfig) error {
	switch cfg.Protocol {
	case "http", "https":
	default:
		return fmt.Errorf("unsupported protocol: %q", cfg.Protocol)
	}
	if cfg.SourcePort <= 0 || cfg.SourcePort > 65535 {
		return fmt.Errorf("source port out of range: %d", cfg.SourcePort)
	}
	if cfg.BalancerCount < 1 {
		return fmt.Errorf("balancer count must be >= 1, got %d", cfg.BalancerCount)
	}
	if cfg.StatusCheckInterval <= 0 {
		return fmt.Errorf("status check interval must be positive")
	}
	if cfg.CheckStatusTimeout <= 0 {
		return fmt.Errorf("check status timeout must be positive")
	}
	if !strings.HasPrefix(cfg.StatusURL, "/") {
		return fmt.Errorf("status url must start with '/': %q", cfg.StatusURL)
	}
	return nil
}
