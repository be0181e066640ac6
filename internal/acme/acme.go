package acme

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/challenge/http01"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/dalbodeule/pool-gate/internal/logging"
)

// Manager 는 ACME 기반 인증서 관리를 추상화합니다.
type Manager interface {
	// TLSConfig 는 HTTPS 리스너에 주입할 tls.Config 를 반환합니다.
	TLSConfig() *tls.Config
}

// Config 는 lego 기반 Manager 설정입니다.
type Config struct {
	Domain   string // 인증서를 발급받을 도메인
	Email    string // ACME 계정 이메일
	CacheDir string // 발급된 인증서/키 PEM 캐시 디렉터리
	CADirURL string // 비어 있으면 Let's Encrypt production
}

// legoUser 는 lego 가 요구하는 ACME 계정 표현입니다.
type legoUser struct {
	email        string
	registration *registration.Resource
	key          crypto.PrivateKey
}

func (u *legoUser) GetEmail() string                        { return u.email }
func (u *legoUser) GetRegistration() *registration.Resource { return u.registration }
func (u *legoUser) GetPrivateKey() crypto.PrivateKey        { return u.key }

type legoManager struct {
	cert tls.Certificate
}

func (m *legoManager) TLSConfig() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{m.cert},
		MinVersion:   tls.VersionTLS12,
	}
}

// NewLegoManager 는 HTTP-01 챌린지로 도메인 인증서를 발급받는 Manager 를 생성합니다.
//
// CacheDir 에 유효한 인증서 PEM 쌍이 남아 있으면 재발급 없이 재사용합니다.
// HTTP-01 챌린지는 80 포트에서 응답하므로, 발급 시점에는 80 포트가 비어 있어야 합니다.
func NewLegoManager(cfg Config, logger logging.Logger) (Manager, error) {
	if cfg.Domain == "" {
		return nil, fmt.Errorf("acme: domain is required")
	}
	if logger == nil {
		logger = logging.NewStdJSONLogger("acme")
	}
	log := logger.With(logging.Fields{"component": "acme", "domain": cfg.Domain})

	if cert, ok := loadCachedCertificate(cfg.CacheDir, cfg.Domain); ok {
		log.Info("using cached acme certificate", nil)
		return &legoManager{cert: cert}, nil
	}

	accountKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("acme: generate account key: %w", err)
	}
	user := &legoUser{email: cfg.Email, key: accountKey}

	legoCfg := lego.NewConfig(user)
	if cfg.CADirURL != "" {
		legoCfg.CADirURL = cfg.CADirURL
	}
	legoCfg.Certificate.KeyType = certcrypto.EC256

	client, err := lego.NewClient(legoCfg)
	if err != nil {
		return nil, fmt.Errorf("acme: create client: %w", err)
	}
	if err := client.Challenge.SetHTTP01Provider(http01.NewProviderServer("", "80")); err != nil {
		return nil, fmt.Errorf("acme: set http-01 provider: %w", err)
	}

	reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
	if err != nil {
		return nil, fmt.Errorf("acme: register account: %w", err)
	}
	user.registration = reg

	res, err := client.Certificate.Obtain(certificate.ObtainRequest{
		Domains: []string{cfg.Domain},
		Bundle:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("acme: obtain certificate: %w", err)
	}

	if err := cacheCertificate(cfg.CacheDir, cfg.Domain, res.Certificate, res.PrivateKey); err != nil {
		// 캐시 실패는 발급 자체를 무효화하지 않습니다.
		log.Warn("failed to cache acme certificate", logging.Fields{"error": err.Error()})
	}

	cert, err := tls.X509KeyPair(res.Certificate, res.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("acme: parse obtained certificate: %w", err)
	}

	log.Info("acme certificate obtained", nil)
	return &legoManager{cert: cert}, nil
}

func certCachePaths(dir, domain string) (certPath, keyPath string) {
	return filepath.Join(dir, domain+".crt"), filepath.Join(dir, domain+".key")
}

// loadCachedCertificate 는 캐시된 PEM 쌍을 읽어 아직 유효하면 반환합니다.
func loadCachedCertificate(dir, domain string) (tls.Certificate, bool) {
	if dir == "" {
		return tls.Certificate{}, false
	}
	certPath, keyPath := certCachePaths(dir, domain)
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return tls.Certificate{}, false
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return tls.Certificate{}, false
	}
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, false
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, false
	}
	// 만료까지 여유가 1주일 미만이면 재발급을 유도합니다.
	if time.Until(leaf.NotAfter) < 7*24*time.Hour {
		return tls.Certificate{}, false
	}
	return cert, true
}

func cacheCertificate(dir, domain string, certPEM, keyPEM []byte) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	certPath, keyPath := certCachePaths(dir, domain)
	if err := os.WriteFile(certPath, certPEM, 0o600); err != nil {
		return err
	}
	return os.WriteFile(keyPath, keyPEM, 0o600)
}
