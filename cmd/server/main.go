package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dalbodeule/pool-gate/internal/acme"
	"github.com/dalbodeule/pool-gate/internal/admin"
	"github.com/dalbodeule/pool-gate/internal/balancer"
	"github.com/dalbodeule/pool-gate/internal/config"
	"github.com/dalbodeule/pool-gate/internal/logging"
	"github.com/dalbodeule/pool-gate/internal/observability"
)

func main() {
	// 1. 밸런서 설정 로드 (.env + 환경변수)
	cfg, err := config.LoadBalancerConfigFromEnv()
	if err != nil {
		logging.NewStdJSONLogger("server").Error("failed to load balancer config from env", logging.Fields{
			"error": err.Error(),
		})
		os.Exit(1)
	}

	logger := logging.NewStdJSONLoggerAt("server", logging.ParseLevel(cfg.Logging.Level))
	logger.Info("pool-gate starting", logging.Fields{
		"protocol":        cfg.Protocol,
		"source_port":     cfg.SourcePort,
		"host":            cfg.Host,
		"workers":         len(cfg.Workers),
		"smart_balancing": cfg.UseSmartBalancing,
		"debug":           cfg.Debug,
	})

	// 2. 메트릭 등록 (프로세스당 1회)
	observability.MustRegister()

	// 3. 밸런서 구성
	b, err := balancer.New(cfg, logger, nil)
	if err != nil {
		logger.Error("failed to build balancer", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}
	b.OnError(func(err error) {
		logger.Error("balancer error", logging.Fields{"error": err.Error()})
	})

	// 4. https 리스너용 TLS 설정 결정
	//
	// 우선순위: cert/key 파일 > ACME(lego) > debug self-signed.
	// Debug 모드의 self-signed 인증서는 운영에 쓰면 안 됩니다.
	if cfg.Protocol == "https" && cfg.TLSCertFile == "" {
		switch {
		case cfg.ACMEDomain != "":
			mgr, err := acme.NewLegoManager(acme.Config{
				Domain:   cfg.ACMEDomain,
				Email:    cfg.ACMEEmail,
				CacheDir: cfg.ACMECacheDir,
			}, logger)
			if err != nil {
				logger.Error("failed to obtain acme certificate", logging.Fields{"error": err.Error()})
				os.Exit(1)
			}
			b.SetTLSConfig(mgr.TLSConfig())
		case cfg.Debug:
			tlsCfg, err := acme.NewSelfSignedLocalhostConfig()
			if err != nil {
				logger.Error("failed to create self-signed localhost cert", logging.Fields{"error": err.Error()})
				os.Exit(1)
			}
			logger.Warn("using self-signed localhost certificate (debug mode)", logging.Fields{
				"note": "do not use this in production",
			})
			b.SetTLSConfig(tlsCfg)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 5. 관리 plane (설정된 경우에만)
	if cfg.AdminListen != "" {
		adminMux := http.NewServeMux()
		admin.NewHandler(logger, cfg.AdminAPIKey, b).RegisterRoutes(adminMux)
		adminSrv := &http.Server{Addr: cfg.AdminListen, Handler: adminMux}
		go func() {
			logger.Info("admin plane listening", logging.Fields{"addr": cfg.AdminListen})
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("admin plane failed", logging.Fields{"error": err.Error()})
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = adminSrv.Shutdown(shutdownCtx)
		}()
	}

	// 6. 시그널 처리: SIGINT/SIGTERM 에서 정상 종료
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		s := <-sig
		logger.Info("shutting down on signal", logging.Fields{"signal": s.String()})
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = b.Shutdown(shutdownCtx)
		cancel()
	}()

	// 7. 컨트롤러 훅 실행 + 폴러 기동 + 리스너 시작 (블록)
	if err := b.Start(ctx); err != nil {
		logger.Error("balancer stopped with error", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}

	logger.Info("pool-gate stopped", nil)
}
