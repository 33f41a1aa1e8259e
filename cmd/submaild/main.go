package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/submail/submail/internal/antispam"
	"github.com/submail/submail/internal/api"
	"github.com/submail/submail/internal/audit"
	"github.com/submail/submail/internal/config"
	"github.com/submail/submail/internal/delivery"
	"github.com/submail/submail/internal/logger"
	"github.com/submail/submail/internal/metrics"
	"github.com/submail/submail/internal/smtpclient"
	"github.com/submail/submail/internal/smtpd"
	"github.com/submail/submail/internal/storage"
	tlsconfig "github.com/submail/submail/internal/tls"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	var (
		configPath = flag.String("c", "submail.yml", "配置文件路径")
		version    = flag.Bool("version", false, "显示版本信息")
		seed       = flag.String("seed", "", "写入种子数据后退出，格式 alias:real@example.com[:block]，多个用逗号分隔")
	)
	flag.Parse()

	if *version {
		fmt.Printf("submaild version %s (built %s)\n", Version, BuildTime)
		os.Exit(0)
	}

	// 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	// 处理种子数据
	if *seed != "" {
		if err := handleSeedCommand(cfg, *seed); err != nil {
			fmt.Fprintf(os.Stderr, "写入种子数据失败: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	// 初始化日志
	logger.Init(logger.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	logger.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("domain", cfg.Domain).
		Msg("submaild 启动")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 初始化存储
	store, err := storage.NewSQLiteDriver(cfg.Storage.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化存储失败")
	}
	defer store.Close()

	// 指标
	var exporter *metrics.Exporter
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		exporter = metrics.NewExporter()
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, exporter.Handler())

		metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second, // 防止 Slowloris 攻击
		}

		go func() {
			logger.Info().Int("port", cfg.Metrics.Port).Str("path", cfg.Metrics.Path).Msg("指标服务器启动")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("指标服务器错误")
			}
		}()
	}

	// 加载 TLS 配置
	tlsConfig, certStore, err := tlsconfig.LoadTLSConfig(&cfg.TLS)
	if err != nil {
		logger.Warn().Err(err).Msg("加载 TLS 配置失败，不提供 STARTTLS")
	}
	if certStore != nil {
		exporter.SetTLSCertExpiry(certStore.NotAfter())
	}

	// 外发传输
	transport, err := smtpclient.NewTransport(cfg, exporter)
	if err != nil {
		logger.Fatal().Err(err).Msg("初始化外发传输失败")
	}

	signer, err := smtpclient.LoadDKIM(&cfg.SMTP.DKIM, cfg.Domain)
	if err != nil {
		logger.Warn().Err(err).Msg("加载 DKIM 失败，将发送未签名的邮件")
		signer = nil
	}

	pipeline := &smtpd.Pipeline{
		Deliverer: delivery.NewAgent(cfg.Domain, cfg.ForwardAddress(), transport, signer, exporter),
		Recorder:  audit.NewRecorder(store, exporter),
	}
	if cfg.AntiSpam.ContentFilter {
		pipeline.Filter = antispam.NewContentFilter(cfg.AntiSpam.MaxURLs, cfg.AntiSpam.Keywords)
	}

	// 启动 SMTP 服务器
	smtpServer := smtpd.NewServer(smtpd.Config{
		Addr:            fmt.Sprintf(":%d", cfg.SMTP.Port),
		Domain:          cfg.Domain,
		Hostname:        cfg.SMTP.Hostname,
		MaxMessageBytes: cfg.SMTP.MaxSizeBytes(),
		MaxConnections:  cfg.SMTP.MaxConnections,
		ReadTimeout:     cfg.SMTP.ReadTimeout,
		WriteTimeout:    cfg.SMTP.WriteTimeout,
		TLS:             tlsConfig,
	}, store, pipeline, exporter)
	if err := smtpServer.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("SMTP 服务器启动失败")
	}

	// 启动运维 API
	var apiServer *api.Server
	if cfg.Admin.APIKey != "" {
		apiServer = api.NewServer(&api.Config{
			Port:   cfg.Admin.Port,
			APIKey: cfg.Admin.APIKey,
			Domain: cfg.Domain,
			Store:  store,
		})

		go func() {
			if err := apiServer.Start(ctx); err != nil {
				logger.Error().Err(err).Msg("运维 API 启动失败")
			}
		}()
	} else {
		logger.Info().Msg("未配置 API 密钥，运维 API 不启动")
	}

	// 配置热更新：日志级别和证书
	if err := config.Watch(*configPath, func(newCfg *config.Config) error {
		logger.SetLevel(newCfg.Log.Level)
		if certStore != nil {
			if err := certStore.Reload(); err != nil {
				return err
			}
			exporter.SetTLSCertExpiry(certStore.NotAfter())
		}
		return nil
	}); err != nil {
		logger.Warn().Err(err).Msg("配置热更新未启用")
	}

	logger.Info().Msg("所有服务已启动")

	// 等待信号，SIGHUP 只重新加载证书
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

wait:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				if certStore != nil {
					if err := certStore.Reload(); err != nil {
						logger.Error().Err(err).Msg("重新加载证书失败")
					} else {
						exporter.SetTLSCertExpiry(certStore.NotAfter())
					}
				}
				continue
			}
			logger.Info().Str("signal", sig.String()).Msg("收到退出信号")
			break wait
		case <-ctx.Done():
			logger.Info().Msg("上下文取消")
			break wait
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := smtpServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("关闭 SMTP 服务器失败")
	}
	if apiServer != nil {
		if err := apiServer.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("关闭运维 API 失败")
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("关闭指标服务器失败")
		}
	}

	logger.Info().Msg("submaild 关闭")
}
