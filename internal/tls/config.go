package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/submail/submail/internal/config"
	"github.com/submail/submail/internal/logger"
)

// CertStore 持有当前证书，支持热更新
type CertStore struct {
	certFile string
	keyFile  string

	mu   sync.RWMutex
	cert *tls.Certificate
}

// NewCertStore 加载证书
func NewCertStore(certFile, keyFile string) (*CertStore, error) {
	s := &CertStore{certFile: certFile, keyFile: keyFile}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload 重新从磁盘加载证书，失败时保留旧证书
func (s *CertStore) Reload() error {
	cert, err := tls.LoadX509KeyPair(s.certFile, s.keyFile)
	if err != nil {
		return fmt.Errorf("加载证书失败: %w", err)
	}
	if cert.Leaf == nil && len(cert.Certificate) > 0 {
		if leaf, err := x509.ParseCertificate(cert.Certificate[0]); err == nil {
			cert.Leaf = leaf
		}
	}

	s.mu.Lock()
	s.cert = &cert
	s.mu.Unlock()

	event := logger.Info().
		Str("cert_file", s.certFile).
		Str("key_file", s.keyFile)
	if cert.Leaf != nil {
		event = event.Time("not_after", cert.Leaf.NotAfter)
		if time.Until(cert.Leaf.NotAfter) < 14*24*time.Hour {
			logger.Warn().Time("not_after", cert.Leaf.NotAfter).Msg("TLS 证书即将过期")
		}
	}
	event.Msg("加载 TLS 证书")
	return nil
}

// GetCertificate 供 tls.Config 使用
func (s *CertStore) GetCertificate(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cert == nil {
		return nil, fmt.Errorf("没有可用的证书")
	}
	return s.cert, nil
}

// NotAfter 返回当前证书的过期时间
func (s *CertStore) NotAfter() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cert == nil || s.cert.Leaf == nil {
		return time.Time{}
	}
	return s.cert.Leaf.NotAfter
}

// LoadTLSConfig 加载入站 STARTTLS 配置，未启用时返回 nil
func LoadTLSConfig(cfg *config.TLSConfig) (*tls.Config, *CertStore, error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}
	if cfg.CertFile == "" || cfg.KeyFile == "" {
		return nil, nil, fmt.Errorf("TLS 已启用但未配置证书")
	}

	store, err := NewCertStore(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, nil, err
	}

	tlsConfig := &tls.Config{
		MaxVersion:     tls.VersionTLS13,
		GetCertificate: store.GetCertificate,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		},
	}

	// 设置最低 TLS 版本
	switch cfg.MinVersion {
	case "1.3":
		tlsConfig.MinVersion = tls.VersionTLS13
	default:
		tlsConfig.MinVersion = tls.VersionTLS12
	}

	return tlsConfig, store, nil
}
