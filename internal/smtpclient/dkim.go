package smtpclient

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/emersion/go-msgauth/dkim"

	"github.com/submail/submail/internal/config"
	"github.com/submail/submail/internal/logger"
)

// signedHeaders 参与签名的头部
var signedHeaders = []string{
	"From", "To", "Subject", "Date", "Message-Id",
	"Reply-To", "Mime-Version", "Content-Type",
}

// DKIMSigner DKIM 签名器
type DKIMSigner struct {
	options *dkim.SignOptions
}

// LoadDKIM 加载 DKIM 私钥，未配置私钥时返回 nil
func LoadDKIM(cfg *config.DKIMConfig, domain string) (*DKIMSigner, error) {
	if cfg.PrivateKey == "" {
		logger.Warn().Msg("未配置 DKIM 私钥，外发邮件将不签名")
		return nil, nil
	}

	keyData, err := os.ReadFile(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("读取 DKIM 私钥文件失败: %w", err)
	}

	signer, err := parsePrivateKey(keyData)
	if err != nil {
		return nil, err
	}

	// 确定域名
	dkimDomain := cfg.Domain
	if dkimDomain == "" {
		dkimDomain = domain
	}
	if dkimDomain == "" {
		return nil, fmt.Errorf("DKIM 域名未配置")
	}

	// 确定选择器
	selector := cfg.Selector
	if selector == "" {
		selector = "default"
	}

	logger.Info().
		Str("domain", dkimDomain).
		Str("selector", selector).
		Msg("DKIM 签名已启用")

	return NewDKIMSigner(dkimDomain, selector, signer), nil
}

// NewDKIMSigner 创建签名器
func NewDKIMSigner(domain, selector string, signer crypto.Signer) *DKIMSigner {
	return &DKIMSigner{
		options: &dkim.SignOptions{
			Domain:                 domain,
			Selector:               selector,
			Signer:                 signer,
			HeaderCanonicalization: dkim.CanonicalizationRelaxed,
			BodyCanonicalization:   dkim.CanonicalizationRelaxed,
			HeaderKeys:             signedHeaders,
		},
	}
}

// Sign 返回带 DKIM-Signature 头的邮件
func (s *DKIMSigner) Sign(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := dkim.Sign(&buf, bytes.NewReader(data), s.options); err != nil {
		return nil, fmt.Errorf("DKIM 签名失败: %w", err)
	}
	return buf.Bytes(), nil
}

// parsePrivateKey 解析 PEM 格式的 RSA 或 Ed25519 私钥
func parsePrivateKey(keyData []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyData)
	if block == nil {
		return nil, fmt.Errorf("无效的 PEM 格式")
	}

	var privateKey interface{}
	var err error
	switch block.Type {
	case "RSA PRIVATE KEY":
		privateKey, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		privateKey, err = x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("不支持的私钥类型: %s", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("解析私钥失败: %w", err)
	}

	switch key := privateKey.(type) {
	case *rsa.PrivateKey:
		return key, nil
	case ed25519.PrivateKey:
		return key, nil
	default:
		return nil, fmt.Errorf("不支持的私钥算法: %T", privateKey)
	}
}
