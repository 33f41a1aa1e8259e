package smtpclient

import (
	"testing"

	"github.com/submail/submail/internal/config"
)

func TestNewTransport(t *testing.T) {
	tests := []struct {
		transport string
		breaker   bool
		want      string
		wantErr   bool
	}{
		{"mx", false, "*smtpclient.MXTransport", false},
		{"", false, "*smtpclient.MXTransport", false},
		{"relay", false, "*smtpclient.RelayTransport", false},
		{"sendmail", false, "*smtpclient.SendmailTransport", false},
		{"mx", true, "*smtpclient.BreakerTransport", false},
		{"relay", true, "*smtpclient.BreakerTransport", false},
		{"pigeon", false, "", true},
	}

	for _, tt := range tests {
		cfg := &config.Config{Domain: "example.com"}
		cfg.SMTP.Transport = tt.transport
		cfg.SMTP.Breaker.Enabled = tt.breaker

		got, err := NewTransport(cfg, nil)
		if (err != nil) != tt.wantErr {
			t.Errorf("NewTransport(%q) error = %v", tt.transport, err)
			continue
		}
		if tt.wantErr {
			continue
		}
		if name := typeName(got); name != tt.want {
			t.Errorf("NewTransport(%q) = %s, want %s", tt.transport, name, tt.want)
		}
	}
}

func TestNewTransport_BreakerScope(t *testing.T) {
	tests := []struct {
		transport string
		perDomain bool
	}{
		{"mx", true},
		{"relay", false},
		{"sendmail", false},
	}

	for _, tt := range tests {
		cfg := &config.Config{Domain: "example.com"}
		cfg.SMTP.Transport = tt.transport
		cfg.SMTP.Breaker.Enabled = true

		got, err := NewTransport(cfg, nil)
		if err != nil {
			t.Fatalf("NewTransport(%q) 失败: %v", tt.transport, err)
		}
		b, ok := got.(*BreakerTransport)
		if !ok {
			t.Fatalf("NewTransport(%q) 应该包裹熔断器", tt.transport)
		}
		if b.perDomain != tt.perDomain {
			t.Errorf("NewTransport(%q) perDomain = %v, want %v", tt.transport, b.perDomain, tt.perDomain)
		}
	}
}

func typeName(v interface{}) string {
	switch v.(type) {
	case *MXTransport:
		return "*smtpclient.MXTransport"
	case *RelayTransport:
		return "*smtpclient.RelayTransport"
	case *SendmailTransport:
		return "*smtpclient.SendmailTransport"
	case *BreakerTransport:
		return "*smtpclient.BreakerTransport"
	}
	return "unknown"
}

func TestDomainOf(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"alice@Real.COM", "real.com", true},
		{"a@b@c.org", "c.org", true},
		{"@real.com", "", false},
		{"alice@", "", false},
		{"alice", "", false},
	}
	for _, tt := range tests {
		got, ok := domainOf(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("domainOf(%q) = %q, %v", tt.in, got, ok)
		}
	}
}

func TestEHLOHostname(t *testing.T) {
	if got := ehloHostname("mx1.example.com", "example.com"); got != "mx1.example.com" {
		t.Errorf("配置的主机名应该优先: %q", got)
	}
	if got := ehloHostname("", "example.com"); got == "" {
		t.Error("主机名不应该为空")
	}
}
