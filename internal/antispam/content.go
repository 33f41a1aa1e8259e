package antispam

import (
	"fmt"
	"strings"
)

// DefaultMaxURLs 默认允许的最大 URL 数量
const DefaultMaxURLs = 20

// DefaultKeywords 常见诈骗邮件关键词
var DefaultKeywords = []string{
	"winning_prize",
	"claim_now",
	"urgent_transfer",
	"lottery_winner",
	"bank_account_verification",
}

// Verdict 内容检查结果
type Verdict struct {
	Allowed bool
	Reason  string
}

// ContentFilter 内容安全过滤器，只依赖邮件正文，不保存状态
type ContentFilter struct {
	maxURLs  int
	keywords []string
}

// NewContentFilter 创建内容过滤器
// maxURLs <= 0 或 keywords 为空时使用默认值
func NewContentFilter(maxURLs int, keywords []string) *ContentFilter {
	if maxURLs <= 0 {
		maxURLs = DefaultMaxURLs
	}
	if len(keywords) == 0 {
		keywords = DefaultKeywords
	}

	lowered := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			lowered = append(lowered, k)
		}
	}

	return &ContentFilter{
		maxURLs:  maxURLs,
		keywords: lowered,
	}
}

// IsAllowed 判断正文是否允许转发
func (f *ContentFilter) IsAllowed(text, html string) bool {
	return f.Check(text, html).Allowed
}

// Check 检查纯文本和 HTML 正文
func (f *ContentFilter) Check(text, html string) Verdict {
	combined := strings.ToLower(text + html)

	// URL 数量过多（群发垃圾邮件特征）
	urls := strings.Count(combined, "http://") + strings.Count(combined, "https://")
	if urls > f.maxURLs {
		return Verdict{Reason: fmt.Sprintf("too many URLs (%d)", urls)}
	}

	for _, keyword := range f.keywords {
		if strings.Contains(combined, keyword) {
			return Verdict{Reason: fmt.Sprintf("spam keyword %q", keyword)}
		}
	}

	return Verdict{Allowed: true}
}

// SanitizeHeader 去除邮件头值中的换行，防止头注入
func SanitizeHeader(value string) string {
	return strings.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return -1
		}
		return r
	}, value)
}
