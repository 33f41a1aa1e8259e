package mailparse

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset" // 非 UTF-8 字符集解码
	"github.com/emersion/go-message/mail"
)

// ErrEmptyMessage 邮件为空
var ErrEmptyMessage = errors.New("empty message")

// Attachment 附件
type Attachment struct {
	Filename    string
	ContentType string
	ContentID   string // 不含尖括号，内联图片通过 cid: 引用
	Content     []byte
}

// Inline 是否为内联附件
func (a *Attachment) Inline() bool {
	return a.ContentID != ""
}

// InboundMessage 解析后的入站邮件
type InboundMessage struct {
	From        string // 原始发件人文本（如 "Bob <bob@example.com>"）
	Subject     string
	Text        string
	HTML        string
	Attachments []Attachment
	MessageID   string
	Date        time.Time
}

// Parse 从 DATA 流解析邮件
func Parse(r io.Reader) (*InboundMessage, error) {
	mr, err := mail.CreateReader(r)
	if mr == nil {
		if err == nil {
			err = ErrEmptyMessage
		}
		return nil, fmt.Errorf("读取邮件失败: %w", err)
	}
	if err != nil && !isRecoverable(err) {
		return nil, fmt.Errorf("读取邮件失败: %w", err)
	}
	defer mr.Close()

	msg := &InboundMessage{
		From: formatFrom(mr.Header),
	}
	if subject, err := mr.Header.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = mr.Header.Get("Subject")
	}
	if id, err := mr.Header.MessageID(); err == nil {
		msg.MessageID = id
	}
	if date, err := mr.Header.Date(); err == nil {
		msg.Date = date
	}

	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && (p == nil || !isRecoverable(err)) {
			return nil, fmt.Errorf("读取邮件分段失败: %w", err)
		}

		if err := msg.addPart(p); err != nil {
			return nil, err
		}
	}

	return msg, nil
}

// addPart 把分段归入正文或附件
func (m *InboundMessage) addPart(p *mail.Part) error {
	body, err := io.ReadAll(p.Body)
	if err != nil {
		return fmt.Errorf("读取分段内容失败: %w", err)
	}

	switch h := p.Header.(type) {
	case *mail.InlineHeader:
		contentType, params, _ := h.ContentType()
		if contentType == "" {
			contentType = "text/plain"
		}
		_, dispParams, _ := h.ContentDisposition()
		filename := dispParams["filename"]
		if filename == "" {
			filename = params["name"]
		}
		contentID := trimContentID(h.Get("Content-Id"))

		if filename == "" && contentID == "" {
			switch contentType {
			case "text/plain":
				m.Text = appendBody(m.Text, string(body))
				return nil
			case "text/html":
				m.HTML = appendBody(m.HTML, string(body))
				return nil
			}
		}

		m.Attachments = append(m.Attachments, Attachment{
			Filename:    filename,
			ContentType: contentType,
			ContentID:   contentID,
			Content:     body,
		})
	case *mail.AttachmentHeader:
		filename, _ := h.Filename()
		contentType, _, _ := h.ContentType()
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		m.Attachments = append(m.Attachments, Attachment{
			Filename:    filename,
			ContentType: contentType,
			ContentID:   trimContentID(h.Get("Content-Id")),
			Content:     body,
		})
	}

	return nil
}

// formatFrom 格式化发件人文本
func formatFrom(h mail.Header) string {
	addrs, err := h.AddressList("From")
	if err != nil || len(addrs) == 0 {
		if text, err := h.Text("From"); err == nil {
			return strings.TrimSpace(text)
		}
		return strings.TrimSpace(h.Get("From"))
	}

	parts := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a.Name != "" {
			parts = append(parts, fmt.Sprintf("%s <%s>", a.Name, a.Address))
		} else {
			parts = append(parts, a.Address)
		}
	}
	return strings.Join(parts, ", ")
}

func appendBody(existing, next string) string {
	if existing == "" {
		return next
	}
	return existing + "\n" + next
}

func trimContentID(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	return strings.TrimSuffix(id, ">")
}

// isRecoverable 未知字符集或编码不影响后续处理
func isRecoverable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}
