package delivery

import (
	"bytes"
	"fmt"
	"html"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/submail/submail/internal/antispam"
	"github.com/submail/submail/internal/mailparse"
)

// SubjectPrefix 转发邮件的主题前缀
const SubjectPrefix = "[FWD] "

// part MIME 树的一个节点，叶子节点有 body，容器节点有 children
type part struct {
	header   message.Header
	body     []byte
	children []*part
}

// Composer 构建转发邮件
type Composer struct {
	Domain string // 托管域名
	From   string // 转发发件人地址，如 forwardCheck@example.com
	Now    func() time.Time
}

// Compose 构建发往 destination 的转发邮件
func (c *Composer) Compose(aliasAddress, destination string, msg *mailparse.InboundMessage) ([]byte, error) {
	to, err := mail.ParseAddress(destination)
	if err != nil {
		return nil, fmt.Errorf("无效的目标地址 %q: %w", destination, err)
	}

	now := time.Now
	if c.Now != nil {
		now = c.Now
	}

	var h mail.Header
	h.SetAddressList("From", []*mail.Address{{Address: c.From}})
	h.SetAddressList("To", []*mail.Address{to})
	h.SetSubject(SubjectPrefix + antispam.SanitizeHeader(msg.Subject))
	h.SetDate(now())
	h.SetMessageID(uuid.NewString() + "@" + c.Domain)
	h.Set("Mime-Version", "1.0")

	root := c.buildTree(aliasAddress, msg)
	fields := root.header.Fields()
	for fields.Next() {
		h.Add(fields.Key(), fields.Value())
	}

	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h.Header)
	if err != nil {
		return nil, fmt.Errorf("创建邮件失败: %w", err)
	}
	if err := writePart(w, root); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("完成邮件失败: %w", err)
	}
	return buf.Bytes(), nil
}

// buildTree 组装 MIME 结构
// mixed(related(alternative(text, html), 内联附件...), 普通附件...)，不需要的层级省略
func (c *Composer) buildTree(aliasAddress string, msg *mailparse.InboundMessage) *part {
	forwardedFrom := aliasAddress + "@" + c.Domain

	text := fmt.Sprintf("Forwarded from %s\n\nOriginal Sender: %s\n\n%s", forwardedFrom, msg.From, msg.Text)
	content := textPart("text/plain", text)

	if msg.HTML != "" {
		htmlBody := fmt.Sprintf("<p><strong>Forwarded from %s</strong></p>\n"+
			"<p><strong>Original Sender:</strong> %s</p>\n<hr/>\n%s",
			html.EscapeString(forwardedFrom), html.EscapeString(msg.From), msg.HTML)
		content = container("multipart/alternative", content, textPart("text/html", htmlBody))
	}

	var inline, attached []*part
	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		if att.Inline() && msg.HTML != "" {
			inline = append(inline, attachmentPart(att))
		} else {
			attached = append(attached, attachmentPart(att))
		}
	}

	if len(inline) > 0 {
		content = container("multipart/related", append([]*part{content}, inline...)...)
	}
	if len(attached) > 0 {
		content = container("multipart/mixed", append([]*part{content}, attached...)...)
	}
	return content
}

func textPart(contentType, body string) *part {
	p := &part{body: []byte(body)}
	p.header.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	p.header.Set("Content-Transfer-Encoding", "quoted-printable")
	return p
}

func container(contentType string, children ...*part) *part {
	p := &part{children: children}
	p.header.SetContentType(contentType, nil)
	return p
}

// attachmentPart 原样保留文件名、内容、类型和 Content-ID
func attachmentPart(att *mailparse.Attachment) *part {
	p := &part{body: att.Content}

	contentType := att.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	var typeParams, dispParams map[string]string
	if att.Filename != "" {
		typeParams = map[string]string{"name": att.Filename}
		dispParams = map[string]string{"filename": att.Filename}
	}
	p.header.SetContentType(contentType, typeParams)

	disposition := "attachment"
	if att.Inline() {
		disposition = "inline"
		p.header.Set("Content-Id", "<"+att.ContentID+">")
	}
	p.header.SetContentDisposition(disposition, dispParams)
	p.header.Set("Content-Transfer-Encoding", "base64")
	return p
}

func writePart(w *message.Writer, p *part) error {
	if len(p.children) == 0 {
		if _, err := w.Write(p.body); err != nil {
			return fmt.Errorf("写入邮件内容失败: %w", err)
		}
		return nil
	}

	for _, child := range p.children {
		cw, err := w.CreatePart(child.header)
		if err != nil {
			return fmt.Errorf("创建邮件分段失败: %w", err)
		}
		if err := writePart(cw, child); err != nil {
			return err
		}
		if err := cw.Close(); err != nil {
			return fmt.Errorf("完成邮件分段失败: %w", err)
		}
	}
	return nil
}
