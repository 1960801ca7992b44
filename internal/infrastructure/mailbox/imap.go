package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"time"

	"credvault/internal/config"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"
)

var (
	ErrUnreachable = errors.New("邮箱连接失败")
	ErrUnknownHost = errors.New("无法确定邮箱 IMAP 服务器")
)

// 单封邮件正文读取上限
const maxBodyBytes = 256 << 10

// Message 邮件中用于提取验证码的部分
type Message struct {
	From    string
	Subject string
	Date    time.Time
	Body    string
}

// IMAPFetcher 通过 IMAP 读取账号自带邮箱的最近邮件
type IMAPFetcher struct {
	hosts    map[string]string
	timeout  time.Duration
	maxFetch uint32
}

func NewIMAPFetcher(cfg *config.MailboxConfig) *IMAPFetcher {
	hosts := make(map[string]string, len(cfg.Hosts))
	for _, h := range cfg.Hosts {
		hosts[strings.ToLower(h.Domain)] = h.Addr
	}
	return &IMAPFetcher{
		hosts:    hosts,
		timeout:  cfg.Timeout,
		maxFetch: 20,
	}
}

// ResolveHost 按邮箱域名查找 IMAP 地址，未配置时使用 imap.<domain>:993
func (f *IMAPFetcher) ResolveHost(address string) (string, error) {
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return "", ErrUnknownHost
	}
	domain := strings.ToLower(address[at+1:])
	if addr, ok := f.hosts[domain]; ok {
		return addr, nil
	}
	return "imap." + domain + ":993", nil
}

// FetchSince 返回 since 之后收到的邮件，按时间从新到旧排序
//
// 整个过程受 ctx 和 timeout 约束，超时后直接断开连接。
func (f *IMAPFetcher) FetchSince(ctx context.Context, address, password string, since time.Time) ([]Message, error) {
	addr, err := f.ResolveHost(address)
	if err != nil {
		return nil, err
	}

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	dialer := &net.Dialer{Timeout: f.timeout}
	host, _, _ := net.SplitHostPort(addr)
	c, err := client.DialWithDialerTLS(dialer, addr, &tls.Config{ServerName: host})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	c.Timeout = f.timeout

	type result struct {
		messages []Message
		err      error
	}
	done := make(chan result, 1)
	go func() {
		messages, err := f.fetch(c, address, password, since)
		done <- result{messages: messages, err: err}
	}()

	select {
	case <-ctx.Done():
		_ = c.Terminate()
		<-done
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, ctx.Err())
	case r := <-done:
		if err := c.Logout(); err != nil {
			zap.L().Debug("IMAP 登出失败", zap.String("mailbox", address), zap.Error(err))
		}
		return r.messages, r.err
	}
}

func (f *IMAPFetcher) fetch(c *client.Client, address, password string, since time.Time) ([]Message, error) {
	if err := c.Login(address, password); err != nil {
		return nil, fmt.Errorf("%w: 登录失败: %v", ErrUnreachable, err)
	}
	if _, err := c.Select("INBOX", true); err != nil {
		return nil, fmt.Errorf("%w: 打开收件箱失败: %v", ErrUnreachable, err)
	}

	criteria := imap.NewSearchCriteria()
	// IMAP SINCE 只精确到日期，时间过滤在下面完成
	criteria.Since = since
	ids, err := c.Search(criteria)
	if err != nil {
		return nil, fmt.Errorf("%w: 搜索邮件失败: %v", ErrUnreachable, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	if uint32(len(ids)) > f.maxFetch {
		ids = ids[:f.maxFetch]
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(ids...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, imap.FetchInternalDate, section.FetchItem()}

	ch := make(chan *imap.Message, len(ids))
	fetchErr := make(chan error, 1)
	go func() {
		fetchErr <- c.Fetch(seqset, items, ch)
	}()

	var messages []Message
	for msg := range ch {
		m, ok := parseMessage(msg, section)
		if !ok || m.Date.Before(since) {
			continue
		}
		messages = append(messages, m)
	}
	if err := <-fetchErr; err != nil {
		return nil, fmt.Errorf("%w: 读取邮件失败: %v", ErrUnreachable, err)
	}

	sort.Slice(messages, func(i, j int) bool { return messages[i].Date.After(messages[j].Date) })
	return messages, nil
}

func parseMessage(msg *imap.Message, section *imap.BodySectionName) (Message, bool) {
	var m Message
	if msg == nil {
		return m, false
	}

	m.Date = msg.InternalDate
	if msg.Envelope != nil {
		m.Subject = msg.Envelope.Subject
		if len(msg.Envelope.From) > 0 {
			m.From = msg.Envelope.From[0].Address()
		}
		if m.Date.IsZero() {
			m.Date = msg.Envelope.Date
		}
	}

	literal := msg.GetBody(section)
	if literal == nil {
		return m, true
	}

	body, err := readText(literal)
	if err != nil {
		zap.L().Debug("解析邮件正文失败", zap.Uint32("seq", msg.SeqNum), zap.Error(err))
		return m, true
	}
	m.Body = body
	return m, true
}

// readText 拼接邮件中所有 text/* 部分
func readText(r io.Reader) (string, error) {
	mr, err := mail.CreateReader(r)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return sb.String(), err
		}

		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		if !strings.HasPrefix(contentType, "text/") {
			continue
		}

		b, err := io.ReadAll(io.LimitReader(p.Body, maxBodyBytes))
		if err != nil {
			return sb.String(), err
		}
		sb.Write(b)
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}
