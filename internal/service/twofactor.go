package service

import (
	"context"
	"encoding/base32"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"credvault/internal/crypto"
	"credvault/internal/infrastructure/mailbox"
	"credvault/internal/model"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
)

type IssueRequest struct {
	Account       *model.Account
	SubmittedCode string
	Now           time.Time
}

// IssuedCode 验证码结果。TOTP 校验用户提交的验证码时 Validated 为 true
type IssuedCode struct {
	Code      string
	Validated bool
}

// TwoFactorIssuer 按商品的 2FA 方式生成或校验验证码
type TwoFactorIssuer interface {
	Method() string
	Issue(ctx context.Context, req *IssueRequest) (*IssuedCode, error)
}

// IssuerRegistry 2FA 方式 -> 实现
type IssuerRegistry struct {
	issuers map[string]TwoFactorIssuer
}

func NewIssuerRegistry(issuers ...TwoFactorIssuer) *IssuerRegistry {
	r := &IssuerRegistry{issuers: make(map[string]TwoFactorIssuer, len(issuers))}
	for _, issuer := range issuers {
		r.issuers[issuer.Method()] = issuer
	}
	return r
}

func (r *IssuerRegistry) Get(method string) (TwoFactorIssuer, error) {
	issuer, ok := r.issuers[method]
	if !ok {
		return nil, fmt.Errorf("%w: 不支持的 2FA 方式 %q", ErrTwoFactorUnavailable, method)
	}
	return issuer, nil
}

// ============================================================================
// TOTP
// ============================================================================

const totpPeriod = 30

type TOTPIssuer struct {
	cipher *crypto.Cipher
	skew   uint
}

func NewTOTPIssuer(cipher *crypto.Cipher, skew uint) *TOTPIssuer {
	return &TOTPIssuer{cipher: cipher, skew: skew}
}

func (i *TOTPIssuer) Method() string {
	return model.TwoFAMethodTOTP
}

func (i *TOTPIssuer) opts() totp.ValidateOpts {
	return totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      i.skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}
}

// Issue 提交了验证码时校验（允许前后各 skew 个窗口），否则生成当前验证码
func (i *TOTPIssuer) Issue(_ context.Context, req *IssueRequest) (*IssuedCode, error) {
	seed := i.cipher.Decrypt(req.Account.TwoFASecretEnc)
	if seed == "" {
		return nil, ErrTwoFactorUnavailable
	}
	seed = NormalizeSeed(seed)

	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	if submitted := strings.TrimSpace(req.SubmittedCode); submitted != "" {
		ok, err := totp.ValidateCustom(submitted, seed, now, i.opts())
		if err != nil || !ok {
			return nil, ErrInvalidTwoFactorCode
		}
		return &IssuedCode{Code: submitted, Validated: true}, nil
	}

	code, err := totp.GenerateCodeCustom(seed, now, i.opts())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTwoFactorUnavailable, err)
	}
	return &IssuedCode{Code: code}, nil
}

// NormalizeSeed 去掉空格并转大写，不是合法 base32 时把原文按 base32 编码
func NormalizeSeed(seed string) string {
	seed = strings.ToUpper(strings.ReplaceAll(seed, " ", ""))
	if seed == "" {
		return ""
	}

	padded := seed
	if n := len(padded) % 8; n != 0 {
		padded += strings.Repeat("=", 8-n)
	}
	if _, err := base32.StdEncoding.DecodeString(padded); err == nil {
		return strings.TrimRight(seed, "=")
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString([]byte(seed))
}

// ValidateSeed 录入账号时校验 TOTP 密钥能生成验证码
func ValidateSeed(seed string) error {
	normalized := NormalizeSeed(seed)
	if normalized == "" {
		return errors.New("2FA 密钥不能为空")
	}
	if _, err := totp.GenerateCodeCustom(normalized, time.Now(), totp.ValidateOpts{
		Period:    totpPeriod,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	}); err != nil {
		return fmt.Errorf("2FA 密钥无效: %w", err)
	}
	return nil
}

// ============================================================================
// 邮箱验证码
// ============================================================================

// MailboxFetcher 读取账号邮箱中 since 之后的邮件，按时间从新到旧
type MailboxFetcher interface {
	FetchSince(ctx context.Context, address, password string, since time.Time) ([]mailbox.Message, error)
}

type MailboxIssuer struct {
	fetcher  MailboxFetcher
	cipher   *crypto.Cipher
	timeout  time.Duration
	lookback time.Duration
}

func NewMailboxIssuer(fetcher MailboxFetcher, cipher *crypto.Cipher, timeout, lookback time.Duration) *MailboxIssuer {
	return &MailboxIssuer{
		fetcher:  fetcher,
		cipher:   cipher,
		timeout:  timeout,
		lookback: lookback,
	}
}

func (i *MailboxIssuer) Method() string {
	return model.TwoFAMethodEmail
}

func (i *MailboxIssuer) Issue(ctx context.Context, req *IssueRequest) (*IssuedCode, error) {
	address := req.Account.Mailbox
	if address == "" {
		address = i.cipher.Decrypt(req.Account.EmailEnc)
	}
	password := i.cipher.Decrypt(req.Account.MailboxPasswordEnc)
	if address == "" || password == "" {
		return nil, ErrTwoFactorUnavailable
	}

	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}

	messages, err := i.fetcher.FetchSince(ctx, address, password, now.Add(-i.lookback))
	if err != nil {
		zap.L().Warn("读取账号邮箱失败",
			zap.Int64("account_id", req.Account.ID),
			zap.String("mailbox", address),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrMailboxUnreachable, err)
	}

	code, ok := ExtractCode(messages)
	if !ok {
		return nil, ErrCodeNotFound
	}
	return &IssuedCode{Code: code}, nil
}

var (
	htmlTag = regexp.MustCompile(`(?s)<style.*?</style>|<[^>]+>`)

	// 各服务商验证码邮件的特征，按发件人域名匹配
	providerPatterns = map[string]*regexp.Regexp{
		"google.com":  regexp.MustCompile(`\bG-(\d{6})\b`),
		"netflix.com": regexp.MustCompile(`\b(\d{4})\b`),
	}

	hintedCode  = regexp.MustCompile(`(?i)(?:code|verification|verify|passcode|otp|pin|رمز|كود|验证码)[^0-9]{0,40}\b(\d{4,8})\b`)
	subjectHint = regexp.MustCompile(`(?i)code|verif|passcode|otp|sign.?in|login|رمز|كود|验证码`)
	bareCode    = regexp.MustCompile(`\b(\d{4,8})\b`)
)

// ExtractCode 从最新的邮件开始查找验证码
func ExtractCode(messages []mailbox.Message) (string, bool) {
	for _, m := range messages {
		if code, ok := extractFromMessage(m); ok {
			return code, true
		}
	}
	return "", false
}

func extractFromMessage(m mailbox.Message) (string, bool) {
	text := m.Subject + "\n" + htmlTag.ReplaceAllString(m.Body, " ")

	from := strings.ToLower(m.From)
	for domain, re := range providerPatterns {
		if strings.HasSuffix(from, "@"+domain) || strings.HasSuffix(from, "."+domain) {
			if match := re.FindStringSubmatch(text); match != nil {
				return match[1], true
			}
		}
	}

	if match := hintedCode.FindStringSubmatch(text); match != nil {
		return match[1], true
	}
	if subjectHint.MatchString(m.Subject) {
		if match := bareCode.FindStringSubmatch(text); match != nil {
			return match[1], true
		}
	}
	return "", false
}
