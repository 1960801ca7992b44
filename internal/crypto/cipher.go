package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"credvault/internal/config"

	"go.uber.org/zap"
	"golang.org/x/crypto/chacha20poly1305"
)

// ============================================================================
// 凭据加密
// ============================================================================
//
// 密文格式: <keyID>:<base64(nonce || sealed)>
//
// keyID 前缀用于将来轮换密钥：新密钥使用新的 keyID，旧密文仍能按前缀找到旧密钥。
// Cipher 构造后不可变，可以在多个 goroutine 中并发使用。
// ============================================================================

var (
	ErrInvalidKey   = errors.New("加密密钥长度必须为 32 字节")
	ErrInvalidKeyID = errors.New("keyID 不能为空且不能包含 ':'")
)

type Cipher struct {
	current string
	aeads   map[string]cipher.AEAD
}

// NewCipher 使用当前密钥创建 Cipher，retired 为仍需解密的旧密钥
func NewCipher(keyID string, key []byte, retired map[string][]byte) (*Cipher, error) {
	c := &Cipher{
		current: keyID,
		aeads:   make(map[string]cipher.AEAD, len(retired)+1),
	}

	for id, k := range retired {
		if err := c.add(id, k); err != nil {
			return nil, err
		}
	}
	if err := c.add(keyID, key); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cipher) add(keyID string, key []byte) error {
	if keyID == "" || strings.Contains(keyID, ":") {
		return ErrInvalidKeyID
	}
	if len(key) != chacha20poly1305.KeySize {
		return ErrInvalidKey
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	c.aeads[keyID] = aead
	return nil
}

// NewCipherFromConfig 按配置创建 Cipher，包括轮换下来的旧密钥
func NewCipherFromConfig(cfg *config.CryptoConfig) (*Cipher, error) {
	key, err := ParseKey(cfg.Key)
	if err != nil {
		return nil, fmt.Errorf("crypto.key: %w", err)
	}

	retired := make(map[string][]byte, len(cfg.Retired))
	for _, rk := range cfg.Retired {
		if rk.KeyID == cfg.KeyID {
			return nil, fmt.Errorf("%w: 旧密钥 %s 与当前 keyID 重复", ErrInvalidKeyID, rk.KeyID)
		}
		if _, dup := retired[rk.KeyID]; dup {
			return nil, fmt.Errorf("%w: 旧密钥 %s 重复", ErrInvalidKeyID, rk.KeyID)
		}
		b, err := ParseKey(rk.Key)
		if err != nil {
			return nil, fmt.Errorf("crypto.retired_keys[%s]: %w", rk.KeyID, err)
		}
		retired[rk.KeyID] = b
	}
	return NewCipher(cfg.KeyID, key, retired)
}

// ParseKey 解析 hex 或 base64 编码的密钥
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := hex.DecodeString(s); err == nil && len(b) == chacha20poly1305.KeySize {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == chacha20poly1305.KeySize {
		return b, nil
	}
	return nil, ErrInvalidKey
}

// Encrypt 加密明文，空字符串原样返回
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	aead := c.aeads[c.current]
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("生成 nonce 失败: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(c.current))
	return c.current + ":" + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// MustEncrypt 用于测试和数据初始化
func (c *Cipher) MustEncrypt(plaintext string) string {
	s, err := c.Encrypt(plaintext)
	if err != nil {
		panic(err)
	}
	return s
}

// Decrypt 解密密文。密文损坏时记录日志并返回空字符串，调用方无需特殊处理旧数据
func (c *Cipher) Decrypt(ciphertext string) string {
	if ciphertext == "" {
		return ""
	}

	plaintext, err := c.open(ciphertext)
	if err != nil {
		zap.L().Warn("凭据解密失败", zap.String("event", "DecryptionFailure"), zap.Error(err))
		return ""
	}
	return plaintext
}

func (c *Cipher) open(ciphertext string) (string, error) {
	keyID, body, ok := strings.Cut(ciphertext, ":")
	if !ok {
		return "", errors.New("缺少 keyID 前缀")
	}

	aead, ok := c.aeads[keyID]
	if !ok {
		return "", fmt.Errorf("未知 keyID: %s", keyID)
	}

	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", errors.New("密文长度不足")
	}

	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, []byte(keyID))
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
