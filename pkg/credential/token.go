package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// TokenBytes 不透明令牌的随机字节数（256位）
const TokenBytes = 32

// NewOpaqueToken 生成 base64url 编码的随机令牌，原文只返回给调用方一次
func NewOpaqueToken() (string, error) {
	buf := make([]byte, TokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken 令牌的 SHA-256 十六进制摘要，数据库只保存摘要
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
