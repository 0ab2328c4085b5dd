package tiercore

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode/utf8"
)

// Fingerprint 返回候选卡记录的确定性指纹 (SHA256 Hex)。
// 格式: number|expiry|code
func (f CardFields) Fingerprint() string {
	return ComputeFingerprint(f.Number, f.Expiry, f.Code)
}

// ComputeFingerprint 计算卡号、有效期、安全码组合的指纹。
func ComputeFingerprint(number, expiry, code string) string {
	h := sha256.New()
	h.Write([]byte(number))
	h.Write([]byte{'|'})
	h.Write([]byte(expiry))
	h.Write([]byte{'|'})
	h.Write([]byte(code))
	return hex.EncodeToString(h.Sum(nil))
}

// NormalizeKey 规范化查找 Key：去除空白与连字符，转为大写，
// maxLen > 0 时截断到 maxLen 个字符。
func NormalizeKey(key string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(key))
	for _, r := range key {
		switch r {
		case ' ', '\t', '\n', '\r', '-':
			continue
		}
		b.WriteRune(r)
	}
	out := strings.ToUpper(b.String())
	// 按字符截断，避免切断多字节字符
	if maxLen > 0 && utf8.RuneCountInString(out) > maxLen {
		out = string([]rune(out)[:maxLen])
	}
	return out
}

// shortHash 日志中只输出指纹前 16 位。
func shortHash(fp string) string {
	if len(fp) <= 16 {
		return fp
	}
	return fp[:16]
}
