package domain

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// tBTCUSD / tPNKUSD
	plainSymbol = regexp.MustCompile(`^t[A-Z]{3,5}[A-Z]{3,4}$`)
	// tTESTBTC:TESTUSD 这类长币种用冒号分隔
	colonSymbol = regexp.MustCompile(`^t[A-Z0-9]{2,}:[A-Z0-9]{2,}$`)
)

// NormalizeSymbol 转大写并补上交易对前缀 t
func NormalizeSymbol(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	if strings.HasPrefix(s, "t") {
		return "t" + strings.ToUpper(s[1:])
	}
	return "t" + strings.ToUpper(s)
}

// ValidateSymbol 校验 Bitfinex 交易对格式
func ValidateSymbol(s string) error {
	if plainSymbol.MatchString(s) || colonSymbol.MatchString(s) {
		return nil
	}
	return NewValidationError("symbol", fmt.Sprintf("invalid trading pair %q, expected format like tBTCUSD", s))
}
