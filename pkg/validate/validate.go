// Package validate 校验下单参数
package validate

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	commonerrors "github.com/exchange/bridge/pkg/errors"
)

var (
	assetRe = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)
)

// Pair 校验交易对格式（如 BTC/USDT），返回 base、quote
func Pair(s string) (base, quote string, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", "", commonerrors.New(commonerrors.CodeInvalidOrder, "pair is required")
	}
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return "", "", commonerrors.Newf(commonerrors.CodeInvalidOrder, "invalid pair: %q (expected BASE/QUOTE)", s)
	}
	base, quote = parts[0], parts[1]
	if !assetRe.MatchString(base) || !assetRe.MatchString(quote) {
		return "", "", commonerrors.Newf(commonerrors.CodeInvalidOrder, "invalid pair: %q (BASE/QUOTE must be uppercase symbols)", s)
	}
	if base == quote {
		return "", "", commonerrors.Newf(commonerrors.CodeInvalidOrder, "invalid pair: %q (base equals quote)", s)
	}
	return base, quote, nil
}

// Asset 校验资产符号
func Asset(s string) error {
	if !assetRe.MatchString(s) {
		return commonerrors.Newf(commonerrors.CodeInvalidParam, "invalid asset: %q", s)
	}
	return nil
}

// Side 校验订单方向
func Side(s string) error {
	switch s {
	case "BUY", "SELL":
		return nil
	default:
		return commonerrors.Newf(commonerrors.CodeInvalidOrder, "invalid side: %q (expected BUY or SELL)", s)
	}
}

// OrderType 校验订单类型
func OrderType(s string) error {
	switch s {
	case "LIMIT", "MARKET":
		return nil
	default:
		return commonerrors.Newf(commonerrors.CodeInvalidOrder, "invalid order type: %q (expected LIMIT or MARKET)", s)
	}
}

// Price 校验价格（必须 > 0，小数位不超过 precision）
func Price(price decimal.Decimal, precision int32) error {
	if !price.IsPositive() {
		return commonerrors.Newf(commonerrors.CodeInvalidOrder, "invalid price: %s (must be > 0)", price)
	}
	if precision >= 0 && Places(price) > precision {
		return commonerrors.Newf(commonerrors.CodeInvalidOrder, "invalid price: %s (max %d decimal places)", price, precision)
	}
	return nil
}

// Quantity 校验数量（必须 > 0，范围及精度校验），min/max 为零表示不限制
func Quantity(qty, min, max decimal.Decimal, precision int32) error {
	if !qty.IsPositive() {
		return commonerrors.Newf(commonerrors.CodeInvalidOrder, "invalid amount: %s (must be > 0)", qty)
	}
	if min.IsPositive() && qty.LessThan(min) {
		return commonerrors.Newf(commonerrors.CodeInvalidOrder, "invalid amount: %s (min=%s)", qty, min)
	}
	if max.IsPositive() && qty.GreaterThan(max) {
		return commonerrors.Newf(commonerrors.CodeInvalidOrder, "invalid amount: %s (max=%s)", qty, max)
	}
	if precision >= 0 && Places(qty) > precision {
		return commonerrors.Newf(commonerrors.CodeInvalidOrder, "invalid amount: %s (max %d decimal places)", qty, precision)
	}
	return nil
}

// Places 返回去除尾零后的小数位数
func Places(d decimal.Decimal) int32 {
	s := d.String()
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return 0
	}
	return int32(len(strings.TrimRight(s[i+1:], "0")))
}
