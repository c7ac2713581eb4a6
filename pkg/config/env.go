// Package config 提供环境变量配置工具函数
//
// 变量未设置、为空或无法解析时一律回退到默认值。
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

func lookup[T any](key string, def T, parse func(string) (T, error)) T {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := parse(raw)
	if err != nil {
		return def
	}
	return v
}

func GetEnv(key, defaultValue string) string {
	return lookup(key, defaultValue, func(s string) (string, error) { return s, nil })
}

func GetEnvInt(key string, defaultValue int) int {
	return lookup(key, defaultValue, strconv.Atoi)
}

func GetEnvInt64(key string, defaultValue int64) int64 {
	return lookup(key, defaultValue, func(s string) (int64, error) { return strconv.ParseInt(s, 10, 64) })
}

func GetEnvBool(key string, defaultValue bool) bool {
	return lookup(key, defaultValue, strconv.ParseBool)
}

func GetEnvFloat64(key string, defaultValue float64) float64 {
	return lookup(key, defaultValue, func(s string) (float64, error) { return strconv.ParseFloat(s, 64) })
}

// GetEnvDecimal 金额、费率使用，避免 float 精度损失
func GetEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	return lookup(key, defaultValue, decimal.NewFromString)
}

func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	return lookup(key, defaultValue, time.ParseDuration)
}

// GetEnvSlice 逗号分隔，忽略空项；全部为空时返回默认值
func GetEnvSlice(key string, defaultValue []string) []string {
	out := lookup(key, defaultValue, func(s string) ([]string, error) {
		var items []string
		for _, part := range strings.Split(s, ",") {
			if p := strings.TrimSpace(part); p != "" {
				items = append(items, p)
			}
		}
		return items, nil
	})
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
