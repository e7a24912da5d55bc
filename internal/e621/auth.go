package e621

import (
	"encoding/base64"
	"strings"

	"golang.org/x/text/encoding/charmap"
)

// Credentials 为 API 登录信息（用户名 + API Key）。
type Credentials struct {
	Username string `yaml:"username" json:"username"`
	APIKey   string `yaml:"api_key" json:"api_key"`
}

// Valid 报告两项是否均非空。
func (c *Credentials) Valid() bool {
	return c != nil && c.Username != "" && c.APIKey != ""
}

// basicAuth 按 RFC 7617 以 ISO-8859-1 编码 "user:key" 后做 base64；超出 Latin-1 的字符写作 '?'。
func basicAuth(c *Credentials) string {
	raw := strings.Map(func(r rune) rune {
		if r > 0xFF {
			return '?'
		}
		return r
	}, c.Username+":"+c.APIKey)
	b, err := charmap.ISO8859_1.NewEncoder().String(raw)
	if err != nil {
		b = raw
	}
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(b))
}
