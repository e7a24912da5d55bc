// 包 config 负责加载与校验应用配置（settings.yaml），
// 对外提供结构体 Config 及默认值/合法性校验，并支持 .env 覆盖敏感字段。
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Host             string      `yaml:"HOST"`
	UserAgent        string      `yaml:"USER_AGENT"`
	TimeoutSeconds   int         `yaml:"TIMEOUT_SECONDS"`
	RateLimit        float64     `yaml:"RATE_LIMIT"` // 每秒请求数，0 表示不限速
	RulesPreset      string      `yaml:"RULES_PRESET"`
	Credentials      Credentials `yaml:"CREDENTIALS"`
	Proxy            Proxy       `yaml:"PROXY"`
	Database         Database    `yaml:"DATABASE"`
	SimpleMode       bool        `yaml:"SIMPLE_MODE"` // 不打开数据库，仅写快照
	ResetOnStart     bool        `yaml:"RESET_ON_START"`
	OutdateCleanDays int         `yaml:"OUTDATE_CLEAN"`
	SnapshotPath     string      `yaml:"SNAPSHOT_PATH"`
	Download         Download    `yaml:"DOWNLOAD"`
	Concurrency      Concurrency `yaml:"CONCURRENCY"`
	Server           Server      `yaml:"SERVER"`
	LogLevel         string      `yaml:"LOG_LEVEL"`
	LogFormat        string      `yaml:"LOG_FORMAT"` // text|json|pretty
	LogLocale        string      `yaml:"LOG_LOCALE"` // zh-CN|en
	LogColor         string      `yaml:"LOG_COLOR"`  // auto|always|never
	LogFile          string      `yaml:"LOG_FILE"`

	env map[string]envLayer
}

type Credentials struct {
	Username string `yaml:"username"`
	APIKey   string `yaml:"api_key"`
}

// Set 报告用户名与 API Key 是否均已填写。
func (c Credentials) Set() bool { return c.Username != "" && c.APIKey != "" }

type Database struct {
	Type string `yaml:"type"` // sqlite (default) | postgres
	DSN  string `yaml:"dsn"`
}

type Download struct {
	Images      bool   `yaml:"images"`
	Videos      bool   `yaml:"videos"`
	Dir         string `yaml:"dir"`
	Concurrency int    `yaml:"concurrency"`
	S3          S3     `yaml:"s3"`
}

// S3 非空 Bucket 时媒体写入对象存储而非本地目录。
type S3 struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

type Concurrency struct {
	Fetch int `yaml:"fetch"`
}

type Proxy struct {
	HTTP  string `yaml:"http"`
	HTTPS string `yaml:"https"`
}

type Server struct {
	Addr string `yaml:"addr"`
}

// Timeout 返回单次请求超时。
func (c *Config) Timeout() time.Duration { return time.Duration(c.TimeoutSeconds) * time.Second }

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &c, nil
}

// Default 返回仅含默认值的配置。
func Default() *Config {
	var c Config
	_ = c.Validate()
	return &c
}

func (c *Config) Validate() error {
	if c.TimeoutSeconds < 0 {
		return errors.New("TIMEOUT_SECONDS must be >= 0")
	}
	if c.RateLimit < 0 {
		return errors.New("RATE_LIMIT must be >= 0")
	}
	if c.OutdateCleanDays < 0 {
		return errors.New("OUTDATE_CLEAN must be >= 0")
	}
	if c.Host == "" {
		c.Host = "https://e621.net/"
	}
	if !strings.HasPrefix(c.Host, "http://") && !strings.HasPrefix(c.Host, "https://") {
		return fmt.Errorf("HOST must be an http(s) url: %s", c.Host)
	}
	if c.UserAgent == "" {
		c.UserAgent = "e621NET/0.1 (+https://disotakyu.vercel.app/e621)"
	}
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 100
	}
	if c.RulesPreset == "" {
		c.RulesPreset = "default"
	}
	if c.Database.Type == "" {
		c.Database.Type = "sqlite"
	}
	switch c.Database.Type {
	case "sqlite":
		if c.Database.DSN == "" {
			c.Database.DSN = "./ebrowser.db"
		}
	case "postgres":
		if c.Database.DSN == "" && !c.SimpleMode {
			return errors.New("DATABASE.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}
	if c.SnapshotPath == "" {
		c.SnapshotPath = "posts.json"
	}
	if c.Download.Dir == "" {
		c.Download.Dir = "downloads"
	}
	if c.Download.Concurrency <= 0 {
		c.Download.Concurrency = 4
	}
	if c.Download.S3.Bucket != "" && c.Download.S3.Region == "" {
		c.Download.S3.Region = "us-east-1"
	}
	if c.Concurrency.Fetch <= 0 {
		c.Concurrency.Fetch = 4
	}
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8621"
	}
	if c.LogFormat == "" {
		c.LogFormat = "pretty"
	}
	if c.LogLocale == "" {
		c.LogLocale = "zh-CN"
	}
	if c.LogColor == "" {
		c.LogColor = "auto"
	}
	return nil
}

type envField struct {
	get func(c *Config) string
	set func(c *Config, v string)
}

// envKeys 为允许由环境变量覆盖的字段。
var envKeys = map[string]envField{
	"E621_HOST":       {func(c *Config) string { return c.Host }, func(c *Config, v string) { c.Host = v }},
	"E621_USER_AGENT": {func(c *Config) string { return c.UserAgent }, func(c *Config, v string) { c.UserAgent = v }},
	"E621_USERNAME":   {func(c *Config) string { return c.Credentials.Username }, func(c *Config, v string) { c.Credentials.Username = v }},
	"E621_API_KEY":    {func(c *Config) string { return c.Credentials.APIKey }, func(c *Config, v string) { c.Credentials.APIKey = v }},
	"DB_DSN":          {func(c *Config) string { return c.Database.DSN }, func(c *Config, v string) { c.Database.DSN = v }},
	"S3_ACCESS_KEY":   {func(c *Config) string { return c.Download.S3.AccessKey }, func(c *Config, v string) { c.Download.S3.AccessKey = v }},
	"S3_SECRET_KEY":   {func(c *Config) string { return c.Download.S3.SecretKey }, func(c *Config, v string) { c.Download.S3.SecretKey = v }},
}

// envLayer 记录被环境变量覆盖的字段：文件中的原值与环境值。
type envLayer struct {
	file string
	env  string
}

// ApplyEnv 读取 .env（不存在时忽略，不覆盖已有环境变量），再用环境变量覆盖对应字段。
// 覆盖层单独记录，Persistable 写回时会剥离。
func (c *Config) ApplyEnv(envPath string) error {
	if envPath != "" {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load env %s: %w", envPath, err)
		}
	}
	layers := make(map[string]envLayer, len(c.env))
	for k, l := range c.env {
		layers[k] = l
	}
	for k, f := range envKeys {
		v := strings.TrimSpace(os.Getenv(k))
		if v == "" {
			continue
		}
		file := f.get(c)
		if prev, ok := layers[k]; ok {
			file = prev.file
		}
		layers[k] = envLayer{file: file, env: v}
		f.set(c, v)
	}
	c.env = layers
	return c.Validate()
}

// Persistable 返回可写回文件的副本：仍等于环境值的字段恢复为文件中的值，
// 之后经 Manager.Update 改成其他值的字段保留新值。
func (c Config) Persistable() Config {
	out := c
	out.env = nil
	for k, l := range c.env {
		f := envKeys[k]
		if f.get(&out) == l.env {
			f.set(&out, l.file)
		}
	}
	return out
}
