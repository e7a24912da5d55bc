package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Manager 持有当前配置并在更新后通知订阅者；配置值以副本形式传出。
type Manager struct {
	mu   sync.RWMutex
	cur  Config
	path string
	subs map[int]func(Config)
	next int
}

// NewManager 以已校验的配置创建管理器；path 为 Save 的写回位置。
func NewManager(c *Config, path string) *Manager {
	m := &Manager{path: path, subs: map[int]func(Config){}}
	if c != nil {
		m.cur = *c
	} else {
		m.cur = *Default()
	}
	return m
}

// Current 返回当前配置的副本。
func (m *Manager) Current() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cur
}

// Update 在副本上应用修改并校验；校验失败时保持原配置。订阅者在锁外调用，顺序不保证。
func (m *Manager) Update(fn func(*Config)) error {
	m.mu.Lock()
	next := m.cur
	fn(&next)
	if err := next.Validate(); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("validate config: %w", err)
	}
	m.cur = next
	subs := make([]func(Config), 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s(next)
	}
	return nil
}

// Subscribe 注册变更回调，返回取消函数。
func (m *Manager) Subscribe(fn func(Config)) (cancel func()) {
	m.mu.Lock()
	id := m.next
	m.next++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Save 将当前配置写回 YAML（先写临时文件再重命名）；环境变量覆盖的值不会写入。
func (m *Manager) Save() error {
	if m.path == "" {
		return fmt.Errorf("save config: no path")
	}
	c := m.Current().Persistable()
	b, err := yaml.Marshal(&c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write config %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("rename config %s: %w", m.path, err)
	}
	return nil
}
