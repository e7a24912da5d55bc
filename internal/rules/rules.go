// 包 rules 负责加载并提供页面抓取规则（rules.yaml），
// 以预设名（如 default）组织 CSS 选择器，用于搜索页/图池页的分页器与帖子列表解析。
// 站点改版时只需改 rules.yaml，无需重新编译。
package rules

import (
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rules 表示全部规则集合：键为预设名，值为具体规则。
type Rules struct {
	Presets map[string]Preset `yaml:",inline"`
}

// Preset 为单个站点版式的解析规则集合；字段为 nil 时回退到内置默认值。
type Preset struct {
	SearchPaginator *Paginator `yaml:"search_paginator"`
	PoolPaginator   *Paginator `yaml:"pool_paginator"`
	PoolPosts       *PostList  `yaml:"pool_posts"`
}

// Paginator 描述分页控件：
// - container：分页器容器
// - match：子元素 class 中包含任一片段即视为页码项，取最后一项的首个子节点文本
type Paginator struct {
	Container string   `yaml:"container"`
	Match     []string `yaml:"match"`
}

// PostList 描述帖子列表：container 为列表容器，item 为直接子元素的标签名。
type PostList struct {
	Container string `yaml:"container"`
	Item      string `yaml:"item"`
}

// DefaultPreset 返回 e621 当前版式的内置选择器。
func DefaultPreset() Preset {
	return Preset{
		SearchPaginator: &Paginator{
			Container: "body > div:nth-of-type(1) > div:nth-of-type(3) > div > div > div:nth-of-type(3) > div:nth-of-type(4) > nav",
			Match:     []string{"page last", "page current"},
		},
		PoolPaginator: &Paginator{
			Container: "#c-pools > div:nth-of-type(2) > menu",
			Match:     []string{"numbered-page", "current-page"},
		},
		PoolPosts: &PostList{
			Container: "#posts > section",
			Item:      "article",
		},
	}
}

// WithDefaults 用内置默认值补齐未配置的字段。
func (p Preset) WithDefaults() Preset {
	d := DefaultPreset()
	if p.SearchPaginator == nil || p.SearchPaginator.Container == "" {
		p.SearchPaginator = d.SearchPaginator
	}
	if p.PoolPaginator == nil || p.PoolPaginator.Container == "" {
		p.PoolPaginator = d.PoolPaginator
	}
	if p.PoolPosts == nil || p.PoolPosts.Container == "" {
		p.PoolPosts = d.PoolPosts
	}
	if p.PoolPosts.Item == "" {
		cp := *p.PoolPosts
		cp.Item = d.PoolPosts.Item
		p.PoolPosts = &cp
	}
	return p
}

func Load(path string) (*Rules, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rules %s: %w", path, err)
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read rules %s: %w", path, err)
	}
	var r Rules
	if err := yaml.Unmarshal(b, &r.Presets); err != nil {
		return nil, fmt.Errorf("unmarshal rules %s: %w", path, err)
	}
	return &r, nil
}

// GetPreset 按名称获取预设（不区分大小写），若为空或不存在则回退到 "default"；
// 规则集为空时返回内置默认预设，ok=false。
func (r *Rules) GetPreset(name string) (Preset, bool) {
	if r == nil || len(r.Presets) == 0 {
		return DefaultPreset(), false
	}
	if name == "" {
		name = "default"
	}
	if p, ok := r.Presets[name]; ok {
		return p.WithDefaults(), true
	}
	lower := strings.ToLower(name)
	for k, v := range r.Presets {
		if strings.ToLower(k) == lower {
			return v.WithDefaults(), true
		}
	}
	if p, ok := r.Presets["default"]; ok {
		return p.WithDefaults(), true
	}
	return DefaultPreset(), false
}
