package browse

import (
	"strconv"
	"strings"

	"go-ebrowser/internal/model"
)

// WordKind 为搜索词类别。
type WordKind int

const (
	WordInclude WordKind = iota
	WordExclude
	WordMeta
)

// Word 为搜索串中的单个词；Exclude 的 Text 不含前导 "-"。
type Word struct {
	Kind WordKind
	Text string
}

// Query 为解析后的搜索串，可用于离线筛选缓存中的帖子。
type Query struct {
	Words []Word
}

// ParseQuery 按空白切分：以 "-" 开头为排除，含 ":" 为元词（如 rating:s），其余为包含。
func ParseQuery(s string) Query {
	var q Query
	for _, f := range strings.Fields(s) {
		switch {
		case strings.HasPrefix(f, "-"):
			if t := f[1:]; t != "" {
				q.Words = append(q.Words, Word{Kind: WordExclude, Text: strings.ToLower(t)})
			}
		case strings.Contains(f, ":"):
			q.Words = append(q.Words, Word{Kind: WordMeta, Text: strings.ToLower(f)})
		default:
			q.Words = append(q.Words, Word{Kind: WordInclude, Text: strings.ToLower(f)})
		}
	}
	return q
}

func (q Query) String() string {
	parts := make([]string, 0, len(q.Words))
	for _, w := range q.Words {
		if w.Kind == WordExclude {
			parts = append(parts, "-"+w.Text)
			continue
		}
		parts = append(parts, w.Text)
	}
	return strings.Join(parts, " ")
}

// Match 报告帖子是否满足全部词；不认识的元词视为满足。
func (q Query) Match(p *model.Post) bool {
	for _, w := range q.Words {
		switch w.Kind {
		case WordInclude:
			if !p.HasTag(w.Text) {
				return false
			}
		case WordExclude:
			if strings.Contains(w.Text, ":") {
				if ok, known := matchMeta(p, w.Text); known && ok {
					return false
				}
				continue
			}
			if p.HasTag(w.Text) {
				return false
			}
		case WordMeta:
			if ok, known := matchMeta(p, w.Text); known && !ok {
				return false
			}
		}
	}
	return true
}

// matchMeta 支持 rating:/id:/fav:/score:（数值取 >=）；known=false 表示不支持的元词。
func matchMeta(p *model.Post, text string) (ok, known bool) {
	key, val, _ := strings.Cut(text, ":")
	switch key {
	case "rating":
		if val == "" {
			return true, true
		}
		return strings.HasPrefix(p.Rating, val[:1]), true
	case "id":
		n, err := strconv.Atoi(val)
		if err != nil {
			return false, false
		}
		return p.ID == n, true
	case "fav", "favcount":
		n, err := strconv.Atoi(strings.TrimPrefix(val, ">="))
		if err != nil {
			return false, false
		}
		return p.FavCount >= n, true
	case "score":
		n, err := strconv.Atoi(strings.TrimPrefix(val, ">="))
		if err != nil {
			return false, false
		}
		return p.Score.Total >= n, true
	}
	return false, false
}

// Filter 返回满足查询的帖子（保持原顺序）。
func (q Query) Filter(posts []model.Post) []model.Post {
	out := make([]model.Post, 0, len(posts))
	for i := range posts {
		if q.Match(&posts[i]) {
			out = append(out, posts[i])
		}
	}
	return out
}
