package aggregate

import (
	"sync"

	"go-ebrowser/internal/model"
)

// SimpleBuffer 在极简模式下收集抓取结果，避免落库。
// 同一 id 的完整帖子不会被部分帖子覆盖。
type SimpleBuffer struct {
	mu    sync.Mutex
	posts map[int]model.Post // key: id
}

func NewSimpleBuffer() *SimpleBuffer {
	return &SimpleBuffer{posts: make(map[int]model.Post)}
}

func (b *SimpleBuffer) AddPost(p model.Post) {
	b.mu.Lock()
	b.add(p)
	b.mu.Unlock()
}

func (b *SimpleBuffer) AddPosts(list []model.Post) {
	b.mu.Lock()
	for _, p := range list {
		b.add(p)
	}
	b.mu.Unlock()
}

func (b *SimpleBuffer) add(p model.Post) {
	if p.ID <= 0 {
		return
	}
	if old, ok := b.posts[p.ID]; ok && !old.Partial && p.Partial {
		return
	}
	b.posts[p.ID] = p
}

func (b *SimpleBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.posts)
}

// Snapshot 返回按 id 倒序的副本。
func (b *SimpleBuffer) Snapshot() []model.Post {
	b.mu.Lock()
	defer b.mu.Unlock()
	ps := make([]model.Post, 0, len(b.posts))
	for _, v := range b.posts {
		ps = append(ps, v)
	}
	sortByID(ps)
	return ps
}
