// 包 export 负责快照读写：
// - 最近一次抓取结果写为 posts.json，下次启动时恢复
// - 本地缓存导出为单个 JSON 文件（带数量上限与统计）
package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go-ebrowser/internal/model"
)

// WriteSnapshot 将结果页写入 JSON 文件（带缩进格式），先写临时文件再重命名。
func WriteSnapshot(path string, page *model.PostPage) error {
	if page == nil {
		return errors.New("nil page")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("mkdir %s: %w", dir, err)
		}
	}
	tmp := path + ".tmp"
	if err := writeJSON(tmp, page); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// ReadSnapshot 读取快照；返回的 MaxPage 重置为回退值，文件中记录的页数另行返回，
// 由调用方决定是否采信。
func ReadSnapshot(path string) (*model.PostPage, int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("read snapshot %s: %w", path, err)
	}
	page := model.NewPostPage(model.ModePosts)
	if err := json.Unmarshal(b, &page); err != nil {
		return nil, 0, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	if page == nil {
		return nil, 0, fmt.Errorf("decode snapshot %s: empty document", path)
	}
	if page.Posts == nil {
		page.Posts = []model.Post{}
	}
	stored := page.MaxPage
	page.MaxPage = model.FallbackMaxPage
	return page, stored, nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode json to %s: %w", path, err)
	}
	// 关闭失败意味着数据可能未落盘
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
