package rules_test

import (
	"os"
	"path/filepath"
	"testing"

	"go-ebrowser/internal/rules"
)

func TestRules_GetPreset(t *testing.T) {
	r := &rules.Rules{Presets: map[string]rules.Preset{
		"Default": {PoolPosts: &rules.PostList{Container: "#a"}},
		"beta":    {PoolPosts: &rules.PostList{Container: "#b", Item: "div"}},
	}}
	p, ok := r.GetPreset("")
	if !ok || p.PoolPosts.Container != "#a" {
		t.Fatalf("empty name should resolve to Default: %+v", p.PoolPosts)
	}
	p, ok = r.GetPreset("missing")
	if ok || p.PoolPosts.Container != "#posts > section" {
		t.Fatalf("unknown name without exact default key should use builtin: %+v", p.PoolPosts)
	}
	p2, ok := r.GetPreset("DEFAULT")
	if !ok || p2.PoolPosts.Container != "#a" {
		t.Fatalf("case-insensitive lookup failed: %+v", p2.PoolPosts)
	}
	if p2.PoolPosts.Item != "article" || p2.SearchPaginator == nil {
		t.Fatalf("missing fields should be filled from builtin: %+v", p2)
	}
	p3, ok := r.GetPreset("beta")
	if !ok || p3.PoolPosts.Item != "div" {
		t.Fatalf("beta preset = %+v", p3.PoolPosts)
	}
}

func TestRules_NilRules(t *testing.T) {
	var r *rules.Rules
	p, ok := r.GetPreset("default")
	if ok {
		t.Fatalf("nil rules should report ok=false")
	}
	if p.SearchPaginator == nil || len(p.SearchPaginator.Match) != 2 {
		t.Fatalf("expect builtin search paginator, got %+v", p.SearchPaginator)
	}
}

func TestRules_Load(t *testing.T) {
	f := filepath.Join(t.TempDir(), "rules.yaml")
	yml := `default:
  pool_paginator:
    container: "menu.paginator"
    match: ["numbered-page"]
`
	if err := os.WriteFile(f, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	r, err := rules.Load(f)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	p, ok := r.GetPreset("default")
	if !ok {
		t.Fatalf("default preset not found")
	}
	if p.PoolPaginator.Container != "menu.paginator" || len(p.PoolPaginator.Match) != 1 {
		t.Fatalf("pool paginator = %+v", p.PoolPaginator)
	}
	if p.PoolPosts.Container != "#posts > section" {
		t.Fatalf("pool posts should default, got %+v", p.PoolPosts)
	}

	if _, err := rules.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expect error for missing file")
	}
}
