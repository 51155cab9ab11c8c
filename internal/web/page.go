// Package web renders the landing page and serves the remote image optimizer.
package web

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// 落地页默认链接。
const (
	DefaultRepositoryURL = "https://github.com/gitmvp-com/kortix-mvp"
	DefaultDocsURL       = "http://localhost:8000/docs"
)

//go:embed templates/index.html.tmpl
var templateFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html.tmpl"))

// Features 是落地页功能卡片中的条目。
var Features = []string{
	"Multi-LLM Support",
	"Chat Interface",
	"Agent Management",
	"File Processing",
	"Web Search & Scraping",
}

// Endpoints 是落地页 API 卡片中列出的路径。
var Endpoints = []string{"/api/health", "/api/agents", "/api/chat", "/api/files"}

// PageData 是模板的输入。
type PageData struct {
	RepositoryURL string
	DocsURL       string
	Features      []string
	Endpoints     []string
}

// Page 持有预渲染的落地页。
type Page struct {
	data PageData
	html []byte
}

// NewPage 渲染落地页，空链接回退到默认值。
func NewPage(repositoryURL, docsURL string) (*Page, error) {
	data := PageData{
		RepositoryURL: fallback(repositoryURL, DefaultRepositoryURL),
		DocsURL:       fallback(docsURL, DefaultDocsURL),
		Features:      Features,
		Endpoints:     Endpoints,
	}
	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("渲染落地页失败: %w", err)
	}
	return &Page{data: data, html: buf.Bytes()}, nil
}

// Data 返回渲染使用的数据。
func (p *Page) Data() PageData { return p.data }

// HTML 返回渲染结果。
func (p *Page) HTML() []byte { return p.html }

// ServeHTTP 返回落地页。
func (p *Page) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(p.html)
	}
}

// Export 把落地页写入 dir/index.html 并返回文件路径。
func (p *Page) Export(dir string) (string, error) {
	if strings.TrimSpace(dir) == "" {
		return "", fmt.Errorf("导出目录不能为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("创建导出目录失败: %w", err)
	}
	target := filepath.Join(dir, "index.html")
	if err := os.WriteFile(target, p.html, 0o644); err != nil {
		return "", fmt.Errorf("写入落地页失败: %w", err)
	}
	return target, nil
}

func fallback(value, def string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return def
}
