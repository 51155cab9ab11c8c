package web

import (
	"net/url"
	"strings"

	"kortix-mvp/internal/config"
)

// ImagePolicy 判断远程图片地址是否在白名单内。
type ImagePolicy struct {
	patterns []config.RemotePattern
}

// NewImagePolicy 根据配置的 remote_patterns 创建策略。
func NewImagePolicy(patterns []config.RemotePattern) *ImagePolicy {
	cloned := make([]config.RemotePattern, 0, len(patterns))
	for _, p := range patterns {
		p.Protocol = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(p.Protocol)), ":")
		p.Hostname = strings.ToLower(strings.TrimSpace(p.Hostname))
		p.Port = strings.TrimSpace(p.Port)
		p.Pathname = strings.TrimSpace(p.Pathname)
		if p.Hostname == "" {
			continue
		}
		cloned = append(cloned, p)
	}
	return &ImagePolicy{patterns: cloned}
}

// Allowed 判断 u 是否命中任一规则。
func (p *ImagePolicy) Allowed(u *url.URL) bool {
	if p == nil || u == nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return false
	}
	for _, pattern := range p.patterns {
		if pattern.Protocol != "" && pattern.Protocol != scheme {
			continue
		}
		if pattern.Port != "" && pattern.Port != u.Port() {
			continue
		}
		if !matchHostname(pattern.Hostname, host) {
			continue
		}
		if pattern.Pathname != "" && !matchPathname(pattern.Pathname, u.EscapedPath()) {
			continue
		}
		return true
	}
	return false
}

// matchHostname 按标签匹配：* 恰好一个标签，** 一个或多个标签。
func matchHostname(pattern, host string) bool {
	return matchLabels(strings.Split(pattern, "."), strings.Split(host, "."))
}

func matchLabels(pattern, labels []string) bool {
	if len(pattern) == 0 {
		return len(labels) == 0
	}
	switch pattern[0] {
	case "**":
		for i := 1; i <= len(labels); i++ {
			if matchLabels(pattern[1:], labels[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(labels) > 0 && labels[0] != "" && matchLabels(pattern[1:], labels[1:])
	default:
		return len(labels) > 0 && pattern[0] == labels[0] && matchLabels(pattern[1:], labels[1:])
	}
}

// matchPathname 按路径段匹配：* 一个段，** 剩余任意段。
func matchPathname(pattern, path string) bool {
	return matchSegments(splitPath(pattern), splitPath(path))
}

func matchSegments(pattern, segments []string) bool {
	if len(pattern) == 0 {
		return len(segments) == 0
	}
	switch pattern[0] {
	case "**":
		for i := 0; i <= len(segments); i++ {
			if matchSegments(pattern[1:], segments[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(segments) > 0 && matchSegments(pattern[1:], segments[1:])
	default:
		return len(segments) > 0 && pattern[0] == segments[0] && matchSegments(pattern[1:], segments[1:])
	}
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}
