package api

import (
	"bytes"
	"html/template"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"kortix-mvp/internal/health"
)

// route 描述一条对外接口，同时用于注册路由与生成文档。
type route struct {
	Method  string
	Pattern string
	Tag     string
	Summary string
	Status  int
	handler func(*Server, http.ResponseWriter, *http.Request)
}

func routeTable() []route {
	return []route{
		{http.MethodGet, "/", "web", "Landing page", http.StatusOK, (*Server).handleIndex},
		{http.MethodGet, "/docs", "web", "HTML API reference", http.StatusOK, (*Server).handleDocs},
		{http.MethodGet, "/openapi.json", "web", "OpenAPI 3.0 document", http.StatusOK, (*Server).handleOpenAPI},
		{http.MethodGet, "/_image", "web", "Resize a remote image from an allowed host", http.StatusOK, (*Server).handleImage},
		{http.MethodGet, "/metrics", "web", "Prometheus metrics", http.StatusOK, (*Server).handleMetrics},
		{http.MethodGet, "/api/health", "health", "Liveness status", http.StatusOK, (*Server).handleHealth},
		{http.MethodGet, "/api/health-docker", "health", "Check Redis and database connectivity", http.StatusOK, (*Server).handleReadiness},
		{http.MethodGet, "/api/agents", "agents", "List agents", http.StatusOK, (*Server).handleListAgents},
		{http.MethodPost, "/api/agents", "agents", "Create an agent", http.StatusCreated, (*Server).handleCreateAgent},
		{http.MethodGet, "/api/agents/{agentID}", "agents", "Get an agent", http.StatusOK, (*Server).handleGetAgent},
		{http.MethodGet, "/api/threads", "threads", "List threads", http.StatusOK, (*Server).handleListThreads},
		{http.MethodPost, "/api/threads", "threads", "Create a thread", http.StatusCreated, (*Server).handleCreateThread},
		{http.MethodGet, "/api/threads/{threadID}/messages", "threads", "List thread messages, oldest first", http.StatusOK, (*Server).handleMessages},
		{http.MethodPost, "/api/chat", "chat", "Send a chat message", http.StatusOK, (*Server).handleChat},
		{http.MethodGet, "/api/files", "files", "List uploaded files", http.StatusOK, (*Server).handleListFiles},
		{http.MethodPost, "/api/files/upload", "files", "Upload a file", http.StatusCreated, (*Server).handleUpload},
		{http.MethodGet, "/api/knowledge-base", "knowledge", "List knowledge base entries", http.StatusOK, (*Server).handleKnowledge},
		{http.MethodPost, "/api/webhooks/trigger", "webhooks", "Receive a webhook", http.StatusOK, (*Server).handleWebhook},
		{http.MethodGet, "/api/billing/subscription", "billing", "Current subscription", http.StatusOK, (*Server).handleSubscription},
		{http.MethodGet, "/api/tasks", "tasks", "List background tasks with stats", http.StatusOK, (*Server).handleListTasks},
		{http.MethodGet, "/api/tasks/{taskID}", "tasks", "Get a background task", http.StatusOK, (*Server).handleGetTask},
	}
}

var pathParam = regexp.MustCompile(`\{([^}]+)\}`)

// openAPIDocument 根据路由表生成 OpenAPI 3.0 文档。
func openAPIDocument(routes []route) map[string]any {
	paths := make(map[string]map[string]any)
	for _, rt := range routes {
		item, ok := paths[rt.Pattern]
		if !ok {
			item = make(map[string]any)
			paths[rt.Pattern] = item
		}
		op := map[string]any{
			"summary":     rt.Summary,
			"tags":        []string{rt.Tag},
			"operationId": operationID(rt),
			"responses": map[string]any{
				strconv.Itoa(rt.Status): map[string]any{"description": http.StatusText(rt.Status)},
				"default": map[string]any{
					"description": "Error",
					"content": map[string]any{
						"application/json": map[string]any{"schema": map[string]any{"$ref": "#/components/schemas/Error"}},
					},
				},
			},
		}
		var params []map[string]any
		for _, match := range pathParam.FindAllStringSubmatch(rt.Pattern, -1) {
			params = append(params, map[string]any{
				"name":     match[1],
				"in":       "path",
				"required": true,
				"schema":   map[string]any{"type": "string"},
			})
		}
		if len(params) > 0 {
			op["parameters"] = params
		}
		item[strings.ToLower(rt.Method)] = op
	}
	return map[string]any{
		"openapi": "3.0.3",
		"info": map[string]any{
			"title":   "Kortix MVP API",
			"version": health.Version,
		},
		"paths": paths,
		"components": map[string]any{
			"schemas": map[string]any{
				"Error": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"detail": map[string]any{"type": "string"},
						"code":   map[string]any{"type": "string"},
					},
				},
			},
		},
	}
}

func operationID(rt route) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(rt.Method))
	for _, part := range strings.FieldsFunc(rt.Pattern, func(r rune) bool {
		return r == '/' || r == '-' || r == '_' || r == '{' || r == '}' || r == '.'
	}) {
		b.WriteString(strings.ToUpper(part[:1]) + part[1:])
	}
	return b.String()
}

var docsTemplate = template.Must(template.New("docs").Parse(`<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Kortix MVP API</title>
<style>body{font-family:system-ui,sans-serif;max-width:60rem;margin:2rem auto;padding:0 1rem}td,th{padding:.4rem .8rem;text-align:left;border-bottom:1px solid #ddd}code{font-size:.9rem}</style>
</head>
<body>
<h1>Kortix MVP API</h1>
<p>Version {{.Version}}. Machine-readable document: <a href="/openapi.json">/openapi.json</a>.</p>
<p>Errors are returned as <code>{"detail": "...", "code": "..."}</code>.</p>
{{range .Groups}}<h2>{{.Tag}}</h2>
<table>
<tr><th>Method</th><th>Path</th><th>Summary</th></tr>
{{range .Routes}}<tr><td><code>{{.Method}}</code></td><td><code>{{.Pattern}}</code></td><td>{{.Summary}}</td></tr>
{{end}}</table>
{{end}}</body>
</html>
`))

type docsGroup struct {
	Tag    string
	Routes []route
}

func renderDocs(routes []route) ([]byte, error) {
	index := make(map[string]int)
	var groups []docsGroup
	for _, rt := range routes {
		i, ok := index[rt.Tag]
		if !ok {
			i = len(groups)
			index[rt.Tag] = i
			groups = append(groups, docsGroup{Tag: rt.Tag})
		}
		groups[i].Routes = append(groups[i].Routes, rt)
	}
	for i := range groups {
		sort.SliceStable(groups[i].Routes, func(a, b int) bool {
			return groups[i].Routes[a].Pattern < groups[i].Routes[b].Pattern
		})
	}
	var buf bytes.Buffer
	err := docsTemplate.Execute(&buf, map[string]any{"Version": health.Version, "Groups": groups})
	return buf.Bytes(), err
}
