package api

import (
	stdErrors "errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"kortix-mvp/internal/agent"
	"kortix-mvp/internal/chat"
	xerrors "kortix-mvp/internal/errors"
	"kortix-mvp/internal/files"
	"kortix-mvp/internal/observability/metrics"
	"kortix-mvp/internal/task"
	"kortix-mvp/internal/thread"
)

// multipartOverhead 是 multipart 边界与头部预留的额外字节。
const multipartOverhead = 1 << 20

func unavailable(name string) error {
	return xerrors.New(xerrors.CodeInitializationFailure, name+" service is not configured")
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.deps.Page.ServeHTTP(w, r)
}

func (s *Server) handleDocs(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.docs)
}

func (s *Server) handleOpenAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.openapi)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Images == nil {
		s.writeError(w, r, unavailable("image"))
		return
	}
	target, width, quality, err := s.deps.Images.ParseParams(r.URL.Query())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	img, err := s.deps.Images.Optimize(r.Context(), target, width, quality)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Cache-Control", s.deps.Images.CacheControl())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img.Body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		s.writeError(w, r, unavailable("health"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Health.Liveness())
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		s.writeError(w, r, unavailable("health"))
		return
	}
	status, err := s.deps.Health.Readiness(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agents == nil {
		s.writeError(w, r, unavailable("agent"))
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	agents, total, err := s.deps.Agents.List(r.Context(), agent.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents, "total": total})
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agents == nil {
		s.writeError(w, r, unavailable("agent"))
		return
	}
	var req agent.CreateRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.deps.Agents.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agents == nil {
		s.writeError(w, r, unavailable("agent"))
		return
	}
	found, err := s.deps.Agents.Get(r.Context(), chi.URLParam(r, "agentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	if s.deps.Threads == nil {
		s.writeError(w, r, unavailable("thread"))
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	threads, total, err := s.deps.Threads.List(r.Context(), thread.ListOptions{
		AgentID: strings.TrimSpace(r.URL.Query().Get("agent_id")),
		Limit:   limit,
		Offset:  offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threads": threads, "total": total})
}

func (s *Server) handleCreateThread(w http.ResponseWriter, r *http.Request) {
	if s.deps.Threads == nil {
		s.writeError(w, r, unavailable("thread"))
		return
	}
	var req thread.CreateRequest
	if err := decodeBody(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	created, err := s.deps.Threads.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if s.deps.Threads == nil {
		s.writeError(w, r, unavailable("thread"))
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	messages, err := s.deps.Threads.Messages(r.Context(), chi.URLParam(r, "threadID"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages, "total": len(messages)})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Chat == nil {
		s.writeError(w, r, unavailable("chat"))
		return
	}
	var req chat.Request
	if err := decodeBody(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	reply, err := s.deps.Chat.Send(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if reply.Queued() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, reply)
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	if s.deps.Files == nil {
		s.writeError(w, r, unavailable("file"))
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	list, total, err := s.deps.Files.List(r.Context(), files.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": list, "total": total})
}

// handleUpload 接受 multipart 的 file 字段，或带 X-File-Name 的原始请求体。
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Files == nil {
		s.writeError(w, r, unavailable("file"))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.deps.Files.MaxUploadBytes()+multipartOverhead)

	upload := files.Upload{}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		reader, err := r.MultipartReader()
		if err != nil {
			s.writeError(w, r, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid multipart body"))
			return
		}
		for {
			part, err := reader.NextPart()
			if err == io.EOF {
				s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, `multipart field "file" is required`))
				return
			}
			if err != nil {
				s.writeError(w, r, uploadReadError(err))
				return
			}
			if part.FormName() != "file" {
				_ = part.Close()
				continue
			}
			upload.Name = part.FileName()
			upload.ContentType = part.Header.Get("Content-Type")
			upload.Body = part
			break
		}
	} else {
		upload.Name = r.Header.Get("X-File-Name")
		if mediaType != "" {
			upload.ContentType = r.Header.Get("Content-Type")
		}
		upload.Body = r.Body
	}

	uploaded, err := s.deps.Files.Upload(r.Context(), upload)
	if err != nil {
		s.writeError(w, r, uploadReadError(err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"file_id":   uploaded.ID,
		"name":      uploaded.Name,
		"size":      uploaded.Size,
		"status":    uploaded.Status,
		"timestamp": uploaded.CreatedAt,
	})
}

func uploadReadError(err error) error {
	var maxErr *http.MaxBytesError
	if stdErrors.As(err, &maxErr) {
		return xerrors.New(xerrors.CodePayloadTooLarge, "uploaded file too large")
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "read upload failed")
}

func (s *Server) handleKnowledge(w http.ResponseWriter, r *http.Request) {
	if s.deps.Knowledge == nil {
		writeJSON(w, http.StatusOK, map[string]any{"entries": []any{}, "total": 0})
		return
	}
	entries, err := s.deps.Knowledge.List(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "total": len(entries)})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if s.deps.Webhooks == nil {
		s.writeError(w, r, unavailable("webhook"))
		return
	}
	var body any
	if err := decodeBody(r, &body, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	payload, _ := body.(map[string]any)
	result, err := s.deps.Webhooks.Trigger(r.Context(), payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSubscription(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Billing.Subscription())
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		s.writeError(w, r, unavailable("task"))
		return
	}
	found, err := s.deps.Tasks.Get(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		s.writeError(w, r, unavailable("task"))
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var filters []task.ListOption
	if raw := queryList(r, "status"); len(raw) > 0 {
		statuses := make([]task.Status, 0, len(raw))
		for _, value := range raw {
			status := task.Status(strings.ToLower(value))
			if !task.IsValidStatus(status) {
				s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "unknown task status: "+value))
				return
			}
			statuses = append(statuses, status)
		}
		filters = append(filters, task.WithStatuses(statuses...))
	}
	if raw := queryList(r, "kind"); len(raw) > 0 {
		kinds := make([]task.Kind, 0, len(raw))
		for _, value := range raw {
			kinds = append(kinds, task.Kind(value))
		}
		filters = append(filters, task.WithKinds(kinds...))
	}
	if q := r.URL.Query().Get("q"); q != "" {
		filters = append(filters, task.WithQuery(q))
	}
	if since := r.URL.Query().Get("updated_since"); since != "" {
		ts, err := time.Parse(time.RFC3339, since)
		if err != nil {
			s.writeError(w, r, xerrors.New(xerrors.CodeInvalidArgument, "updated_since must be RFC3339"))
			return
		}
		filters = append(filters, task.WithUpdatedSince(ts))
	}

	listOpts := append([]task.ListOption{task.WithLimit(limit), task.WithOffset(offset)}, filters...)
	tasks, err := s.deps.Tasks.List(r.Context(), listOpts...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.deps.Tasks.Stats(r.Context(), filters...)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "stats": stats})
}
