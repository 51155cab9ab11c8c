package api

import (
	"encoding/json"
	stdErrors "errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	xerrors "kortix-mvp/internal/errors"
)

// errorBody 是所有错误响应的结构。
type errorBody struct {
	Detail string `json:"detail"`
	Code   string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError 把统一错误码映射为 HTTP 状态码，未知错误按 500 处理且不暴露细节。
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := xerrors.StatusOf(err)
	body := errorBody{Detail: "Internal server error", Code: string(xerrors.CodeUnknown)}
	if coded, ok := xerrors.From(err); ok {
		body.Code = string(coded.Code())
		if msg := coded.Message(); msg != "" {
			body.Detail = msg
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("请求处理失败",
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Any("error", err),
		)
	}
	writeJSON(w, status, body)
}

// decodeBody 解析 JSON 请求体。allowEmpty 为 true 时空请求体保持零值。
func decodeBody(r *http.Request, dst any, allowEmpty bool) error {
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case stdErrors.As(err, &maxErr):
			return xerrors.New(xerrors.CodePayloadTooLarge, "request body too large")
		case stdErrors.Is(err, io.EOF) && allowEmpty:
			return nil
		default:
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid JSON body")
		}
	}
	return nil
}

// queryInt 读取非负整数查询参数，缺省返回 def。
func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, key+" must be a non-negative integer")
	}
	return value, nil
}

// queryList 读取逗号分隔或重复出现的查询参数。
func queryList(r *http.Request, key string) []string {
	var out []string
	for _, raw := range r.URL.Query()[key] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
