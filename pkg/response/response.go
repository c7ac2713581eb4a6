// Package response JSON 错误响应、请求 ID 与 panic 恢复中间件
package response

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"

	commonerrors "github.com/exchange/bridge/pkg/errors"
	"github.com/exchange/bridge/pkg/logger"
)

const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}

func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	if ctx == nil || requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// RequestIDMiddleware 沿用调用方的 X-Request-ID，没有时生成 UUID，并回写到响应头
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, reqID)
		next.ServeHTTP(w, r.WithContext(ContextWithRequestID(r.Context(), reqID)))
	})
}

type statusWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(code)
}

// RecoveryMiddleware turns a handler panic into a 500 response.
func RecoveryMiddleware(log *logger.Logger, next http.Handler) http.Handler {
	if log == nil {
		log = logger.Nop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wrapped := &statusWriter{ResponseWriter: w}
		defer func() {
			if v := recover(); v != nil {
				log.Errorf("panic recovered", map[string]interface{}{
					"panic":     fmt.Sprint(v),
					"requestId": RequestIDFromContext(r.Context()),
					"stack":     string(debug.Stack()),
				})
				if !wrapped.wroteHeader {
					WriteErrorCode(wrapped, r, commonerrors.CodeInternal, "internal server error")
				}
			}
		}()
		next.ServeHTTP(wrapped, r)
	})
}

// WriteError writes a structured error. Errors without a code are reported as
// INTERNAL with a generic message.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	if w == nil || err == nil {
		return
	}
	var payload commonerrors.Error
	if commonerrors.CodeOf(err) == commonerrors.CodeInternal {
		payload = *commonerrors.New(commonerrors.CodeInternal, "internal server error")
	} else {
		payload = *commonerrors.Wrap(err, commonerrors.CodeInternal)
	}
	if r != nil {
		payload.RequestID = RequestIDFromContext(r.Context())
	}
	WriteJSON(w, payload.HTTPStatus(), &payload)
}

// WriteErrorCode writes an error response using error code and message.
func WriteErrorCode(w http.ResponseWriter, r *http.Request, code commonerrors.Code, message string) {
	WriteError(w, r, commonerrors.New(code, message))
}

func WriteJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
