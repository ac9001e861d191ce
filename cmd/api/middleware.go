package main

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nemonet1337/zaiSerialStock/pkg/inventory"
)

// Headers set by the upstream authenticator
const (
	headerActorID   = "X-Actor-ID"
	headerActorRole = "X-Actor-Role"
	headerRequestID = "X-Request-ID"
)

// statusRecorder captures the status code written by a handler
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests
// HTTPリクエストをログ出力するミドルウェア
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			requestID := r.Header.Get(headerRequestID)
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set(headerRequestID, requestID)

			// リクエスト処理
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			// ログ出力
			logger.Info("HTTPリクエスト",
				zap.String("request_id", requestID),
				zap.String("method", r.Method),
				zap.String("url", r.URL.Path),
				zap.Int("status", rec.status),
				zap.String("remote_addr", r.RemoteAddr),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// corsMiddleware allows browser clients during development
// CORS設定（開発用）
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+headerActorID+", "+headerActorRole)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware rejects requests beyond the configured rate with 429
// レート制限ミドルウェア
func rateLimitMiddleware(limiter *rate.Limiter, h *Handlers) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				h.sendError(w, http.StatusTooManyRequests, "rate_limited", "リクエストが多すぎます")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// actorMiddleware turns the authenticator's headers into an inventory.Actor
// 認証済みユーザー情報をコンテキストに設定
func actorMiddleware(h *Handlers) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := uuid.Parse(r.Header.Get(headerActorID))
			if err != nil {
				h.sendError(w, http.StatusUnauthorized, "unauthenticated", "ユーザーIDが不正です")
				return
			}

			role := inventory.Role(r.Header.Get(headerActorRole))
			if role != inventory.RoleAdmin && role != inventory.RoleUser {
				h.sendError(w, http.StatusUnauthorized, "unauthenticated", "ロールが不正です")
				return
			}

			ctx := inventory.WithActor(r.Context(), inventory.Actor{ID: id, Role: role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
