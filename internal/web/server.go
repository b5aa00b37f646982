// Package web はブラウザ向けのアップロード画面と、送信セッションを扱うAPIを提供します。
package web

import (
	"context"
	"crypto/rand"
	"embed"
	"errors"
	"html/template"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/finintel-client/internal/auth"
	"github.com/yourusername/finintel-client/internal/config"
	"github.com/yourusername/finintel-client/internal/jobs"
	"github.com/yourusername/finintel-client/internal/uploader"
)

//go:embed templates/index.html
var templatesFS embed.FS

// MaxUploadBytes はアップロードできるファイルの上限サイズです。
const MaxUploadBytes = 50 << 20

const (
	sessionKeySubmissions = "submissions"
	maxTrackedSubmissions = 20
)


// Server はWebフロントの gin エンジンと送信セッションをまとめた構造体です。
type Server struct {
	cfg      *config.Config
	registry *Registry
	auth     *auth.Manager
	logger   *slog.Logger
	engine   *gin.Engine
}

// NewServer はルーティングを設定した Server を作成します。
func NewServer(cfg *config.Config, controller *uploader.Controller, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var creds auth.Credentials
	if cfg.LoginEnabled() {
		creds = auth.Credentials{
			Username:     cfg.AppUsername,
			PasswordHash: cfg.AppPasswordHash,
		}
	}

	s := &Server{
		cfg:      cfg,
		registry: NewRegistry(controller, cfg.SessionRetention, logger),
		auth:     auth.NewManager(creds),
		logger:   logger,
	}

	secret := []byte(cfg.SessionSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		logger.Warn("web.session_secret_generated", "reason", "SESSION_SECRET is empty")
	}

	tmpl, err := template.ParseFS(templatesFS, "templates/index.html")
	if err != nil {
		return nil, err
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))
	router.MaxMultipartMemory = MaxUploadBytes
	router.SetHTMLTemplate(tmpl)

	store := cookie.NewStore(secret)
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = splitOrigins(cfg.CORSAllowedOrigins)
	corsConfig.AllowCredentials = true
	corsConfig.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", auth.CSRFHeader}
	corsConfig.ExposeHeaders = []string{auth.CSRFHeader}
	router.Use(cors.New(corsConfig))

	s.setupRoutes(router)
	s.engine = router
	return s, nil
}

// Handler は http.Server に渡すハンドラーを返します。
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Close は実行中の送信を中断して終了を待ちます。
func (s *Server) Close(ctx context.Context) error {
	return s.registry.Close(ctx)
}

func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/", s.handleIndex)
	router.GET("/health", handleHealth)

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			authRoutes.POST("/login", s.auth.Login)
			authRoutes.POST("/logout", s.auth.RequireLogin(), s.auth.VerifyCSRF(), s.auth.Logout)
		}

		submissions := api.Group("/submissions")
		submissions.Use(s.auth.RequireLogin(), s.auth.VerifyCSRF())
		{
			submissions.POST("", s.handleCreateSubmission)
			submissions.GET("/:id", s.handleGetSubmission)
			submissions.GET("/:id/events", s.handleSubmissionEvents)
			submissions.DELETE("/:id", s.handleCancelSubmission)
		}
	}
}

func (s *Server) handleIndex(c *gin.Context) {
	c.HTML(http.StatusOK, "index.html", gin.H{
		"LoginEnabled": s.auth.Enabled(),
	})
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "finintel-client",
	})
}

// handleCreateSubmission はファイルを受け取り、送信セッションを開始します。
// file フィールドが無い場合も空のファイルとしてそのまま転送し、判断はジョブサービスに任せます。
// MaxUploadBytes はこのプロセスのメモリを守るための上限です。
func (s *Server) handleCreateSubmission(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil && !errors.Is(err, http.ErrNotMultipart) {
		respondWithError(c, http.StatusBadRequest, "INVALID_INPUT", "multipart フォームを読み取れませんでした。")
		return
	}

	var (
		filename string
		data     []byte
	)
	if header := extractSingleFile(form); header != nil {
		if header.Size > MaxUploadBytes {
			respondWithError(c, http.StatusRequestEntityTooLarge, "LIMIT_EXCEEDED", "ファイルサイズが上限を超えています。")
			return
		}

		file, err := header.Open()
		if err != nil {
			respondWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "アップロードされたファイルを開けませんでした。")
			return
		}
		defer file.Close()

		// フォームの一時ファイルはリクエスト終了時に消えるため、先に読み込んでおく
		data, err = io.ReadAll(file)
		if err != nil {
			respondWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "アップロードされたファイルを読み込めませんでした。")
			return
		}
		filename = header.Filename
	}

	sub, err := s.registry.Start(filename, data)
	if err != nil {
		respondWithError(c, http.StatusServiceUnavailable, "SHUTTING_DOWN", "サーバーを停止しています。")
		return
	}
	if err := rememberSubmission(c, sub.ID); err != nil {
		s.registry.Cancel(sub.ID)
		respondWithError(c, http.StatusInternalServerError, "SESSION_SAVE_FAILED", "セッションの保存に失敗しました。")
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"sessionId": sub.ID})
}

func (s *Server) handleGetSubmission(c *gin.Context) {
	sub, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, sub.Snapshot())
}

// handleSubmissionEvents は表示更新を Server-Sent Events で送ります。
// status と result の更新を {"text": ...} の形で順に送り、処理が終わると end イベントに最終状態を載せて閉じます。
// EventSource は data 行の先頭の空白を1つ削るので、本文は常に JSON にします。
func (s *Server) handleSubmissionEvents(c *gin.Context) {
	sub, ok := s.lookup(c)
	if !ok {
		return
	}

	updates, unsubscribe := sub.Subscribe()
	defer unsubscribe()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case update, ok := <-updates:
			if !ok {
				c.SSEvent("end", sub.Snapshot())
				return false
			}
			c.SSEvent(string(update.Region), gin.H{"text": update.Text})
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (s *Server) handleCancelSubmission(c *gin.Context) {
	sub, ok := s.lookup(c)
	if !ok {
		return
	}
	s.registry.Cancel(sub.ID)
	c.Status(http.StatusNoContent)
}

// lookup はこのブラウザが作成したセッションだけを返します。
func (s *Server) lookup(c *gin.Context) (*Submission, bool) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" || !ownsSubmission(c, id) {
		respondWithError(c, http.StatusNotFound, "SUBMISSION_NOT_FOUND", "指定された送信は存在しません。")
		return nil, false
	}
	sub, ok := s.registry.Get(id)
	if !ok {
		respondWithError(c, http.StatusNotFound, "SUBMISSION_NOT_FOUND", "指定された送信は存在しません。")
		return nil, false
	}
	return sub, true
}

func respondWithError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"code":    code,
		"message": message,
	})
}

func extractSingleFile(form *multipart.Form) *multipart.FileHeader {
	if form == nil {
		return nil
	}
	if files := form.File[jobs.FileField]; len(files) > 0 {
		return files[0]
	}
	return nil
}

func ownedSubmissions(c *gin.Context) []string {
	ids, _ := sessions.Default(c).Get(sessionKeySubmissions).([]string)
	return ids
}

func ownsSubmission(c *gin.Context, id string) bool {
	for _, owned := range ownedSubmissions(c) {
		if owned == id {
			return true
		}
	}
	return false
}

func rememberSubmission(c *gin.Context, id string) error {
	ids := append(append([]string(nil), ownedSubmissions(c)...), id)
	if len(ids) > maxTrackedSubmissions {
		ids = ids[len(ids)-maxTrackedSubmissions:]
	}
	session := sessions.Default(c)
	session.Set(sessionKeySubmissions, ids)
	return session.Save()
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		origins = []string{"http://localhost:8080"}
	}
	return origins
}

func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("web.request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
