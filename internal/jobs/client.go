// Package jobs はリモートのジョブサービス（文書の送信・状態確認・結果取得）と通信します。
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const (
	// FileField はアップロードするファイルのフォームフィールド名です。
	FileField = "file"

	defaultUserAgent = "finintel-client/0.1"
	maxErrorBody     = 512
)

// RetryPolicy は失敗したリクエストの再試行方針です。
// MaxAttempts が 0 の場合は再試行しません。
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// ClientOptions は Client の設定です。
type ClientOptions struct {
	BaseURL        string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	Retry          RetryPolicy
	UserAgent      string
	Logger         *slog.Logger
}

// Client はジョブサービスの3つのエンドポイントを呼び出します。
// 複数の goroutine から同時に利用できます。
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	retry      RetryPolicy
	userAgent  string
	logger     *slog.Logger
}

// NewClient は Client を作成します。
func NewClient(opts ClientOptions) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(opts.BaseURL))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base url must be absolute: %q", opts.BaseURL)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = defaultUserAgent
	}

	return &Client{
		baseURL:    strings.TrimRight(u.String(), "/"),
		httpClient: httpClient,
		timeout:    opts.RequestTimeout,
		retry:      opts.Retry,
		userAgent:  userAgent,
		logger:     logger,
	}, nil
}

// Submit はファイルを multipart の file フィールドとして POST /documents に送信します。
// ファイルの内容やサイズは検証しません。
func (c *Client) Submit(ctx context.Context, filename string, r io.Reader) (*SubmitResponse, error) {
	if r == nil {
		return nil, errors.New("file reader is nil")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	body, contentType, err := encodeMultipart(filename, data)
	if err != nil {
		return nil, err
	}

	raw, err := c.do(ctx, http.MethodPost, "/documents", func() (io.Reader, string) {
		return bytes.NewReader(body), contentType
	})
	if err != nil {
		return nil, err
	}

	var resp SubmitResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode submit response: %w", err)
	}
	if resp.JobID == "" {
		return nil, ErrMissingJobID
	}
	return &resp, nil
}

// Status は GET /jobs/{job_id} を呼び出します。
func (c *Client) Status(ctx context.Context, jobID string) (*StatusResponse, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}

	raw, err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
		}
		return nil, err
	}

	var resp StatusResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	if resp.Status == "" {
		if resp.Error != "" {
			if strings.Contains(strings.ToLower(resp.Error), "not found") {
				return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobID)
			}
			return nil, fmt.Errorf("status error: %s", resp.Error)
		}
		return nil, ErrMissingStatus
	}
	return &resp, nil
}

// Result は GET /jobs/{job_id}/result を呼び出し、JSON をそのまま返します。
// 結果の形はサービス側が決めるため解釈しません。
func (c *Client) Result(ctx context.Context, jobID string) (json.RawMessage, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}

	raw, err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(jobID)+"/result", nil)
	if err != nil {
		return nil, err
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("decode result response: invalid JSON (%d bytes)", len(raw))
	}
	return json.RawMessage(raw), nil
}

type bodyFunc func() (io.Reader, string)

// do はリトライ方針に従ってリクエストを送信し、2xx の応答本文を返します。
func (c *Client) do(ctx context.Context, method, path string, body bodyFunc) ([]byte, error) {
	var raw []byte
	attempt := 0
	op := func() error {
		attempt++
		var err error
		raw, err = c.send(ctx, method, path, body, attempt)
		if err != nil && !isRetryable(ctx, err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Warn("jobs.http.retry",
			"method", method,
			"path", path,
			"attempt", attempt,
			"wait_ms", wait.Milliseconds(),
			"error", err,
		)
	}

	if err := backoff.RetryNotify(op, c.backoffFor(ctx), notify); err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) backoffFor(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if c.retry.InitialInterval > 0 {
		exp.InitialInterval = c.retry.InitialInterval
	}
	if c.retry.MaxInterval > 0 {
		exp.MaxInterval = c.retry.MaxInterval
	}
	exp.MaxElapsedTime = 0

	retries := c.retry.MaxAttempts
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

func (c *Client) send(ctx context.Context, method, path string, body bodyFunc, attempt int) ([]byte, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var (
		reader      io.Reader
		contentType string
	)
	if body != nil {
		reader, contentType = body()
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	reqID := uuid.New().String()
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-Id", reqID)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	c.logger.Debug("jobs.http.request",
		"req_id", reqID,
		"method", method,
		"path", path,
		"attempt", attempt,
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("jobs.http.send_error",
			"req_id", reqID,
			"method", method,
			"path", path,
			"error", err,
			"elapsed_ms", time.Since(start).Milliseconds(),
		)
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.logger.Warn("jobs.http.response_body_close_error", "req_id", reqID, "error", err)
		}
	}(resp.Body)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	c.logger.Debug("jobs.http.response",
		"req_id", reqID,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)

	if resp.StatusCode/100 != 2 {
		return nil, &APIError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       truncate(strings.TrimSpace(string(raw)), maxErrorBody),
		}
	}
	return raw, nil
}

func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Temporary()
	}
	// 送信・受信エラー（接続拒否、タイムアウト等）は再試行対象
	return true
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// encodeMultipart はファイルを file フィールドに載せた multipart 本文を作成します。
// パートの Content-Type は先頭バイトから判定します。
func encodeMultipart(filename string, data []byte) ([]byte, string, error) {
	if filename == "" {
		filename = "upload"
	}

	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		FileField, quoteEscaper.Replace(filename)))
	header.Set("Content-Type", mimetype.Detect(data).String())

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, "", fmt.Errorf("write form file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("close multipart writer: %w", err)
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}

// truncate は s を n バイト以内に切り詰めます。マルチバイト文字の途中では切りません。
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
