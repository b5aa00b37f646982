package jobs

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

func newTestClient(t *testing.T, baseURL string, retry RetryPolicy) *Client {
	t.Helper()
	client, err := NewClient(ClientOptions{
		BaseURL:        baseURL,
		RequestTimeout: 2 * time.Second,
		Retry:          retry,
	})
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	return client
}

func TestNewClientRejectsRelativeURL(t *testing.T) {
	if _, err := NewClient(ClientOptions{BaseURL: "127.0.0.1:8000"}); err == nil {
		t.Fatal("expected error for base url without scheme")
	}
}

func TestSubmitSendsMultipartFile(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var posts int32
	pdfData := []byte("%PDF-1.4\n% dummy pdf content\n")

	router := gin.New()
	router.POST("/documents", func(c *gin.Context) {
		atomic.AddInt32(&posts, 1)
		header, err := c.FormFile("file")
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"detail": "file is required"})
			return
		}
		if header.Filename != "bank_statement.pdf" {
			t.Errorf("unexpected filename: %s", header.Filename)
		}
		if ct := header.Header.Get("Content-Type"); ct != "application/pdf" {
			t.Errorf("unexpected part content-type: %s", ct)
		}
		f, err := header.Open()
		if err != nil {
			t.Errorf("open form file: %v", err)
			return
		}
		defer f.Close()
		got, _ := io.ReadAll(f)
		if string(got) != string(pdfData) {
			t.Errorf("unexpected file content: %q", got)
		}
		if c.GetHeader("X-Request-Id") == "" {
			t.Error("expected X-Request-Id header")
		}
		c.JSON(http.StatusOK, gin.H{"job_id": "abc123", "status": "QUEUED"})
	})
	server := httptest.NewServer(router)
	defer server.Close()

	client := newTestClient(t, server.URL, RetryPolicy{})
	resp, err := client.Submit(context.Background(), "bank_statement.pdf", strings.NewReader(string(pdfData)))
	if err != nil {
		t.Fatalf("Submit returned error: %v", err)
	}
	if resp.JobID != "abc123" {
		t.Fatalf("unexpected job id: %s", resp.JobID)
	}
	if resp.Status != StatusQueued {
		t.Fatalf("unexpected status: %s", resp.Status)
	}
	if n := atomic.LoadInt32(&posts); n != 1 {
		t.Fatalf("expected exactly one POST, got %d", n)
	}
}

func TestSubmitMissingJobID(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"QUEUED"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, RetryPolicy{})
	_, err := client.Submit(context.Background(), "a.xlsx", strings.NewReader("data"))
	if !errors.Is(err, ErrMissingJobID) {
		t.Fatalf("expected ErrMissingJobID, got %v", err)
	}
}

func TestSubmitNonJSONResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<html>oops</html>")
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, RetryPolicy{})
	_, err := client.Submit(context.Background(), "a.xlsx", strings.NewReader("data"))
	if err == nil || !strings.Contains(err.Error(), "decode submit response") {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestStatusReturnsStatus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/jobs/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"job_id": c.Param("id"), "filename": "a.xlsx", "status": "RUNNING", "result": nil})
	})
	server := httptest.NewServer(router)
	defer server.Close()

	client := newTestClient(t, server.URL, RetryPolicy{})
	resp, err := client.Status(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if resp.Status != StatusRunning || resp.JobID != "job-1" {
		t.Fatalf("unexpected response: %#v", resp)
	}
}

func TestStatusNotFoundBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"error":"Job not found"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, RetryPolicy{})
	_, err := client.Status(context.Background(), "missing")
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestStatusMissingStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, RetryPolicy{})
	_, err := client.Status(context.Background(), "job-1")
	if !errors.Is(err, ErrMissingStatus) {
		t.Fatalf("expected ErrMissingStatus, got %v", err)
	}
}

func TestStatusEscapesJobID(t *testing.T) {
	var path atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.URL.EscapedPath())
		_, _ = io.WriteString(w, `{"status":"QUEUED"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, RetryPolicy{})
	if _, err := client.Status(context.Background(), "a/b c"); err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if got := path.Load().(string); got != "/jobs/a%2Fb%20c" {
		t.Fatalf("unexpected escaped path: %s", got)
	}
}

func TestResultReturnsRawJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/jobs/:id/result", func(c *gin.Context) {
		c.Data(http.StatusOK, "application/json", []byte(`{"doc_type":"bank_statement","validation":{"errors":0}}`))
	})
	server := httptest.NewServer(router)
	defer server.Close()

	client := newTestClient(t, server.URL, RetryPolicy{})
	raw, err := client.Result(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Result returned error: %v", err)
	}
	if string(raw) != `{"doc_type":"bank_statement","validation":{"errors":0}}` {
		t.Fatalf("unexpected result: %s", raw)
	}
}

func TestResultInvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"doc_type":`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, RetryPolicy{})
	if _, err := client.Result(context.Background(), "job-1"); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"status":"RUNNING"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, RetryPolicy{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	})
	resp, err := client.Status(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Status returned error: %v", err)
	}
	if resp.Status != StatusRunning {
		t.Fatalf("unexpected status: %s", resp.Status)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("expected 3 calls, got %d", n)
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, RetryPolicy{
		MaxAttempts:     2,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	})
	_, err := client.Status(context.Background(), "job-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected APIError 502, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("expected 1 call + 2 retries, got %d", n)
	}
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"detail":"file missing"}`)
	}))
	defer server.Close()

	client := newTestClient(t, server.URL, RetryPolicy{MaxAttempts: 5, InitialInterval: time.Millisecond})
	_, err := client.Submit(context.Background(), "a.pdf", strings.NewReader("x"))
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected APIError 422, got %v", err)
	}
	if !strings.Contains(apiErr.Body, "file missing") {
		t.Fatalf("expected body in error, got %q", apiErr.Body)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("expected a single call, got %d", n)
	}
}

func TestStatusHTTPNotFound(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	client := newTestClient(t, server.URL, RetryPolicy{})
	_, err := client.Status(context.Background(), "job-1")
	if !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestTruncateKeepsRuneBoundary(t *testing.T) {
	body := strings.Repeat("a", maxErrorBody-1) + strings.Repeat("エ", 10)
	got := truncate(body, maxErrorBody)
	if !utf8.ValidString(got) {
		t.Fatalf("truncated text is not valid UTF-8: %q", got[len(got)-8:])
	}
	if want := strings.Repeat("a", maxErrorBody-1) + "..."; got != want {
		t.Fatalf("unexpected truncation: %q", got[len(got)-8:])
	}
	if truncate("短い", maxErrorBody) != "短い" {
		t.Fatal("short text must not change")
	}
}

func TestAPIErrorBodyIsValidUTF8(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/jobs/:id", func(c *gin.Context) {
		c.String(http.StatusBadRequest, strings.Repeat("エラー", 200))
	})
	server := httptest.NewServer(router)
	defer server.Close()

	client := newTestClient(t, server.URL, RetryPolicy{})
	_, err := client.Status(context.Background(), "job-1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *APIError, got %v", err)
	}
	if !utf8.ValidString(apiErr.Body) || !strings.HasSuffix(apiErr.Body, "...") {
		t.Fatalf("body must be cut on a rune boundary: %q", apiErr.Body)
	}
}
