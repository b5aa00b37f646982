package uploader

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/finintel-client/internal/jobs"
)

// fakeJobService は /documents, /jobs/:id, /jobs/:id/result を模したサービスです。
type fakeJobService struct {
	mu          sync.Mutex
	ids         []string
	statuses    map[string][]string
	results     map[string]string
	posts       int
	statusCalls map[string]int
	resultCalls map[string]int
	failSubmit  bool
}

func newFakeJobService(ids ...string) *fakeJobService {
	return &fakeJobService{
		ids:         ids,
		statuses:    make(map[string][]string),
		results:     make(map[string]string),
		statusCalls: make(map[string]int),
		resultCalls: make(map[string]int),
	}
}

func (f *fakeJobService) router() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/documents", func(c *gin.Context) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.posts++
		if f.failSubmit {
			c.JSON(http.StatusInternalServerError, gin.H{"detail": "storage unavailable"})
			return
		}
		if _, err := c.FormFile("file"); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": "file is required"})
			return
		}
		id := f.ids[0]
		f.ids = f.ids[1:]
		c.JSON(http.StatusOK, gin.H{"job_id": id, "status": "QUEUED"})
	})
	router.GET("/jobs/:id", func(c *gin.Context) {
		f.mu.Lock()
		defer f.mu.Unlock()
		id := c.Param("id")
		script, ok := f.statuses[id]
		if !ok {
			c.JSON(http.StatusOK, gin.H{"error": "Job not found"})
			return
		}
		n := f.statusCalls[id]
		f.statusCalls[id]++
		if n >= len(script) {
			n = len(script) - 1
		}
		c.JSON(http.StatusOK, gin.H{"job_id": id, "status": script[n]})
	})
	router.GET("/jobs/:id/result", func(c *gin.Context) {
		f.mu.Lock()
		defer f.mu.Unlock()
		id := c.Param("id")
		f.resultCalls[id]++
		c.Data(http.StatusOK, "application/json", []byte(f.results[id]))
	})
	return router
}

func (f *fakeJobService) counts(id string) (posts, status, result int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posts, f.statusCalls[id], f.resultCalls[id]
}

type recordingDisplay struct {
	mu       sync.Mutex
	statuses []string
	results  []string
}

func (d *recordingDisplay) SetStatus(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.statuses = append(d.statuses, text)
}

func (d *recordingDisplay) SetResult(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, text)
}

func (d *recordingDisplay) lastStatus() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.statuses) == 0 {
		return ""
	}
	return d.statuses[len(d.statuses)-1]
}

func newTestController(t *testing.T, fake *fakeJobService) *Controller {
	t.Helper()
	server := httptest.NewServer(fake.router())
	t.Cleanup(server.Close)

	client, err := jobs.NewClient(jobs.ClientOptions{BaseURL: server.URL, RequestTimeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	return NewController(client, jobs.PollerOptions{Interval: 5 * time.Millisecond}, nil)
}

func TestHandleSubmissionShowsResult(t *testing.T) {
	fake := newFakeJobService("abc123")
	fake.statuses["abc123"] = []string{"RUNNING", "RUNNING", "DONE"}
	fake.results["abc123"] = `{"doc_type":"bank_statement","validation":{"errors":0,"findings":[]}}`
	controller := newTestController(t, fake)

	display := &recordingDisplay{}
	outcome, err := controller.HandleSubmission(context.Background(), Upload{
		Filename: "bank_statement.xlsx",
		Reader:   strings.NewReader("PK\x03\x04 spreadsheet"),
	}, display)
	if err != nil {
		t.Fatalf("HandleSubmission returned error: %v", err)
	}
	if outcome.JobID != "abc123" {
		t.Fatalf("unexpected job id: %s", outcome.JobID)
	}
	if outcome.Final == nil || outcome.Final.Status != jobs.StatusDone {
		t.Fatalf("unexpected final status: %#v", outcome.Final)
	}

	time.Sleep(30 * time.Millisecond)
	posts, statusCalls, resultCalls := fake.counts("abc123")
	if posts != 1 {
		t.Fatalf("expected one POST, got %d", posts)
	}
	if statusCalls != 3 {
		t.Fatalf("expected 3 status calls, got %d", statusCalls)
	}
	if resultCalls != 1 {
		t.Fatalf("expected one result call, got %d", resultCalls)
	}

	wantStatuses := []string{"Uploading...", "Job ID: abc123", "Status: RUNNING", "Status: RUNNING", "Status: DONE"}
	if len(display.statuses) != len(wantStatuses) {
		t.Fatalf("unexpected statuses: %#v", display.statuses)
	}
	for i, want := range wantStatuses {
		if display.statuses[i] != want {
			t.Fatalf("status[%d] = %q, want %q", i, display.statuses[i], want)
		}
	}

	wantResult := "{\n  \"doc_type\": \"bank_statement\",\n  \"validation\": {\n    \"errors\": 0,\n    \"findings\": []\n  }\n}"
	if len(display.results) != 1 || display.results[0] != wantResult {
		t.Fatalf("unexpected result region: %#v", display.results)
	}
}

func TestHandleSubmissionFailedJob(t *testing.T) {
	fake := newFakeJobService("job-9")
	fake.statuses["job-9"] = []string{"RUNNING", "FAILED"}
	controller := newTestController(t, fake)

	display := &recordingDisplay{}
	_, err := controller.HandleSubmission(context.Background(), Upload{Filename: "invoice.pdf", Reader: strings.NewReader("%PDF-1.4")}, display)
	var failed *jobs.JobFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected JobFailedError, got %v", err)
	}
	if _, _, resultCalls := fake.counts("job-9"); resultCalls != 0 {
		t.Fatalf("result must not be fetched for a failed job, got %d calls", resultCalls)
	}
	if got := display.lastStatus(); !strings.HasPrefix(got, "Error: ") || !strings.Contains(got, "FAILED") {
		t.Fatalf("unexpected last status: %q", got)
	}
	if len(display.results) != 0 {
		t.Fatalf("result region must stay empty: %#v", display.results)
	}
}

func TestHandleSubmissionSubmitError(t *testing.T) {
	fake := newFakeJobService()
	fake.failSubmit = true
	controller := newTestController(t, fake)

	display := &recordingDisplay{}
	_, err := controller.HandleSubmission(context.Background(), Upload{Filename: "a.pdf", Reader: strings.NewReader("x")}, display)
	var apiErr *jobs.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected APIError 500, got %v", err)
	}
	if len(display.statuses) != 2 || display.statuses[0] != "Uploading..." || !strings.HasPrefix(display.statuses[1], "Error: ") {
		t.Fatalf("unexpected statuses: %#v", display.statuses)
	}
}

func TestHandleSubmissionCanceled(t *testing.T) {
	fake := newFakeJobService("slow")
	fake.statuses["slow"] = []string{"RUNNING"}
	controller := newTestController(t, fake)

	ctx, cancel := context.WithCancel(context.Background())
	display := &recordingDisplay{}
	done := make(chan error, 1)
	go func() {
		_, err := controller.HandleSubmission(ctx, Upload{Filename: "a.pdf", Reader: strings.NewReader("x")}, display)
		done <- err
	}()

	time.Sleep(40 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("HandleSubmission did not return after cancel")
	}
	if got := display.lastStatus(); got != TextCanceled {
		t.Fatalf("unexpected last status: %q", got)
	}
}

func TestConcurrentSubmissionsKeepSeparateDisplays(t *testing.T) {
	fake := newFakeJobService("job-a", "job-b")
	fake.statuses["job-a"] = []string{"RUNNING", "DONE"}
	fake.statuses["job-b"] = []string{"QUEUED", "RUNNING", "RUNNING", "DONE"}
	fake.results["job-a"] = `{"id":"a"}`
	fake.results["job-b"] = `{"id":"b"}`
	controller := newTestController(t, fake)

	displays := []*recordingDisplay{{}, {}}
	outcomes := make([]*Outcome, 2)
	var wg sync.WaitGroup
	for i := range displays {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := controller.HandleSubmission(context.Background(), Upload{Filename: "f.pdf", Reader: strings.NewReader("x")}, displays[i])
			if err != nil {
				t.Errorf("submission %d failed: %v", i, err)
				return
			}
			outcomes[i] = out
		}(i)
	}
	wg.Wait()
	if t.Failed() {
		return
	}

	for i, d := range displays {
		jobID := outcomes[i].JobID
		if d.statuses[1] != "Job ID: "+jobID {
			t.Fatalf("display %d shows %q for job %s", i, d.statuses[1], jobID)
		}
		want := "{\n  \"id\": \"" + strings.TrimPrefix(jobID, "job-") + "\"\n}"
		if len(d.results) != 1 || d.results[0] != want {
			t.Fatalf("display %d has result %#v, want %q", i, d.results, want)
		}
	}
}

func TestShowResultFormatsJSON(t *testing.T) {
	fake := newFakeJobService()
	fake.results["job-1"] = `{"a":1,"b":[1,2],"c":{}}`
	controller := newTestController(t, fake)

	regions := &Regions{}
	if _, err := controller.ShowResult(context.Background(), "job-1", regions); err != nil {
		t.Fatalf("ShowResult returned error: %v", err)
	}
	want := "{\n  \"a\": 1,\n  \"b\": [\n    1,\n    2\n  ],\n  \"c\": {}\n}"
	if regions.Result() != want {
		t.Fatalf("unexpected result:\n%s\nwant:\n%s", regions.Result(), want)
	}
}

func TestCurrentStatusUnknownJob(t *testing.T) {
	fake := newFakeJobService()
	controller := newTestController(t, fake)

	regions := &Regions{}
	_, err := controller.CurrentStatus(context.Background(), "nope", regions)
	if !errors.Is(err, jobs.ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
	if !strings.HasPrefix(regions.Status(), "Error: ") {
		t.Fatalf("unexpected status: %q", regions.Status())
	}
}
