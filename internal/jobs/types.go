package jobs

import (
	"errors"
	"fmt"
)

// Status はリモートジョブの実行状態を表します。
type Status string

const (
	StatusQueued  Status = "QUEUED"
	StatusRunning Status = "RUNNING"
	StatusDone    Status = "DONE"
	StatusFailed  Status = "FAILED"
	StatusError   Status = "ERROR"
)

// SubmitResponse は POST /documents の応答です。
type SubmitResponse struct {
	JobID  string `json:"job_id"`
	Status Status `json:"status,omitempty"`
}

// StatusResponse は GET /jobs/{job_id} の応答です。
// 未知のジョブに対してサービスは 200 で {"error": "..."} を返します。
type StatusResponse struct {
	JobID    string `json:"job_id,omitempty"`
	Filename string `json:"filename,omitempty"`
	Status   Status `json:"status"`
	Error    string `json:"error,omitempty"`
}

var (
	// ErrMissingJobID は送信応答に job_id が含まれていない場合に返されます。
	ErrMissingJobID = errors.New("submit response has no job_id")
	// ErrJobNotFound はサービスがジョブを認識しない場合に返されます。
	ErrJobNotFound = errors.New("job not found")
	// ErrMissingStatus はステータス応答に status が含まれていない場合に返されます。
	ErrMissingStatus = errors.New("status response has no status")
	// ErrTooManyFailures は連続したリクエスト失敗でポーリングを打ち切った場合に返されます。
	ErrTooManyFailures = errors.New("too many consecutive status request failures")
	// ErrPollLimit は試行回数の上限に達した場合に返されます。
	ErrPollLimit = errors.New("poll attempt limit reached")
	// ErrPollTimeout はポーリング全体の上限時間を超えた場合に返されます。
	ErrPollTimeout = errors.New("poll timed out")
)

// APIError は 2xx 以外の応答を表します。
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s returned status %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s returned status %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Temporary は再試行で回復しうるエラーかどうかを返します。
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}

// JobFailedError はジョブが DONE 以外の終了状態に達した場合に返されます。
type JobFailedError struct {
	JobID  string
	Status Status
}

func (e *JobFailedError) Error() string {
	return fmt.Sprintf("job %s ended with status %s", e.JobID, e.Status)
}
