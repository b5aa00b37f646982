// Package uploader はファイルの送信からジョブのポーリング、結果の表示までを制御します。
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/yourusername/finintel-client/internal/jobs"
)

// 表示文言
const (
	TextUploading     = "Uploading..."
	jobIDPrefix       = "Job ID: "
	statusPrefix      = "Status: "
	errorPrefix       = "Error: "
	TextCanceled      = "Canceled"
	resultIndentSpace = "  "
)

// JobService はジョブサービスの3つの呼び出しです。*jobs.Client が実装します。
type JobService interface {
	jobs.StatusFetcher
	Submit(ctx context.Context, filename string, r io.Reader) (*jobs.SubmitResponse, error)
	Result(ctx context.Context, jobID string) (json.RawMessage, error)
}

// JobRecorder は発行された job_id を受け取る Display が実装します。
type JobRecorder interface {
	SetJobID(jobID string)
}

// Upload は送信するファイルです。
type Upload struct {
	Filename string
	Reader   io.Reader
}

// Outcome は1回の送信の結果です。途中で失敗した場合も分かった範囲で埋められます。
type Outcome struct {
	JobID  string
	Final  *jobs.StatusResponse
	Result json.RawMessage
}

// Controller は送信・ポーリング・結果表示を行います。
// 状態は呼び出しごとに独立しているため、複数の送信を同時に処理できます。
type Controller struct {
	service JobService
	poller  *jobs.Poller
	logger  *slog.Logger
}

// NewController は Controller を作成します。
func NewController(service JobService, opts jobs.PollerOptions, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logger
	}
	return &Controller{
		service: service,
		poller:  jobs.NewPoller(service, opts),
		logger:  logger,
	}
}

// HandleSubmission はファイルを送信し、発行されたジョブが DONE になるまでポーリングして結果を表示します。
func (c *Controller) HandleSubmission(ctx context.Context, up Upload, d Display) (*Outcome, error) {
	d.SetStatus(TextUploading)

	resp, err := c.service.Submit(ctx, up.Filename, up.Reader)
	if err != nil {
		c.logger.Error("uploader.submit_failed", "filename", up.Filename, "error", err)
		return nil, c.fail(d, fmt.Errorf("submit %s: %w", up.Filename, err))
	}

	c.logger.Info("uploader.submitted", "filename", up.Filename, "job_id", resp.JobID)
	d.SetStatus(jobIDPrefix + resp.JobID)

	return c.PollJob(ctx, resp.JobID, d)
}

// PollJob は既存のジョブをポーリングし、DONE になったら結果を表示します。
func (c *Controller) PollJob(ctx context.Context, jobID string, d Display) (*Outcome, error) {
	outcome := &Outcome{JobID: jobID}
	if r, ok := d.(JobRecorder); ok {
		r.SetJobID(jobID)
	}

	final, err := c.poller.Poll(ctx, jobID, func(resp *jobs.StatusResponse) {
		d.SetStatus(statusPrefix + string(resp.Status))
	})
	outcome.Final = final
	if err != nil {
		return outcome, c.fail(d, err)
	}

	result, err := c.ShowResult(ctx, jobID, d)
	if err != nil {
		return outcome, err
	}
	outcome.Result = result
	return outcome, nil
}

// ShowResult は結果を取得し、2スペースでインデントしたJSONとして結果領域に表示します。
func (c *Controller) ShowResult(ctx context.Context, jobID string, d Display) (json.RawMessage, error) {
	result, err := c.service.Result(ctx, jobID)
	if err != nil {
		c.logger.Error("uploader.result_failed", "job_id", jobID, "error", err)
		return nil, c.fail(d, fmt.Errorf("fetch result: %w", err))
	}

	text, err := FormatResult(result)
	if err != nil {
		return nil, c.fail(d, err)
	}
	d.SetResult(text)
	c.logger.Info("uploader.result_shown", "job_id", jobID, "bytes", len(result))
	return result, nil
}

// CurrentStatus は1回だけステータスを取得して表示します。
func (c *Controller) CurrentStatus(ctx context.Context, jobID string, d Display) (*jobs.StatusResponse, error) {
	resp, err := c.service.Status(ctx, jobID)
	if err != nil {
		return nil, c.fail(d, err)
	}
	d.SetStatus(statusPrefix + string(resp.Status))
	return resp, nil
}

// FormatResult は結果JSONを2スペースのインデントで整形します。
func FormatResult(raw json.RawMessage) (string, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", resultIndentSpace); err != nil {
		return "", fmt.Errorf("format result: %w", err)
	}
	return buf.String(), nil
}

func (c *Controller) fail(d Display, err error) error {
	if errors.Is(err, context.Canceled) {
		d.SetStatus(TextCanceled)
		return err
	}
	d.SetStatus(errorPrefix + err.Error())
	return err
}
