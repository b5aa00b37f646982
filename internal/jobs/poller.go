package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultPollInterval はステータス確認の既定間隔です。
const DefaultPollInterval = 2 * time.Second

// StatusFetcher はジョブの現在状態を取得します。*Client が実装します。
type StatusFetcher interface {
	Status(ctx context.Context, jobID string) (*StatusResponse, error)
}

// StatusObserver は取得できたステータスごとに呼ばれます。
type StatusObserver func(resp *StatusResponse)

// PollerOptions は Poller の設定です。
type PollerOptions struct {
	// Interval はステータス確認の間隔です。最初の確認も1間隔後に行います。
	Interval time.Duration
	// MaxAttempts はステータス確認の最大回数です。0 は無制限。
	MaxAttempts int
	// Timeout はポーリング全体の上限時間です。0 は無制限。
	Timeout time.Duration
	// MaxConsecutiveErrors は連続失敗で打ち切る回数です。0 は打ち切らない。
	MaxConsecutiveErrors int
	// FailureStatuses は DONE 以外で終了扱いにするステータスです。
	FailureStatuses []Status
	Logger          *slog.Logger
}

// Poller はジョブが終了状態になるまでステータスを確認し続けます。
// 同時に発行するリクエストは常に1つだけです。
type Poller struct {
	fetcher     StatusFetcher
	interval    time.Duration
	maxAttempts int
	timeout     time.Duration
	maxErrors   int
	failures    map[Status]struct{}
	logger      *slog.Logger
}

// NewPoller は Poller を作成します。
func NewPoller(fetcher StatusFetcher, opts PollerOptions) *Poller {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	failureStatuses := opts.FailureStatuses
	if failureStatuses == nil {
		failureStatuses = []Status{StatusFailed, StatusError}
	}
	failures := make(map[Status]struct{}, len(failureStatuses))
	for _, s := range failureStatuses {
		if s == StatusDone {
			continue
		}
		failures[s] = struct{}{}
	}

	return &Poller{
		fetcher:     fetcher,
		interval:    interval,
		maxAttempts: opts.MaxAttempts,
		timeout:     opts.Timeout,
		maxErrors:   opts.MaxConsecutiveErrors,
		failures:    failures,
		logger:      logger,
	}
}

// Interval はステータス確認の間隔を返します。
func (p *Poller) Interval() time.Duration {
	return p.interval
}

// IsTerminal は status がポーリングを終了させる値かどうかを返します。
func (p *Poller) IsTerminal(status Status) bool {
	if status == StatusDone {
		return true
	}
	_, ok := p.failures[status]
	return ok
}

// Poll は jobID のステータスを Interval ごとに確認し、DONE になった時点の応答を返します。
// 失敗ステータスの場合は *JobFailedError を返します。
// 1回のリクエスト失敗ではポーリングを止めず、次の間隔で再度確認します。
func (p *Poller) Poll(ctx context.Context, jobID string, onStatus StatusObserver) (*StatusResponse, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}

	pollCtx := ctx
	if p.timeout > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("jobs.poll.start", "job_id", jobID, "interval", p.interval.String())

	attempts := 0
	consecutiveErrors := 0
	for {
		select {
		case <-pollCtx.Done():
			return nil, p.stopReason(ctx, jobID, attempts)
		case <-ticker.C:
		}

		attempts++
		resp, err := p.fetcher.Status(pollCtx, jobID)
		switch {
		case err != nil && pollCtx.Err() != nil:
			return nil, p.stopReason(ctx, jobID, attempts)

		case errors.Is(err, ErrJobNotFound):
			p.logger.Error("jobs.poll.not_found", "job_id", jobID, "attempt", attempts)
			return nil, err

		case err != nil:
			consecutiveErrors++
			p.logger.Warn("jobs.poll.request_failed",
				"job_id", jobID,
				"attempt", attempts,
				"consecutive_errors", consecutiveErrors,
				"error", err,
			)
			if p.maxErrors > 0 && consecutiveErrors >= p.maxErrors {
				return nil, fmt.Errorf("%w (%d in a row, last: %v)", ErrTooManyFailures, consecutiveErrors, err)
			}

		default:
			consecutiveErrors = 0
			if onStatus != nil {
				onStatus(resp)
			}
			p.logger.Debug("jobs.poll.status",
				"job_id", jobID,
				"filename", resp.Filename,
				"attempt", attempts,
				"status", resp.Status,
			)

			if p.IsTerminal(resp.Status) {
				if resp.Status == StatusDone {
					p.logger.Info("jobs.poll.done", "job_id", jobID, "filename", resp.Filename, "attempts", attempts)
					return resp, nil
				}
				p.logger.Warn("jobs.poll.failed", "job_id", jobID, "filename", resp.Filename, "attempts", attempts, "status", resp.Status)
				return resp, &JobFailedError{JobID: jobID, Status: resp.Status}
			}
		}

		if p.maxAttempts > 0 && attempts >= p.maxAttempts {
			return nil, fmt.Errorf("%w after %d attempts", ErrPollLimit, attempts)
		}
	}
}

func (p *Poller) stopReason(parent context.Context, jobID string, attempts int) error {
	if err := parent.Err(); err != nil {
		p.logger.Info("jobs.poll.canceled", "job_id", jobID, "attempts", attempts)
		return err
	}
	p.logger.Warn("jobs.poll.timeout", "job_id", jobID, "attempts", attempts, "timeout", p.timeout.String())
	return fmt.Errorf("%w after %s", ErrPollTimeout, p.timeout)
}
