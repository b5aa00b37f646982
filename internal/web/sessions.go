package web

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yourusername/finintel-client/internal/uploader"
)

// DefaultRetention は完了した送信セッションを残しておく既定の時間です。
const DefaultRetention = 10 * time.Minute

const subscriberBuffer = 32

// ErrRegistryClosed は Close の開始後に Start が呼ばれた場合に返されます。
var ErrRegistryClosed = errors.New("submission registry is closed")

// Snapshot は送信セッションの現在の表示内容です。
type Snapshot struct {
	SessionID string `json:"sessionId"`
	Filename  string `json:"filename"`
	JobID     string `json:"jobId,omitempty"`
	Status    string `json:"status"`
	Result    string `json:"result"`
	Done      bool   `json:"done"`
	Error     string `json:"error,omitempty"`
}

// Submission は1回のファイル送信に対応するセッションです。
// 表示領域と購読者を持ち、uploader.Display として Controller に渡されます。
type Submission struct {
	ID        string
	Filename  string
	CreatedAt time.Time

	regions *uploader.Regions
	cancel  context.CancelFunc

	mu          sync.Mutex
	jobID       string
	done        bool
	errMsg      string
	finishedAt  time.Time
	subscribers map[chan uploader.Update]struct{}
}

func newSubmission(filename string, cancel context.CancelFunc, now time.Time) *Submission {
	s := &Submission{
		ID:          uuid.NewString(),
		Filename:    filename,
		CreatedAt:   now,
		cancel:      cancel,
		subscribers: make(map[chan uploader.Update]struct{}),
	}
	s.regions = &uploader.Regions{OnUpdate: s.broadcast}
	return s
}

func (s *Submission) SetStatus(text string) { s.regions.SetStatus(text) }

func (s *Submission) SetResult(text string) { s.regions.SetResult(text) }

// SetJobID はサービスが発行した job_id を記録します。
func (s *Submission) SetJobID(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobID = jobID
}

// Snapshot は現在の状態を返します。
func (s *Submission) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		SessionID: s.ID,
		Filename:  s.Filename,
		JobID:     s.jobID,
		Status:    s.regions.Status(),
		Result:    s.regions.Result(),
		Done:      s.done,
		Error:     s.errMsg,
	}
}

// Done は送信処理が終わっているかどうかを返します。
func (s *Submission) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Subscribe は表示更新を受け取るチャネルを返します。
// チャネルには現在の表示内容が先に入り、処理が終わると閉じられます。
func (s *Submission) Subscribe() (<-chan uploader.Update, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan uploader.Update, subscriberBuffer)
	if text := s.regions.Status(); text != "" {
		ch <- uploader.Update{Region: uploader.RegionStatus, Text: text}
	}
	if text := s.regions.Result(); text != "" {
		ch <- uploader.Update{Region: uploader.RegionResult, Text: text}
	}
	if s.done {
		close(ch)
		return ch, func() {}
	}

	s.subscribers[ch] = struct{}{}
	unsubscribe := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
	}
	return ch, unsubscribe
}

// 受信が追いつかない購読者への更新は捨てる。終了時の Snapshot で最終状態は届く。
func (s *Submission) broadcast(update uploader.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- update:
		default:
		}
	}
}

func (s *Submission) finish(err error, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	s.finishedAt = now
	if err != nil {
		s.errMsg = err.Error()
	}
	for ch := range s.subscribers {
		close(ch)
	}
	s.subscribers = make(map[chan uploader.Update]struct{})
}

// Registry は実行中と完了直後の送信セッションを保持します。
type Registry struct {
	controller *uploader.Controller
	retention  time.Duration
	logger     *slog.Logger
	now        func() time.Time

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*Submission
	closed   bool
}

// NewRegistry は Registry を作成します。
func NewRegistry(controller *uploader.Controller, retention time.Duration, logger *slog.Logger) *Registry {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Registry{
		controller: controller,
		retention:  retention,
		logger:     logger,
		now:        time.Now,
		baseCtx:    ctx,
		stop:       stop,
		sessions:   make(map[string]*Submission),
	}
}

// Start は新しいセッションを作成し、送信処理をバックグラウンドで開始します。
// Close の開始後は ErrRegistryClosed を返します。
func (r *Registry) Start(filename string, data []byte) (*Submission, error) {
	ctx, cancel := context.WithCancel(r.baseCtx)
	sub := newSubmission(filename, cancel, r.now())

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		return nil, ErrRegistryClosed
	}
	r.sessions[sub.ID] = sub
	r.wg.Add(1)
	r.mu.Unlock()

	r.logger.Info("web.submission_started", "session_id", sub.ID, "filename", filename, "bytes", len(data))

	go func() {
		defer r.wg.Done()
		defer cancel()

		outcome, err := r.controller.HandleSubmission(ctx, uploader.Upload{
			Filename: filename,
			Reader:   bytes.NewReader(data),
		}, sub)
		sub.finish(err, r.now())

		attrs := []any{"session_id", sub.ID}
		if outcome != nil {
			attrs = append(attrs, "job_id", outcome.JobID)
			if outcome.Final != nil {
				attrs = append(attrs, "final_status", outcome.Final.Status)
			}
		}
		if err != nil {
			r.logger.Warn("web.submission_failed", append(attrs, "error", err)...)
		} else {
			r.logger.Info("web.submission_finished", attrs...)
		}

		time.AfterFunc(r.retention, func() { r.remove(sub.ID) })
	}()

	return sub, nil
}

// Get は id のセッションを返します。
func (r *Registry) Get(id string) (*Submission, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.sessions[id]
	return sub, ok
}

// Cancel は実行中のセッションを中断します。見つからない場合は false を返します。
func (r *Registry) Cancel(id string) bool {
	sub, ok := r.Get(id)
	if !ok {
		return false
	}
	sub.cancel()
	r.logger.Info("web.submission_canceled", "session_id", id)
	return true
}

// Len は保持しているセッション数を返します。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Close は全セッションを中断し、送信処理の終了を待ちます。
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.stop()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}
