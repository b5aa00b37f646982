package uploader

import (
	"fmt"
	"io"
	"sync"
)

// Display はステータス領域と結果領域への書き込み先です。
type Display interface {
	SetStatus(text string)
	SetResult(text string)
}

// TextDisplay はステータスの変化を1行ずつ、結果をそのまま書き出します。
type TextDisplay struct {
	mu     sync.Mutex
	status io.Writer
	result io.Writer
	last   string
}

// NewTextDisplay は TextDisplay を作成します。result が nil の場合は status に書き出します。
func NewTextDisplay(status, result io.Writer) *TextDisplay {
	if result == nil {
		result = status
	}
	return &TextDisplay{status: status, result: result}
}

// SetStatus は直前と同じ文言でなければ1行出力します。
func (d *TextDisplay) SetStatus(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if text == d.last {
		return
	}
	d.last = text
	_, _ = fmt.Fprintln(d.status, text)
}

func (d *TextDisplay) SetResult(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, _ = fmt.Fprintln(d.result, text)
}

// Region は表示領域の種類です。
type Region string

const (
	RegionStatus Region = "status"
	RegionResult Region = "result"
)

// Update は1回分の表示更新です。
type Update struct {
	Region Region `json:"region"`
	Text   string `json:"text"`
}

// Regions は現在の表示内容をメモリに保持する Display です。
// 更新ごとに OnUpdate が呼ばれます。
type Regions struct {
	mu     sync.RWMutex
	status string
	result string

	OnUpdate func(Update)
}

func (r *Regions) SetStatus(text string) {
	r.set(RegionStatus, text)
}

func (r *Regions) SetResult(text string) {
	r.set(RegionResult, text)
}

func (r *Regions) set(region Region, text string) {
	r.mu.Lock()
	switch region {
	case RegionStatus:
		r.status = text
	case RegionResult:
		r.result = text
	}
	cb := r.OnUpdate
	r.mu.Unlock()

	if cb != nil {
		cb(Update{Region: region, Text: text})
	}
}

// Status は現在のステータス領域の内容を返します。
func (r *Regions) Status() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.status
}

// Result は現在の結果領域の内容を返します。
func (r *Regions) Result() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.result
}
