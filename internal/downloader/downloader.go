// Package downloader transfers directly playable items to local files, one
// at a time, and keeps a record of finished downloads.
package downloader

import (
	"context"
	"errors"
	"sync"
)

// ErrNotDownloadable is returned when the server forbids the download or the
// chosen media source cannot be played directly
var ErrNotDownloadable = errors.New("item is not downloadable")

// Status is the state of a transfer or persisted record
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of Status
func (s Status) String() string {
	return string(s)
}

// IsFinal reports whether no further transitions happen
func (s Status) IsFinal() bool {
	return s == StatusComplete || s == StatusFailed || s == StatusCancelled
}

// Transfer is the handle of one running download. All methods are safe for
// concurrent use.
type Transfer struct {
	ItemID string
	Title  string

	mu       sync.RWMutex
	path     string
	status   Status
	written  int64
	total    int64
	speed    int64
	err      error
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
}

func newTransfer(itemID, title string, cancel context.CancelFunc) *Transfer {
	return &Transfer{
		ItemID: itemID,
		Title:  title,
		status: StatusQueued,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Progress returns the completed fraction in [0,1]. It stays 0 while the
// size is unknown.
func (t *Transfer) Progress() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.status == StatusComplete {
		return 1
	}
	if t.total <= 0 {
		return 0
	}
	p := float64(t.written) / float64(t.total)
	if p > 1 {
		p = 1
	}
	return p
}

// Bytes returns bytes written and the expected total (-1 when unknown)
func (t *Transfer) Bytes() (written, total int64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.written, t.total
}

// Speed is the last measured rate in bytes per second
func (t *Transfer) Speed() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.speed
}

// Path is the final file path, empty until the transfer starts. Data is
// written to Path() + ".part" first.
func (t *Transfer) Path() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.path
}

// Status returns the current status
func (t *Transfer) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Done is closed once the transfer reaches a final status
func (t *Transfer) Done() <-chan struct{} { return t.done }

// Err returns the failure cause once Done is closed
func (t *Transfer) Err() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.err
}

// Cancel aborts the transfer. The partial file is removed.
func (t *Transfer) Cancel() { t.cancel() }

// Wait blocks until the transfer finishes or ctx is done
func (t *Transfer) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Transfer) start(path string) {
	t.mu.Lock()
	t.path = path
	t.status = StatusRunning
	t.mu.Unlock()
}

func (t *Transfer) setTotal(total int64) {
	t.mu.Lock()
	t.total = total
	t.mu.Unlock()
}

func (t *Transfer) update(written, speed int64) {
	t.mu.Lock()
	t.written = written
	if speed >= 0 {
		t.speed = speed
	}
	t.mu.Unlock()
}

func (t *Transfer) finish(s Status, err error) {
	t.mu.Lock()
	t.status = s
	t.err = err
	t.mu.Unlock()
	t.doneOnce.Do(func() { close(t.done) })
}
