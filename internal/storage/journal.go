package storage

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/tabmux/internal/cdpsession"
	"github.com/go-json-experiment/json"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	ErrJournalClosed = errors.New("journal is closed")
	ErrBufferFull    = errors.New("journal buffer full")
)

// Record is one journal line.
type Record struct {
	Kind       string    `json:"kind"`
	RecordedAt time.Time `json:"recorded_at"`
	Entry      any       `json:"entry"`
}

// Journal appends session log entries as JSON lines to
// baseDir/<yyyy-mm-dd>/<name>.jsonl. Writes are queued and never block; a
// full queue drops the record.
type Journal struct {
	baseDir   string
	name      string
	maxSizeMB int

	writeCh   chan Record
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	dropped   atomic.Int64

	mu          sync.Mutex
	currentDate string
	logger      *lumberjack.Logger
}

func NewJournal(baseDir, name string, bufferSize, maxSizeMB int) *Journal {
	if bufferSize < 1 {
		bufferSize = 1
	}
	j := &Journal{
		baseDir:   baseDir,
		name:      name,
		maxSizeMB: maxSizeMB,
		writeCh:   make(chan Record, bufferSize),
		done:      make(chan struct{}),
	}
	j.wg.Add(1)
	go j.writeLoop()
	return j
}

// Write queues entry under kind.
func (j *Journal) Write(kind string, entry any) error {
	select {
	case <-j.done:
		return ErrJournalClosed
	default:
	}
	select {
	case j.writeCh <- Record{Kind: kind, RecordedAt: time.Now().UTC(), Entry: entry}:
		return nil
	default:
		if n := j.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("journal buffer full, dropping record", "name", j.name, "dropped", n)
		}
		return ErrBufferFull
	}
}

func (j *Journal) ObserveConsole(e cdpsession.ConsoleEntry) {
	_ = j.Write("console", e)
}

func (j *Journal) ObserveNetwork(e cdpsession.NetworkEntry) {
	_ = j.Write("network", e)
}

func (j *Journal) Dropped() int64 {
	return j.dropped.Load()
}

// Close flushes queued records and closes the file. It is safe to call more
// than once.
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		close(j.done)
		j.wg.Wait()
	drain:
		for {
			select {
			case rec := <-j.writeCh:
				j.writeRecord(rec)
			default:
				break drain
			}
		}

		j.mu.Lock()
		defer j.mu.Unlock()
		if j.logger != nil {
			err = j.logger.Close()
		}
	})
	return err
}

func (j *Journal) writeLoop() {
	defer j.wg.Done()
	for {
		select {
		case rec := <-j.writeCh:
			j.writeRecord(rec)
		case <-j.done:
			return
		}
	}
}

func (j *Journal) writeRecord(rec Record) {
	data, err := json.Marshal(rec)
	if err != nil {
		slog.Error("journal marshal failed", "kind", rec.Kind, "error", err)
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	date := rec.RecordedAt.Format("2006-01-02")
	if j.logger == nil || date != j.currentDate {
		if !j.rotateForDate(date) {
			return
		}
	}
	if _, err := j.logger.Write(append(data, '\n')); err != nil {
		slog.Error("journal write failed", "name", j.name, "error", err)
	}
}

// rotateForDate opens the file for date. The caller holds j.mu.
func (j *Journal) rotateForDate(date string) bool {
	if j.logger != nil {
		if err := j.logger.Close(); err != nil {
			slog.Debug("journal close on rotate failed", "error", err)
		}
		j.logger = nil
	}

	dir := filepath.Join(j.baseDir, date)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Error("journal directory create failed", "dir", dir, "error", err)
		return false
	}
	filename := filepath.Join(dir, j.name+".jsonl")
	j.logger = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    j.maxSizeMB,
		MaxBackups: 100,
		MaxAge:     30,
	}
	j.currentDate = date
	slog.Info("journal opened", "file", filename)
	return true
}
