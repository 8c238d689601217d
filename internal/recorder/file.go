package recorder

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/segmentio/encoding/json"

	"github.com/TNumFive/terminal/internal/relay"
)

const (
	baseName   = "recorder.log"
	rotateName = "recorder.20060102_150405.log"
)

// File 按行写 JSON，到时间把当前文件改名归档。
// epoch 取当前文件第一条记录的 timestamp，进程重启后接着上一轮转。
type File struct {
	dir      string
	interval time.Duration

	mu    sync.Mutex
	epoch time.Time
	f     *os.File
}

func NewFile(dir string, interval time.Duration) (*File, error) {
	if dir == "" {
		dir = "./record"
	}
	if interval <= 0 {
		interval = time.Hour
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	r := &File{dir: dir, interval: interval, epoch: time.Now()}
	if ts, ok := firstTimestamp(r.basePath()); ok {
		r.epoch = ts
	}
	return r, nil
}

func (r *File) basePath() string { return filepath.Join(r.dir, baseName) }

// firstTimestamp 恢复已有文件的起始时间，决定下一次轮转点。
func firstTimestamp(path string) (time.Time, bool) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, false
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return time.Time{}, false
	}
	var p relay.Packet
	if err := json.Unmarshal(sc.Bytes(), &p); err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(p.Timestamp)), true
}

func (r *File) rotateIfShould() {
	now := time.Now()
	if now.Before(r.epoch.Add(r.interval)) {
		return
	}
	if r.f != nil {
		_ = r.f.Close()
		r.f = nil
	}
	dst := filepath.Join(r.dir, r.epoch.Format(rotateName))
	_ = os.Rename(r.basePath(), dst)
	r.epoch = now
}

func (r *File) Record(_ context.Context, p relay.Packet) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.rotateIfShould()
	if r.f == nil {
		f, err := os.OpenFile(r.basePath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		r.f = f
	}
	_, err = r.f.Write(append(b, '\n'))
	return err
}

func (r *File) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return err
}
