// Package transport moves raw gossip frames between nodes.
//
// Three carriers implement domain.Transport:
//
//	FS      shared outbox/inbox directories (sneakernet, mounted volumes)
//	UDP     one datagram per frame
//	Memory  in-process hub for simulation
//
// None of them retry. A frame that cannot be delivered is gone.
package transport

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/CavinKrenik/QRES-RaaS/internal/domain"
	"github.com/CavinKrenik/QRES-RaaS/internal/infra/wire"
)

// ProcessedPrefix marks inbox files that were already consumed.
const ProcessedPrefix = "processed_"

// FSConfig names the directories a node writes to and reads from.
type FSConfig struct {
	Outbox string
	Inbox  string
}

// FS exchanges frames as files: <prefix>_<unix_ms>_<sender>.bin.
type FS struct {
	mu     sync.Mutex
	cfg    FSConfig
	closed bool
}

// NewFS creates both directories if needed.
func NewFS(cfg FSConfig) (*FS, error) {
	for _, dir := range []string{cfg.Outbox, cfg.Inbox} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return &FS{cfg: cfg}, nil
}

// FileName is the outbox name for a frame.
func FileName(f *wire.Frame) string {
	return fmt.Sprintf("%s_%d_%s.bin", f.Kind.FilePrefix(), f.TimestampMs, sanitize(f.Sender))
}

// Send writes frame into the outbox. Directories are shared media, so peer
// is ignored and every frame is a broadcast.
func (t *FS) Send(ctx context.Context, _ string, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := wire.Unmarshal(frame)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return domain.ErrTransportClosed
	}

	final := filepath.Join(t.cfg.Outbox, FileName(f))
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, frame, 0o644); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish frame: %w", err)
	}
	return nil
}

// Poll reads every unprocessed *.bin in the inbox, oldest name first, and
// renames each to processed_<name>. Unreadable files are skipped.
func (t *FS) Poll(ctx context.Context) ([][]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, domain.ErrTransportClosed
	}

	entries, err := os.ReadDir(t.cfg.Inbox)
	if err != nil {
		return nil, fmt.Errorf("read inbox: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".bin") || strings.HasPrefix(name, ProcessedPrefix) {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var frames [][]byte
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return frames, err
		}
		path := filepath.Join(t.cfg.Inbox, name)
		b, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := os.Rename(path, filepath.Join(t.cfg.Inbox, ProcessedPrefix+name)); err != nil {
			continue
		}
		frames = append(frames, b)
	}
	return frames, nil
}

// Close stops further sends and polls.
func (t *FS) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '-'
	}, s)
}
