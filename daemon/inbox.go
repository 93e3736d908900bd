package daemon

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"edgeagent/internal/deployment"
)

const (
	// DocumentExt marks a local deployment document in the inbox.
	DocumentExt = ".yaml"
	// CancelExt marks a cancellation request for the deployment named by the file.
	CancelExt = ".cancel"
)

// Submitter accepts deployments.
// Production: *deployment.Service
type Submitter interface {
	Submit(d deployment.Deployment) string
}

// Inbox picks up local deployment requests dropped into a directory. A file
// is named after its deployment ID and removed once submitted. Writers
// create files under another name and rename them in place.
type Inbox struct {
	dir      string
	submit   Submitter
	interval time.Duration
	logger   *slog.Logger
}

func NewInbox(dir string, submit Submitter, interval time.Duration, logger *slog.Logger) *Inbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox{dir: dir, submit: submit, interval: interval, logger: logger}
}

// Run watches the inbox until ctx is done. Requests already present are
// taken first. A full rescan every interval picks up anything the watcher
// missed.
func (in *Inbox) Run(ctx context.Context) error {
	if err := os.MkdirAll(in.dir, 0o700); err != nil {
		return fmt.Errorf("create deployment inbox: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create deployment inbox watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(in.dir); err != nil {
		return fmt.Errorf("watch deployment inbox: %w", err)
	}

	in.rescan()
	ticker := time.NewTicker(in.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			name := filepath.Base(event.Name)
			if !isRequest(name) {
				continue
			}
			if err := in.take(name); err != nil {
				in.logger.Warn("Skipping deployment request.", "file", name, "err", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			in.logger.Warn("Deployment inbox watcher error.", "dir", in.dir, "err", err)
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				in.rescan()
			}
		case <-ticker.C:
			in.rescan()
		}
	}
}

func (in *Inbox) rescan() {
	if err := in.Scan(); err != nil {
		in.logger.Warn("Deployment inbox scan failed.", "dir", in.dir, "err", err)
	}
}

func isRequest(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	ext := filepath.Ext(name)
	return ext == DocumentExt || ext == CancelExt
}

type inboxEntry struct {
	name string
	mod  time.Time
}

// Scan submits every request currently in the inbox, oldest first.
func (in *Inbox) Scan() error {
	dirEntries, err := os.ReadDir(in.dir)
	if err != nil {
		return fmt.Errorf("read deployment inbox: %w", err)
	}
	var entries []inboxEntry
	for _, e := range dirEntries {
		if e.IsDir() || !isRequest(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		entries = append(entries, inboxEntry{name: e.Name(), mod: info.ModTime()})
	}
	slices.SortFunc(entries, func(a, b inboxEntry) int {
		if c := a.mod.Compare(b.mod); c != 0 {
			return c
		}
		return strings.Compare(a.name, b.name)
	})

	for _, e := range entries {
		if err := in.take(e.name); err != nil {
			in.logger.Warn("Skipping deployment request.", "file", e.name, "err", err)
		}
	}
	return nil
}

// take submits one request. A request that is already gone was taken by
// an earlier event or scan.
func (in *Inbox) take(name string) error {
	path := filepath.Join(in.dir, name)
	ext := filepath.Ext(name)
	d := deployment.Deployment{ID: strings.TrimSuffix(name, ext), Type: deployment.TypeLocal}
	if ext == CancelExt {
		d.Cancel = true
	} else {
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		d.Document = data
	}
	// Removed first so a crash cannot submit the same request twice.
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	id := in.submit.Submit(d)
	in.logger.Info("Submitted local deployment request.", "deployment_id", id, "cancel", d.Cancel)
	return nil
}

// Drop writes a request into dir the way Inbox expects: a temporary file
// renamed into place.
func Drop(dir, id, ext string, data []byte) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid deployment id %q", id)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create deployment inbox: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".incoming-*")
	if err != nil {
		return "", fmt.Errorf("create request file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write request file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close request file: %w", err)
	}
	path := filepath.Join(dir, id+ext)
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("place request file: %w", err)
	}
	return path, nil
}
