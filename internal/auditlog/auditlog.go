// Package auditlog implements the rotation-aware append log the
// request queue uses to record one line per DynamoDB request (spec
// §4.11), grounded on logging.c's logging_open/logging_printf: open
// for append, EOL-terminate an existing non-empty file, write
// UTC-timestamped lines, and once a second check whether the path
// still points at the open file, reopening it if it's been moved or
// removed (e.g. by logrotate).
package auditlog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// File is a rotation-aware append-only log file. The zero value is not
// usable; use Open.
type File struct {
	path string

	mu sync.Mutex
	f  *os.File

	cancel chan struct{}
	done   chan struct{}
}

// Open opens path for append, creating it if necessary, EOL-terminating
// it if it is non-empty and doesn't already end in '\n', and starts a
// background goroutine that checks once a second whether path still
// refers to the open file, transparently reopening it otherwise.
func Open(path string) (*File, error) {
	f, err := doopen(path)
	if err != nil {
		return nil, err
	}
	lf := &File{
		path:   path,
		f:      f,
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go lf.watch()
	return lf, nil
}

func doopen(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o640)
	if err != nil {
		return nil, fmt.Errorf("auditlog: opening %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("auditlog: stat %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, fmt.Errorf("auditlog: %s is not a regular file", path)
	}
	if info.Size() == 0 {
		return f, nil
	}

	var last [1]byte
	if _, err := f.ReadAt(last[:], info.Size()-1); err != nil {
		f.Close()
		return nil, fmt.Errorf("auditlog: reading last byte of %s: %w", path, err)
	}
	if last[0] != '\n' {
		if _, err := f.Write([]byte{'\n'}); err != nil {
			f.Close()
			return nil, fmt.Errorf("auditlog: EOL-terminating %s: %w", path, err)
		}
	}
	return f, nil
}

// watch re-checks once a second whether path still names the
// currently-open file (same device/inode), reopening it if it has
// been renamed or removed out from under us.
func (lf *File) watch() {
	defer close(lf.done)
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-lf.cancel:
			return
		case <-t.C:
			lf.reopenIfMoved()
		}
	}
}

func (lf *File) reopenIfMoved() {
	lf.mu.Lock()
	defer lf.mu.Unlock()

	fdInfo, err := lf.f.Stat()
	if err != nil {
		return
	}
	pathInfo, err := os.Stat(lf.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return
		}
	} else if os.SameFile(fdInfo, pathInfo) {
		return
	}

	newF, err := doopen(lf.path)
	if err != nil {
		return
	}
	lf.f.Close()
	lf.f = newF
}

// Printf writes "<YYYY-MM-DD HH:MM:SS UTC><msg>\n" to the log file,
// where msg is format formatted with args. Errors are not returned
// (mirroring the original's "warn and keep going" treatment of log
// write failures, since a logging failure must never take down request
// processing); a write failure is silently dropped.
func (lf *File) Printf(format string, args ...any) {
	line := fmt.Sprintf("%s%s\n", time.Now().UTC().Format("2006-01-02 15:04:05"), fmt.Sprintf(format, args...))

	lf.mu.Lock()
	defer lf.mu.Unlock()
	_, _ = lf.f.WriteString(line)
}

// Close stops the rotation-watching goroutine and closes the file.
func (lf *File) Close() error {
	close(lf.cancel)
	<-lf.done
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.f.Close()
}
