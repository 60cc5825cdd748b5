// Package lbsstorage implements the on-disk block log backing the lbs
// daemon: a sequence of segment files, each holding a contiguous run of
// fixed-size blocks, with lazy deletion of whole segments from the
// front of the log.
package lbsstorage

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"
)

// ErrWrongBlock is returned by Write when the caller's blkno does not
// match the log's next writable block. The log has exactly one logical
// writer; callers must serialize appends themselves (the worker pool
// in internal/lbsworker does this with a single writer goroutine).
var ErrWrongBlock = errors.New("lbsstorage: append at wrong block number")

type fileState struct {
	start uint64
	len   uint64
}

// Storage is the block log's on-disk state. All exported methods are
// safe for concurrent use except Write, which must never be called
// from more than one goroutine at a time.
type Storage struct {
	dir      string
	blocklen int
	latency  time.Duration
	nosync   bool
	maxnblks uint64

	mu      sync.RWMutex
	files   []fileState
	minblk  uint64
	nextblk uint64
}

// Open initializes a Storage for blocklen-byte blocks stored under dir,
// recovering segment state from whatever segment files already exist.
// latency is an artificial delay applied after every successful Read,
// used for load-testing slower backing stores. If nosync is true,
// writes and deletes skip fsync.
func Open(dir string, blocklen int, latency time.Duration, nosync bool) (*Storage, error) {
	if blocklen <= 0 {
		return nil, fmt.Errorf("lbsstorage: block length must be positive")
	}

	S := &Storage{
		dir:      dir,
		blocklen: blocklen,
		latency:  latency,
		nosync:   nosync,
		maxnblks: uint64(math.MaxInt64) / uint64(blocklen),
	}

	segs, err := findSegments(dir)
	if err != nil {
		return nil, err
	}

	if len(segs) > 0 {
		S.minblk = segs[0].fileno
	}
	S.nextblk = S.minblk

	for i, sf := range segs {
		if sf.fileno != S.nextblk {
			return nil, fmt.Errorf("lbsstorage: segment %016x does not immediately follow previous segment (expected %016x)", sf.fileno, S.nextblk)
		}

		length := sf.length
		if length%int64(blocklen) != 0 {
			if i != len(segs)-1 {
				return nil, fmt.Errorf("lbsstorage: segment %016x has a non-integer number of blocks", sf.fileno)
			}
			// The final segment may have a trailing partial block if a
			// write was interrupted; truncate it away.
			truncated := length - (length % int64(blocklen))
			if err := os.Truncate(segmentPath(dir, sf.fileno), truncated); err != nil {
				return nil, fmt.Errorf("lbsstorage: truncating partial block in segment %016x: %w", sf.fileno, err)
			}
			length = truncated
		}

		fs := fileState{start: sf.fileno, len: uint64(length) / uint64(blocklen)}
		S.files = append(S.files, fs)
		S.nextblk = fs.start + fs.len
	}

	return S, nil
}

// NextBlock returns the next block number that Write will accept.
func (S *Storage) NextBlock() uint64 {
	S.mu.RLock()
	defer S.mu.RUnlock()
	return S.nextblk
}

// Read reads block blkno into buf, which must be exactly the
// configured block length. It returns (true, nil) on success and
// (false, nil) if the block does not exist (never written, or already
// deleted).
func (S *Storage) Read(blkno uint64, buf []byte) (bool, error) {
	if len(buf) != S.blocklen {
		return false, fmt.Errorf("lbsstorage: read buffer must be %d bytes, got %d", S.blocklen, len(buf))
	}

	S.mu.RLock()
	if blkno < S.minblk || blkno >= S.nextblk {
		S.mu.RUnlock()
		return false, nil
	}
	fs, ok := S.fileFor(blkno)
	S.mu.RUnlock()
	if !ok {
		return false, nil
	}

	f, err := os.Open(segmentPath(S.dir, fs.start))
	if err != nil {
		if os.IsNotExist(err) {
			// Lost a race against the deleter: the segment is gone.
			return false, nil
		}
		return false, fmt.Errorf("lbsstorage: opening segment for read: %w", err)
	}
	defer f.Close()

	off := int64(blkno-fs.start) * int64(S.blocklen)
	if _, err := f.ReadAt(buf, off); err != nil {
		if errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, fmt.Errorf("lbsstorage: reading block %d: %w", blkno, err)
	}

	if S.latency > 0 {
		time.Sleep(S.latency)
	}
	return true, nil
}

// fileFor returns the segment containing blkno. Caller must hold mu.
func (S *Storage) fileFor(blkno uint64) (fileState, bool) {
	for _, fs := range S.files {
		if blkno < fs.start+fs.len {
			return fs, true
		}
	}
	return fileState{}, false
}

// Write appends nblks blocks of data from buf (nblks*blocklen bytes)
// starting at block blkno, which must equal NextBlock(). Write must
// never be called concurrently with itself.
func (S *Storage) Write(blkno, nblks uint64, buf []byte) error {
	if nblks == 0 {
		return fmt.Errorf("lbsstorage: write of zero blocks")
	}
	if uint64(len(buf)) != nblks*uint64(S.blocklen) {
		return fmt.Errorf("lbsstorage: write buffer must be %d bytes, got %d", nblks*uint64(S.blocklen), len(buf))
	}

	S.mu.Lock()
	if blkno != S.nextblk {
		S.mu.Unlock()
		return fmt.Errorf("%w: append at %d, expected %d", ErrWrongBlock, blkno, S.nextblk)
	}

	var last *fileState
	if len(S.files) > 0 {
		last = &S.files[len(S.files)-1]
	}

	newfile := false
	switch {
	case last == nil:
		newfile = true
	case last.len > (S.nextblk-S.minblk)/16:
		newfile = true
	case last.len+nblks > S.maxnblks:
		newfile = true
	}

	var fnum uint64
	if newfile {
		S.files = append(S.files, fileState{start: blkno, len: 0})
		fnum = blkno
	} else {
		fnum = last.start
	}
	S.mu.Unlock()

	path := segmentPath(S.dir, fnum)
	flags := os.O_WRONLY
	if newfile {
		flags |= os.O_CREATE | os.O_EXCL
	} else {
		flags |= os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0640)
	if err != nil {
		return fmt.Errorf("lbsstorage: opening segment for write: %w", err)
	}
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return fmt.Errorf("lbsstorage: writing block(s) at %d: %w", blkno, err)
	}
	if !S.nosync {
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("lbsstorage: fsync segment: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("lbsstorage: closing segment after write: %w", err)
	}

	if newfile && !S.nosync {
		if err := syncDir(S.dir); err != nil {
			return err
		}
	}

	S.mu.Lock()
	S.files[len(S.files)-1].len += nblks
	S.nextblk += nblks
	S.mu.Unlock()

	return nil
}

// Delete removes whole segments entirely before blkno. It never
// removes the final segment, so there is no race against Write; racing
// readers see their open fail with ENOENT and report a miss.
func (S *Storage) Delete(blkno uint64) error {
	for {
		S.mu.Lock()
		if len(S.files) < 2 {
			S.mu.Unlock()
			return nil
		}
		first := S.files[0]
		if first.start+first.len > blkno {
			S.mu.Unlock()
			return nil
		}

		S.files = S.files[1:]
		S.minblk = S.files[0].start
		S.mu.Unlock()

		if err := os.Remove(segmentPath(S.dir, first.start)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("lbsstorage: removing segment %016x: %w", first.start, err)
		}
		if !S.nosync {
			if err := syncDir(S.dir); err != nil {
				return err
			}
		}
	}
}

// BlockLen returns the configured block size in bytes.
func (S *Storage) BlockLen() int { return S.blocklen }

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("lbsstorage: opening directory to sync: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("lbsstorage: syncing directory: %w", err)
	}
	return nil
}
