package lbsstorage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
)

const (
	segmentPrefix    = "blks_"
	segmentNameWidth = len(segmentPrefix) + 16
)

type segmentFile struct {
	fileno uint64
	length int64
}

// findSegments scans dir for files named "blks_<16 hex digits>" and
// returns them sorted by ascending file number.
func findSegments(dir string) ([]segmentFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading storage directory %s: %w", dir, err)
	}

	var segs []segmentFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) != segmentNameWidth {
			continue
		}
		if name[:len(segmentPrefix)] != segmentPrefix {
			continue
		}
		fileno, err := strconv.ParseUint(name[len(segmentPrefix):], 16, 64)
		if err != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat segment %s: %w", name, err)
		}
		segs = append(segs, segmentFile{fileno: fileno, length: info.Size()})
	}

	sort.Slice(segs, func(i, j int) bool { return segs[i].fileno < segs[j].fileno })
	return segs, nil
}

func segmentPath(dir string, fileno uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%s%016x", segmentPrefix, fileno))
}
