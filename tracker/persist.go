package tracker

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	logPrefix = "step_log_"
	logSuffix = ".json"
)

// flush writes the snapshot slice to a freshly named step log.  Tags are
// strictly monotonic even when two flushes land in the same millisecond, so
// the newest log always carries the highest tag.  Failures are reported and
// swallowed.
func (a *Axis) flush(snapshot []int) {
	if !a.cfg.Persist {
		return
	}
	tag := time.Now().UnixMilli()
	if tag <= a.lastTag {
		tag = a.lastTag + 1
	}
	a.lastTag = tag

	fname := filepath.Join(a.cfg.LogDir, fmt.Sprintf("%s%s_%d%s", logPrefix, a.cfg.Name, tag, logSuffix))
	f, err := os.Create(fname)
	if err != nil {
		log.Printf("%s: error saving step log, %v", a.cfg.Name, err)
		return
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(snapshot); err != nil {
		log.Printf("%s: error saving step log, %v", a.cfg.Name, err)
	}
}

// LoadLast scans dir for step logs belonging to the named axis and returns
// the last entry of the highest-tagged one.  With no matching logs the axis
// resumes at zero.
func LoadLast(dir, name string) (int, error) {
	if dir == "" {
		dir = "."
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	prefix := logPrefix + name + "_"
	var (
		best     int64 = -1
		bestName string
	)
	for _, e := range entries {
		n := e.Name()
		if !strings.HasPrefix(n, prefix) || !strings.HasSuffix(n, logSuffix) {
			continue
		}
		tag, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(n, prefix), logSuffix), 10, 64)
		if err != nil {
			continue
		}
		if tag > best {
			best = tag
			bestName = n
		}
	}
	if best < 0 {
		return 0, nil
	}

	f, err := os.Open(filepath.Join(dir, bestName))
	if err != nil {
		return 0, err
	}
	defer f.Close()
	var counts []int
	if err := json.NewDecoder(f).Decode(&counts); err != nil {
		return 0, fmt.Errorf("decode %s: %w", bestName, err)
	}
	if len(counts) == 0 {
		return 0, nil
	}
	return counts[len(counts)-1], nil
}
