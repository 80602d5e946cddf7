// Package resumer keeps track of pipeline tasks in progress. Each started task leaves a .task file
// removed on success, files left behind tell which tasks a previous run didn't finish.
package resumer

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	syncatomic "sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/natefinch/atomic"
)

const ext = ".task"

// Resumer keeps track of started tasks in .task files
type Resumer struct {
	location string
	enabled  bool
	maxAge   time.Duration
	seq      syncatomic.Uint64
}

// Task keeps file name and task name
type Task struct {
	Name  string
	Fname string
}

// New makes resumer for given location. Disabled resumer does nothing.
func New(location string, enabled bool) *Resumer {
	if enabled {
		if err := os.MkdirAll(location, 0o700); err != nil {
			log.Printf("[DEBUG] can't make %s, %s", location, err)
		}
	}
	return &Resumer{location: location, enabled: enabled, maxAge: 24 * time.Hour}
}

// OnStart makes a file for started task as ts-seq.task
func (r *Resumer) OnStart(name string) (string, error) {
	if !r.enabled {
		return "", nil
	}
	seq := r.seq.Add(1)
	fname := filepath.Join(r.location, fmt.Sprintf("%d-%d%s", time.Now().UnixNano(), seq, ext))
	log.Printf("[DEBUG] create resumer file %s", fname)
	if err := atomic.WriteFile(fname, bytes.NewBufferString(name)); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", fname, err)
	}
	return fname, nil
}

// OnFinish removes task file
func (r *Resumer) OnFinish(fname string) error {
	if !r.enabled || fname == "" {
		return nil
	}
	log.Printf("[DEBUG] delete resumer file %s", fname)
	return os.Remove(fname)
}

// List returns unfinished tasks ordered by start, files older than max age are removed
func (r *Resumer) List() (res []Task) {
	if !r.enabled {
		return []Task{}
	}

	entries, err := os.ReadDir(r.location)
	if err != nil {
		log.Printf("[WARN] can't get resume list for %s, %s", r.location, err)
		return []Task{}
	}

	res = []Task{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ext) {
			continue
		}

		finfo, err := entry.Info()
		if err != nil {
			log.Printf("[WARN] can't get resume info for %s, %s", entry.Name(), err)
			continue
		}

		fileName := filepath.Join(r.location, finfo.Name())
		if finfo.ModTime().Add(r.maxAge).Before(time.Now()) {
			log.Printf("[DEBUG] resume file %s too old", fileName)
			if err := os.Remove(fileName); err != nil {
				log.Printf("[WARN] can't delete %s, %s", fileName, err)
			}
			continue
		}
		data, err := os.ReadFile(fileName) //nolint:gosec // file from resumer location
		if err != nil {
			log.Printf("[WARN] failed to read resume file %s, %s", fileName, err)
			continue
		}
		res = append(res, Task{Fname: fileName, Name: string(data)})
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Fname < res[j].Fname })
	return res
}

func (r *Resumer) String() string {
	return fmt.Sprintf("enabled:%v, location:%s", r.enabled, r.location)
}
