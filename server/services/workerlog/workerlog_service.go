package workerlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/jobserv/jobserv/common/gerror"
	"github.com/jobserv/jobserv/common/logger"
	"github.com/jobserv/jobserv/common/models"
)

const (
	pingsFileName  = "pings.log"
	eventsFileName = "events.log"
	// pingsRotateBytes is the size at which the pings log is rotated; pings
	// arrive on every worker poll and would otherwise grow without bound.
	pingsRotateBytes = 1024 * 1024
)

// WorkerLogService keeps per-worker activity logs on local disk, one
// directory per worker. The pings log doubles as the worker's liveness
// signal: its mtime is the last time the worker polled for work.
type WorkerLogService struct {
	dir string
	mu  sync.Mutex
	logger.Log
}

func NewWorkerLogService(dir string, logFactory logger.LogFactory) *WorkerLogService {
	return &WorkerLogService{
		dir: dir,
		Log: logFactory("WorkerLogService"),
	}
}

// AppendPing records one worker poll, rotating the pings log when it grows
// past the size cap.
func (s *WorkerLogService) AppendPing(worker models.ResourceName, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.workerFile(worker, pingsFileName)
	if err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err == nil && info.Size() >= pingsRotateBytes {
		err = os.Rename(path, path+".1")
		if err != nil {
			return errors.Wrap(err, "error rotating pings log")
		}
	}
	return s.append(path, line)
}

// AppendEvent records a notable worker lifecycle event (enlisted, offline,
// dispatched a run).
func (s *WorkerLogService) AppendEvent(worker models.ResourceName, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.workerFile(worker, eventsFileName)
	if err != nil {
		return err
	}
	return s.append(path, line)
}

// LastPing returns the time of the worker's most recent poll.
// Returns gerror.ErrNotFound for a worker that has never polled.
func (s *WorkerLogService) LastPing(worker models.ResourceName) (time.Time, error) {
	info, err := os.Stat(filepath.Join(s.dir, worker.String(), pingsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, gerror.NewErrNotFound(fmt.Sprintf("No pings recorded for worker %q", worker)).Wrap(err)
		}
		return time.Time{}, errors.Wrap(err, "error reading pings log")
	}
	return info.ModTime(), nil
}

// GC removes the log directories of workers that have been silent since
// before the cutoff. Returns the number of directories removed.
func (s *WorkerLogService) GC(cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "error listing worker logs")
	}
	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		workerDir := filepath.Join(s.dir, entry.Name())
		if s.newestModTime(workerDir).After(cutoff) {
			continue
		}
		err = os.RemoveAll(workerDir)
		if err != nil {
			return removed, errors.Wrapf(err, "error removing logs for worker %q", entry.Name())
		}
		removed++
	}
	return removed, nil
}

func (s *WorkerLogService) newestModTime(dir string) time.Time {
	var newest time.Time
	entries, err := os.ReadDir(dir)
	if err != nil {
		return newest
	}
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
	}
	return newest
}

func (s *WorkerLogService) workerFile(worker models.ResourceName, name string) (string, error) {
	dir := filepath.Join(s.dir, worker.String())
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return "", errors.Wrap(err, "error creating worker log directory")
	}
	return filepath.Join(dir, name), nil
}

func (s *WorkerLogService) append(path string, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errors.Wrap(err, "error opening log")
	}
	defer f.Close()
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line += "\n"
	}
	_, err = f.WriteString(line)
	return errors.Wrap(err, "error writing log")
}
