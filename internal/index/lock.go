package index

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	scerrors "github.com/coderift/semcode/internal/errors"
)

// lockAttempts and lockBackoff bound how long AcquireProjectLock waits for
// a concurrent sync to finish before giving up; backoff grows linearly.
const (
	lockAttempts = 5
	lockBackoff  = 200 * time.Millisecond
)

// ProjectLock serializes sync runs against one project. The OS releases
// the underlying flock when the holding process dies, so a crashed sync
// never wedges the project; the holder info written into the file is
// diagnostic only.
type ProjectLock struct {
	path  string
	flock *flock.Flock
}

// lockInfo identifies the current lock holder.
type lockInfo struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// AcquireProjectLock takes <dataDir>/LOCK with bounded-backoff retries.
// On contention the returned error carries the holder's pid/started_at so
// the CLI can tell the user which process to wait for.
func AcquireProjectLock(dataDir string) (*ProjectLock, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	path := filepath.Join(dataDir, "LOCK")
	fl := flock.New(path)

	for attempt := 0; attempt < lockAttempts; attempt++ {
		locked, err := fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquire project lock: %w", err)
		}
		if locked {
			l := &ProjectLock{path: path, flock: fl}
			l.writeHolder()
			return l, nil
		}
		time.Sleep(lockBackoff * time.Duration(attempt+1))
	}

	err := scerrors.New(scerrors.ErrCodeIndexLocked,
		"another sync is already running for this project", nil).
		WithSuggestion("wait for the other sync to finish, or check the holder pid in " + path)
	if holder := readHolder(path); holder != "" {
		err = err.WithDetail("holder", holder)
	}
	return nil, err
}

// writeHolder records this process as the lock owner. Best-effort: the
// flock itself, not the file content, is what enforces exclusion.
func (l *ProjectLock) writeHolder() {
	info := lockInfo{PID: os.Getpid(), StartedAt: time.Now().UTC()}
	data, err := json.Marshal(info)
	if err != nil {
		return
	}
	_ = os.WriteFile(l.path, data, 0o644)
}

// readHolder returns the raw holder info from a contended lock file.
func readHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Unlock releases the lock. The file is left in place; its content is
// overwritten by the next holder.
func (l *ProjectLock) Unlock() error {
	return l.flock.Unlock()
}
