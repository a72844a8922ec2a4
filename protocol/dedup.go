package protocol

import "sync"

const defaultDedupCapacity = 4096

type dedupKey struct {
	taskID string
	key    string
}

// Deduper suppresses events already observed, keyed by (taskId, event#seq).
// The same logical event may arrive over both SSE and WebSocket, or be
// replayed after a reconnect.
type Deduper struct {
	mu       sync.Mutex
	capacity int
	seen     map[dedupKey]struct{}
	order    []dedupKey
}

// NewDeduper creates a deduper remembering up to capacity keys (0 = default).
func NewDeduper(capacity int) *Deduper {
	if capacity <= 0 {
		capacity = defaultDedupCapacity
	}
	return &Deduper{
		capacity: capacity,
		seen:     make(map[dedupKey]struct{}, capacity),
	}
}

// Seen records ev and reports whether it was already observed.
// Events without a task id or sequence number are never treated as duplicates.
func (d *Deduper) Seen(ev *Event) bool {
	if ev == nil || ev.TaskID == "" || ev.Seq == 0 {
		return false
	}
	k := dedupKey{taskID: ev.TaskID, key: ev.Key()}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.seen[k]; ok {
		return true
	}
	d.seen[k] = struct{}{}
	d.order = append(d.order, k)
	if len(d.order) > d.capacity {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return false
}

// Len returns the number of remembered keys.
func (d *Deduper) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
