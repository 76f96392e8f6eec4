package notify

import (
	"context"
	"sync"
	"time"

	"github.com/brendaschussler/scaniot-capture/internal/logger"
)

// ProgressEvent is the unit exchanged between the supervisor, the
// notifier, and the record store.
type ProgressEvent struct {
	SessionID string    `json:"session_id"`
	DeviceMAC string    `json:"mac"`
	Progress  int       `json:"progress"`
	Total     int       `json:"total"`
	Timestamp time.Time `json:"timestamp"`
	Filename  string    `json:"filename"`
}

// ProgressStore is the slice of the record store the notifier writes to.
type ProgressStore interface {
	UpdateDeviceProgress(ctx context.Context, sessionID, mac string, progress, total int, endedAt time.Time, filename string) error
	SetDeviceCapturing(ctx context.Context, sessionID, mac string, capturing bool) error
}

// storeWrite is one queued record-store operation. Terminal writes
// share the queue with progress writes so a device's terminal
// transition is always applied after its last progress update.
type storeWrite struct {
	ev       ProgressEvent
	terminal bool
}

// Notifier decouples the supervisor's real-time progress stream from
// record-store latency and fans events out to live observers. Store
// writes go through a buffered queue drained by a worker goroutine;
// observer delivery is best-effort (slow observers miss events and
// reconcile from the store).
type Notifier struct {
	store ProgressStore
	queue chan storeWrite
	done  chan struct{}

	mu        sync.Mutex
	observers map[int]chan ProgressEvent
	nextID    int

	log *logger.Logger
}

// NewNotifier creates a notifier and starts its persistence worker.
func NewNotifier(store ProgressStore, buffer int) *Notifier {
	if buffer <= 0 {
		buffer = 64
	}
	n := &Notifier{
		store:     store,
		queue:     make(chan storeWrite, buffer),
		done:      make(chan struct{}),
		observers: make(map[int]chan ProgressEvent),
		log:       logger.GetLogger(),
	}
	go n.worker()
	return n
}

// Notify fans an event out to live observers. Never blocks; an
// observer with a full channel misses this event.
func (n *Notifier) Notify(ev ProgressEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.observers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Persist fans the event out to observers and enqueues a record-store
// write. Never blocks the caller: when the queue is full the write is
// dropped and the next absolute-value write self-heals the record.
func (n *Notifier) Persist(ev ProgressEvent) {
	n.Notify(ev)
	n.enqueue(storeWrite{ev: ev})
}

// PersistTerminal records a device's terminal transition: the final
// absolute progress values followed by capturing=false. Terminal
// writes are never dropped; the queue send blocks if necessary.
func (n *Notifier) PersistTerminal(ev ProgressEvent) {
	n.Notify(ev)
	n.queue <- storeWrite{ev: ev, terminal: true}
}

func (n *Notifier) enqueue(w storeWrite) {
	select {
	case n.queue <- w:
	default:
		n.log.Warn("[notify] Progress queue full, dropping store write for %s/%s at %d/%d",
			w.ev.SessionID, w.ev.DeviceMAC, w.ev.Progress, w.ev.Total)
	}
}

// Subscribe registers a live observer. The returned channel receives
// events until Unsubscribe is called with the returned id.
func (n *Notifier) Subscribe() (int, <-chan ProgressEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	ch := make(chan ProgressEvent, 16)
	n.observers[id] = ch
	return id, ch
}

// Unsubscribe removes an observer and closes its channel.
func (n *Notifier) Unsubscribe(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if ch, ok := n.observers[id]; ok {
		delete(n.observers, id)
		close(ch)
	}
}

// Close drains pending store writes and stops the worker.
func (n *Notifier) Close() {
	close(n.queue)
	<-n.done
}

func (n *Notifier) worker() {
	defer close(n.done)
	for w := range n.queue {
		ev := w.ev
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := n.store.UpdateDeviceProgress(ctx, ev.SessionID, ev.DeviceMAC, ev.Progress, ev.Total, ev.Timestamp, ev.Filename)
		if err != nil {
			// Best-effort: the next write carries absolute values.
			n.log.Warn("[notify] Progress write failed for %s/%s: %v", ev.SessionID, ev.DeviceMAC, err)
		}
		if w.terminal {
			// An early stop leaves progress below total; force the flag.
			if err := n.store.SetDeviceCapturing(ctx, ev.SessionID, ev.DeviceMAC, false); err != nil {
				n.log.Warn("[notify] Terminal write failed for %s/%s: %v", ev.SessionID, ev.DeviceMAC, err)
			}
		}
		cancel()
	}
}
