// Package tqueue implements the durable per-bot FIFO of update events.
// Events carry int32 ids that are process-unique and strictly increasing
// within a queue; every mutation is mirrored into an append-only binlog so
// restart replays the queue state.
package tqueue

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/prilive-com/botgate/internal/binlog"
)

const (
	// MaxPayloadSize caps one event payload; callers truncate beforehand.
	MaxPayloadSize = 64 << 10

	recordPush   = 1
	recordForget = 2

	gcQueuesPerRun    = 100
	gcWarnDeleteCount = 10000
)

// ErrPayloadTooLarge reports a push exceeding MaxPayloadSize.
var ErrPayloadTooLarge = errors.New("tqueue: payload too large")

// Event is one queued update.
type Event struct {
	ID        int32
	QueueID   int64
	Extra     int64
	ExpiresAt time.Time
	Payload   []byte
}

func (e Event) expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

type queue struct {
	events []Event // ascending by ID
	tailID int32   // id the next pushed event will get at least
}

func (q *queue) headID() int32 {
	if len(q.events) == 0 {
		return q.tailID
	}
	return q.events[0].ID
}

// TQueue is the event store. All methods are safe for concurrent use.
type TQueue struct {
	logger *slog.Logger
	log    *binlog.Log // nil for memory-only operation

	mu        sync.Mutex
	queues    map[int64]*queue
	nextID    int32
	listeners map[int64]func()

	gcSnapshot []int64
	gcDeleted  int
}

// New creates a memory-only TQueue.
func New(logger *slog.Logger) *TQueue {
	return &TQueue{
		logger:    logger,
		queues:    make(map[int64]*queue),
		nextID:    1,
		listeners: make(map[int64]func()),
	}
}

// OpenLogged creates a TQueue backed by the binlog at path, replaying any
// existing records. Individually corrupt records were already dropped by the
// binlog layer; push records that fail to decode are dropped with a warning.
func OpenLogged(path string, logger *slog.Logger) (*TQueue, error) {
	log, err := binlog.Open(path, logger)
	if err != nil {
		return nil, err
	}
	t := New(logger)
	t.log = log
	err = log.Replay(func(r binlog.Record) {
		switch r.Type {
		case recordPush:
			ev, ok := decodePush(r.Data)
			if !ok {
				logger.Warn("tqueue: undecodable push record dropped")
				return
			}
			t.replayPush(ev)
		case recordForget:
			queueID, id, ok := decodeForget(r.Data)
			if !ok {
				logger.Warn("tqueue: undecodable forget record dropped")
				return
			}
			t.mu.Lock()
			t.forgetLocked(queueID, id)
			t.mu.Unlock()
		default:
			logger.Warn("tqueue: unknown record type dropped", "type", r.Type)
		}
	})
	if err != nil {
		log.Close()
		return nil, err
	}
	return t, nil
}

// SetListener registers fn to run after every push into queueID. A nil fn
// removes the listener.
func (t *TQueue) SetListener(queueID int64, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fn == nil {
		delete(t.listeners, queueID)
		return
	}
	t.listeners[queueID] = fn
}

// Push appends an event and returns its id.
func (t *TQueue) Push(queueID int64, payload []byte, expiresAt time.Time, extra int64) (int32, error) {
	if len(payload) > MaxPayloadSize {
		return 0, ErrPayloadTooLarge
	}

	t.mu.Lock()
	q := t.getQueue(queueID)
	ev := Event{
		ID:        t.nextID,
		QueueID:   queueID,
		Extra:     extra,
		ExpiresAt: expiresAt,
		Payload:   append([]byte(nil), payload...),
	}
	t.nextID++
	q.events = append(q.events, ev)
	q.tailID = ev.ID + 1
	listener := t.listeners[queueID]
	t.mu.Unlock()

	if t.log != nil {
		if err := t.log.Append(recordPush, encodePush(ev)); err != nil {
			t.logger.Warn("tqueue: push not logged", "queue_id", queueID, "error", err)
		}
	}
	if listener != nil {
		listener()
	}
	return ev.ID, nil
}

// Get copies up to len(out) non-expired events with id >= fromID into out.
// It returns the number copied and the total non-expired events available at
// fromID. When forgetBefore is set, events with id < fromID are forgotten.
func (t *TQueue) Get(queueID int64, fromID int32, forgetBefore bool, now time.Time, out []Event) (n, total int) {
	type forgotten struct {
		queueID int64
		id      int32
	}
	var acks []forgotten

	t.mu.Lock()
	q, ok := t.queues[queueID]
	if !ok {
		t.mu.Unlock()
		return 0, 0
	}
	if fromID < q.headID() {
		fromID = q.headID()
	}
	if forgetBefore {
		for len(q.events) > 0 && q.events[0].ID < fromID {
			acks = append(acks, forgotten{queueID, q.events[0].ID})
			q.events = q.events[1:]
		}
	}
	for _, ev := range q.events {
		if ev.ID < fromID || ev.expired(now) {
			continue
		}
		if n < len(out) {
			out[n] = ev
			n++
		}
		total++
	}
	t.mu.Unlock()

	for _, a := range acks {
		t.logForget(a.queueID, a.id)
	}
	return n, total
}

// Head returns the id of the first stored event, or the id the next push
// would receive when the queue is empty or unknown.
func (t *TQueue) Head(queueID int64) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[queueID]
	if !ok {
		return t.nextID
	}
	return q.headID()
}

// Tail returns the id one past the last stored event, or the id the next
// push would receive when the queue is empty or unknown. Used to seek from
// the tail for negative getUpdates offsets.
func (t *TQueue) Tail(queueID int64) int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[queueID]
	if !ok || len(q.events) == 0 {
		return t.nextID
	}
	return q.events[len(q.events)-1].ID + 1
}

// Forget removes the event and writes a tombstone.
func (t *TQueue) Forget(queueID int64, id int32) {
	t.mu.Lock()
	removed := t.forgetLocked(queueID, id)
	t.mu.Unlock()
	if removed {
		t.logForget(queueID, id)
	}
}

// RunGC removes expired events from a bounded number of queues and reports
// whether the sweep over all queues finished. Callers reschedule every 60 s
// when finished, every 1 s otherwise.
func (t *TQueue) RunGC(now time.Time) (deleted int, finished bool) {
	type expired struct {
		queueID int64
		id      int32
	}
	var victims []expired

	t.mu.Lock()
	if t.gcSnapshot == nil {
		t.gcSnapshot = make([]int64, 0, len(t.queues))
		for id := range t.queues {
			t.gcSnapshot = append(t.gcSnapshot, id)
		}
	}
	step := len(t.gcSnapshot)
	if step > gcQueuesPerRun {
		step = gcQueuesPerRun
	}
	for _, queueID := range t.gcSnapshot[:step] {
		q, ok := t.queues[queueID]
		if !ok {
			continue
		}
		kept := q.events[:0]
		for _, ev := range q.events {
			if ev.expired(now) {
				victims = append(victims, expired{queueID, ev.ID})
			} else {
				kept = append(kept, ev)
			}
		}
		q.events = kept
		if len(q.events) == 0 && t.listeners[queueID] == nil {
			delete(t.queues, queueID)
		}
	}
	t.gcSnapshot = t.gcSnapshot[step:]
	finished = len(t.gcSnapshot) == 0
	if finished {
		t.gcSnapshot = nil
	}
	deleted = len(victims)
	t.gcDeleted += deleted
	if t.gcDeleted >= gcWarnDeleteCount {
		t.logger.Warn("tqueue: gc deleted many expired events", "count", t.gcDeleted)
		t.gcDeleted = 0
	}
	t.mu.Unlock()

	for _, v := range victims {
		t.logForget(v.queueID, v.id)
	}
	return deleted, finished
}

// Close flushes and closes the backing log.
func (t *TQueue) Close() error {
	if t.log == nil {
		return nil
	}
	return t.log.Close()
}

func (t *TQueue) getQueue(queueID int64) *queue {
	q, ok := t.queues[queueID]
	if !ok {
		q = &queue{tailID: t.nextID}
		t.queues[queueID] = q
	}
	return q
}

func (t *TQueue) replayPush(ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.getQueue(ev.QueueID)
	if len(q.events) > 0 && ev.ID <= q.events[len(q.events)-1].ID {
		t.logger.Warn("tqueue: out-of-order replayed event dropped",
			"queue_id", ev.QueueID, "id", ev.ID)
		return
	}
	q.events = append(q.events, ev)
	q.tailID = ev.ID + 1
	if ev.ID >= t.nextID {
		t.nextID = ev.ID + 1
	}
}

func (t *TQueue) forgetLocked(queueID int64, id int32) bool {
	q, ok := t.queues[queueID]
	if !ok {
		return false
	}
	for i, ev := range q.events {
		if ev.ID == id {
			q.events = append(q.events[:i], q.events[i+1:]...)
			return true
		}
		if ev.ID > id {
			break
		}
	}
	return false
}

func (t *TQueue) logForget(queueID int64, id int32) {
	if t.log == nil {
		return
	}
	if err := t.log.Append(recordForget, encodeForget(queueID, id)); err != nil {
		t.logger.Warn("tqueue: forget not logged", "queue_id", queueID, "error", err)
	}
}

const pushHeaderSize = 8 + 4 + 8 + 8

func encodePush(ev Event) []byte {
	buf := make([]byte, pushHeaderSize+len(ev.Payload))
	binary.LittleEndian.PutUint64(buf, uint64(ev.QueueID))
	binary.LittleEndian.PutUint32(buf[8:], uint32(ev.ID))
	binary.LittleEndian.PutUint64(buf[12:], uint64(ev.Extra))
	binary.LittleEndian.PutUint64(buf[20:], uint64(ev.ExpiresAt.Unix()))
	copy(buf[pushHeaderSize:], ev.Payload)
	return buf
}

func decodePush(data []byte) (Event, bool) {
	if len(data) < pushHeaderSize {
		return Event{}, false
	}
	return Event{
		QueueID:   int64(binary.LittleEndian.Uint64(data)),
		ID:        int32(binary.LittleEndian.Uint32(data[8:])),
		Extra:     int64(binary.LittleEndian.Uint64(data[12:])),
		ExpiresAt: time.Unix(int64(binary.LittleEndian.Uint64(data[20:])), 0),
		Payload:   append([]byte(nil), data[pushHeaderSize:]...),
	}, true
}

func encodeForget(queueID int64, id int32) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint64(buf, uint64(queueID))
	binary.LittleEndian.PutUint32(buf[8:], uint32(id))
	return buf
}

func decodeForget(data []byte) (int64, int32, bool) {
	if len(data) != 12 {
		return 0, 0, false
	}
	return int64(binary.LittleEndian.Uint64(data)), int32(binary.LittleEndian.Uint32(data[8:])), true
}
