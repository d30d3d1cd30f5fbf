package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/looplab/fsm"

	"github.com/kimhsiao/mealsync/internal/logging"
	syncpkg "github.com/kimhsiao/mealsync/internal/sync"
	"github.com/kimhsiao/mealsync/internal/telemetry"
)

const (
	EventStart     = "start"
	EventSucceed   = "succeed"
	EventFail      = "fail"
	EventGoOffline = "go_offline"
	EventReset     = "reset"
	EventCancel    = "cancel"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls behind loses its oldest undelivered status.
const subscriberBuffer = 8

// statusMachine owns the SyncStatus value. The Scheduler is its only writer.
type statusMachine struct {
	fsm *fsm.FSM

	mu     sync.Mutex
	subs   map[int]chan syncpkg.SyncStatus
	nextID int
}

func newStatusMachine() *statusMachine {
	idle := string(syncpkg.SyncStatusIdle)
	syncing := string(syncpkg.SyncStatusSyncing)
	success := string(syncpkg.SyncStatusSuccess)
	failed := string(syncpkg.SyncStatusError)
	offline := string(syncpkg.SyncStatusOffline)

	m := &statusMachine{subs: make(map[int]chan syncpkg.SyncStatus)}
	m.fsm = fsm.NewFSM(
		idle,
		fsm.Events{
			{Name: EventStart, Src: []string{idle}, Dst: syncing},
			{Name: EventSucceed, Src: []string{syncing}, Dst: success},
			{Name: EventFail, Src: []string{syncing}, Dst: failed},
			{Name: EventGoOffline, Src: []string{syncing}, Dst: offline},

			// a new trigger passes through IDLE
			{Name: EventReset, Src: []string{success, failed, offline}, Dst: idle},
			{Name: EventCancel, Src: []string{syncing, success, failed, offline}, Dst: idle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.publish(syncpkg.SyncStatus(e.Dst))
			},
		},
	)
	m.export(syncpkg.SyncStatusIdle)
	return m
}

func (m *statusMachine) current() syncpkg.SyncStatus {
	return syncpkg.SyncStatus(m.fsm.Current())
}

// fire applies event. Events not allowed from the current state are ignored.
func (m *statusMachine) fire(event string) {
	err := m.fsm.Event(context.Background(), event)
	if err == nil {
		return
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return
	}
	logging.Debug("Ignored sync status event", map[string]interface{}{
		"event":  event,
		"status": m.fsm.Current(),
		"reason": err.Error(),
	})
}

// reset moves a terminal status back to IDLE.
func (m *statusMachine) reset() {
	if m.current().Terminal() {
		m.fire(EventReset)
	}
}

func (m *statusMachine) cancel() {
	if m.current() != syncpkg.SyncStatusIdle {
		m.fire(EventCancel)
	}
}

// subscribe registers a listener. The current status is delivered first.
func (m *statusMachine) subscribe() (<-chan syncpkg.SyncStatus, func()) {
	ch := make(chan syncpkg.SyncStatus, subscriberBuffer)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	ch <- m.current()
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

func (m *statusMachine) publish(status syncpkg.SyncStatus) {
	m.export(status)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- status:
		default:
			// drop the oldest so the latest status is always delivered
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- status:
			default:
			}
		}
	}
}

func (m *statusMachine) export(status syncpkg.SyncStatus) {
	all := syncpkg.AllStatuses()
	names := make([]string, len(all))
	for i, s := range all {
		names[i] = string(s)
	}
	telemetry.SetStatus(string(status), names)
}
