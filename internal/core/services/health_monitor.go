package services

import (
	"sync"
	"time"

	"confroom/internal/core/domain"

	"go.uber.org/zap"
)

// HealthMonitor watches stream liveness for a connected session.
//
// Every publish or subscribe (re)arms a settle timer. If the server has not
// sent an active signal when it fires and some stream is still not live,
// the room rejoins. The first active signal cancels the settle timer and
// starts the periodic check, which hands unhealthy streams to the
// coordinator. Stop resets everything for the next session.
type HealthMonitor struct {
	room     *Room
	settle   time.Duration
	interval time.Duration
	grace    time.Duration
	logger   *zap.SugaredLogger

	mu          sync.Mutex
	epoch       uint64
	active      bool
	settleTimer *time.Timer
	stop        chan struct{}
	graceTimers map[*time.Timer]struct{}
}

func newHealthMonitor(room *Room) *HealthMonitor {
	return &HealthMonitor{
		room:        room,
		settle:      room.cfg.ConnectionSettleTimeout,
		interval:    room.cfg.HealthCheckInterval,
		grace:       room.cfg.PublishHealthGrace,
		logger:      room.logger.Named("health"),
		graceTimers: make(map[*time.Timer]struct{}),
	}
}

// Arm restarts the settle timer unless the periodic monitor already runs.
func (h *HealthMonitor) Arm() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.active {
		return
	}
	if h.settleTimer != nil {
		h.settleTimer.Stop()
	}
	epoch := h.epoch
	h.settleTimer = time.AfterFunc(h.settle, func() { h.onSettleExpired(epoch) })
}

// OnActiveSignal switches from the settle timer to periodic monitoring.
func (h *HealthMonitor) OnActiveSignal() {
	connected := h.room.State() == domain.StateConnected

	h.mu.Lock()
	if h.active || !connected {
		h.mu.Unlock()
		return
	}
	h.active = true
	if h.settleTimer != nil {
		h.settleTimer.Stop()
		h.settleTimer = nil
	}
	stop := make(chan struct{})
	h.stop = stop
	epoch := h.epoch
	h.mu.Unlock()

	h.logger.Debugw("starting periodic stream health checks", "interval", h.interval)
	h.room.wg.Add(1)
	go func() {
		defer h.room.wg.Done()
		h.run(stop, epoch)
	}()
}

// Active reports whether periodic monitoring runs.
func (h *HealthMonitor) Active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// SchedulePublishCheck checks a new publication once the grace period
// has passed.
func (h *HealthMonitor) SchedulePublishCheck(s *domain.Stream) {
	if h.grace <= 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	epoch := h.epoch
	var timer *time.Timer
	timer = time.AfterFunc(h.grace, func() {
		h.mu.Lock()
		delete(h.graceTimers, timer)
		stale := epoch != h.epoch
		h.mu.Unlock()
		if stale {
			return
		}
		h.checkPublished(s)
	})
	h.graceTimers[timer] = struct{}{}
}

// Stop cancels all timers and periodic monitoring.
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.epoch++
	h.active = false
	if h.settleTimer != nil {
		h.settleTimer.Stop()
		h.settleTimer = nil
	}
	if h.stop != nil {
		close(h.stop)
		h.stop = nil
	}
	for timer := range h.graceTimers {
		timer.Stop()
	}
	h.graceTimers = make(map[*time.Timer]struct{})
}

func (h *HealthMonitor) current(epoch uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return epoch == h.epoch
}

func (h *HealthMonitor) checkPublished(s *domain.Stream) {
	id := s.ID()
	if id == "" || !h.room.local.Has(id) || s.Reconnecting() {
		return
	}
	if !s.Healthy() {
		h.logger.Warnw("published stream unhealthy after grace period", "stream_id", id)
		h.room.coordinator.HandleUnhealthy(s)
	}
}

func (h *HealthMonitor) onSettleExpired(epoch uint64) {
	h.mu.Lock()
	if epoch != h.epoch || h.active {
		h.mu.Unlock()
		return
	}
	h.settleTimer = nil
	h.mu.Unlock()

	if h.room.State() != domain.StateConnected {
		return
	}

	streams := append(h.room.local.Snapshot(), h.room.remote.Snapshot()...)
	for _, s := range streams {
		if s.Reconnecting() || s.Connection() == nil {
			continue
		}
		if s.ConnState() != domain.ConnConnected || !s.Healthy() {
			h.logger.Warnw("media not live after settle timeout, rejoining room",
				"stream_id", s.ID(),
				"local", s.IsLocal(),
				"conn_state", s.ConnState().String(),
			)
			h.room.rejoin(errMediaNotLive)
			return
		}
	}
}

func (h *HealthMonitor) run(stop <-chan struct{}, epoch uint64) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !h.current(epoch) {
				return
			}
			h.check()
		}
	}
}

func (h *HealthMonitor) check() {
	if h.room.State() != domain.StateConnected {
		return
	}
	for _, s := range h.room.remote.Snapshot() {
		if s.Reconnecting() || s.Connection() == nil || s.Healthy() {
			continue
		}
		h.logger.Warnw("remote stream unhealthy", "stream_id", s.ID())
		h.room.coordinator.HandleUnhealthy(s)
	}
	for _, s := range h.room.local.Snapshot() {
		if s.Reconnecting() || s.Connection() == nil || s.Healthy() {
			continue
		}
		h.logger.Warnw("local stream unhealthy", "stream_id", s.ID())
		h.room.coordinator.HandleUnhealthy(s)
	}
}
