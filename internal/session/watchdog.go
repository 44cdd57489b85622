package session

import "time"

// watch is the silence watchdog for one session. It exits when the session is
// torn down, when end-of-stream deactivates it, or when a newer loop has
// replaced it (gen mismatch).
func (r *Registry) watch(s *Session, gen uint64) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	s.logger.Debug("watchdog started", "generation", gen)
	defer s.logger.Debug("watchdog stopped", "generation", gen)

	for {
		select {
		case <-s.done:
			return
		case <-r.ctx.Done():
			return
		case now := <-ticker.C:
			if !r.tick(s, gen, now) {
				return
			}
		}
	}
}

// tick performs one watchdog check and reports whether the loop should go on.
func (r *Registry) tick(s *Session, gen uint64, now time.Time) bool {
	if r.Get(s.ID) != s {
		return false
	}

	s.mu.Lock()
	if s.closed || !s.watchdogActive || s.watchdogGen != gen {
		s.mu.Unlock()
		return false
	}

	silence := now.Sub(s.lastChunkAt)
	detected := silence > r.cfg.SilenceThreshold && s.buffer.Len() > 0
	if detected {
		s.lastChunkAt = now
	}
	s.mu.Unlock()

	if !detected {
		return true
	}

	r.metrics.Silence()
	s.logger.Debug("silence detected", "silence", silence)

	if r.interim.Load() {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.processInterim(r.ctx, s)
		}()
	}
	return true
}
