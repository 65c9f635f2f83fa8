package serial

import (
	"context"
	"time"
)

// worker is the read dispatch goroutine of a started session. The session
// owns it through opMu; stop returns only after the goroutine has exited,
// so the conn it reads from can be closed safely afterwards.
type worker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (w *worker) stop() {
	w.cancel()
	<-w.done
}

// startWorker launches the read worker and moves the session to
// StateStarted. Callers hold opMu.
func (r *Registry) startWorker(s *session) {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{cancel: cancel, done: make(chan struct{})}
	conn := s.conn
	s.worker = w
	s.setState(StateStarted)

	r.workers.Add(1)
	go func() {
		defer close(w.done)
		defer r.workers.Add(-1)
		r.dispatch(ctx, s, conn)
	}()
}

// stopWorker joins the read worker if one is running. Callers hold opMu.
func (r *Registry) stopWorker(s *session) {
	if s.worker == nil {
		return
	}
	s.worker.stop()
	s.worker = nil
}

// dispatch reads until ctx is cancelled, handing every non-empty chunk to the
// session's callbacks. Each read waits at most pollInterval, which bounds how
// long a cancellation goes unnoticed. Read errors are reported and retried.
func (r *Registry) dispatch(ctx context.Context, s *session, conn Conn) {
	buf := make([]byte, r.bufSize)
	s.log.Debug().Int("buffer", r.bufSize).Dur("poll", r.pollInterval).Msg("read worker started")
	defer func() {
		s.log.Debug().Msg("read worker stopped")
	}()

	failures := 0
	for ctx.Err() == nil {
		n, err := conn.Read(buf, r.pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			if failures == 1 {
				s.log.Warn().Err(err).Msg("read failed, retrying")
			} else {
				s.log.Debug().Err(err).Int("failures", failures).Msg("read failed again")
			}
			s.reportError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.pollInterval):
			}
			continue
		}
		if failures > 0 {
			s.log.Info().Int("failures", failures).Msg("read recovered")
			failures = 0
		}
		if n > 0 {
			s.deliver(buf[:n])
		}
	}
}
