package session

import "sync"

const signalBuffer = 64

// signaler owns a session's signal channel. Sends never block: a full buffer
// drops the signal, which only costs a coalesced new-mail notification since
// every trigger searches for all unseen mail.
type signaler struct {
	mu    sync.Mutex
	ch    chan Signal
	ended bool
}

func newSignaler() *signaler {
	return &signaler{ch: make(chan Signal, signalBuffer)}
}

func (s *signaler) emit(sig Signal) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	select {
	case s.ch <- sig:
		return true
	default:
		return false
	}
}

// end sends SignalEnd and closes the channel, once.
func (s *signaler) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true
	select {
	case s.ch <- Signal{Kind: SignalEnd}:
	default:
	}
	close(s.ch)
}
