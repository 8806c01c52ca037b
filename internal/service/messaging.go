package service

import (
	"sync"

	"clustervisor/internal/ipc"
	"clustervisor/internal/logging"
)

// Broadcast delivers msg to every worker that still accepts messages. Sends
// run concurrently; a failing worker never holds up the others.
func (s *Supervisor) Broadcast(msg ipc.Message) map[int]error {
	results := s.broadcast(msg, 0)
	for id, err := range results {
		if err != nil {
			s.log.Warn("broadcast delivery failed", logging.WorkerKey, id, "type", msg.Type, "error", err)
		}
	}
	return results
}

// broadcast sends to every accepting worker except the one with id except.
func (s *Supervisor) broadcast(msg ipc.Message, except int) map[int]error {
	s.mu.Lock()
	handles := s.handlesLocked()
	s.mu.Unlock()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[int]error, len(handles))
	)
	for _, h := range handles {
		if h.ID == except || !h.State().Accepting() {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.Send(msg)
			mu.Lock()
			results[h.ID] = err
			mu.Unlock()
		}()
	}
	wg.Wait()
	return results
}

// Send delivers msg to one worker.
func (s *Supervisor) Send(id int, msg ipc.Message) error {
	h, err := s.lookup(id)
	if err != nil {
		return err
	}
	return h.Send(msg)
}
