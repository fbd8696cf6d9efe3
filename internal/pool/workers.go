// internal/pool/workers.go
package pool

// WorkerInfo is a snapshot of one worker slot.
type WorkerInfo struct {
	ID       string `json:"id"`
	PID      int    `json:"pid"`
	Busy     bool   `json:"busy"`
	Tasks    uint64 `json:"tasks"`
	Restarts int    `json:"restarts"`
}

// slot is one position in the pool. The worker behind a slot is replaced when
// it exits or its connection breaks; the slot itself lives as long as the
// dispatcher. Only the goroutine holding the slot writes to it, under
// Dispatcher.slotsMu.
type slot struct {
	index    int
	worker   Worker
	broken   bool
	busy     bool
	tasks    uint64
	restarts int
}

func (s *slot) exited() bool {
	select {
	case <-s.worker.Done():
		return true
	default:
		return false
	}
}

// Workers returns a snapshot of the current workers, in slot order.
func (d *Dispatcher) Workers() []WorkerInfo {
	d.slotsMu.Lock()
	defer d.slotsMu.Unlock()

	infos := make([]WorkerInfo, 0, len(d.slots))
	for _, s := range d.slots {
		infos = append(infos, WorkerInfo{
			ID:       s.worker.ID(),
			PID:      s.worker.PID(),
			Busy:     s.busy,
			Tasks:    s.tasks,
			Restarts: s.restarts,
		})
	}
	return infos
}

func (d *Dispatcher) currentWorkers() []Worker {
	d.slotsMu.Lock()
	defer d.slotsMu.Unlock()

	workers := make([]Worker, 0, len(d.slots))
	for _, s := range d.slots {
		workers = append(workers, s.worker)
	}
	return workers
}
