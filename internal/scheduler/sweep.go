package scheduler

import (
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/resinat/queryengine/internal/telemetry"
)

// Pruner is anything that can sweep its own stale entries, such as
// query.Store. The sweeper only needs this narrow view.
type Pruner interface {
	PruneNow()
}

// Sweeper runs a cron-scheduled prune sweep across every registered
// Pruner, catching expired entries whose keys stopped being written to
// and so never hit the write-triggered prune path.
type Sweeper struct {
	mu      sync.Mutex
	pruners map[int]Pruner
	nextID  int

	cron *cron.Cron
	log  *telemetry.Logger
}

// NewSweeper builds a Sweeper that fires every spec, a standard cron
// expression (e.g. "@every 1m"). It does not start until Start is
// called.
func NewSweeper(spec string, log *telemetry.Logger) (*Sweeper, error) {
	if log == nil {
		log = telemetry.New("scheduler", false)
	}
	s := &Sweeper{pruners: make(map[int]Pruner), log: log}
	c := cron.New()
	if _, err := c.AddFunc(spec, s.sweep); err != nil {
		return nil, err
	}
	s.cron = c
	return s, nil
}

// Register adds p to the sweep rotation and returns an unregister
// function.
func (s *Sweeper) Register(p Pruner) (unregister func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.pruners[id] = p
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.pruners, id)
		s.mu.Unlock()
	}
}

// Start begins the cron schedule in its own goroutine (cron.Cron's
// standard behavior).
func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the schedule and waits for any in-flight sweep to finish.
func (s *Sweeper) Stop() { <-s.cron.Stop().Done() }

func (s *Sweeper) sweep() {
	s.mu.Lock()
	targets := make([]Pruner, 0, len(s.pruners))
	for _, p := range s.pruners {
		targets = append(targets, p)
	}
	s.mu.Unlock()

	for _, p := range targets {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Errorf("panic during scheduled prune: %v", r)
				}
			}()
			p.PruneNow()
		}()
	}
}
