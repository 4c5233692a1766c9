package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	logx "grovebot/pkg/logx"
)

// AddDaily schedules job every day at HH:MM in the scheduler timezone.
func (s *Service) AddDaily(name, atHHMM string, timeout time.Duration, job func(ctx context.Context) error) error {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return err
	}
	return s.addCron(name, fmt.Sprintf("%d %d * * *", m, h), timeout, JobOptions{}, job)
}

// AddWeekly schedules job every week on weekday at HH:MM in the
// scheduler timezone.
func (s *Service) AddWeekly(name string, weekday time.Weekday, atHHMM string, timeout time.Duration, job func(ctx context.Context) error) error {
	h, m, err := parseHHMM(atHHMM)
	if err != nil {
		return err
	}
	return s.addCron(name, fmt.Sprintf("%d %d * * %d", m, h, int(weekday)), timeout, JobOptions{}, job)
}

// AddInterval schedules job on a fixed interval.
func (s *Service) AddInterval(name string, every time.Duration, timeout time.Duration, job func(ctx context.Context) error) error {
	if every <= 0 {
		return errors.New("interval must be positive")
	}
	return s.addCron(name, fmt.Sprintf("@every %s", every.String()), timeout, JobOptions{}, job)
}

func (s *Service) addCron(name, spec string, timeout time.Duration, opt JobOptions, job func(ctx context.Context) error) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Upsert by name so repeated registrations (plugin restarts) never
	// double-schedule.
	s.removeScheduleLocked(name)
	opt = opt.withDefaults(s.cfg)
	d := scheduleDef{
		name:    name,
		spec:    spec,
		timeout: s.resolveTimeout(timeout),
		job:     job,
		opt:     opt,
		state:   &runState{},
	}
	s.defs = append(s.defs, d)
	if s.c != nil {
		if err := s.addCronLocked(&s.defs[len(s.defs)-1]); err != nil {
			s.log.Error("schedule register failed", logx.String("job", name), logx.String("spec", spec), logx.Err(err))
			return err
		}
	}
	s.log.Debug("schedule registered", logx.String("job", name), logx.String("spec", spec))
	return nil
}

// AddOnce runs job once at the absolute time at. A past time fires
// immediately. The definition survives Stop/Start cycles of the
// scheduler within the process, so the wake time stays absolute rather
// than drifting to "restart + delay".
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, job func(ctx context.Context) error) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("name required")
	}
	if at.IsZero() {
		return errors.New("at required")
	}

	s.mu.Lock()
	resolved := s.resolveTimeout(timeout)
	s.mu.Unlock()

	s.tmu.Lock()
	defer s.tmu.Unlock()

	if t, ok := s.timers[name]; ok {
		_ = t.Stop()
		delete(s.timers, name)
	}
	// Version bump invalidates callbacks from replaced timers.
	ver := s.onceVer[name] + 1
	s.onceVer[name] = ver

	s.onceAt[name] = at
	s.onceTimeout[name] = resolved
	s.onceJob[name] = job

	s.armOnceLocked(name, at, ver)
	s.log.Debug("one-shot scheduled", logx.String("job", name), logx.Time("at", at))
	return nil
}

// armOnceLocked creates the runtime timer for a once definition.
// Call with s.tmu held.
func (s *Service) armOnceLocked(name string, at time.Time, ver uint64) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	s.timers[name] = time.AfterFunc(delay, func() {
		s.tmu.Lock()
		if s.onceVer[name] != ver || s.onceJob[name] == nil {
			s.tmu.Unlock()
			return
		}
		job := s.onceJob[name]
		timeout := s.onceTimeout[name]
		// Clear the definition first so a concurrent Start() cannot
		// re-arm and double-fire it.
		delete(s.timers, name)
		delete(s.onceAt, name)
		delete(s.onceTimeout, name)
		delete(s.onceJob, name)
		delete(s.onceVer, name)
		s.tmu.Unlock()

		s.enqueue(task{name: name, timeout: timeout, run: job, opt: JobOptions{}, state: &runState{}})
	})
}

// rebuildOnceTimersLocked recreates runtime timers from the persistent
// once definitions. Call with s.mu held.
func (s *Service) rebuildOnceTimersLocked() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	for name, at := range s.onceAt {
		if s.onceJob[name] == nil {
			delete(s.onceAt, name)
			delete(s.onceTimeout, name)
			delete(s.onceVer, name)
			continue
		}
		ver := s.onceVer[name]
		if ver == 0 {
			ver = 1
			s.onceVer[name] = ver
		}
		s.armOnceLocked(name, at, ver)
	}
}

// Remove unschedules everything registered under name.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	removed := false

	s.mu.Lock()
	removed = s.removeScheduleLocked(name) || removed
	s.mu.Unlock()

	s.tmu.Lock()
	if t, ok := s.timers[name]; ok {
		_ = t.Stop()
		delete(s.timers, name)
		removed = true
	}
	if _, ok := s.onceAt[name]; ok {
		delete(s.onceAt, name)
		delete(s.onceTimeout, name)
		delete(s.onceJob, name)
		delete(s.onceVer, name)
		removed = true
	}
	s.tmu.Unlock()

	return removed
}

// removeScheduleLocked removes all defs matching name. Call with s.mu held.
func (s *Service) removeScheduleLocked(name string) bool {
	removed := false
	if s.c != nil {
		for i := range s.defs {
			if s.defs[i].name == name && s.defs[i].entryID != 0 {
				s.c.Remove(s.defs[i].entryID)
				s.defs[i].entryID = 0
				removed = true
			}
		}
	}
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	eid, err := s.c.AddFunc(d.spec, func() {
		t := task{name: d.name, timeout: d.timeout, run: d.job, opt: d.opt, state: d.state}
		if d.opt.Overlap == OverlapSkipIfRunning {
			// Claim before enqueue, not at dequeue: with all workers
			// busy, successive ticks would otherwise stack duplicates
			// in the queue and later run concurrently.
			if !d.state.claim() {
				s.log.Debug("tick skipped (previous run still pending)", logx.String("job", d.name))
				return
			}
			if !s.enqueue(t) {
				d.state.release()
			}
			return
		}
		s.enqueue(t)
	})
	if err == nil {
		d.entryID = eid
	}
	return err
}

func parseHHMM(v string) (hour, minute int, err error) {
	v = strings.TrimSpace(v)
	parts := strings.Split(v, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid time %q, expected HH:MM", v)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("invalid hour in %q", v)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("invalid minute in %q", v)
	}
	return h, m, nil
}
