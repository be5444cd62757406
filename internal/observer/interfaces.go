package observer

import "sync"

// Observer receives download progress as a percentage.
type Observer interface {
	Update(percent int)
}

type Observable interface {
	AddObserver(o Observer)
	Notify(percent int)
}

// Subject fans progress out to its observers, dropping non-increasing values.
type Subject struct {
	mu        sync.Mutex
	observers []Observer
	last      int
}

func NewSubject() *Subject {
	return &Subject{last: -1}
}

func (s *Subject) AddObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, o)
}

func (s *Subject) Notify(percent int) {
	s.mu.Lock()
	if percent <= s.last {
		s.mu.Unlock()
		return
	}
	s.last = percent
	observers := append([]Observer(nil), s.observers...)
	s.mu.Unlock()

	for _, o := range observers {
		o.Update(percent)
	}
}
