// Package clock даёт подменяемый источник времени.
//
// Все сравнения дедлайнов (poll_deadline, deadline, acked_at) выполняются
// относительно времени, которое передаёт вызывающая сторона, а не now() базы.
// Это позволяет тестам «перематывать» время без sleep.
package clock

import (
	"sync"
	"time"
)

// Clock — источник текущего времени.
type Clock interface {
	Now() time.Time
}

// System — реальное время.
type System struct{}

// Now возвращает time.Now() в UTC.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// Manual — часы, которые двигаются только вручную.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual создаёт Manual, установленные на start.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start.UTC()}
}

// Now возвращает текущее значение.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance сдвигает часы вперёд на d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set устанавливает часы на t.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t.UTC()
}
