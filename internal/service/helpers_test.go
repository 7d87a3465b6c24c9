package service

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/worklog/guard/internal/model"
)

var testEpoch = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingAuditor keeps every event handed to Record
type recordingAuditor struct {
	mu     sync.Mutex
	events []AuditEvent
}

func (a *recordingAuditor) Record(ctx context.Context, ev AuditEvent) {
	if info := RequestInfoFrom(ctx); info != nil {
		fillFromRequest(&ev, info)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
}

func (a *recordingAuditor) ofType(t model.EventType) []AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []AuditEvent
	for _, ev := range a.events {
		if ev.EventType == t {
			out = append(out, ev)
		}
	}
	return out
}

// collectingObserver keeps every entry it is shown
type collectingObserver struct {
	mu      sync.Mutex
	entries []*model.AuditEntry
}

func (o *collectingObserver) ProcessSecurityEvent(_ context.Context, e *model.AuditEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, e)
}

func (o *collectingObserver) ofType(t model.EventType) []*model.AuditEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*model.AuditEntry
	for _, e := range o.entries {
		if e.EventType == t {
			out = append(out, e)
		}
	}
	return out
}

// recordingNotifier keeps every alert it is asked to deliver
type recordingNotifier struct {
	mu     sync.Mutex
	alerts []*model.SecurityAlert
	err    error
}

func (n *recordingNotifier) Name() string { return "recording" }

func (n *recordingNotifier) Notify(_ context.Context, a *model.SecurityAlert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

// recordingPublisher keeps every published message
type recordingPublisher struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func (p *recordingPublisher) Publish(_ context.Context, channel string, message interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.messages == nil {
		p.messages = make(map[string][][]byte)
	}
	b, _ := message.([]byte)
	p.messages[channel] = append(p.messages[channel], b)
	return nil
}

func (p *recordingPublisher) on(channel string) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.messages[channel]
}

// lockedBuffer is a bytes.Buffer safe for concurrent writers
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
