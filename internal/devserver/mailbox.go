package devserver

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ent0n29/mailvoice/internal/intent"
)

// MemoryMailbox is a process-local inbox and outbox. Sent drafts are also
// delivered to the inbox so a "send then read" session hears its own mail.
type MemoryMailbox struct {
	mu    sync.Mutex
	now   func() time.Time
	inbox []intent.Message
	sent  []intent.Draft
	owner string
}

func NewMemoryMailbox(owner string, seed ...intent.Message) *MemoryMailbox {
	m := &MemoryMailbox{now: time.Now, owner: owner}
	m.inbox = append(m.inbox, seed...)
	return m
}

func (m *MemoryMailbox) Latest(context.Context) (intent.Message, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.inbox) == 0 {
		return intent.Message{}, false, nil
	}
	return m.inbox[len(m.inbox)-1], true, nil
}

func (m *MemoryMailbox) Send(ctx context.Context, d intent.Draft) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !intent.IsValidEmail(d.To) {
		return fmt.Errorf("invalid recipient %q", d.To)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, d)
	if d.To == m.owner {
		m.inbox = append(m.inbox, intent.Message{From: m.owner, Subject: d.Subject, Body: d.Body, ReceivedAt: m.now()})
	}
	return nil
}

// Messages returns the inbox newest first.
func (m *MemoryMailbox) Messages() []intent.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]intent.Message, 0, len(m.inbox))
	for i := len(m.inbox) - 1; i >= 0; i-- {
		out = append(out, m.inbox[i])
	}
	return out
}

func (m *MemoryMailbox) Sent() []intent.Draft {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]intent.Draft(nil), m.sent...)
}
