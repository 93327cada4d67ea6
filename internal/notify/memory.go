package notify

import (
	"context"
	"errors"
	"sync"
)

// ErrPublisherClosed is returned by MemoryPublisher after Close.
var ErrPublisherClosed = errors.New("publisher closed")

// Message is one published message.
type Message struct {
	Subject string
	Data    []byte
}

// MemoryPublisher keeps published messages in memory.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []Message
	closed   bool
}

var _ Publisher = (*MemoryPublisher)(nil)

func (p *MemoryPublisher) Publish(ctx context.Context, subject string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPublisherClosed
	}
	p.messages = append(p.messages, Message{Subject: subject, Data: append([]byte(nil), data...)})
	return nil
}

// Messages returns a copy of everything published so far.
func (p *MemoryPublisher) Messages() []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Message(nil), p.messages...)
}

func (p *MemoryPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
