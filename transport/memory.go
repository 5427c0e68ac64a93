package transport

import (
	"context"
	"log/slog"
	"sync"

	"chat-relay/contract"
)

var _ contract.Publisher = (*ChannelPublisher)(nil)

// ChannelPublisher is an in-process fan-out used for embedding and
// tests. Subscribers get a buffered channel; a slow subscriber loses
// payloads rather than blocking the pipeline, mirroring the at-most-once
// contract of the real transport.
type ChannelPublisher struct {
	mu          sync.RWMutex
	subscribers map[string][]chan []byte
	bufferSize  int
	log         *slog.Logger
}

func NewChannelPublisher(bufferSize int, log *slog.Logger) *ChannelPublisher {
	return &ChannelPublisher{
		subscribers: make(map[string][]chan []byte),
		bufferSize:  bufferSize,
		log:         log,
	}
}

func (p *ChannelPublisher) Subscribe(channel string) <-chan []byte {
	ch := make(chan []byte, p.bufferSize)
	p.mu.Lock()
	p.subscribers[channel] = append(p.subscribers[channel], ch)
	p.mu.Unlock()
	return ch
}

func (p *ChannelPublisher) Publish(_ context.Context, channel string, payload []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ch := range p.subscribers[channel] {
		select {
		case ch <- payload:
		default:
			p.log.Debug("Subscriber buffer full, payload dropped", "channel", channel)
		}
	}
	return nil
}
