package relay

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/marmot-protocol/go-marmot/marmot"
)

// Pool keeps one connection per relay URL, dialed on first use
type Pool struct {
	log  *zap.Logger
	opts []Option

	mu     sync.Mutex
	relays map[string]*Relay
}

func NewPool(log *zap.Logger, opts ...Option) *Pool {
	if log == nil {
		log = zap.NewNop()
	}

	return &Pool{
		log:    log,
		opts:   append([]Option{WithLogger(log)}, opts...),
		relays: map[string]*Relay{},
	}
}

// Relay returns the live connection to url, dialing it if needed
func (p *Pool) Relay(ctx context.Context, url string) (*Relay, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r, ok := p.relays[url]; ok {
		select {
		case <-r.Done():
			delete(p.relays, url)
		default:
			return r, nil
		}
	}

	r, err := Connect(ctx, url, p.opts...)
	if err != nil {
		return nil, err
	}

	p.relays[url] = r
	return r, nil
}

// PublishResult is the outcome of publishing to one relay
type PublishResult struct {
	URL string
	Err error
}

// Publish sends an event to every relay concurrently.  It fails only if no
// relay accepted the event.
func (p *Pool) Publish(ctx context.Context, evt marmot.Event, urls []string) ([]PublishResult, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("relay: %w: no relays", ErrProtocol)
	}

	results := make([]PublishResult, len(urls))
	var wg sync.WaitGroup
	for i, url := range urls {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()

			results[i].URL = url
			r, err := p.Relay(ctx, url)
			if err == nil {
				err = r.Publish(ctx, evt)
			}
			results[i].Err = err
		}(i, url)
	}
	wg.Wait()

	accepted := 0
	for _, res := range results {
		if res.Err == nil {
			accepted++
		} else {
			p.log.Warn("publish failed", zap.String("relay", res.URL), zap.Error(res.Err))
		}
	}

	if accepted == 0 {
		return results, fmt.Errorf("relay: event %s: %w", evt.ID, results[0].Err)
	}
	return results, nil
}

func (p *Pool) Close() {
	p.mu.Lock()
	relays := p.relays
	p.relays = map[string]*Relay{}
	p.mu.Unlock()

	for _, r := range relays {
		r.Close()
	}
}
