package fare

import (
	"context"
	"sync"
)

// Collector tracks one payment hold per trip and settles it at Completed.
// Pricing itself lives outside the engine; the hold amount arrives from the
// caller as-is.
type Collector struct {
	client *StripeClient

	mu      sync.Mutex
	intents map[string]string // trip id -> payment intent id
}

func NewCollector(client *StripeClient) *Collector {
	return &Collector{client: client, intents: make(map[string]string)}
}

// HoldFor places a manual-capture hold for a trip.
func (c *Collector) HoldFor(ctx context.Context, tripID string, amount int64, currency, customerID string) error {
	id, err := c.client.Hold(ctx, amount, currency, customerID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.intents[tripID] = id
	c.mu.Unlock()
	return nil
}

// Finalize captures the trip's hold, if one exists. Trips without a hold
// settle outside the engine and are a no-op here.
func (c *Collector) Finalize(ctx context.Context, tripID, passengerID string) error {
	c.mu.Lock()
	id, ok := c.intents[tripID]
	delete(c.intents, tripID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.client.Capture(ctx, id)
}

// Abandon releases the hold for a trip that ended without completing.
func (c *Collector) Abandon(ctx context.Context, tripID string) error {
	c.mu.Lock()
	id, ok := c.intents[tripID]
	delete(c.intents, tripID)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.client.Cancel(ctx, id)
}
