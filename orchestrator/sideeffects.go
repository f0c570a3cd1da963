package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/sumup/ucp/checkout"
	"github.com/sumup/ucp/order"
	"github.com/sumup/ucp/settlement"
)

// Metadata keys read by the built-in side effects.
const (
	MetadataMandateID = "mandate_id"
	MetadataAgentID   = "agent_id"
)

// SideEffect is accounting work triggered by a completed checkout. Its
// failure is logged and never affects the checkout or the order.
type SideEffect struct {
	Name string
	Run  func(ctx context.Context, c *checkout.Checkout, o *order.Order) error
}

// MandateDebit draws the checkout total from the mandate named in the
// checkout metadata. Totals are minor units with two decimals.
func MandateDebit(mandates settlement.MandateStore) SideEffect {
	return SideEffect{
		Name: "mandate_debit",
		Run: func(ctx context.Context, c *checkout.Checkout, _ *order.Order) error {
			id := c.MetadataString(MetadataMandateID)
			if id == "" {
				return nil
			}
			amount := decimal.New(c.Total(), -2)
			if !amount.IsPositive() {
				return nil
			}
			if _, err := mandates.DebitMandate(ctx, c.TenantID, id, amount); err != nil {
				return fmt.Errorf("debit mandate %s: %w", id, err)
			}
			return nil
		},
	}
}

// Counter accumulates attribution totals per agent.
type Counter interface {
	Increment(ctx context.Context, tenantID, agentID string, amount int64) error
}

// AgentAttribution credits the agent named in the checkout metadata.
func AgentAttribution(counter Counter) SideEffect {
	return SideEffect{
		Name: "agent_attribution",
		Run: func(ctx context.Context, c *checkout.Checkout, _ *order.Order) error {
			agent := c.MetadataString(MetadataAgentID)
			if agent == "" {
				return nil
			}
			return counter.Increment(ctx, c.TenantID, agent, c.Total())
		},
	}
}

// AgentStats is the attribution total of one agent.
type AgentStats struct {
	Orders int64 `json:"orders"`
	Volume int64 `json:"volume"`
}

// MemoryCounter is an in-process [Counter].
type MemoryCounter struct {
	mu    sync.Mutex
	stats map[string]AgentStats
}

// NewMemoryCounter returns an empty counter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{stats: make(map[string]AgentStats)}
}

func (m *MemoryCounter) Increment(_ context.Context, tenantID, agentID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tenantID + "/" + agentID
	s := m.stats[key]
	s.Orders++
	s.Volume += amount
	m.stats[key] = s
	return nil
}

// Stats returns the totals recorded for agentID.
func (m *MemoryCounter) Stats(tenantID, agentID string) AgentStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats[tenantID+"/"+agentID]
}
