package trader

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"swingtrader/broker"
)

func TestManualMatch(t *testing.T) {
	m := NewManualMatcher(nil, nil, 2)
	res := func(qtys ...int64) *ManualResult {
		r := &ManualResult{}
		for i, q := range qtys {
			r.Orders = append(r.Orders, broker.Order{OrderID: string(rune('A' + i)), Quantity: q})
		}
		r.HasManual = len(r.Orders) > 0
		return r
	}

	o, ok := m.Match(res(11), 10)
	assert.True(t, ok)
	assert.Equal(t, "A", o.OrderID)

	_, ok = m.Match(res(9), 10)
	assert.True(t, ok, "within tolerance")

	_, ok = m.Match(res(7), 10)
	assert.False(t, ok)

	o, ok = m.Match(res(25, 10, 12), 10)
	assert.True(t, ok)
	assert.Equal(t, "B", o.OrderID, "closest size wins")

	_, ok = m.Match(nil, 10)
	assert.False(t, ok)
}

func TestManualMatchUsesRemainingQuantity(t *testing.T) {
	m := NewManualMatcher(nil, nil, 0)
	r := &ManualResult{HasManual: true, Orders: []broker.Order{{OrderID: "A", Quantity: 20, FilledQty: 15}}}
	_, ok := m.Match(r, 10)
	assert.False(t, ok)
}

func (s *EngineSuite) TestDetectManualIgnoresLedgerOrders() {
	own := s.place("RELIANCE.NS", 2500)
	manual := s.gw.AddExternalOrder("RELIANCE-BE", broker.SideBuy, 5)
	s.gw.AddExternalOrder("RELIANCE-EQ", broker.SideSell, 5)
	s.gw.AddExternalOrder("INFY-EQ", broker.SideBuy, 5)

	res, err := s.engine.manual.DetectManual(s.ctx, "RELIANCE")
	s.Require().NoError(err)
	s.True(res.HasManual)
	s.Require().Len(res.Orders, 1)
	s.Equal(manual, res.Orders[0].OrderID)
	s.NotEqual(own.BrokerOrderID, res.Orders[0].OrderID)
}
