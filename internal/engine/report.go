package engine

import (
	"log/slog"

	"github.com/dustin/go-humanize"

	"github.com/talgya/starmacro/internal/clock"
	"github.com/talgya/starmacro/internal/ledger"
)

// Summary is a point-in-time digest of the simulation.
type Summary struct {
	Time        clock.Time `json:"time"`
	Date        string     `json:"date"`
	Mode        string     `json:"mode"`
	Paused      bool       `json:"paused"`
	Live        int        `json:"live"`
	Retained    int        `json:"retained"`
	Pending     int        `json:"pending"`
	Resting     int        `json:"resting"`
	Quarantined int        `json:"quarantined"`
	Quotes      []Quote    `json:"quotes"`
	Stats       Stats      `json:"stats"`
}

// Summary builds a digest.
func (s *Simulation) Summary() Summary {
	sum := Summary{
		Time:        s.Clock.Now(),
		Date:        s.Clock.Now().String(),
		Mode:        s.Clock.Mode().String(),
		Paused:      s.Clock.Paused(),
		Live:        s.Registry.LiveCount(),
		Retained:    s.Registry.Retained(),
		Pending:     s.Queue.Len(),
		Resting:     s.Market.Resting(),
		Quarantined: len(s.quarantined),
		Stats:       s.Stats,
	}
	for _, c := range s.Market.Commodities() {
		p, ok := s.Market.BestBid(c)
		sum.Quotes = append(sum.Quotes, Quote{Commodity: c, Price: p, OK: ok})
	}
	return sum
}

// LogDaily writes the daily report.
func (s *Simulation) LogDaily() {
	sum := s.Summary()
	attrs := []any{
		"date", sum.Date,
		"live", sum.Live,
		"pending", sum.Pending,
		"resting", sum.Resting,
		"dispatched", humanize.Comma(int64(sum.Stats.Dispatched)),
		"dropped", sum.Stats.Dropped,
		"faults", sum.Stats.Faults,
		"late", sum.Stats.Late,
		"trades", humanize.Comma(int64(sum.Stats.Trades)),
		"volume", humanize.Comma(sum.Stats.Volume),
		"aborts", sum.Stats.Aborts,
		"money", s.MoneySupply().String(),
	}
	for _, c := range s.Market.Commodities() {
		if p, ok := s.Market.BestBid(c); ok {
			attrs = append(attrs, "bid_"+string(c), p.String())
		}
		if p, ok := s.Market.BestOffer(c); ok {
			attrs = append(attrs, "ask_"+string(c), p.String())
		}
	}
	if sum.Quarantined > 0 {
		attrs = append(attrs, "quarantined", sum.Quarantined)
	}
	slog.Info("daily report", attrs...)
}

// RunDays advances a batch simulation day by day, calling onDay after each.
func (s *Simulation) RunDays(days int, onDay func(day int)) error {
	start := s.Clock.Now().Floor()
	for i := 1; i <= days; i++ {
		if _, err := s.RunUntil(start + clock.Time(i)); err != nil {
			return err
		}
		s.Reap()
		if onDay != nil {
			onDay(int(start) + i)
		}
	}
	return nil
}

// MoneySupply sums cash held by live non-government holders.
func (s *Simulation) MoneySupply() ledger.Money {
	var total ledger.Money
	for _, gid := range s.Registry.Live() {
		ent, err := s.Registry.Resolve(gid)
		if err != nil {
			continue
		}
		if h, ok := ent.(ledger.Holder); ok && !h.Account().Unlimited() {
			total += h.Account().Cash()
		}
	}
	return total
}
