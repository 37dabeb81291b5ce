package engine

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/talgya/starmacro/internal/entity"
	"github.com/talgya/starmacro/internal/event"
	"github.com/talgya/starmacro/internal/ledger"
	"github.com/talgya/starmacro/internal/market"
)

var (
	// ErrUnknownQuery rejects a data request naming no registered query.
	ErrUnknownQuery = errors.New("unknown query")
	// ErrQueryArgs rejects a data request missing a required argument.
	ErrQueryArgs = errors.New("missing query argument")
)

// QueryFunc answers a data request for the event's target.
type QueryFunc func(s *Simulation, target entity.GID, args map[string]string) (any, error)

// Query is a named piece of data an action can ask for ahead of time.
// Requests are checked against Required when they are scheduled, so a bad
// request fails where it is made rather than when the event comes up.
type Query struct {
	Name     string    `json:"name"`
	Required []string  `json:"required,omitempty"`
	Doc      string    `json:"doc"`
	Fetch    QueryFunc `json:"-"`
}

// RegisterQuery adds or replaces a query.
func (s *Simulation) RegisterQuery(q Query) { s.queries[q.Name] = q }

// Queries lists registered queries by name.
func (s *Simulation) Queries() []Query {
	out := make([]Query, 0, len(s.queries))
	for _, q := range s.queries {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateRequests checks that every request names a registered query and
// carries its required arguments.
func (s *Simulation) ValidateRequests(reqs []event.Request) error {
	for _, r := range reqs {
		q, ok := s.queries[r.Query]
		if !ok {
			return fmt.Errorf("request %q: %q: %w", r.Key, r.Query, ErrUnknownQuery)
		}
		for _, arg := range q.Required {
			if _, ok := r.Args[arg]; !ok {
				return fmt.Errorf("request %q: %s needs %q: %w", r.Key, r.Query, arg, ErrQueryArgs)
			}
		}
	}
	return nil
}

func (s *Simulation) fetch(target entity.GID, reqs []event.Request) (map[string]any, error) {
	data := make(map[string]any, len(reqs))
	for _, r := range reqs {
		q, ok := s.queries[r.Query]
		if !ok {
			return nil, fmt.Errorf("request %q: %q: %w", r.Key, r.Query, ErrUnknownQuery)
		}
		v, err := q.Fetch(s, target, r.Args)
		if err != nil {
			return nil, fmt.Errorf("request %q (%s): %w", r.Key, r.Query, err)
		}
		data[r.Key] = v
	}
	return data, nil
}

// Datum returns the answer stored under key for the running event.
func Datum[T any](ev event.Event, key string) (T, error) {
	var zero T
	v, ok := ev.Data[key]
	if !ok {
		return zero, fmt.Errorf("event %s: no data %q", ev.Kind, key)
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("event %s: data %q is %T, not %T", ev.Kind, key, v, zero)
	}
	return t, nil
}

// venueArg resolves the venue a market query refers to: the "location"
// argument if given, otherwise where the target trades.
func (s *Simulation) venueArg(target entity.GID, args map[string]string) (market.Venue, error) {
	v := market.Venue{Location: s.LocationOf(target), Commodity: ledger.Commodity(args["commodity"])}
	if loc, ok := args["location"]; ok {
		n, err := strconv.ParseUint(loc, 10, 64)
		if err != nil {
			return v, fmt.Errorf("location %q: %w", loc, err)
		}
		v.Location = entity.GID(n)
	}
	return v, nil
}

func (s *Simulation) registerBuiltinQueries() {
	s.RegisterQuery(Query{
		Name: "now",
		Doc:  "Current simulated time.",
		Fetch: func(s *Simulation, _ entity.GID, _ map[string]string) (any, error) {
			return s.Now(), nil
		},
	})
	s.RegisterQuery(Query{
		Name: "location",
		Doc:  "Location the target trades at.",
		Fetch: func(s *Simulation, target entity.GID, _ map[string]string) (any, error) {
			return s.LocationOf(target), nil
		},
	})
	s.RegisterQuery(Query{
		Name: "commodities",
		Doc:  "Traded commodities.",
		Fetch: func(s *Simulation, _ entity.GID, _ map[string]string) (any, error) {
			return s.Market.Commodities(), nil
		},
	})
	quote := func(best func(market.Venue) (ledger.Money, bool)) QueryFunc {
		return func(s *Simulation, target entity.GID, args map[string]string) (any, error) {
			v, err := s.venueArg(target, args)
			if err != nil {
				return nil, err
			}
			if _, err := s.Market.BookAt(v); err != nil {
				return nil, err
			}
			p, ok := best(v)
			return Quote{Location: v.Location, Commodity: v.Commodity, Price: p, OK: ok}, nil
		}
	}
	s.RegisterQuery(Query{
		Name:     "best_bid",
		Required: []string{"commodity"},
		Doc:      "Best live bid at the target's location, or at args[location].",
		Fetch:    quote(s.Market.BestBidAt),
	})
	s.RegisterQuery(Query{
		Name:     "best_offer",
		Required: []string{"commodity"},
		Doc:      "Best live offer at the target's location, or at args[location].",
		Fetch:    quote(s.Market.BestOfferAt),
	})
}
