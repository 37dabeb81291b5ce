package market

import (
	"fmt"
	"sort"

	"github.com/talgya/starmacro/internal/clock"
	"github.com/talgya/starmacro/internal/entity"
	"github.com/talgya/starmacro/internal/ledger"
)

// Market holds one book per venue and routes order IDs to the book that
// holds them. All books share one order ID space. Every commodity trades at
// every location: opening either side fills in the grid.
type Market struct {
	reg         Registry
	now         func() clock.Time
	w           *wiring
	books       map[Venue]*Book
	index       map[OrderID]*Book
	locations   []entity.GID
	commodities []ledger.Commodity
}

// New returns a market with no commodities and only the Home location.
func New(reg Registry, now func() clock.Time) *Market {
	m := &Market{
		reg:       reg,
		now:       now,
		w:         &wiring{},
		books:     make(map[Venue]*Book),
		index:     make(map[OrderID]*Book),
		locations: []entity.GID{Home},
	}
	m.w.onPlaced = func(id OrderID, b *Book) { m.index[id] = b }
	m.w.onClosed = func(id OrderID) { delete(m.index, id) }
	return m
}

func (m *Market) open(v Venue) *Book {
	if b, ok := m.books[v]; ok {
		return b
	}
	b := newBook(v, m.reg, m.now, m.w)
	m.books[v] = b
	return b
}

// AddCommodity opens c at every location and returns its Home book. Adding
// an existing commodity returns its book.
func (m *Market) AddCommodity(c ledger.Commodity) *Book {
	if _, ok := m.books[At(c)]; !ok {
		m.commodities = append(m.commodities, c)
		sort.Slice(m.commodities, func(i, j int) bool { return m.commodities[i] < m.commodities[j] })
	}
	for _, loc := range m.locations {
		m.open(Venue{Location: loc, Commodity: c})
	}
	return m.books[At(c)]
}

// AddLocation opens every known commodity at loc.
func (m *Market) AddLocation(loc entity.GID) {
	known := false
	for _, l := range m.locations {
		known = known || l == loc
	}
	if !known {
		m.locations = append(m.locations, loc)
		sort.Slice(m.locations, func(i, j int) bool { return m.locations[i] < m.locations[j] })
	}
	for _, c := range m.commodities {
		m.open(Venue{Location: loc, Commodity: c})
	}
}

// Book returns the Home book for c. Orders placed directly on a book are
// indexed by the market like any other.
func (m *Market) Book(c ledger.Commodity) (*Book, error) { return m.BookAt(At(c)) }

// BookAt returns the book of v.
func (m *Market) BookAt(v Venue) (*Book, error) {
	b, ok := m.books[v]
	if !ok {
		return nil, fmt.Errorf("%q: %w", v, ErrUnknownCommodity)
	}
	return b, nil
}

// Commodities lists traded commodities in name order.
func (m *Market) Commodities() []ledger.Commodity {
	return append([]ledger.Commodity(nil), m.commodities...)
}

// Locations lists trading locations, Home first.
func (m *Market) Locations() []entity.GID {
	return append([]entity.GID(nil), m.locations...)
}

// Venues lists every book by location, then commodity.
func (m *Market) Venues() []Venue {
	out := make([]Venue, 0, len(m.books))
	for v := range m.books {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Location != out[j].Location {
			return out[i].Location < out[j].Location
		}
		return out[i].Commodity < out[j].Commodity
	})
	return out
}

// OnTrade registers an observer called synchronously for every execution.
func (m *Market) OnTrade(fn TradeObserver) { m.w.observers = append(m.w.observers, fn) }

// SetHooks installs abort and violation observers for all books.
func (m *Market) SetHooks(h Hooks) { m.w.hooks = h }

// Place submits an order to the Home book of c.
func (m *Market) Place(owner entity.GID, c ledger.Commodity, side Side, price ledger.Money, qty int64, opts ...Option) (OrderID, error) {
	return m.PlaceAt(owner, At(c), side, price, qty, opts...)
}

// PlaceAt submits an order to the book of v.
func (m *Market) PlaceAt(owner entity.GID, v Venue, side Side, price ledger.Money, qty int64, opts ...Option) (OrderID, error) {
	b, err := m.BookAt(v)
	if err != nil {
		return 0, err
	}
	return b.Place(owner, side, price, qty, opts...)
}

// Cancel withdraws an order. Cancelling an order that already filled or was
// cancelled is a no-op and reports false.
func (m *Market) Cancel(id OrderID) bool {
	b, ok := m.index[id]
	if !ok {
		return false
	}
	return b.Cancel(id)
}

// Amend changes an order's price and quantity; a missing order is a no-op.
func (m *Market) Amend(id OrderID, price ledger.Money, qty int64) (bool, error) {
	b, ok := m.index[id]
	if !ok {
		return false, nil
	}
	return b.Amend(id, price, qty)
}

// BestBid returns the highest bid for c at Home.
func (m *Market) BestBid(c ledger.Commodity) (ledger.Money, bool) { return m.BestBidAt(At(c)) }

// BestOffer returns the lowest offer for c at Home.
func (m *Market) BestOffer(c ledger.Commodity) (ledger.Money, bool) { return m.BestOfferAt(At(c)) }

// BestBidAt returns the highest bid at v.
func (m *Market) BestBidAt(v Venue) (ledger.Money, bool) {
	b, ok := m.books[v]
	if !ok {
		return 0, false
	}
	return b.BestBid()
}

// BestOfferAt returns the lowest offer at v.
func (m *Market) BestOfferAt(v Venue) (ledger.Money, bool) {
	b, ok := m.books[v]
	if !ok {
		return 0, false
	}
	return b.BestOffer()
}

// Match runs the matching engine for c at Home and returns the number of fills.
func (m *Market) Match(c ledger.Commodity) (int, error) {
	b, err := m.Book(c)
	if err != nil {
		return 0, err
	}
	return b.Match(), nil
}

// MatchAll runs every book.
func (m *Market) MatchAll() int {
	n := 0
	for _, v := range m.Venues() {
		n += m.books[v].Match()
	}
	return n
}

// Order returns a copy of a resting order.
func (m *Market) Order(id OrderID) (Order, bool) {
	b, ok := m.index[id]
	if !ok {
		return Order{}, false
	}
	return b.Order(id)
}

// Status reports an order's lifecycle state.
func (m *Market) Status(id OrderID) (Status, bool) {
	if b, ok := m.index[id]; ok {
		return b.Status(id)
	}
	for _, b := range m.books {
		if s, ok := b.Status(id); ok {
			return s, true
		}
	}
	return 0, false
}

// OrdersOf lists every resting order of gid across books.
func (m *Market) OrdersOf(gid entity.GID) []Order {
	var out []Order
	for _, v := range m.Venues() {
		out = append(out, m.books[v].OrdersOf(gid)...)
	}
	return out
}

// CancelOwner withdraws every resting order of gid.
func (m *Market) CancelOwner(gid entity.GID) int {
	n := 0
	for _, b := range m.books {
		n += b.CancelOwner(gid)
	}
	return n
}

// Resting returns the number of resting orders across books.
func (m *Market) Resting() int { return len(m.index) }

// Check verifies the reservation invariant of every resting order.
func (m *Market) Check() error {
	for _, v := range m.Venues() {
		if err := m.books[v].CheckOrders(); err != nil {
			return err
		}
	}
	return nil
}
