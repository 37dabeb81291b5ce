package market

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tidwall/btree"

	"github.com/talgya/starmacro/internal/clock"
	"github.com/talgya/starmacro/internal/entity"
	"github.com/talgya/starmacro/internal/ledger"
)

// closedMemory bounds how many terminal statuses a book remembers.
const closedMemory = 1 << 14

// level is a FIFO queue of orders at one price.
type level struct {
	price  ledger.Money
	orders []*Order
}

func (l *level) remove(id OrderID) {
	for i, o := range l.orders {
		if o.ID == id {
			l.orders = append(l.orders[:i], l.orders[i+1:]...)
			return
		}
	}
}

// Level summarises one price level.
type Level struct {
	Price    ledger.Money `json:"price"`
	Quantity int64        `json:"quantity"`
	Orders   int          `json:"orders"`
}

// wiring is shared by all books of one market.
type wiring struct {
	nextID    OrderID
	seq       uint64
	observers []TradeObserver
	hooks     Hooks
	onPlaced  func(OrderID, *Book)
	onClosed  func(OrderID)
}

// Book is the order book of one venue. Bids are kept best-first by
// reverse scan, asks best-first by forward scan; within a level orders queue
// by arrival. It is not safe for concurrent use.
type Book struct {
	location  entity.GID
	commodity ledger.Commodity
	reg       Registry
	now       func() clock.Time
	w         *wiring

	bids   *btree.Map[ledger.Money, *level]
	asks   *btree.Map[ledger.Money, *level]
	orders map[OrderID]*Order

	closed    map[OrderID]Status
	closedLog []OrderID

	matching bool
	ioc      []OrderID // immediate-or-cancel orders to expire when matching ends
}

// NewBook returns a standalone book. Most callers get books from a Market.
func NewBook(c ledger.Commodity, reg Registry, now func() clock.Time) *Book {
	return newBook(At(c), reg, now, &wiring{})
}

func newBook(v Venue, reg Registry, now func() clock.Time, w *wiring) *Book {
	if now == nil {
		now = func() clock.Time { return 0 }
	}
	return &Book{
		location:  v.Location,
		commodity: v.Commodity,
		reg:       reg,
		now:       now,
		w:         w,
		bids:      btree.NewMap[ledger.Money, *level](32),
		asks:      btree.NewMap[ledger.Money, *level](32),
		orders:    make(map[OrderID]*Order),
		closed:    make(map[OrderID]Status),
	}
}

// Commodity returns the traded commodity.
func (b *Book) Commodity() ledger.Commodity { return b.commodity }

// Venue returns the location and commodity the book trades.
func (b *Book) Venue() Venue { return Venue{Location: b.location, Commodity: b.commodity} }

// OnTrade registers a settlement observer.
func (b *Book) OnTrade(fn TradeObserver) { b.w.observers = append(b.w.observers, fn) }

// SetHooks installs abort and violation observers.
func (b *Book) SetHooks(h Hooks) { b.w.hooks = h }

func (b *Book) holder(gid entity.GID) (ledger.Holder, error) {
	ent, err := b.reg.Resolve(gid)
	if err != nil {
		return nil, err
	}
	h, ok := ent.(ledger.Holder)
	if !ok {
		return nil, fmt.Errorf("%s %d: %w", ent.Kind(), gid, ErrNotHolder)
	}
	return h, nil
}

// remains finds the books of an owner whether it is live or a retained corpse.
func (b *Book) remains(gid entity.GID) (ledger.Holder, bool) {
	if h, err := b.holder(gid); err == nil {
		return h, true
	}
	ent, ok := b.reg.Remains(gid)
	if !ok {
		return nil, false
	}
	h, ok := ent.(ledger.Holder)
	return h, ok
}

// Place submits an order. A buy order reserves price × quantity of the
// owner's free cash; a sell order reserves the goods. Either the reservation
// and the order are both created or neither is. The book then matches.
//
// An order whose total value price × quantity does not fit in a Money is
// invalid on either side.
func (b *Book) Place(owner entity.GID, side Side, price ledger.Money, qty int64, opts ...Option) (OrderID, error) {
	if price <= 0 || qty <= 0 {
		return 0, fmt.Errorf("place %s %d %s at %d: %w", side, qty, b.commodity, price, ErrInvalidOrder)
	}
	cost, ok := price.Times(qty)
	if !ok {
		return 0, fmt.Errorf("place %s %d %s at %d: value overflows: %w", side, qty, b.commodity, price, ErrInvalidOrder)
	}
	h, err := b.holder(owner)
	if err != nil {
		return 0, fmt.Errorf("place %s for %d: %w", side, owner, err)
	}

	o := &Order{
		Owner:     owner,
		Location:  b.location,
		Commodity: b.commodity,
		Side:      side,
		Price:     price,
		Quantity:  qty,
		Remaining: qty,
		Placed:    b.now(),
	}
	for _, opt := range opts {
		opt(o)
	}

	switch side {
	case Buy:
		if err := h.Account().Reserve(ledger.ReserveOrders, cost); err != nil {
			return 0, fmt.Errorf("place buy %d %s at %d: %w", qty, b.commodity, price, err)
		}
		o.Reserved = cost
	case Sell:
		if err := h.Inventory().Reserve(b.commodity, qty); err != nil {
			return 0, fmt.Errorf("place sell %d %s at %d: %w", qty, b.commodity, price, err)
		}
	}

	b.w.nextID++
	o.ID = b.w.nextID
	b.insert(o)
	b.reg.Pin(owner)
	if b.w.onPlaced != nil {
		b.w.onPlaced(o.ID, b)
	}

	if o.IOC {
		b.ioc = append(b.ioc, o.ID)
	}
	b.Match()
	return o.ID, nil
}

func (b *Book) side(s Side) *btree.Map[ledger.Money, *level] {
	if s == Sell {
		return b.asks
	}
	return b.bids
}

func (b *Book) insert(o *Order) {
	b.w.seq++
	o.seq = b.w.seq
	tree := b.side(o.Side)
	lvl, ok := tree.Get(o.Price)
	if !ok {
		lvl = &level{price: o.Price}
		tree.Set(o.Price, lvl)
	}
	lvl.orders = append(lvl.orders, o)
	b.orders[o.ID] = o
}

func (b *Book) unlink(o *Order) {
	tree := b.side(o.Side)
	if lvl, ok := tree.Get(o.Price); ok {
		lvl.remove(o.ID)
		if len(lvl.orders) == 0 {
			tree.Delete(o.Price)
		}
	}
	delete(b.orders, o.ID)
}

// close retires an order. Reservations must already be settled.
func (b *Book) close(o *Order, s Status) {
	b.unlink(o)
	o.Status = s
	b.closed[o.ID] = s
	b.closedLog = append(b.closedLog, o.ID)
	if len(b.closedLog) > closedMemory {
		drop := b.closedLog[:closedMemory/2]
		for _, id := range drop {
			delete(b.closed, id)
		}
		b.closedLog = append([]OrderID(nil), b.closedLog[closedMemory/2:]...)
	}
	if b.w.onClosed != nil {
		b.w.onClosed(o.ID)
	}
	b.reg.Unpin(o.Owner)
}

// release hands an order's remaining reservation back to its owner, live or dead.
func (b *Book) release(o *Order) {
	h, ok := b.remains(o.Owner)
	if !ok {
		o.Reserved = 0
		return
	}
	var err error
	switch o.Side {
	case Buy:
		err = h.Account().Release(ledger.ReserveOrders, o.Reserved)
	case Sell:
		err = h.Inventory().Release(b.commodity, o.Remaining)
	}
	o.Reserved = 0
	if err != nil {
		b.violation(o.Owner, fmt.Sprintf("release order %d: %v", o.ID, err))
	}
}

// Cancel withdraws a resting order and returns its reservation. It reports
// false, and does nothing, if the order is no longer resting.
func (b *Book) Cancel(id OrderID) bool {
	o, ok := b.orders[id]
	if !ok {
		return false
	}
	b.release(o)
	b.close(o, Cancelled)
	return true
}

// CancelOwner cancels every resting order of gid.
func (b *Book) CancelOwner(gid entity.GID) int {
	var ids []OrderID
	for id, o := range b.orders {
		if o.Owner == gid {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		b.Cancel(id)
	}
	return len(ids)
}

// Amend changes a resting order's price and quantity. It reports false if
// the order no longer exists.
//
// The quantity is clamped to what remains, and for a buy order further to
// what the current reservation can pay for at the new price, so an amendment
// never reserves more than the order already held. Any surplus goes back to
// the owner at once. A price change sends the order to the back of the queue
// at its new level; a pure size reduction keeps its place.
func (b *Book) Amend(id OrderID, price ledger.Money, qty int64) (bool, error) {
	o, ok := b.orders[id]
	if !ok {
		return false, nil
	}
	if price <= 0 {
		return true, fmt.Errorf("amend %d to price %d: %w", id, price, ErrInvalidOrder)
	}
	if o.Side == Sell {
		if _, ok := price.Times(min(qty, o.Remaining)); !ok {
			return true, fmt.Errorf("amend %d to %d at %d: value overflows: %w", id, qty, price, ErrInvalidOrder)
		}
	}

	if qty > o.Remaining {
		qty = o.Remaining
	}
	if o.Side == Buy {
		if affordable := int64(o.Reserved / price); qty > affordable {
			qty = affordable
		}
	}
	if qty <= 0 {
		b.Cancel(id)
		return true, nil
	}

	// qty <= Reserved/price, so the new reservation cannot overflow.
	reserved := price * ledger.Money(qty)
	if h, ok := b.remains(o.Owner); ok {
		var err error
		switch o.Side {
		case Buy:
			err = h.Account().Release(ledger.ReserveOrders, o.Reserved-reserved)
		case Sell:
			err = h.Inventory().Release(b.commodity, o.Remaining-qty)
		}
		if err != nil {
			b.close(o, Cancelled)
			b.violation(o.Owner, fmt.Sprintf("amend order %d: %v", id, err))
			return true, nil
		}
	}

	if o.Side == Buy {
		o.Reserved = reserved
	}
	o.Quantity, o.Remaining = qty, qty
	if price != o.Price {
		b.unlink(o)
		o.Price = price
		b.insert(o)
	}

	b.Match()
	return true, nil
}

func (b *Book) bestBidOrder() *Order {
	_, lvl, ok := b.bids.Max()
	if !ok {
		return nil
	}
	return lvl.orders[0]
}

func (b *Book) bestAskOrder() *Order {
	_, lvl, ok := b.asks.Min()
	if !ok {
		return nil
	}
	return lvl.orders[0]
}

// live sums the orders of a level whose owners still resolve. Orders of dead
// owners stay queued until matching or a reap withdraws them, but they are
// not liquidity.
func (b *Book) live(lvl *level) (qty int64, orders int) {
	for _, o := range lvl.orders {
		if _, err := b.reg.Resolve(o.Owner); err == nil {
			qty += o.Remaining
			orders++
		}
	}
	return qty, orders
}

func (b *Book) bestLive(scan func(func(ledger.Money, *level) bool)) (best ledger.Money, ok bool) {
	scan(func(p ledger.Money, lvl *level) bool {
		if _, n := b.live(lvl); n > 0 {
			best, ok = p, true
			return false
		}
		return true
	})
	return best, ok
}

// BestBid returns the highest bid price with a live owner.
func (b *Book) BestBid() (ledger.Money, bool) { return b.bestLive(b.bids.Reverse) }

// BestOffer returns the lowest offer price with a live owner.
func (b *Book) BestOffer() (ledger.Money, bool) { return b.bestLive(b.asks.Scan) }

// Match executes crossing orders until the book is uncrossed. Each fill is
// priced at the earlier order's limit (the resting side) and settles both
// legs in one step. If either party no longer resolves, the match is aborted
// before anything moves, the dead party's order is withdrawn and the
// survivor keeps resting untouched.
//
// A call made while the book is already matching, from a trade observer,
// returns at once; the running loop picks up whatever the observer placed.
// Immediate-or-cancel remainders are withdrawn when the outermost loop ends.
func (b *Book) Match() int {
	if b.matching {
		return 0
	}
	b.matching = true
	defer func() {
		b.matching = false
		b.expireIOC()
	}()

	fills := 0
	for {
		bid, ask := b.bestBidOrder(), b.bestAskOrder()
		if bid == nil || ask == nil || bid.Price < ask.Price {
			return fills
		}

		buyer, berr := b.holder(bid.Owner)
		seller, serr := b.holder(ask.Owner)
		if berr != nil || serr != nil {
			slog.Debug("match aborted, counterparty gone",
				"commodity", b.commodity, "bid", bid.ID, "ask", ask.ID, "buyer_err", berr, "seller_err", serr)
			if b.w.hooks.Aborted != nil {
				b.w.hooks.Aborted(*bid, *ask)
			}
			if berr != nil {
				b.release(bid)
				b.close(bid, Cancelled)
			}
			if serr != nil {
				b.release(ask)
				b.close(ask, Cancelled)
			}
			continue
		}

		if b.settle(bid, ask, buyer, seller) {
			fills++
		}
	}
}

func (b *Book) expireIOC() {
	ids := b.ioc
	b.ioc = nil
	for _, id := range ids {
		b.Cancel(id)
	}
}

// settle executes one fill. Every amount is computed and checked before the
// first leg moves so the two legs either both happen or neither does.
func (b *Book) settle(bid, ask *Order, buyer, seller ledger.Holder) bool {
	qty := min(bid.Remaining, ask.Remaining)
	price := ask.Price
	if bid.seq < ask.seq {
		price = bid.Price
	}
	value, vok := price.Times(qty)
	held, hok := bid.Price.Times(qty)
	owed, ook := bid.Price.Times(bid.Remaining)
	_, pok := seller.Account().Cash().Plus(value)

	switch {
	case !vok || !hok || !ook:
		b.quarantine(bid, fmt.Sprintf("order %d value %d × %d overflows", bid.ID, bid.Price, bid.Remaining))
		return false
	case bid.Reserved != owed:
		b.quarantine(bid, fmt.Sprintf("order %d reserved %d for %d at %d", bid.ID, bid.Reserved, bid.Remaining, bid.Price))
		return false
	case value > held:
		b.quarantine(bid, fmt.Sprintf("order %d fills at %d above its limit %d", bid.ID, price, bid.Price))
		return false
	case buyer.Account().ReservedFor(ledger.ReserveOrders) < held:
		b.quarantine(bid, fmt.Sprintf("order %d needs %d but account holds %d", bid.ID, held, buyer.Account().ReservedFor(ledger.ReserveOrders)))
		return false
	case seller.Inventory().Get(b.commodity).Reserved < qty:
		b.quarantine(ask, fmt.Sprintf("order %d needs %d %s but %d reserved", ask.ID, qty, b.commodity, seller.Inventory().Get(b.commodity).Reserved))
		return false
	case !pok:
		b.quarantine(ask, fmt.Sprintf("order %d proceeds %d overflow seller cash", ask.ID, value))
		return false
	}

	cogs, gerr := seller.Inventory().RemoveReserved(b.commodity, qty)
	if err := errors.Join(
		buyer.Account().SpendReserved(ledger.ReserveOrders, value),
		buyer.Account().Release(ledger.ReserveOrders, held-value),
		seller.Account().Receive(value),
		gerr,
		buyer.Inventory().Add(b.commodity, qty, value),
	); err != nil {
		b.quarantine(bid, fmt.Sprintf("settle order %d against %d: %v", bid.ID, ask.ID, err))
		b.quarantine(ask, fmt.Sprintf("settle order %d against %d: %v", ask.ID, bid.ID, err))
		return false
	}

	bid.Remaining -= qty
	bid.Reserved -= held
	ask.Remaining -= qty

	trade := Trade{
		Location:  b.location,
		Commodity: b.commodity,
		Buyer:     bid.Owner,
		Seller:    ask.Owner,
		BuyOrder:  bid.ID,
		SellOrder: ask.ID,
		Price:     price,
		Quantity:  qty,
		At:        b.now(),
		COGS:      cogs,
	}
	b.progress(bid)
	b.progress(ask)

	for _, gid := range []entity.GID{trade.Buyer, trade.Seller} {
		if h, err := b.holder(gid); err == nil {
			if err := h.Account().Check(); err != nil {
				b.report(err)
			}
		}
	}
	for _, fn := range b.w.observers {
		fn(trade)
	}
	return true
}

func (b *Book) progress(o *Order) {
	if o.Remaining == 0 {
		b.close(o, Filled)
		return
	}
	o.Status = PartiallyFilled
}

// quarantine pulls an order whose books no longer add up. Its reservation is
// left where it is for inspection.
func (b *Book) quarantine(o *Order, detail string) {
	b.close(o, Cancelled)
	b.violation(o.Owner, detail)
}

func (b *Book) violation(owner entity.GID, detail string) {
	b.report(&ledger.InvariantError{Owner: owner, Detail: detail})
}

func (b *Book) report(err error) {
	var ie *ledger.InvariantError
	if !errors.As(err, &ie) {
		ie = &ledger.InvariantError{Detail: err.Error()}
	}
	slog.Error("ledger invariant violated", "commodity", b.commodity, "gid", ie.Owner, "detail", ie.Detail)
	if b.w.hooks.Violation != nil {
		b.w.hooks.Violation(ie)
	}
}

// Order returns a copy of a resting order.
func (b *Book) Order(id OrderID) (Order, bool) {
	o, ok := b.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Status reports where an order is in its lifecycle. Terminal statuses are
// remembered for a bounded number of recent orders.
func (b *Book) Status(id OrderID) (Status, bool) {
	if o, ok := b.orders[id]; ok {
		return o.Status, true
	}
	s, ok := b.closed[id]
	return s, ok
}

// OrdersOf lists the resting orders of gid in arrival order.
func (b *Book) OrdersOf(gid entity.GID) []Order {
	var out []Order
	b.walk(func(o *Order) {
		if o.Owner == gid {
			out = append(out, *o)
		}
	})
	return out
}

func (b *Book) walk(fn func(*Order)) {
	b.bids.Reverse(func(_ ledger.Money, lvl *level) bool {
		for _, o := range lvl.orders {
			fn(o)
		}
		return true
	})
	b.asks.Scan(func(_ ledger.Money, lvl *level) bool {
		for _, o := range lvl.orders {
			fn(o)
		}
		return true
	})
}

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.orders) }

// Depth returns up to n levels per side, best first, counting only orders of
// live owners. n <= 0 means all.
func (b *Book) Depth(n int) (bids, asks []Level) {
	collect := func(out *[]Level) func(ledger.Money, *level) bool {
		return func(p ledger.Money, lvl *level) bool {
			qty, orders := b.live(lvl)
			if orders == 0 {
				return true
			}
			*out = append(*out, Level{Price: p, Quantity: qty, Orders: orders})
			return n <= 0 || len(*out) < n
		}
	}
	b.bids.Reverse(collect(&bids))
	b.asks.Scan(collect(&asks))
	return bids, asks
}

// CheckOrders verifies the reservation invariant of every resting buy order.
func (b *Book) CheckOrders() error {
	var err error
	b.walk(func(o *Order) {
		if err != nil {
			return
		}
		if o.Remaining <= 0 || o.Price <= 0 {
			err = &ledger.InvariantError{Owner: o.Owner, Detail: fmt.Sprintf("order %d remaining %d price %d", o.ID, o.Remaining, o.Price)}
			return
		}
		if o.Side == Buy && o.Reserved != o.Price*ledger.Money(o.Remaining) {
			err = &ledger.InvariantError{Owner: o.Owner, Detail: fmt.Sprintf("order %d reserved %d for %d at %d", o.ID, o.Reserved, o.Remaining, o.Price)}
		}
	})
	return err
}
