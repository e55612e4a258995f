package book

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"
)

// ErrResync signals that diff continuity is lost and the caller must
// resubscribe to obtain a fresh snapshot.
var ErrResync = errors.New("orderbook diff gap, resubscribe required")

// Level is one price level of an orderbook side.
type Level struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
}

// Diff is one incremental update. Venue ids must be contiguous: diff N
// applies only on top of diff N-1.
type Diff struct {
	ID   int64
	Bids []Level
	Asks []Level
}

// Book is the collector-local orderbook for one (venue, symbol). Diffs are
// applied where the venue delivers them; full-depth feeds only apply
// snapshots. Bids are held best (highest) first, asks best (lowest) first.
type Book struct {
	bids   []Level
	asks   []Level
	lastID int64
	ready  bool
	recent []Diff
}

const recentDiffs = 3

func NewBook() *Book {
	return &Book{}
}

// Ready reports whether a snapshot has been applied.
func (b *Book) Ready() bool {
	return b.ready
}

// LastID returns the id of the last applied snapshot or diff.
func (b *Book) LastID() int64 {
	return b.lastID
}

// ApplySnapshot replaces the whole book. Input levels need not be sorted.
func (b *Book) ApplySnapshot(bids, asks []Level, id int64) {
	b.bids = append(b.bids[:0], bids...)
	b.asks = append(b.asks[:0], asks...)
	sort.Slice(b.bids, func(i, j int) bool { return b.bids[i].Price.GreaterThan(b.bids[j].Price) })
	sort.Slice(b.asks, func(i, j int) bool { return b.asks[i].Price.LessThan(b.asks[j].Price) })
	b.lastID = id
	b.ready = true
	b.recent = b.recent[:0]
}

// ApplyDiff applies an incremental update. Out-of-date diffs are ignored.
// On a gap the last three observed diffs are consulted; when they contain a
// contiguous run bridging the gap it is merged, otherwise ErrResync is
// returned and the book must be rebuilt from a fresh snapshot.
func (b *Book) ApplyDiff(d Diff) error {
	if !b.ready {
		return ErrResync
	}
	b.remember(d)

	switch {
	case d.ID <= b.lastID:
		return nil
	case d.ID == b.lastID+1:
		b.apply(d)
		return nil
	}

	run, ok := b.contiguousRun(b.lastID+1, d.ID)
	if !ok {
		b.ready = false
		return ErrResync
	}
	for _, rd := range run {
		b.apply(rd)
	}
	return nil
}

func (b *Book) remember(d Diff) {
	b.recent = append(b.recent, d)
	if len(b.recent) > recentDiffs {
		b.recent = b.recent[len(b.recent)-recentDiffs:]
	}
}

// contiguousRun assembles diffs first..last from the retained buffer.
func (b *Book) contiguousRun(first, last int64) ([]Diff, bool) {
	run := make([]Diff, 0, last-first+1)
	for id := first; id <= last; id++ {
		found := false
		for _, rd := range b.recent {
			if rd.ID == id {
				run = append(run, rd)
				found = true
				break
			}
		}
		if !found {
			return nil, false
		}
	}
	return run, true
}

func (b *Book) apply(d Diff) {
	for _, lv := range d.Bids {
		b.bids = upsert(b.bids, lv, true)
	}
	for _, lv := range d.Asks {
		b.asks = upsert(b.asks, lv, false)
	}
	b.lastID = d.ID
}

// upsert inserts, replaces or removes one level. Volume zero deletes.
func upsert(side []Level, lv Level, descending bool) []Level {
	idx := sort.Search(len(side), func(i int) bool {
		if descending {
			return !side[i].Price.GreaterThan(lv.Price)
		}
		return !side[i].Price.LessThan(lv.Price)
	})

	exists := idx < len(side) && side[idx].Price.Equal(lv.Price)
	if lv.Volume.IsZero() {
		if exists {
			side = append(side[:idx], side[idx+1:]...)
		}
		return side
	}
	if exists {
		side[idx] = lv
		return side
	}
	side = append(side, Level{})
	copy(side[idx+1:], side[idx:])
	side[idx] = lv
	return side
}

// BestBid returns the highest bid level.
func (b *Book) BestBid() (Level, bool) {
	if len(b.bids) == 0 {
		return Level{}, false
	}
	return b.bids[0], true
}

// BestAsk returns the lowest ask level.
func (b *Book) BestAsk() (Level, bool) {
	if len(b.asks) == 0 {
		return Level{}, false
	}
	return b.asks[0], true
}
