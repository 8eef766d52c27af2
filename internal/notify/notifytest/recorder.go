// Package notifytest provides a Notifier that records calls for tests.
package notifytest

import (
	"context"
	"fmt"
	"sync"

	"github.com/jensholdgaard/techrun/internal/notify"
	"github.com/jensholdgaard/techrun/internal/skillcard"
	"github.com/jensholdgaard/techrun/internal/store"
)

// Recorder implements notify.Notifier by recording one line per call.
type Recorder struct {
	mu    sync.Mutex
	calls []string
	ticks []Tick
}

// Tick is one recorded NotifyAuctionTick call.
type Tick struct {
	Phase     string
	Remaining int
}

var _ notify.Notifier = (*Recorder)(nil)

func (r *Recorder) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, fmt.Sprintf(format, args...))
}

// Calls returns the recorded calls in order, ticks excluded.
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// Ticks returns the recorded ticks in order.
func (r *Recorder) Ticks() []Tick {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Tick(nil), r.ticks...)
}

// Has reports whether call was recorded.
func (r *Recorder) Has(call string) bool {
	for _, c := range r.Calls() {
		if c == call {
			return true
		}
	}
	return false
}

func (r *Recorder) NotifyAuctionCreated(_ context.Context, a *store.Auction) {
	r.add("created %s", a.SkillCard)
}

func (r *Recorder) NotifyAuctionTick(_ context.Context, phase string, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, Tick{Phase: phase, Remaining: remaining})
}

func (r *Recorder) NotifyAuctionStart(_ context.Context, a *store.Auction) {
	r.add("start %s", a.SkillCard)
}

func (r *Recorder) NotifyAuctionBid(_ context.Context, b *store.Bid) {
	r.add("bid %s %d", b.TeamID, b.Price)
}

func (r *Recorder) NotifyAuctionEnd(_ context.Context, a *store.Auction, winner *store.Bid) {
	if winner == nil {
		r.add("end %s nobody", a.SkillCard)
		return
	}
	r.add("end %s %s %d", a.SkillCard, winner.TeamID, winner.Price)
}

func (r *Recorder) NotifyCoinsChanged(_ context.Context, teamID string, diff int, reason string) {
	r.add("coins %s %d %s", teamID, diff, reason)
}

func (r *Recorder) NotifySkillCardUsed(_ context.Context, teamID string, card skillcard.Kind) {
	r.add("used %s %s", teamID, card)
}
