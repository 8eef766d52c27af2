package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/techrun/internal/clock"
	"github.com/jensholdgaard/techrun/internal/event"
	"github.com/jensholdgaard/techrun/internal/skillcard"
	"github.com/jensholdgaard/techrun/internal/store"
)

const scope = "github.com/jensholdgaard/techrun/internal/notify"

// prePhase is the auction phase whose ticks count down to the auction.
const prePhase = "PRE_AUCTION"

// Publisher pushes a notification to one delivery channel.
type Publisher interface {
	Publish(ctx context.Context, e event.Event) error
}

// PublisherFunc adapts a function into a Publisher.
type PublisherFunc func(ctx context.Context, e event.Event) error

func (f PublisherFunc) Publish(ctx context.Context, e event.Event) error { return f(ctx, e) }

// Dispatcher implements Notifier on a bounded queue drained by Run. A full
// queue drops the notification with a warning.
type Dispatcher struct {
	events     event.Store
	publishers []Publisher
	logger     *slog.Logger
	tracer     trace.Tracer
	clock      clock.Clock

	mu     sync.RWMutex
	closed bool
	queue  chan event.Event
	done   chan struct{}

	dropped   metric.Int64Counter
	delivered metric.Int64Counter
}

// NewDispatcher returns a Dispatcher holding at most queueSize pending
// notifications.
func NewDispatcher(events event.Store, logger *slog.Logger, tp trace.TracerProvider, clk clock.Clock, queueSize int, publishers ...Publisher) *Dispatcher {
	meter := otel.Meter(scope)
	dropped, err := meter.Int64Counter("techrun.notifications.dropped",
		metric.WithDescription("Notifications discarded because the queue was full"))
	if err != nil {
		logger.Warn("creating dropped counter", slog.Any("error", err))
	}
	delivered, err := meter.Int64Counter("techrun.notifications.delivered",
		metric.WithDescription("Notifications handed to publishers"))
	if err != nil {
		logger.Warn("creating delivered counter", slog.Any("error", err))
	}

	return &Dispatcher{
		events:     events,
		publishers: publishers,
		logger:     logger,
		tracer:     tp.Tracer(scope),
		clock:      clk,
		queue:      make(chan event.Event, queueSize),
		done:       make(chan struct{}),
		dropped:    dropped,
		delivered:  delivered,
	}
}

// Run delivers queued notifications until the queue is closed or ctx is
// cancelled. On cancellation it closes the queue and drains what is left.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case e, ok := <-d.queue:
			if !ok {
				return
			}
			d.deliver(ctx, e)
		case <-ctx.Done():
			d.Close()
			drainCtx := context.WithoutCancel(ctx)
			for e := range d.queue {
				d.deliver(drainCtx, e)
			}
			return
		}
	}
}

// Close stops accepting notifications. Run returns once the queue is empty.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	close(d.queue)
}

// Done is closed when Run has returned.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) deliver(ctx context.Context, e event.Event) {
	ctx, span := d.tracer.Start(ctx, "Dispatcher.deliver",
		trace.WithAttributes(
			attribute.String("event.type", string(e.Type)),
			attribute.String("team_id", e.TeamID),
		),
	)
	defer span.End()

	if !e.Type.Ephemeral() {
		if err := d.events.Append(ctx, e); err != nil {
			d.logger.ErrorContext(ctx, "failed to persist notification",
				slog.String("type", string(e.Type)),
				slog.Any("error", err),
			)
		}
	}
	for _, p := range d.publishers {
		if err := p.Publish(ctx, e); err != nil {
			d.logger.WarnContext(ctx, "failed to publish notification",
				slog.String("type", string(e.Type)),
				slog.Any("error", err),
			)
		}
	}
	d.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(e.Type))))
}

func (d *Dispatcher) emit(ctx context.Context, typ event.Type, teamID string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		d.logger.ErrorContext(ctx, "failed to encode notification",
			slog.String("type", string(typ)),
			slog.Any("error", err),
		)
		return
	}
	e := event.Event{
		ID:        uuid.NewString(),
		Type:      typ,
		TeamID:    teamID,
		Data:      data,
		CreatedAt: clock.NowUTC(d.clock),
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.logger.DebugContext(ctx, "notification after close discarded", slog.String("type", string(typ)))
		return
	}
	select {
	case d.queue <- e:
	default:
		d.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("type", string(typ))))
		d.logger.WarnContext(ctx, "notification queue full, dropping",
			slog.String("type", string(typ)),
			slog.String("team_id", teamID),
		)
	}
}

// Announce sends a free-text message to every team, or to one team when
// teamID is set.
func (d *Dispatcher) Announce(ctx context.Context, teamID, message string) {
	typ := event.PublicAnnouncement
	if teamID != "" {
		typ = event.PrivateAnnouncement
	}
	d.emit(ctx, typ, teamID, event.AnnouncementData{Message: message})
}

func (d *Dispatcher) NotifyAuctionCreated(ctx context.Context, a *store.Auction) {
	d.emit(ctx, event.NewAuction, "", event.AuctionData{
		AuctionID:              a.ID,
		SkillCard:              string(a.SkillCard),
		PrepareDurationSeconds: a.PrepareDurationSeconds,
		DurationSeconds:        a.DurationSeconds,
	})
}

func (d *Dispatcher) NotifyAuctionTick(ctx context.Context, phase string, remaining int) {
	typ := event.AuctionTick
	if phase == prePhase {
		typ = event.TickToAuction
	}
	d.emit(ctx, typ, "", event.TickData{Phase: phase, Remaining: remaining})
}

func (d *Dispatcher) NotifyAuctionStart(ctx context.Context, a *store.Auction) {
	d.emit(ctx, event.AuctionStart, "", event.AuctionData{
		AuctionID:       a.ID,
		SkillCard:       string(a.SkillCard),
		DurationSeconds: a.DurationSeconds,
	})
}

func (d *Dispatcher) NotifyAuctionBid(ctx context.Context, b *store.Bid) {
	d.emit(ctx, event.AuctionBid, "", event.BidData{
		AuctionID: b.AuctionID,
		TeamID:    b.TeamID,
		Price:     b.Price,
	})
}

func (d *Dispatcher) NotifyAuctionEnd(ctx context.Context, a *store.Auction, winner *store.Bid) {
	data := event.AuctionData{AuctionID: a.ID, SkillCard: string(a.SkillCard)}
	if winner != nil {
		data.WinnerTeamID = winner.TeamID
		data.WinningPrice = winner.Price
	}
	d.emit(ctx, event.AuctionEnd, "", data)
}

func (d *Dispatcher) NotifyCoinsChanged(ctx context.Context, teamID string, diff int, reason string) {
	d.emit(ctx, event.CoinsUpdate, teamID, event.CoinsData{Diff: diff, Reason: reason})
}

func (d *Dispatcher) NotifySkillCardUsed(ctx context.Context, teamID string, card skillcard.Kind) {
	d.emit(ctx, event.SkillCardUsed, "", event.SkillCardData{TeamID: teamID, SkillCard: string(card)})
}

var _ Notifier = (*Dispatcher)(nil)
