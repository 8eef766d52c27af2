package bot_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/bwmarrin/discordgo"

	"github.com/jensholdgaard/techrun/internal/bot"
	"github.com/jensholdgaard/techrun/internal/event"
)

type fakeSender struct {
	channels []string
	messages []string
	err      error
}

func (s *fakeSender) ChannelMessageSend(channelID, content string, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	s.channels = append(s.channels, channelID)
	s.messages = append(s.messages, content)
	return &discordgo.Message{Content: content}, nil
}

func mustEvent(t *testing.T, typ event.Type, teamID string, payload any) event.Event {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return event.Event{Type: typ, TeamID: teamID, Data: data}
}

func TestRender(t *testing.T) {
	tests := []struct {
		name    string
		typ     event.Type
		payload any
		want    string
		wantOK  bool
	}{
		{
			name:    "announcement",
			typ:     event.PublicAnnouncement,
			payload: event.AnnouncementData{Message: "Round two starts now"},
			want:    "Round two starts now",
			wantOK:  true,
		},
		{
			name:    "new auction",
			typ:     event.NewAuction,
			payload: event.AuctionData{SkillCard: "hoi_sinh", PrepareDurationSeconds: 10, DurationSeconds: 60},
			want:    "**hoi_sinh** goes up for auction in 10s. Bidding lasts 60s.",
			wantOK:  true,
		},
		{
			name:    "sold",
			typ:     event.AuctionEnd,
			payload: event.AuctionData{SkillCard: "gamble", WinnerTeamID: "t1", WinningPrice: 40},
			want:    "**gamble** sold for 40 coins!",
			wantOK:  true,
		},
		{
			name:    "no winner",
			typ:     event.AuctionEnd,
			payload: event.AuctionData{SkillCard: "gamble"},
			want:    "The auction for **gamble** ended without a winner.",
			wantOK:  true,
		},
		{
			name:    "tick callout",
			typ:     event.AuctionTick,
			payload: event.TickData{Phase: "LIVE_AUCTION", Remaining: 10},
			want:    "10s left to bid",
			wantOK:  true,
		},
		{
			name:    "tick skipped",
			typ:     event.AuctionTick,
			payload: event.TickData{Phase: "LIVE_AUCTION", Remaining: 47},
		},
		{
			name:    "coins update not posted",
			typ:     event.CoinsUpdate,
			payload: event.CoinsData{Diff: 5, Reason: "station"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := bot.Render(mustEvent(t, tt.typ, "", tt.payload))
			if err != nil {
				t.Fatalf("Render() error = %v", err)
			}
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("Render() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestRender_BadPayload(t *testing.T) {
	_, _, err := bot.Render(event.Event{Type: event.AuctionBid, Data: json.RawMessage(`{"price":"lots"}`)})
	if err == nil {
		t.Fatal("expected decode error")
	}
}

func TestChannelPublisher_Publish(t *testing.T) {
	ctx := context.Background()
	s := &fakeSender{}
	p := bot.NewChannelPublisher(s, "announce")

	if err := p.Publish(ctx, mustEvent(t, event.AuctionBid, "", event.BidData{Price: 12})); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	// Private notifications stay out of the channel.
	if err := p.Publish(ctx, mustEvent(t, event.PrivateAnnouncement, "t1", event.AnnouncementData{Message: "psst"})); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if len(s.messages) != 1 {
		t.Fatalf("sent %d messages, want 1: %v", len(s.messages), s.messages)
	}
	if s.channels[0] != "announce" || s.messages[0] != "New bid: 12 coins" {
		t.Errorf("sent %q to %q", s.messages[0], s.channels[0])
	}
}

func TestChannelPublisher_SendError(t *testing.T) {
	boom := errors.New("discord down")
	p := bot.NewChannelPublisher(&fakeSender{err: boom}, "announce")

	err := p.Publish(context.Background(), mustEvent(t, event.PublicAnnouncement, "", event.AnnouncementData{Message: "hi"}))
	if !errors.Is(err, boom) {
		t.Errorf("Publish() error = %v, want %v", err, boom)
	}
}
