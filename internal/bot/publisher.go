package bot

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/discordgo"

	"github.com/jensholdgaard/techrun/internal/event"
	"github.com/jensholdgaard/techrun/internal/notify"
)

var _ notify.Publisher = (*ChannelPublisher)(nil)

// Sender is the part of *discordgo.Session the publisher needs.
type Sender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// ChannelPublisher posts public notifications to a Discord channel.
type ChannelPublisher struct {
	sender    Sender
	channelID string
}

// NewChannelPublisher returns a publisher posting to channelID.
func NewChannelPublisher(sender Sender, channelID string) *ChannelPublisher {
	return &ChannelPublisher{sender: sender, channelID: channelID}
}

// Publish posts e when it is worth a channel message. Private
// notifications are never posted.
func (p *ChannelPublisher) Publish(_ context.Context, e event.Event) error {
	if !e.Public() {
		return nil
	}
	msg, ok, err := Render(e)
	if err != nil || !ok {
		return err
	}
	if _, err := p.sender.ChannelMessageSend(p.channelID, msg); err != nil {
		return fmt.Errorf("sending to channel %s: %w", p.channelID, err)
	}
	return nil
}

// countdownCallouts are the remaining seconds announced in the channel.
var countdownCallouts = map[int]bool{30: true, 10: true, 5: true, 3: true, 2: true, 1: true}

// Render formats a notification as a channel message. ok is false for
// notifications that are not posted.
func Render(e event.Event) (msg string, ok bool, err error) {
	switch e.Type {
	case event.PublicAnnouncement:
		var d event.AnnouncementData
		if err := json.Unmarshal(e.Data, &d); err != nil {
			return "", false, fmt.Errorf("decoding %s: %w", e.Type, err)
		}
		return d.Message, true, nil
	case event.NewAuction, event.AuctionStart, event.AuctionEnd:
		var d event.AuctionData
		if err := json.Unmarshal(e.Data, &d); err != nil {
			return "", false, fmt.Errorf("decoding %s: %w", e.Type, err)
		}
		return renderAuction(e.Type, d), true, nil
	case event.TickToAuction, event.AuctionTick:
		var d event.TickData
		if err := json.Unmarshal(e.Data, &d); err != nil {
			return "", false, fmt.Errorf("decoding %s: %w", e.Type, err)
		}
		if !countdownCallouts[d.Remaining] {
			return "", false, nil
		}
		if e.Type == event.TickToAuction {
			return fmt.Sprintf("Bidding opens in %ds", d.Remaining), true, nil
		}
		return fmt.Sprintf("%ds left to bid", d.Remaining), true, nil
	case event.AuctionBid:
		var d event.BidData
		if err := json.Unmarshal(e.Data, &d); err != nil {
			return "", false, fmt.Errorf("decoding %s: %w", e.Type, err)
		}
		return fmt.Sprintf("New bid: %d coins", d.Price), true, nil
	case event.SkillCardUsed:
		var d event.SkillCardData
		if err := json.Unmarshal(e.Data, &d); err != nil {
			return "", false, fmt.Errorf("decoding %s: %w", e.Type, err)
		}
		return fmt.Sprintf("A team played **%s**", d.SkillCard), true, nil
	default:
		return "", false, nil
	}
}

func renderAuction(t event.Type, d event.AuctionData) string {
	switch t {
	case event.NewAuction:
		return fmt.Sprintf("**%s** goes up for auction in %ds. Bidding lasts %ds.", d.SkillCard, d.PrepareDurationSeconds, d.DurationSeconds)
	case event.AuctionStart:
		return fmt.Sprintf("Bidding on **%s** is open!", d.SkillCard)
	default:
		if d.WinnerTeamID == "" {
			return fmt.Sprintf("The auction for **%s** ended without a winner.", d.SkillCard)
		}
		return fmt.Sprintf("**%s** sold for %d coins!", d.SkillCard, d.WinningPrice)
	}
}
