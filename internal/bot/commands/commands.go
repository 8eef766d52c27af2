package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/techrun/internal/apperr"
	"github.com/jensholdgaard/techrun/internal/auction"
	"github.com/jensholdgaard/techrun/internal/config"
	"github.com/jensholdgaard/techrun/internal/ledger"
	"github.com/jensholdgaard/techrun/internal/skillcard"
	"github.com/jensholdgaard/techrun/internal/station"
	"github.com/jensholdgaard/techrun/internal/store"
	"github.com/jensholdgaard/techrun/internal/team"
)

// Auctions is the auction engine as seen by the bot.
type Auctions interface {
	CreateAuction(ctx context.Context, card skillcard.Kind, prepareSeconds, durationSeconds int) (*store.Auction, error)
	RecordBid(ctx context.Context, teamID string, price int) (*store.Bid, error)
	Snapshot() auction.Status
}

// Teams resolves callers and serves the standings.
type Teams interface {
	GetByUsername(ctx context.Context, username string) (*store.Team, error)
	Leaderboard(ctx context.Context) ([]team.Standing, error)
	OtherTeamsCoins(ctx context.Context, teamID string) ([]team.Standing, error)
}

// Cards plays skill cards.
type Cards interface {
	ActivateSkillCard(ctx context.Context, teamID string, card skillcard.Kind) (*ledger.ActivationResult, error)
}

// Stations runs visits and skips.
type Stations interface {
	ResolveStation(ctx context.Context, ref string) (*store.Station, error)
	ResolveGroup(ctx context.Context, ref string) (*store.StationGroup, error)
	GetVisitPrice(ctx context.Context, stationID, teamID string) (int, error)
	VisitStation(ctx context.Context, stationID, teamID string) (*station.VisitResult, error)
	Skip(ctx context.Context, teamID, groupID string) (bool, error)
	Unskip(ctx context.Context, teamID, groupID string, waiveCost bool) (int, error)
	AwardStationCoins(ctx context.Context, stationID, teamID string, diff int, reason string) (int, error)
}

var errAdminOnly = apperr.New(apperr.ErrPrecondition, "this command is for game masters only")

// Handlers process Discord interactions.
type Handlers struct {
	auctions Auctions
	teams    Teams
	cards    Cards
	stations Stations
	game     config.GameConfig
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewHandlers creates new command handlers.
func NewHandlers(auctions Auctions, teams Teams, cards Cards, stations Stations, game config.GameConfig, logger *slog.Logger, tp trace.TracerProvider) *Handlers {
	return &Handlers{
		auctions: auctions,
		teams:    teams,
		cards:    cards,
		stations: stations,
		game:     game,
		logger:   logger,
		tracer:   tp.Tracer("github.com/jensholdgaard/techrun/internal/bot/commands"),
	}
}

func cardChoices() []*discordgo.ApplicationCommandOptionChoice {
	var choices []*discordgo.ApplicationCommandOptionChoice
	for _, k := range skillcard.All() {
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{Name: string(k), Value: string(k)})
	}
	return choices
}

func stringOpt(name, desc string, required bool) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        name,
		Description: desc,
		Required:    required,
	}
}

func intOpt(name, desc string, required bool) *discordgo.ApplicationCommandOption {
	return &discordgo.ApplicationCommandOption{
		Type:        discordgo.ApplicationCommandOptionInteger,
		Name:        name,
		Description: desc,
		Required:    required,
	}
}

// SlashCommands returns the slash command definitions.
func SlashCommands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{Name: "team", Description: "Show your team's coins and skill cards"},
		{Name: "leaderboard", Description: "List every team by coins"},
		{Name: "coins-others", Description: "Peek at other teams' coins (before an auction only)"},
		{Name: "auction-status", Description: "Show the current auction"},
		{
			Name:        "auction-start",
			Description: "Auction a skill card (game master only)",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "card",
					Description: "Skill card to auction",
					Required:    true,
					Choices:     cardChoices(),
				},
				intOpt("prepare", "Preparation countdown in seconds", false),
				intOpt("duration", "Bidding window in seconds", false),
			},
		},
		{
			Name:        "bid",
			Description: "Bid on the live auction",
			Options: []*discordgo.ApplicationCommandOption{
				intOpt("amount", "Coins to bid", true),
			},
		},
		{
			Name:        "card-use",
			Description: "Play one of your skill cards",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "card",
					Description: "Skill card to play",
					Required:    true,
					Choices:     cardChoices(),
				},
			},
		},
		{
			Name:        "station-price",
			Description: "What your next visit to a station costs",
			Options:     []*discordgo.ApplicationCommandOption{stringOpt("station", "Station codename", true)},
		},
		{
			Name:        "station-visit",
			Description: "Pay for a station visit",
			Options:     []*discordgo.ApplicationCommandOption{stringOpt("station", "Station codename", true)},
		},
		{
			Name:        "skip",
			Description: "Skip a station group",
			Options:     []*discordgo.ApplicationCommandOption{stringOpt("group", "Station group codename", true)},
		},
		{
			Name:        "unskip",
			Description: "Reopen a skipped station group",
			Options: []*discordgo.ApplicationCommandOption{
				stringOpt("group", "Station group codename", true),
				stringOpt("team", "Team username (game master only)", false),
				{
					Type:        discordgo.ApplicationCommandOptionBoolean,
					Name:        "waive",
					Description: "Waive the unskip fee (game master only)",
				},
			},
		},
		{
			Name:        "award",
			Description: "Credit or debit a team at a station (game master only)",
			Options: []*discordgo.ApplicationCommandOption{
				stringOpt("station", "Station codename", true),
				stringOpt("team", "Team username", true),
				intOpt("amount", "Coins, negative to debit", true),
				stringOpt("reason", "Reason for the change", false),
			},
		},
	}
}

// InteractionCreate handles incoming slash command interactions.
func (h *Handlers) InteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	msg := h.Handle(context.Background(), data.Name, username(i), data.Options)
	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: msg},
	}); err != nil {
		h.logger.Error("failed to respond to interaction",
			slog.String("command", data.Name),
			slog.Any("error", err),
		)
	}
}

func username(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.Username
	}
	if i.User != nil {
		return i.User.Username
	}
	return ""
}

// Handle runs one command for the Discord user and returns the reply.
func (h *Handlers) Handle(ctx context.Context, command, user string, opts []*discordgo.ApplicationCommandInteractionDataOption) string {
	ctx, span := h.tracer.Start(ctx, "Handlers.Handle",
		trace.WithAttributes(
			attribute.String("command", command),
			attribute.String("user", user),
		),
	)
	defer span.End()

	caller, err := h.teams.GetByUsername(ctx, user)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, apperr.ErrNotFound) {
			return "Your Discord account is not linked to a team. Ask a game master."
		}
		return fmt.Sprintf("Error: %s", err)
	}

	o := options(opts)
	var reply string
	switch command {
	case "team":
		reply = describeTeam(caller)
	case "leaderboard":
		reply, err = h.leaderboard(ctx)
	case "coins-others":
		reply, err = h.othersCoins(ctx, caller)
	case "auction-status":
		reply = describeStatus(h.auctions.Snapshot())
	case "auction-start":
		reply, err = h.auctionStart(ctx, caller, o)
	case "bid":
		reply, err = h.bid(ctx, caller, o)
	case "card-use":
		reply, err = h.cardUse(ctx, caller, o)
	case "station-price":
		reply, err = h.stationPrice(ctx, caller, o)
	case "station-visit":
		reply, err = h.stationVisit(ctx, caller, o)
	case "skip":
		reply, err = h.skip(ctx, caller, o)
	case "unskip":
		reply, err = h.unskip(ctx, caller, o)
	case "award":
		reply, err = h.award(ctx, caller, o)
	default:
		return "Unknown command"
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		h.logger.InfoContext(ctx, "command failed",
			slog.String("command", command),
			slog.String("team_id", caller.ID),
			slog.Any("error", err),
		)
		return fmt.Sprintf("Failed: %s", err)
	}
	return reply
}

type optionSet map[string]*discordgo.ApplicationCommandInteractionDataOption

func options(opts []*discordgo.ApplicationCommandInteractionDataOption) optionSet {
	m := make(optionSet, len(opts))
	for _, o := range opts {
		m[o.Name] = o
	}
	return m
}

func (o optionSet) str(name string) string {
	if v, ok := o[name]; ok {
		return v.StringValue()
	}
	return ""
}

func (o optionSet) integer(name string, def int) int {
	if v, ok := o[name]; ok {
		return int(v.IntValue())
	}
	return def
}

func (o optionSet) boolean(name string) bool {
	if v, ok := o[name]; ok {
		return v.BoolValue()
	}
	return false
}

func requireAdmin(t *store.Team) error {
	if t.Role != store.RoleAdmin {
		return errAdminOnly
	}
	return nil
}

func describeTeam(t *store.Team) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**%s**: %d coins", t.Name, t.Coins)
	if len(t.SkillCards) > 0 {
		fmt.Fprintf(&b, "\nSkill cards: %s", joinCards(t.SkillCards))
	}
	if len(t.ActiveEffects) > 0 {
		fmt.Fprintf(&b, "\nActive effects: %s", joinCards(t.ActiveEffects))
	}
	return b.String()
}

func joinCards(ks []skillcard.Kind) string {
	parts := make([]string, len(ks))
	for i, k := range ks {
		parts[i] = string(k)
	}
	return strings.Join(parts, ", ")
}

func describeStandings(title string, ss []team.Standing) string {
	if len(ss) == 0 {
		return "No teams yet."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "**%s:**\n", title)
	for idx, s := range ss {
		fmt.Fprintf(&b, "%d. %s: %d coins\n", idx+1, s.Name, s.Coins)
	}
	return b.String()
}

func describeStatus(s auction.Status) string {
	if s.Auction == nil {
		return "No auction is running."
	}
	switch s.Phase {
	case auction.PhasePre:
		return fmt.Sprintf("**%s** goes up for auction in %ds.", s.Auction.SkillCard, s.Remaining)
	case auction.PhaseLive:
		return fmt.Sprintf("Bidding on **%s**: %ds left.", s.Auction.SkillCard, s.Remaining)
	default:
		return fmt.Sprintf("Settling the auction for **%s**.", s.Auction.SkillCard)
	}
}

func (h *Handlers) leaderboard(ctx context.Context) (string, error) {
	ss, err := h.teams.Leaderboard(ctx)
	if err != nil {
		return "", err
	}
	return describeStandings("Leaderboard", ss), nil
}

func (h *Handlers) othersCoins(ctx context.Context, caller *store.Team) (string, error) {
	ss, err := h.teams.OtherTeamsCoins(ctx, caller.ID)
	if err != nil {
		return "", err
	}
	return describeStandings("Other teams", ss), nil
}

func (h *Handlers) auctionStart(ctx context.Context, caller *store.Team, o optionSet) (string, error) {
	if err := requireAdmin(caller); err != nil {
		return "", err
	}
	card, err := skillcard.Parse(o.str("card"))
	if err != nil {
		return "", err
	}
	prepare := o.integer("prepare", h.game.PrepareDurationSeconds)
	duration := o.integer("duration", h.game.AuctionDurationSeconds)

	a, err := h.auctions.CreateAuction(ctx, card, prepare, duration)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Auction for **%s** opens in %ds and runs for %ds (ID: `%s`)", card, prepare, duration, a.ID), nil
}

func (h *Handlers) bid(ctx context.Context, caller *store.Team, o optionSet) (string, error) {
	b, err := h.auctions.RecordBid(ctx, caller.ID, o.integer("amount", 0))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Bid of **%d coins** placed", b.Price), nil
}

func (h *Handlers) cardUse(ctx context.Context, caller *store.Team, o optionSet) (string, error) {
	card, err := skillcard.Parse(o.str("card"))
	if err != nil {
		return "", err
	}
	res, err := h.cards.ActivateSkillCard(ctx, caller.ID, card)
	if err != nil {
		return "", err
	}
	if res.Applied != res.Card {
		return fmt.Sprintf("**%s** replayed **%s**: %s", res.Card, res.Applied, res.Description), nil
	}
	return fmt.Sprintf("**%s** played: %s", res.Card, res.Description), nil
}

func (h *Handlers) stationPrice(ctx context.Context, caller *store.Team, o optionSet) (string, error) {
	st, err := h.stations.ResolveStation(ctx, o.str("station"))
	if err != nil {
		return "", err
	}
	price, err := h.stations.GetVisitPrice(ctx, st.ID, caller.ID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Your next visit to **%s** costs %d coins", st.Name, price), nil
}

func (h *Handlers) stationVisit(ctx context.Context, caller *store.Team, o optionSet) (string, error) {
	st, err := h.stations.ResolveStation(ctx, o.str("station"))
	if err != nil {
		return "", err
	}
	res, err := h.stations.VisitStation(ctx, st.ID, caller.ID)
	if err != nil {
		return "", err
	}
	msg := fmt.Sprintf("Visited **%s** for %d coins (balance: %d)", st.Name, res.Price, res.Balance)
	if res.Bypassed {
		msg += ", skip bypassed with " + string(skillcard.VuotTramPhu)
	}
	return msg, nil
}

func (h *Handlers) skip(ctx context.Context, caller *store.Team, o optionSet) (string, error) {
	g, err := h.stations.ResolveGroup(ctx, o.str("group"))
	if err != nil {
		return "", err
	}
	created, err := h.stations.Skip(ctx, caller.ID, g.ID)
	if err != nil {
		return "", err
	}
	if !created {
		return fmt.Sprintf("**%s** was already skipped", g.Name), nil
	}
	return fmt.Sprintf("Skipped **%s**", g.Name), nil
}

func (h *Handlers) unskip(ctx context.Context, caller *store.Team, o optionSet) (string, error) {
	g, err := h.stations.ResolveGroup(ctx, o.str("group"))
	if err != nil {
		return "", err
	}
	target := caller
	if name := o.str("team"); name != "" && name != caller.Username {
		if err := requireAdmin(caller); err != nil {
			return "", err
		}
		if target, err = h.teams.GetByUsername(ctx, name); err != nil {
			return "", err
		}
	}
	waive := o.boolean("waive")
	if waive {
		if err := requireAdmin(caller); err != nil {
			return "", err
		}
	}
	paid, err := h.stations.Unskip(ctx, target.ID, g.ID, waive)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("**%s** reopened for %s (paid %d coins)", g.Name, target.Name, paid), nil
}

func (h *Handlers) award(ctx context.Context, caller *store.Team, o optionSet) (string, error) {
	if err := requireAdmin(caller); err != nil {
		return "", err
	}
	st, err := h.stations.ResolveStation(ctx, o.str("station"))
	if err != nil {
		return "", err
	}
	target, err := h.teams.GetByUsername(ctx, o.str("team"))
	if err != nil {
		return "", err
	}
	reason := o.str("reason")
	if reason == "" {
		reason = "station:" + st.Codename
	}
	amount := o.integer("amount", 0)
	balance, err := h.stations.AwardStationCoins(ctx, st.ID, target.ID, amount, reason)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("**%s**: %+d coins at %s (balance: %d)", target.Name, amount, st.Name, balance), nil
}
