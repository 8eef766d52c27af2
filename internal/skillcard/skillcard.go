// Package skillcard defines the collectible skill cards and the table that
// maps each card to the kind of effect activating it produces.
package skillcard

import (
	"fmt"
	"strings"

	"github.com/jensholdgaard/techrun/internal/apperr"
)

// Kind identifies a skill card.
type Kind string

const (
	LagMay        Kind = "lag_may"
	DongBo        Kind = "dong_bo"
	NgoiSaoHiVong Kind = "ngoi_sao_hi_vong"
	TangGoiY      Kind = "tang_goi_y"
	Gamble        Kind = "gamble"
	HoiSinh       Kind = "hoi_sinh"
	VuotTramPhu   Kind = "vuot_tram_phu"
)

// Action is recorded in the skill card history.
type Action string

const (
	ActionAdded   Action = "added"
	ActionUsed    Action = "used"
	ActionRemoved Action = "removed"
)

// EffectType classifies what happens when a card is activated.
type EffectType int

const (
	// Immediate effects are carried out by the game master when announced;
	// the ledger only records the usage.
	Immediate EffectType = iota
	// DeferredFlag effects park the card in the team's active effects until
	// a triggering operation consumes it.
	DeferredFlag
	// HistoryReplay effects re-activate the team's previously used card.
	HistoryReplay
)

func (e EffectType) String() string {
	switch e {
	case Immediate:
		return "immediate"
	case DeferredFlag:
		return "deferred"
	case HistoryReplay:
		return "replay"
	default:
		return fmt.Sprintf("EffectType(%d)", int(e))
	}
}

// Effect describes a card's behaviour.
type Effect struct {
	Type        EffectType
	Description string
}

var effects = map[Kind]Effect{
	LagMay:        {Immediate, "freezes another team's device for a round"},
	DongBo:        {HistoryReplay, "replays the team's most recently used card"},
	NgoiSaoHiVong: {DeferredFlag, "triples the next coin gain at a minigame station"},
	TangGoiY:      {Immediate, "grants an extra puzzle hint"},
	Gamble:        {Immediate, "doubles or loses the stake of the next challenge"},
	HoiSinh:       {DeferredFlag, "waives the next unskip fee"},
	VuotTramPhu:   {DeferredFlag, "lets the team visit a station in a skipped group once"},
}

// ErrUnknown is returned for card identifiers outside the catalogue.
var ErrUnknown = apperr.New(apperr.ErrInvalidArgument, "unknown skill card")

// EffectOf returns the effect descriptor of k.
func EffectOf(k Kind) (Effect, bool) {
	e, ok := effects[k]
	return e, ok
}

// Parse validates a card identifier, accepting either case.
func Parse(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := effects[k]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknown, s)
	}
	return k, nil
}

// Valid reports whether k is a known card.
func (k Kind) Valid() bool {
	_, ok := effects[k]
	return ok
}

// All returns every card in catalogue order.
func All() []Kind {
	return []Kind{LagMay, DongBo, NgoiSaoHiVong, TangGoiY, Gamble, HoiSinh, VuotTramPhu}
}

// Contains reports whether k occurs in ks.
func Contains(ks []Kind, k Kind) bool {
	for _, c := range ks {
		if c == k {
			return true
		}
	}
	return false
}

// RemoveOne returns ks without its first occurrence of k.
func RemoveOne(ks []Kind, k Kind) ([]Kind, bool) {
	for i, c := range ks {
		if c == k {
			out := make([]Kind, 0, len(ks)-1)
			out = append(out, ks[:i]...)
			return append(out, ks[i+1:]...), true
		}
	}
	return ks, false
}
