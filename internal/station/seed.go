package station

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"

	"go.opentelemetry.io/otel/attribute"

	"github.com/jensholdgaard/techrun/internal/store"
)

// SystemGroup holds the station used for manual coin corrections.
const SystemGroup = "system"

type seedStation struct {
	name, codename string
	difficulty     store.Difficulty
}

type seedGroup struct {
	name, codename, position string
	stations                 []seedStation
}

var catalogue = []seedGroup{
	{"System use only", SystemGroup, "KHTN_THSG", []seedStation{
		{"System use only", "system", store.Easy},
	}},
	{"Blockchain", "blockchain", "THSG", []seedStation{
		{`Block "Train"`, "blocktrain", store.Hard},
		{"Vòng lặp trái cây", "vong-lap-trai-cay", store.Easy},
		{"Hành động đẹp", "hanh-dong-dep", store.Easy},
	}},
	{"An toàn mạng", "an-toan-mang", "KHTN", []seedStation{
		{"Bảo vệ dữ liệu", "bao-ve-du-lieu", store.Medium},
		{"Giả danh cao thủ", "gia-danh-cao-thu", store.Medium},
		{"Mật khẩu thép", "mat-khau-thep", store.Medium},
	}},
	{"Bigdata", "bigdata", "KHTN", []seedStation{
		{"Tên miền dễ thương", "ten-mien-de-thuong", store.Easy},
		{"Thám tử lật mặt", "tham-tu-lat-mat", store.Hard},
		{"Siêu trí tuệ", "sieu-tri-tue", store.Medium},
	}},
	{"Bí ẩn số", "bi-an-so", "KHTN_THSG", []seedStation{
		{"Giải mã 2 lớp", "giai-ma-2-lop", store.Hard},
		{"Mật mã toạ độ", "mat-ma-toa-do", store.Hard},
		{"Mảnh vỡ mật khẩu", "manh-vo-mat-khau", store.Hard},
		{"Chip gà vượt phố", "chip-ga-vuot-pho", store.Hard},
	}},
	{"Minigame station", "minigame-station", "THSG", []seedStation{
		{"Giải cứu thanh long", "giai-cuu-thanh-long", store.Easy},
		{"Thử thách mặt mo", "thu-thach-mat-mo", store.Easy},
		{"Paper pipeline", "paper-pipeline", store.Medium},
		{"7 ngày ấm áp", "7-ngay-am-ap", store.Easy},
		{"Xếp logo", "xep-logo", store.Medium},
		{"Đừng để bỏng rơi", "dung-de-bong-roi", store.Medium},
		{"Domino tử tế", "domino-tu-te", store.Medium},
		{"Lời chúc du hành", "loi-chuc-du-hanh", store.Easy},
		{"Đồng lòng về đích", "dong-long-ve-dich", store.Easy},
		{"Lầy lội léo lưỡi", "lay-loi-leo-luoi", store.Medium},
		{"Khéo miệng", "kheo-mieng", store.Hard},
		{"Tia chớp tái chế", "tia-chop-tai-che", store.Hard},
		{"Rác nào đúng gu?", "rac-nao-dung-gu", store.Medium},
		{"Xếp câu đố", "xep-cau-do", store.Easy},
		{"Bấm máy là quen", "bam-may-la-quen", store.Easy},
	}},
}

// Seed creates the default station groups and stations unless groups
// already exist. It returns the created stations, PINs included, so they
// can be handed to station masters.
func (m *Manager) Seed(ctx context.Context) ([]store.Station, error) {
	ctx, span := m.tracer.Start(ctx, "Manager.Seed")
	defer span.End()

	existing, err := m.stations.ListGroups(ctx)
	if err != nil {
		return nil, fail(span, fmt.Errorf("listing groups: %w", err))
	}
	if len(existing) > 0 {
		m.logger.InfoContext(ctx, "stations already seeded", slog.Int("groups", len(existing)))
		return nil, nil
	}

	var created []store.Station
	for _, g := range catalogue {
		group := &store.StationGroup{Name: g.name, Codename: g.codename, Position: g.position}
		if err := m.stations.CreateGroup(ctx, group); err != nil {
			return created, fail(span, fmt.Errorf("creating group %s: %w", g.codename, err))
		}
		for _, s := range g.stations {
			pin, err := newPin()
			if err != nil {
				return created, fail(span, err)
			}
			st := &store.Station{
				Name:       s.name,
				Codename:   s.codename,
				Difficulty: s.difficulty,
				GroupID:    group.ID,
				Pin:        pin,
			}
			if err := m.stations.CreateStation(ctx, st); err != nil {
				return created, fail(span, fmt.Errorf("creating station %s: %w", s.codename, err))
			}
			created = append(created, *st)
		}
	}

	span.SetAttributes(attribute.Int("stations", len(created)))
	m.logger.InfoContext(ctx, "stations seeded",
		slog.Int("groups", len(catalogue)),
		slog.Int("stations", len(created)),
	)
	return created, nil
}

// newPin returns a random four-digit PIN.
func newPin() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		return "", fmt.Errorf("generating PIN: %w", err)
	}
	return fmt.Sprintf("%04d", 1000+n.Int64()), nil
}
