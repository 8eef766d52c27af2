package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jensholdgaard/techrun/internal/clock"
	"github.com/jensholdgaard/techrun/internal/store"
	"github.com/jensholdgaard/techrun/internal/store/sqlite"
	"github.com/jensholdgaard/techrun/internal/store/storetest"
)

func openTemp(t *testing.T, clk clock.Clock) *store.Repositories {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "techrun.db"), clk)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	repos := s.Repositories()
	t.Cleanup(func() { repos.Closer.Close() })
	return repos
}

func TestSQLite(t *testing.T) {
	storetest.Run(t, func(t *testing.T) *store.Repositories {
		return openTemp(t, clock.Real())
	})
}

func TestOpen_RequiresPath(t *testing.T) {
	if _, err := sqlite.Open(context.Background(), " ", clock.Real()); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestOpen_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "techrun.db")

	first, err := sqlite.Open(ctx, path, clock.Real())
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	repos := first.Repositories()
	team := storetest.NewTeam(t, repos, "team-persist", 30)
	repos.Closer.Close()

	second, err := sqlite.Open(ctx, path, clock.Real())
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	reopened := second.Repositories()
	defer reopened.Closer.Close()

	got, err := reopened.Teams.GetByID(ctx, team.ID)
	if err != nil {
		t.Fatalf("GetByID after reopen: %v", err)
	}
	if got.Coins != 30 {
		t.Errorf("Coins = %d, want 30", got.Coins)
	}
}

func TestSQLite_TimestampsRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 14, 19, 30, 15, 0, time.UTC)
	repos := openTemp(t, clock.NewMock(now))
	team := storetest.NewTeam(t, repos, "team-time", 0)

	got, err := repos.Teams.GetByID(context.Background(), team.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, now)
	}
}

func TestSQLite_ForeignKeys(t *testing.T) {
	repos := openTemp(t, clock.Real())
	err := repos.Skips.Create(context.Background(), &store.Skip{TeamID: "ghost", StationGroupID: "nowhere"})
	if err == nil {
		t.Fatal("skip for unknown team was accepted")
	}
	if errors.Is(err, store.ErrDuplicate) {
		t.Errorf("foreign key failure reported as duplicate: %v", err)
	}
}
