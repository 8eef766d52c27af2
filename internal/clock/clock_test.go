package clock_test

import (
	"testing"
	"time"

	"github.com/jensholdgaard/techrun/internal/clock"
)

func TestReal(t *testing.T) {
	c := clock.Real()
	before := time.Now()
	got := c.Now()
	after := time.Now()

	if got.Before(before) || got.After(after) {
		t.Errorf("Real().Now() = %v, want between %v and %v", got, before, after)
	}
}

func TestMock_Advance(t *testing.T) {
	fixed := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	m := clock.NewMock(fixed)

	if got := m.Now(); !got.Equal(fixed) {
		t.Fatalf("Now() = %v, want %v", got, fixed)
	}
	m.Advance(90 * time.Second)
	if got, want := m.Now(), fixed.Add(90*time.Second); !got.Equal(want) {
		t.Errorf("after Advance, Now() = %v, want %v", got, want)
	}
}

func TestNowUTC(t *testing.T) {
	loc := time.FixedZone("ICT", 7*60*60)
	m := clock.NewMock(time.Date(2026, 3, 14, 16, 0, 0, 1500, loc))

	got := clock.NowUTC(m)
	if got.Location() != time.UTC {
		t.Errorf("location = %v, want UTC", got.Location())
	}
	if got.Nanosecond()%1000 != 0 {
		t.Errorf("nanoseconds = %d, want microsecond precision", got.Nanosecond())
	}
	if got.Hour() != 9 {
		t.Errorf("hour = %d, want 9", got.Hour())
	}
}
