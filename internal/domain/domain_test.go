package domain

import (
	"testing"
	"time"
)

func TestParseDeadlineForms(t *testing.T) {
	cases := []struct {
		in         string
		date       string
		start, end string
	}{
		{"2025-03-01", "2025-03-01", "", ""},
		{"2025-03-01, 09:00–17:00", "2025-03-01", "09:00", "17:00"},
		{"2025-03-01 9:00-17:30", "2025-03-01", "09:00", "17:30"},
		{"01.03.2025, 09:00—17:00", "2025-03-01", "09:00", "17:00"},
	}
	for _, c := range cases {
		d, err := ParseDeadline(c.in)
		if err != nil {
			t.Fatalf("parse %q: %v", c.in, err)
		}
		if d.Date != c.date {
			t.Fatalf("%q: date %s want %s", c.in, d.Date, c.date)
		}
		if c.start == "" {
			if d.Start != nil || d.End != nil {
				t.Fatalf("%q: expected no window", c.in)
			}
			continue
		}
		if d.Start == nil || *d.Start != c.start || d.End == nil || *d.End != c.end {
			t.Fatalf("%q: window %v-%v", c.in, d.Start, d.End)
		}
	}
}

func TestParseDeadlineRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "tomorrow", "2025-13-01", "2025-03-01, 17:00-09:00", "2025-03-01, 25:00-26:00"} {
		if _, err := ParseDeadline(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestDeadlineCutoff(t *testing.T) {
	d, _ := ParseDeadline("2025-03-01, 09:00-17:00")
	cut, err := d.Cutoff(time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if !cut.Equal(time.Date(2025, 3, 1, 17, 0, 0, 0, time.UTC)) {
		t.Fatalf("cutoff %v", cut)
	}
	d, _ = ParseDeadline("2025-03-01")
	cut, _ = d.Cutoff(time.UTC)
	if !cut.Equal(time.Date(2025, 3, 2, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("date-only cutoff %v", cut)
	}
}

func TestRecipientLatticeOnlyMovesForward(t *testing.T) {
	if !CanAdvanceRecipient(RecipientPending, RecipientSent) {
		t.Fatalf("pending -> sent should be allowed")
	}
	if !CanAdvanceRecipient(RecipientSent, RecipientOpened) {
		t.Fatalf("sent -> opened should be allowed")
	}
	for _, bad := range [][2]string{
		{RecipientSent, RecipientPending},
		{RecipientOpened, RecipientDelivered},
		{RecipientClicked, RecipientOpened},
		{RecipientFailed, RecipientSent},
		{RecipientDelivered, RecipientFailed},
	} {
		if CanAdvanceRecipient(bad[0], bad[1]) {
			t.Fatalf("%s -> %s should be refused", bad[0], bad[1])
		}
	}
}
