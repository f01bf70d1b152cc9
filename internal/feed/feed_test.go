package feed

import (
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/star/kessler/internal/risk"
	"github.com/star/kessler/internal/screening"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

var feedEpoch = time.Date(2026, time.March, 14, 12, 0, 0, 0, time.UTC)

func TestLogAppendAndSince(t *testing.T) {
	log := NewLog("alerts", 8, testLogger())

	for i := 1; i <= 3; i++ {
		ev, err := log.Append(TypeAlert, feedEpoch, map[string]int{"n": i})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if ev.Seq != uint64(i) {
			t.Fatalf("seq = %d, want %d", ev.Seq, i)
		}
	}

	all := log.Since(0)
	if len(all) != 3 {
		t.Fatalf("Since(0) returned %d events, want 3", len(all))
	}
	for i, ev := range all {
		if ev.Seq != uint64(i+1) {
			t.Errorf("event %d has seq %d, want ascending from 1", i, ev.Seq)
		}
	}

	tail := log.Since(2)
	if len(tail) != 1 || tail[0].Seq != 3 {
		t.Errorf("Since(2) = %+v, want only seq 3", tail)
	}
	if got := log.LatestSeq(); got != 3 {
		t.Errorf("LatestSeq = %d, want 3", got)
	}
	if len(log.Since(99)) != 0 {
		t.Error("Since past the head should be empty")
	}
}

func TestLogRingEviction(t *testing.T) {
	log := NewLog("alerts", 4, testLogger())
	for i := 1; i <= 6; i++ {
		if _, err := log.Append(TypeAlert, feedEpoch, i); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	got := log.Since(0)
	if len(got) != 4 {
		t.Fatalf("retained %d events, want 4", len(got))
	}
	for i, ev := range got {
		if want := uint64(i + 3); ev.Seq != want {
			t.Errorf("retained[%d].Seq = %d, want %d (oldest evicted)", i, ev.Seq, want)
		}
	}
}

func TestLogSubscribe(t *testing.T) {
	log := NewLog("plans", 8, testLogger())
	ch, cancel := log.Subscribe(4)

	if _, err := log.Append(TypePlan, feedEpoch, "one"); err != nil {
		t.Fatalf("Append: %v", err)
	}

	select {
	case ev := <-ch:
		if ev.Seq != 1 || ev.Type != TypePlan {
			t.Errorf("received %+v, want seq 1 plan event", ev)
		}
		var payload string
		if err := json.Unmarshal(ev.Data, &payload); err != nil || payload != "one" {
			t.Errorf("payload = %q (err %v), want \"one\"", payload, err)
		}
	case <-time.After(time.Second):
		t.Fatal("no live delivery within 1s")
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel still open after cancel")
	}

	// Appends after cancel must not panic or block.
	if _, err := log.Append(TypePlan, feedEpoch, "two"); err != nil {
		t.Fatalf("Append after cancel: %v", err)
	}
}

func TestLogLaggingSubscriber(t *testing.T) {
	log := NewLog("alerts", 8, testLogger())
	ch, cancel := log.Subscribe(1)
	defer cancel()

	for i := 0; i < 3; i++ {
		if _, err := log.Append(TypeAlert, feedEpoch, i); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	if got := log.Dropped(); got != 2 {
		t.Errorf("Dropped = %d, want 2 (buffer of one, three appends)", got)
	}
	// The subscriber still holds the first event and can repair the gap.
	ev := <-ch
	if ev.Seq != 1 {
		t.Errorf("buffered event seq = %d, want 1", ev.Seq)
	}
	if replay := log.Since(ev.Seq); len(replay) != 2 {
		t.Errorf("gap replay returned %d events, want 2", len(replay))
	}
}

func TestAlertIDStableAcrossCycles(t *testing.T) {
	base := AlertID("SAT-A|SAT-B", feedEpoch.Add(time.Minute))

	if got := AlertID("SAT-A|SAT-B", feedEpoch.Add(8*time.Minute)); got != base {
		t.Errorf("TCA drift inside the bucket changed the alert ID: %s vs %s", got, base)
	}
	if got := AlertID("SAT-A|SAT-B", feedEpoch.Add(11*time.Minute)); got == base {
		t.Error("TCA in the next bucket should mint a new alert ID")
	}
	if got := AlertID("SAT-A|SAT-C", feedEpoch.Add(time.Minute)); got == base {
		t.Error("different pair should mint a new alert ID")
	}
}

func TestNewAlert(t *testing.T) {
	cr := risk.CollisionRisk{
		Conjunction: screening.Conjunction{
			ObjectA: "DEB-X",
			ObjectB: "SAT-A",
			TCA:     feedEpoch.Add(time.Hour),
		},
		Probability: 3e-4,
		Tier:        risk.TierAction,
	}
	alert := NewAlert(7, cr)
	if alert.Cycle != 7 {
		t.Errorf("cycle = %d, want 7", alert.Cycle)
	}
	if alert.ID != AlertID("DEB-X|SAT-A", cr.Conjunction.TCA) {
		t.Errorf("alert ID not derived from pair and TCA bucket")
	}
	if alert.Risk.Probability != cr.Probability {
		t.Errorf("risk not carried through")
	}
}
