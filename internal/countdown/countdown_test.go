package countdown

import "testing"

func TestRemainingFloorsAtZero(t *testing.T) {
	if got := Remaining(DayMillis, 0, 0); got != DayMillis {
		t.Fatalf("remaining at start = %d", got)
	}
	if got := Remaining(DayMillis, 0, 25*HourMillis); got != 0 {
		t.Fatalf("remaining after window = %d", got)
	}
	if got := Remaining(DayMillis, 1000, 0); got != DayMillis {
		t.Fatalf("remaining before start = %d", got)
	}
}

func TestRemainingIsDurationMinusElapsed(t *testing.T) {
	for _, e := range []int64{0, 1, 999, SecondMillis, HourMillis + 1, DayMillis - 1} {
		if got := Remaining(DayMillis, 5000, 5000+e); got != DayMillis-e {
			t.Fatalf("e=%d remaining=%d", e, got)
		}
	}
}

func TestSplitHasNoDriftOverADayOfTicks(t *testing.T) {
	start := int64(1_700_000_000_000)
	for i := int64(0); i <= 86400; i++ {
		now := start + i*SecondMillis
		rem := Remaining(DayMillis, start, now)
		p := Split(rem)
		if p.Hours*HourMillis+p.Minutes*MinuteMillis+p.Seconds*SecondMillis != rem {
			t.Fatalf("tick %d: %v does not decompose %d", i, p, rem)
		}
		if rem != DayMillis-i*SecondMillis {
			t.Fatalf("tick %d: remaining %d", i, rem)
		}
	}
	if rem := Remaining(DayMillis, start, start+86400*SecondMillis); rem != 0 {
		t.Fatalf("expected zero after 86400 ticks, got %d", rem)
	}
}

func TestSplitString(t *testing.T) {
	p := Split(5*HourMillis + 7*MinuteMillis + 9*SecondMillis + 999)
	if p.String() != "05:07:09" {
		t.Fatalf("unexpected %s", p)
	}
}

func defaultSets() []Set {
	return []Set{
		{MaxDuration: HourMillis, Percents: []int{80, 50, 20}},
		{Percents: []int{75, 50, 25}},
	}
}

func TestPlanSelectsSetByDuration(t *testing.T) {
	plan, err := Plan(DayMillis, defaultSets())
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{18 * HourMillis, 12 * HourMillis, 6 * HourMillis}
	for i, th := range plan {
		if th.Remaining != want[i] {
			t.Fatalf("threshold %d = %d, want %d", i, th.Remaining, want[i])
		}
	}
	short, err := Plan(HourMillis, defaultSets())
	if err != nil {
		t.Fatal(err)
	}
	if short[0].Milestone != 80 || short[2].Milestone != 20 {
		t.Fatalf("short plan %+v", short)
	}
	if _, err := Plan(DayMillis, defaultSets()[:1]); err != ErrNoThresholdSet {
		t.Fatalf("expected ErrNoThresholdSet, got %v", err)
	}
}

func TestEvaluateAroundFirstThreshold(t *testing.T) {
	plan, _ := Plan(DayMillis, defaultSets())
	fired := map[int]bool{}

	due, missed := Evaluate(plan, fired, Remaining(DayMillis, 0, 6*HourMillis-SecondMillis), MinuteMillis)
	if len(due) != 0 || len(missed) != 0 {
		t.Fatalf("nothing should be due before 6h: %v %v", due, missed)
	}
	due, _ = Evaluate(plan, fired, Remaining(DayMillis, 0, 6*HourMillis+SecondMillis), MinuteMillis)
	if len(due) != 1 || due[0].Milestone != 75 {
		t.Fatalf("expected 75 due, got %v", due)
	}
	fired[75] = true
	due, missed = Evaluate(plan, fired, Remaining(DayMillis, 0, 6*HourMillis+MinuteMillis), MinuteMillis)
	if len(due) != 0 || len(missed) != 0 {
		t.Fatalf("nothing else should be due at 6h01m: %v %v", due, missed)
	}
}

func TestEvaluateMarksStaleCrossingsMissed(t *testing.T) {
	plan, _ := Plan(DayMillis, defaultSets())
	due, missed := Evaluate(plan, map[int]bool{}, 11*HourMillis+59*MinuteMillis+30*SecondMillis, MinuteMillis)
	if len(missed) != 1 || missed[0].Milestone != 75 {
		t.Fatalf("expected 75 missed, got %v", missed)
	}
	if len(due) != 1 || due[0].Milestone != 50 {
		t.Fatalf("expected 50 due, got %v", due)
	}
	due, missed = Evaluate(plan, map[int]bool{}, HourMillis, 0)
	if len(due) != 3 || len(missed) != 0 {
		t.Fatalf("zero grace should catch up everything: %v %v", due, missed)
	}
}
