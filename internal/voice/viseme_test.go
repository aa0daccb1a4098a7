package voice

import "testing"

func TestVisemesFromAlignment(t *testing.T) {
	chars := []string{"s", "h", "e", " ", "m", "m"}
	starts := []float64{0, 10, 20, 30, 40, 50}

	got := VisemesFromAlignment(chars, starts, 1000)
	want := []Viseme{
		{ID: 16, Offset: 1000, Animation: "sh"},
		{ID: 12, Offset: 1000 + 10*TicksPerMillisecond, Animation: "h"},
		{ID: 4, Offset: 1000 + 20*TicksPerMillisecond, Animation: "eh"},
		{ID: 0, Offset: 1000 + 30*TicksPerMillisecond, Animation: "sil"},
		{ID: 21, Offset: 1000 + 40*TicksPerMillisecond, Animation: "p"},
	}
	if len(got) != len(want) {
		t.Fatalf("len(visemes) = %d, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("visemes[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestVisemeLabelUnknown(t *testing.T) {
	if got := VisemeLabel(99); got != "" {
		t.Fatalf("VisemeLabel(99) = %q, want empty", got)
	}
	if got := VisemeLabel(21); got != "p" {
		t.Fatalf("VisemeLabel(21) = %q, want %q", got, "p")
	}
}
