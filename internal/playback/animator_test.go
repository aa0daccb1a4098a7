package playback

import (
	"math"
	"testing"
	"time"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestEaseCurve(t *testing.T) {
	cases := map[float64]float64{
		-1:   0,
		0:    0,
		0.25: 0.125,
		0.5:  0.5,
		0.75: 0.875,
		1:    1,
		2:    1,
	}
	for p, want := range cases {
		if got := Ease(p); !approx(got, want) {
			t.Fatalf("Ease(%v) = %v, want %v", p, got, want)
		}
	}
}

func TestPoseTable(t *testing.T) {
	pose, intensity, ok := PoseFor(2)
	if !ok || pose != PoseAa || intensity != 1.0 {
		t.Fatalf("PoseFor(2) = %s %v %v", pose, intensity, ok)
	}
	pose, intensity, ok = PoseFor(13)
	if !ok || pose != PoseOh || intensity != 0.4 {
		t.Fatalf("PoseFor(13) = %s %v %v", pose, intensity, ok)
	}
	for _, id := range []int{0, 21, 99} {
		if _, _, ok := PoseFor(id); ok {
			t.Fatalf("PoseFor(%d) should have no pose", id)
		}
	}
}

func TestAnimatorBlendsTowardTarget(t *testing.T) {
	t0 := time.Unix(100, 0)
	a := NewAnimator(100 * time.Millisecond)
	a.Schedule(t0, 2)

	if w := a.Tick(t0.Add(-time.Millisecond)); w[PoseAa] != 0 {
		t.Fatalf("aa before deadline = %v, want 0", w[PoseAa])
	}
	if w := a.Tick(t0.Add(50 * time.Millisecond)); !approx(w[PoseAa], 0.5) {
		t.Fatalf("aa at half crossfade = %v, want 0.5", w[PoseAa])
	}
	w := a.Tick(t0.Add(100 * time.Millisecond))
	if !approx(w[PoseAa], 1) {
		t.Fatalf("aa after crossfade = %v, want 1", w[PoseAa])
	}
	if a.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0 after completion", a.Pending())
	}

	// A closing viseme relaxes every pose from where the last blend left it.
	t1 := t0.Add(time.Second)
	a.Schedule(t1, 21)
	if w := a.Tick(t1.Add(25 * time.Millisecond)); !approx(w[PoseAa], 1-0.125) {
		t.Fatalf("aa while closing = %v, want 0.875", w[PoseAa])
	}
	w = a.Tick(t1.Add(200 * time.Millisecond))
	for _, p := range Poses {
		if w[p] != 0 {
			t.Fatalf("pose %s = %v after closing, want 0", p, w[p])
		}
	}
}

func TestAnimatorSwitchesPoses(t *testing.T) {
	t0 := time.Unix(100, 0)
	a := NewAnimator(0)
	if a.Crossfade() != DefaultCrossfade {
		t.Fatalf("Crossfade() = %v, want default", a.Crossfade())
	}
	a.Schedule(t0, 8)
	a.Tick(t0.Add(100 * time.Millisecond))
	a.Schedule(t0.Add(100*time.Millisecond), 6)
	w := a.Tick(t0.Add(200 * time.Millisecond))
	if !approx(w[PoseIh], 0.9) || w[PoseOh] != 0 {
		t.Fatalf("weights = %v, want ih=0.9 oh=0", w)
	}
}

func TestAnimatorReset(t *testing.T) {
	t0 := time.Unix(100, 0)
	a := NewAnimator(50 * time.Millisecond)
	a.Schedule(t0, 4)
	a.Schedule(t0.Add(time.Second), 7)
	a.Tick(t0.Add(50 * time.Millisecond))
	a.Reset()
	if a.Pending() != 0 {
		t.Fatalf("Pending() = %d after Reset", a.Pending())
	}
	if w := a.Tick(t0.Add(2 * time.Second)); w[PoseEe] != 0 || w[PoseOu] != 0 {
		t.Fatalf("weights after Reset = %v", w)
	}
}
