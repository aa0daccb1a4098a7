package playback

import (
	"sort"
	"sync"
	"time"
)

// Pose is a mouth blend shape driven by visemes.
type Pose string

const (
	PoseAa Pose = "aa"
	PoseIh Pose = "ih"
	PoseOu Pose = "ou"
	PoseEe Pose = "ee"
	PoseOh Pose = "oh"
)

// Poses lists every blend shape the animator drives, in output order.
var Poses = []Pose{PoseAa, PoseIh, PoseOu, PoseEe, PoseOh}

const DefaultCrossfade = 100 * time.Millisecond

type poseTarget struct {
	pose      Pose
	intensity float64
}

// Ids 0 (silence) and 21 (closed lips) have no entry: they relax every pose.
var visemePoses = map[int]poseTarget{
	2:  {PoseAa, 1.0},
	11: {PoseAa, 0.9},
	9:  {PoseAa, 0.8},
	6:  {PoseIh, 0.9},
	15: {PoseIh, 0.6},
	16: {PoseIh, 0.6},
	17: {PoseIh, 0.5},
	19: {PoseIh, 0.5},
	4:  {PoseEe, 0.8},
	1:  {PoseEe, 0.6},
	18: {PoseEe, 0.6},
	14: {PoseEe, 0.5},
	7:  {PoseOu, 0.8},
	8:  {PoseOh, 0.9},
	3:  {PoseOh, 0.9},
	10: {PoseOh, 0.8},
	13: {PoseOh, 0.4},
	20: {PoseOh, 0.6},
}

// PoseFor returns the pose and intensity of a viseme id. ok is false for ids
// that close the mouth.
func PoseFor(visemeID int) (Pose, float64, bool) {
	t, ok := visemePoses[visemeID]
	return t.pose, t.intensity, ok
}

// Ease is the quadratic ease-in-out curve over p in [0, 1].
func Ease(p float64) float64 {
	if p <= 0 {
		return 0
	}
	if p >= 1 {
		return 1
	}
	if p < 0.5 {
		return 2 * p * p
	}
	q := -2*p + 2
	return 1 - q*q/2
}

// Weights holds the current value of every pose.
type Weights map[Pose]float64

func (w Weights) clone() Weights {
	out := make(Weights, len(Poses))
	for _, p := range Poses {
		out[p] = w[p]
	}
	return out
}

type animation struct {
	at      time.Time
	viseme  int
	seq     uint64
	from    Weights
	started bool
}

// Animator blends pose weights toward the targets of scheduled visemes.
type Animator struct {
	crossfade time.Duration

	mu      sync.Mutex
	weights Weights
	pending []*animation
	seq     uint64
}

func NewAnimator(crossfade time.Duration) *Animator {
	if crossfade <= 0 {
		crossfade = DefaultCrossfade
	}
	return &Animator{crossfade: crossfade, weights: Weights{}.clone()}
}

func (a *Animator) Crossfade() time.Duration { return a.crossfade }

// Schedule queues a blend toward visemeID's pose starting at at.
func (a *Animator) Schedule(at time.Time, visemeID int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seq++
	a.pending = append(a.pending, &animation{at: at, viseme: visemeID, seq: a.seq})
}

// Tick advances every due animation to now and returns the resulting weights.
// An animation captures the weights it starts from on its first due tick and
// is removed once its blend completes.
func (a *Animator) Tick(now time.Time) Weights {
	a.mu.Lock()
	defer a.mu.Unlock()

	sort.SliceStable(a.pending, func(i, j int) bool {
		if a.pending[i].at.Equal(a.pending[j].at) {
			return a.pending[i].seq < a.pending[j].seq
		}
		return a.pending[i].at.Before(a.pending[j].at)
	})

	kept := a.pending[:0]
	for _, an := range a.pending {
		if now.Before(an.at) {
			kept = append(kept, an)
			continue
		}
		if !an.started {
			an.from = a.weights.clone()
			an.started = true
		}
		p := float64(now.Sub(an.at)) / float64(a.crossfade)
		if p > 1 {
			p = 1
		}
		e := Ease(p)
		target, intensity, ok := PoseFor(an.viseme)
		for _, pose := range Poses {
			to := 0.0
			if ok && pose == target {
				to = intensity
			}
			from := an.from[pose]
			a.weights[pose] = from + (to-from)*e
		}
		if p < 1 {
			kept = append(kept, an)
		}
	}
	for i := len(kept); i < len(a.pending); i++ {
		a.pending[i] = nil
	}
	a.pending = kept
	return a.weights.clone()
}

// Pending reports how many animations have not completed yet.
func (a *Animator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// Reset drops pending animations and relaxes every pose.
func (a *Animator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = nil
	a.weights = Weights{}.clone()
}
