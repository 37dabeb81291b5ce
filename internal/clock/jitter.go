package clock

// jitterSteps interleaves the two halves of [0, 1] so that consecutive draws
// land far apart: 0, .5, .05, .55, ... .45, .95, 1.
var jitterSteps = func() []float64 {
	steps := make([]float64, 0, 21)
	for i := 0; i < 10; i++ {
		steps = append(steps, float64(i)/20, 0.5+float64(i)/20)
	}
	return append(steps, 1)
}()

// Jitter is a deterministic sequence used to spread scheduled work across an
// interval. It is deliberately not random so that runs replay exactly.
type Jitter struct {
	last int
}

// Next returns the next fraction in [0, 1].
func (j *Jitter) Next() float64 {
	j.last++
	if j.last == len(jitterSteps) {
		j.last = 0
	}
	return jitterSteps[j.last]
}

// Within returns a jittered point in [lo, hi].
func (j *Jitter) Within(lo, hi Time) Time {
	return lo + Time(j.Next())*(hi-lo)
}

// Reset restarts the sequence.
func (j *Jitter) Reset() { j.last = 0 }
