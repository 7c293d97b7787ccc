package tools

import "time"

// FrameSamples is the number of PCM samples covering duration at the given
// rate and channel count.
func FrameSamples(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds() * float64(channels) * float64(rate))
}
