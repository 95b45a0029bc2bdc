package identity

// Warm-up ramp: a fixed 7-step table mapping warm-up day to daily
// limits. Kept as data (not arithmetic) so the quota progression is
// reviewable and testable in isolation from calendar logic.
//
// The generate bucket is enforced for any caller that selects an
// identity for generation; the built-in runners generate without an
// identity, so for them only collect and post draw down.
var warmupRamp = [7]map[ActivityType]int{
	{ActivityCollect: 5, ActivityGenerate: 3, ActivityPost: 2},    // day 1
	{ActivityCollect: 8, ActivityGenerate: 5, ActivityPost: 3},    // day 2
	{ActivityCollect: 12, ActivityGenerate: 8, ActivityPost: 5},   // day 3
	{ActivityCollect: 16, ActivityGenerate: 10, ActivityPost: 6},  // day 4
	{ActivityCollect: 20, ActivityGenerate: 13, ActivityPost: 8},  // day 5
	{ActivityCollect: 25, ActivityGenerate: 16, ActivityPost: 10}, // day 6
	{ActivityCollect: 30, ActivityGenerate: 20, ActivityPost: 12}, // day 7
}

// standardLimits apply once an identity finishes warm-up (or is
// imported pre-warmed).
var standardLimits = map[ActivityType]int{
	ActivityCollect:  40,
	ActivityGenerate: 25,
	ActivityPost:     15,
}

// RampLimits returns a copy of the limits for the given warm-up day.
// Days outside 1..7 clamp to the nearest step.
func RampLimits(day int) map[ActivityType]int {
	if day < 1 {
		day = 1
	}
	if day > 7 {
		day = 7
	}
	return copyLimits(warmupRamp[day-1])
}

// StandardLimits returns a copy of the post-warm-up limits.
func StandardLimits() map[ActivityType]int {
	return copyLimits(standardLimits)
}

func copyLimits(src map[ActivityType]int) map[ActivityType]int {
	dst := make(map[ActivityType]int, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
