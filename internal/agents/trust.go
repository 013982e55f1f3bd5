package agents

// scoreWeightTenths is how much, in tenths, the latest success rate weighs
// against the previous score.
const scoreWeightTenths = 9

// NextTrustScore returns the trust score once an outcome has been counted.
// successful and total already include that outcome.
//
// The first outcome sets the score to the raw success rate. Later outcomes
// blend the previous score with the success rate (exponential moving
// average, α = 0.9), so three successes then one failure land on 7750.
// The result always lies in [0, MaxTrustScore].
func NextTrustScore(current int, successful, total int64) int {
	if total <= 0 {
		return clampScore(current)
	}
	if successful > total {
		successful = total
	}
	rate := int(successful * MaxTrustScore / total)
	if total == 1 {
		return clampScore(rate)
	}
	next := (clampScore(current)*(10-scoreWeightTenths) + rate*scoreWeightTenths) / 10
	return clampScore(next)
}

func clampScore(score int) int {
	switch {
	case score < 0:
		return 0
	case score > MaxTrustScore:
		return MaxTrustScore
	default:
		return score
	}
}
