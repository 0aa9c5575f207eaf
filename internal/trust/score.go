package trust

import "math"

const (
	weightSelf   = 0.4
	weightPeer   = 0.4
	weightGossip = 0.2
)

// CalculateTrustScore combines self trust, the mean peer score and gossip
// agreement. The result is halved when fewer than MinPeerReviews(scope)
// peer scores are supplied, and is always within [0,1]. NaN inputs count
// as zero.
func CalculateTrustScore(selfTrust float64, peerScores []float64, gossipAgreement float64, scope Scope) float64 {
	var peerAvg float64
	if len(peerScores) > 0 {
		var sum float64
		for _, p := range peerScores {
			sum += finiteOrZero(p)
		}
		peerAvg = sum / float64(len(peerScores))
	}

	score := weightSelf*finiteOrZero(selfTrust) + weightPeer*peerAvg + weightGossip*finiteOrZero(gossipAgreement)
	if len(peerScores) < MinPeerReviews(scope) {
		score *= 0.5
	}
	if math.IsNaN(score) {
		return 0
	}
	return math.Max(0, math.Min(1, score))
}

// VerifyIdentityAssurance reports whether score passes the default WAU
// threshold for scope.
func VerifyIdentityAssurance(score float64, scope Scope) bool {
	return DefaultThresholds().Assured(score, scope)
}

func finiteOrZero(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}
