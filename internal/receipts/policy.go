package receipts

import (
	"fmt"
	"strings"
)

// DuplicatePolicy decides how the embedding similarity and the image
// comparison verdict combine into a duplicate decision.
type DuplicatePolicy string

const (
	// PolicyVerdict trusts the image comparison alone.
	PolicyVerdict DuplicatePolicy = "verdict"
	// PolicyEmbedding trusts the similarity threshold alone.
	PolicyEmbedding DuplicatePolicy = "embedding"
	// PolicyBoth requires both signals to agree.
	PolicyBoth DuplicatePolicy = "both"
)

// ParsePolicy validates a policy name. Empty selects [PolicyVerdict].
func ParsePolicy(s string) (DuplicatePolicy, error) {
	switch p := DuplicatePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case "":
		return PolicyVerdict, nil
	case PolicyVerdict, PolicyEmbedding, PolicyBoth:
		return p, nil
	default:
		return "", fmt.Errorf("unknown duplicate policy %q (valid: verdict, embedding, both)", s)
	}
}

// IsAffirmative reports whether a comparison verdict says the receipts
// are duplicates, i.e. it starts with YES.
func IsAffirmative(verdict string) bool {
	v := strings.TrimLeft(strings.ToUpper(strings.TrimSpace(verdict)), "*\"'`")
	return strings.HasPrefix(v, "YES")
}

// Decide applies the policy.
func (p DuplicatePolicy) Decide(verdict string, similarity, threshold float64) bool {
	byEmbedding := similarity >= threshold
	switch p {
	case PolicyEmbedding:
		return byEmbedding
	case PolicyBoth:
		return byEmbedding && IsAffirmative(verdict)
	default:
		return IsAffirmative(verdict)
	}
}
