package contracts

import "fmt"

// ConsensusLevel grades how much agreement a motion demands. It is
// derived from the supporter count at proposal time and never mutated.
type ConsensusLevel string

const (
	ConsensusSingle   ConsensusLevel = "SINGLE"
	ConsensusLow      ConsensusLevel = "LOW"
	ConsensusMedium   ConsensusLevel = "MEDIUM"
	ConsensusHigh     ConsensusLevel = "HIGH"
	ConsensusCritical ConsensusLevel = "CRITICAL"
)

// consensusOrder ranks levels for monotonicity checks.
var consensusOrder = map[ConsensusLevel]int{
	ConsensusSingle:   0,
	ConsensusLow:      1,
	ConsensusMedium:   2,
	ConsensusHigh:     3,
	ConsensusCritical: 4,
}

// ConsensusLevels returns all levels from weakest to strongest.
func ConsensusLevels() []ConsensusLevel {
	return []ConsensusLevel{ConsensusSingle, ConsensusLow, ConsensusMedium, ConsensusHigh, ConsensusCritical}
}

// KnownConsensusLevel reports whether l is one of the five levels.
func KnownConsensusLevel(l ConsensusLevel) bool {
	_, ok := consensusOrder[l]
	return ok
}

// DeriveConsensusLevel maps a supporter count to its level:
// 1 → SINGLE, 2–3 → LOW, 4–7 → MEDIUM, 8–15 → HIGH, 16+ → CRITICAL.
// The bands partition the positive integers, so derivation never ties.
func DeriveConsensusLevel(supporters int) (ConsensusLevel, error) {
	switch {
	case supporters < 1:
		return "", fmt.Errorf("motion needs at least one supporter, got %d", supporters)
	case supporters == 1:
		return ConsensusSingle, nil
	case supporters <= 3:
		return ConsensusLow, nil
	case supporters <= 7:
		return ConsensusMedium, nil
	case supporters <= 15:
		return ConsensusHigh, nil
	default:
		return ConsensusCritical, nil
	}
}

// Threshold is the adoption rule for one consensus level. MinYea is the
// required yea fraction of effective votes (cast minus abstentions);
// MinCast is the required turnout fraction of the roster.
type Threshold struct {
	MinYea  float64 `json:"min_yea" yaml:"min_yea"`
	MinCast float64 `json:"min_cast" yaml:"min_cast"`
}

// ThresholdTable maps every consensus level to its adoption rule.
type ThresholdTable map[ConsensusLevel]Threshold

// DefaultThresholds returns the built-in adoption table.
func DefaultThresholds() ThresholdTable {
	return ThresholdTable{
		ConsensusSingle:   {MinYea: 0.50, MinCast: 0.30},
		ConsensusLow:      {MinYea: 0.55, MinCast: 0.40},
		ConsensusMedium:   {MinYea: 0.60, MinCast: 0.50},
		ConsensusHigh:     {MinYea: 0.67, MinCast: 0.60},
		ConsensusCritical: {MinYea: 0.75, MinCast: 0.67},
	}
}

// Validate rejects tables that miss a level, leave the unit interval,
// or break monotonicity: a stronger level may never demand less than a
// weaker one.
func (t ThresholdTable) Validate() error {
	levels := ConsensusLevels()
	for _, l := range levels {
		th, ok := t[l]
		if !ok {
			return fmt.Errorf("threshold table missing level %s", l)
		}
		if th.MinYea <= 0 || th.MinYea > 1 || th.MinCast <= 0 || th.MinCast > 1 {
			return fmt.Errorf("threshold for %s out of (0,1]: yea=%v cast=%v", l, th.MinYea, th.MinCast)
		}
	}
	for i := 1; i < len(levels); i++ {
		lo, hi := t[levels[i-1]], t[levels[i]]
		if hi.MinYea < lo.MinYea || hi.MinCast < lo.MinCast {
			return fmt.Errorf("threshold table not monotone: %s below %s", levels[i], levels[i-1])
		}
	}
	return nil
}
