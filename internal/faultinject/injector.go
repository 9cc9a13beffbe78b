// Package faultinject implements the client-side fault injector (C6):
// deterministic or probabilistic corruption of outgoing DATA payloads,
// used to exercise the receiver's checksum-validation and retransmit
// paths (spec.md §4.6).
package faultinject

import (
	"math/rand"
)

// Strategy selects how a single character is corrupted.
type Strategy string

const (
	// StrategyRandom replaces a character with (code+1) mod 256.
	StrategyRandom Strategy = "random"
	// StrategyBitFlip XORs a character's code with 1.
	StrategyBitFlip Strategy = "bit_flip"
	// StrategyCharacterChange overwrites a character with 'X'.
	StrategyCharacterChange Strategy = "character_change"
)

// Injector corrupts outgoing DATA payloads, either for a deterministic
// set of packet indices or probabilistically per packet.
type Injector struct {
	rng *rand.Rand

	enabled     bool
	strategy    Strategy
	probability float64

	deterministicIndices map[int]bool
	deterministicCharIdx int

	errorsIntroduced int
}

// New creates a disabled Injector using the given strategy and
// probability as defaults for probabilistic mode.
func New(strategy Strategy, probability float64) *Injector {
	return NewWithSeed(strategy, probability, defaultSeed())
}

// NewWithSeed creates a disabled Injector with a pinned PRNG seed, for
// deterministic tests of the probabilistic path.
func NewWithSeed(strategy Strategy, probability float64, seed int64) *Injector {
	return &Injector{
		rng:         rand.New(rand.NewSource(seed)),
		strategy:    strategy,
		probability: probability,
	}
}

// seedCounter gives each Injector created by New its own seed via
// defaultSeed; tests that need a pinned seed use NewWithSeed instead.
var seedCounter int64 = 1

func defaultSeed() int64 {
	seedCounter++
	return seedCounter
}

// SetEnabled turns probabilistic fault injection on or off.
func (inj *Injector) SetEnabled(enabled bool) {
	inj.enabled = enabled
}

// Enabled reports whether probabilistic injection is currently on.
func (inj *Injector) Enabled() bool {
	return inj.enabled
}

// SetStrategy overrides the corruption strategy.
func (inj *Injector) SetStrategy(s Strategy) {
	inj.strategy = s
}

// SetProbability overrides the per-packet corruption probability for
// probabilistic mode.
func (inj *Injector) SetProbability(p float64) {
	inj.probability = p
}

// Deterministic installs a deterministic plan: corrupt exactly the given
// 0-based packet indices (within the current message) at charIndex,
// optionally overriding the strategy. This also enables injection.
func (inj *Injector) Deterministic(packetIndices []int, charIndex int, strategy Strategy) {
	idx := make(map[int]bool, len(packetIndices))
	for _, i := range packetIndices {
		idx[i] = true
	}
	inj.deterministicIndices = idx
	if charIndex < 0 {
		charIndex = 0
	}
	inj.deterministicCharIdx = charIndex
	if strategy != "" {
		inj.strategy = strategy
	}
	inj.enabled = true
}

// ClearDeterministic removes any deterministic plan, falling back to
// pure probabilistic mode (if enabled).
func (inj *Injector) ClearDeterministic() {
	inj.deterministicIndices = nil
}

// ErrorsIntroduced returns how many corruptions have been applied.
func (inj *Injector) ErrorsIntroduced() int {
	return inj.errorsIntroduced
}

// Apply corrupts packet (the packetIndex-th fragment of the current
// message) according to the injector's configuration, returning the
// possibly-modified payload. Apply does not touch checksums: the caller
// stamps the checksum from the original, pre-Apply payload (see
// transport.Engine.SendDataCorrupted), so corruption never changes the
// checksum the packet carries.
func (inj *Injector) Apply(packetIndex int, packet string) string {
	if !inj.enabled || packet == "" {
		return packet
	}

	if inj.deterministicIndices != nil {
		if inj.deterministicIndices[packetIndex] {
			inj.errorsIntroduced++
			return corrupt(packet, inj.deterministicCharIdx, inj.strategy)
		}
		return packet
	}

	if inj.rng.Float64() < inj.probability {
		pos := inj.rng.Intn(len(packet))
		inj.errorsIntroduced++
		return corrupt(packet, pos, inj.strategy)
	}
	return packet
}

func corrupt(packet string, pos int, strategy Strategy) string {
	runes := []rune(packet)
	if len(runes) == 0 {
		return packet
	}
	if pos < 0 || pos >= len(runes) {
		pos = pos % len(runes)
		if pos < 0 {
			pos += len(runes)
		}
	}

	switch strategy {
	case StrategyBitFlip:
		runes[pos] = rune(int(runes[pos]) ^ 1)
	case StrategyCharacterChange:
		runes[pos] = 'X'
	default: // StrategyRandom
		runes[pos] = rune((int(runes[pos]) + 1) % 256)
	}
	return string(runes)
}
