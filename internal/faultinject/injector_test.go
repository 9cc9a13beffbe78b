package faultinject

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeterministicPlanCorruptsExactIndices(t *testing.T) {
	inj := NewWithSeed(StrategyCharacterChange, 0, 1)
	inj.Deterministic([]int{0, 2}, 0, "")

	p0 := inj.Apply(0, "Hell")
	p1 := inj.Apply(1, "o, t")
	p2 := inj.Apply(2, "his ")

	require.Equal(t, "Xell", p0)
	require.Equal(t, "o, t", p1)
	require.Equal(t, "Xis ", p2)
	require.Equal(t, 2, inj.ErrorsIntroduced())
}

func TestStrategyRandom(t *testing.T) {
	got := corrupt("A", 0, StrategyRandom)
	require.Equal(t, string(rune('A'+1)), got)
}

func TestStrategyBitFlip(t *testing.T) {
	got := corrupt("A", 0, StrategyBitFlip)
	require.Equal(t, string(rune('A'^1)), got)
}

func TestStrategyCharacterChange(t *testing.T) {
	got := corrupt("abcd", 2, StrategyCharacterChange)
	require.Equal(t, "abXd", got)
}

func TestDisabledInjectorIsNoop(t *testing.T) {
	inj := NewWithSeed(StrategyRandom, 1.0, 2)
	got := inj.Apply(0, "test")
	require.Equal(t, "test", got)
	require.Equal(t, 0, inj.ErrorsIntroduced())
}

func TestProbabilisticAlwaysCorruptsAtProbabilityOne(t *testing.T) {
	inj := NewWithSeed(StrategyCharacterChange, 1.0, 3)
	inj.SetEnabled(true)
	got := inj.Apply(0, "abcd")
	require.NotEqual(t, "abcd", got)
	require.Equal(t, 1, inj.ErrorsIntroduced())
}

func TestProbabilisticNeverCorruptsAtProbabilityZero(t *testing.T) {
	inj := NewWithSeed(StrategyRandom, 0.0, 4)
	inj.SetEnabled(true)
	got := inj.Apply(0, "abcd")
	require.Equal(t, "abcd", got)
}
