package strategy_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/theater-project/theater/supervision/strategy"
)

func TestOneForOneAllowsUpToMaxWithinPeriod(t *testing.T) {
	s := strategy.NewOneForOne(2, time.Minute)
	base := time.Now()

	require.Equal(t, strategy.ActionRestart, s.Decide("child-a", base))
	require.Equal(t, strategy.ActionRestart, s.Decide("child-a", base.Add(time.Second)))
	require.Equal(t, strategy.ActionGiveUp, s.Decide("child-a", base.Add(2*time.Second)))
}

func TestOneForOneBudgetsAreIndependentPerChild(t *testing.T) {
	s := strategy.NewOneForOne(1, time.Minute)
	base := time.Now()

	require.Equal(t, strategy.ActionRestart, s.Decide("a", base))
	require.Equal(t, strategy.ActionRestart, s.Decide("b", base))
	require.Equal(t, strategy.ActionGiveUp, s.Decide("a", base.Add(time.Second)))
	require.Equal(t, strategy.ActionGiveUp, s.Decide("b", base.Add(time.Second)))
}

func TestOneForOneWindowExpires(t *testing.T) {
	s := strategy.NewOneForOne(1, time.Second)
	base := time.Now()

	require.Equal(t, strategy.ActionRestart, s.Decide("a", base))
	require.Equal(t, strategy.ActionGiveUp, s.Decide("a", base.Add(500*time.Millisecond)))
	require.Equal(t, strategy.ActionRestart, s.Decide("a", base.Add(2*time.Second)))
}

func TestOneForOneReset(t *testing.T) {
	s := strategy.NewOneForOne(1, time.Minute)
	base := time.Now()
	require.Equal(t, strategy.ActionRestart, s.Decide("a", base))
	s.Reset("a")
	require.Equal(t, strategy.ActionRestart, s.Decide("a", base.Add(time.Second)))
}

func TestOneForAllSharesBudgetAcrossSiblings(t *testing.T) {
	s := strategy.NewOneForAll(2, time.Minute)
	base := time.Now()

	require.Equal(t, strategy.ActionRestart, s.Decide(base))
	require.Equal(t, strategy.ActionRestart, s.Decide(base.Add(time.Second)))
	require.Equal(t, strategy.ActionGiveUp, s.Decide(base.Add(2*time.Second)))
}
