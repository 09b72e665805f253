package fallback

import (
	"testing"
	"time"
)

func TestNoneStrategyNeverTransitions(t *testing.T) {
	s := New(DefaultConfig(StrategyNone), nil)
	now := time.Now()
	for i := 0; i < 10; i++ {
		s.Observe(now, EventConnectionFailure)
	}
	if s.Level() != LevelFullExperimental {
		t.Fatalf("expected None strategy to never transition, got %v", s.Level())
	}
}

func TestAutomaticDegradesOnCriticalFailure(t *testing.T) {
	var got *Transition
	s := New(DefaultConfig(StrategyAutomatic), func(tr Transition) { got = &tr })
	now := time.Now()
	s.Observe(now, EventConnectionFailure)

	if s.Level() != LevelQuicWithFec {
		t.Fatalf("expected one-step degrade on critical failure, got %v", s.Level())
	}
	if got == nil || got.From != LevelFullExperimental || got.To != LevelQuicWithFec {
		t.Fatalf("expected transition callback to fire with correct from/to, got %+v", got)
	}
}

func TestAutomaticDegradesOnTwoMinorFailuresWithinWindow(t *testing.T) {
	s := New(DefaultConfig(StrategyAutomatic), nil)
	now := time.Now()
	s.Observe(now, EventTimeout)
	if s.Level() != LevelFullExperimental {
		t.Fatalf("expected no transition after a single minor failure, got %v", s.Level())
	}
	s.Observe(now.Add(time.Second), EventHighErrorRate)
	if s.Level() != LevelQuicWithFec {
		t.Fatalf("expected degrade after a second minor failure within the window, got %v", s.Level())
	}
}

func TestAutomaticDoesNotCountMinorFailuresOutsideWindow(t *testing.T) {
	cfg := DefaultConfig(StrategyAutomatic)
	s := New(cfg, nil)
	now := time.Now()
	s.Observe(now, EventTimeout)
	s.Observe(now.Add(cfg.Window*2), EventHighErrorRate)
	if s.Level() != LevelFullExperimental {
		t.Fatalf("expected the first minor failure to have aged out of the window, got %v", s.Level())
	}
}

func TestConservativeRequiresRepeatedCriticalFailures(t *testing.T) {
	cfg := DefaultConfig(StrategyConservative)
	s := New(cfg, nil)
	now := time.Now()
	s.Observe(now, EventConnectionFailure)
	s.Observe(now, EventConnectionFailure)
	if s.Level() != LevelFullExperimental {
		t.Fatalf("expected no transition before ConservativeRepeat critical failures, got %v", s.Level())
	}
	s.Observe(now, EventConnectionFailure)
	if s.Level() != LevelQuicWithFec {
		t.Fatalf("expected degrade on the Nth repeated critical failure, got %v", s.Level())
	}
}

func TestConservativeResetsOnNonCriticalFailure(t *testing.T) {
	cfg := DefaultConfig(StrategyConservative)
	s := New(cfg, nil)
	now := time.Now()
	s.Observe(now, EventConnectionFailure)
	s.Observe(now, EventConnectionFailure)
	s.Observe(now, EventTimeout) // resets the consecutive-critical counter
	s.Observe(now, EventConnectionFailure)
	if s.Level() != LevelFullExperimental {
		t.Fatalf("expected the counter reset by a minor failure to delay the degrade, got %v", s.Level())
	}
}

func TestAggressiveDegradesOnAnyTwoFailures(t *testing.T) {
	s := New(DefaultConfig(StrategyAggressive), nil)
	now := time.Now()
	s.Observe(now, EventTimeout)
	if s.Level() != LevelFullExperimental {
		t.Fatalf("expected no transition on a single failure, got %v", s.Level())
	}
	s.Observe(now, EventFecFailure)
	if s.Level() != LevelQuicWithFec {
		t.Fatalf("expected Aggressive to degrade after any two failures, got %v", s.Level())
	}
}

func TestManualAlwaysForcesImmediateDegrade(t *testing.T) {
	s := New(DefaultConfig(StrategyNone), nil)
	now := time.Now()
	s.Observe(now, EventManual)
	if s.Level() != LevelQuicWithFec {
		t.Fatalf("expected Manual to force a degrade even under StrategyNone, got %v", s.Level())
	}
}

func TestFallbackCascadeTwoConsecutiveHandoverFailures(t *testing.T) {
	s := New(DefaultConfig(StrategyAutomatic), nil)
	now := time.Now()
	s.Observe(now, EventHandoverFailure)
	if s.Level() != LevelQuicWithFec {
		t.Fatalf("expected Full->QuicWithFec after first HandoverFailure, got %v", s.Level())
	}
	s.Observe(now, EventHandoverFailure)
	if s.Level() != LevelQuicBasic {
		t.Fatalf("expected QuicWithFec->QuicBasic after second HandoverFailure, got %v", s.Level())
	}

	recovered := s.MaybeRecover(now.Add(61 * time.Second))
	if recovered == nil {
		t.Fatal("expected a one-step recovery after the 60s clean window")
	}
	if s.Level() != LevelQuicWithFec {
		t.Fatalf("expected recovery to step back up to QuicWithFec, got %v", s.Level())
	}
}

func TestMaybeRecoverNoopsBeforeCooldown(t *testing.T) {
	s := New(DefaultConfig(StrategyAutomatic), nil)
	now := time.Now()
	s.Observe(now, EventConnectionFailure)
	if r := s.MaybeRecover(now.Add(30 * time.Second)); r != nil {
		t.Fatalf("expected no recovery before the cooldown elapses, got %+v", r)
	}
}

func TestMaybeRecoverNoopAtFullExperimental(t *testing.T) {
	s := New(DefaultConfig(StrategyAutomatic), nil)
	if r := s.MaybeRecover(time.Now().Add(time.Hour)); r != nil {
		t.Fatalf("expected no recovery at the top of the ladder, got %+v", r)
	}
}

func TestFeaturesForMatchesStateEffectsTable(t *testing.T) {
	if f := FeaturesFor(LevelQuicWithFec); f.Multipath || f.Handover {
		t.Fatalf("expected QuicWithFec to disable Multipath/Handover, got %+v", f)
	}
	if f := FeaturesFor(LevelQuicBasic); f.FEC {
		t.Fatalf("expected QuicBasic to also disable FEC, got %+v", f)
	}
	if f := FeaturesFor(LevelTcpFallback); f.QUIC || !f.Encryption {
		t.Fatalf("expected TcpFallback to drop QUIC but keep Encryption, got %+v", f)
	}
	if f := FeaturesFor(LevelMinimalFallback); f.Compression || !f.Encryption {
		t.Fatalf("expected MinimalFallback to keep only Encryption, got %+v", f)
	}
}
