package testutil

import (
	"math/rand/v2"
	"time"

	"github.com/dantte-lp/transient/internal/event"
)

// Synthetic is a randomized loop-scenario trial with known transition
// instants. Events are on the timeline anchored at T0, vantage "lab".
type Synthetic struct {
	Events      *event.Set
	Truth       map[string]time.Duration
	PerHopDelay time.Duration
	End         time.Duration
}

// uniform draws a duration in [lo, hi) milliseconds.
func uniform(rng *rand.Rand, lo, hi float64) time.Duration {
	return Ms(lo + rng.Float64()*(hi-lo))
}

// NewSynthetic draws one loop-scenario trial. The origin changes at the
// anchor. A learns the new route from ExtA and B learns it from A, each at
// least PerHopDelay after the previous hop, and each router writes its FIB
// some time after its update. Probes are sent at a random
// period per router, leave through the old egress before the router's
// transition and through the new one from then on. Either router may lack
// control visibility, and either may stop being probed before its
// transition.
func NewSynthetic(rng *rand.Rand) Synthetic {
	perHop := uniform(rng, 0, 2)
	ctlA := perHop + uniform(rng, 0, 20)
	ctlB := ctlA + perHop + uniform(rng, 0, 3)
	truth := map[string]time.Duration{
		"A": ctlA + uniform(rng, 0, 5),
		"B": ctlB + uniform(rng, 0, 5),
	}
	end := max(truth["A"], truth["B"]) + Ms(10)

	s := Synthetic{Events: &event.Set{}, Truth: truth, PerHopDelay: perHop, End: end}
	control := func(router, from string, at time.Duration) {
		if rng.Float64() < 0.25 {
			return
		}
		s.Events.Control = append(s.Events.Control, event.ControlEvent{
			Vantage: "lab", Router: router, From: from, Prefix: Prefix,
			Observed: At(at), Kind: event.KindAnnounce,
		})
	}
	control("A", "ExtA", ctlA)
	control("B", "A", ctlB)

	probes := func(router, oldEgress, newEgress string) {
		gap := uniform(rng, 0.2, 3)
		stop := end
		if rng.Float64() < 0.2 {
			stop = uniform(rng, 0, float64(truth[router])/float64(time.Millisecond))
		}
		for at := uniform(rng, 0, 1); at < stop; at += gap {
			egress := oldEgress
			if at >= truth[router] {
				egress = newEgress
			}
			s.Events.Probe = append(s.Events.Probe, event.ProbeEvent{
				Vantage: "lab", Router: router, Egress: egress, Prefix: Prefix,
				Observed: At(at), Source: router,
			})
		}
	}
	probes("A", AtoB.Name, AtoExtA.Name)
	probes("B", BtoExtB.Name, BtoA.Name)
	event.SortProbe(s.Events.Probe)
	return s
}
