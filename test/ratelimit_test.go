package e2e

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cucumber/godog"

	"github.com/captionscale/transcribe-api/ratelimit"
)

// rateWorld exercises ratelimit.Gate directly: Acquire's sleep callback is
// the only clock surface the gate's external API exposes, so admission-
// ceiling and circuit-breaker behavior is driven through it synchronously
// rather than by waiting out real sliding-window minutes. Recovery timing
// past the open circuit (the half-open probe and its success threshold) is
// exercised at the package-internal level in ratelimit/gate_test.go, which
// can override the gate's clock; this harness stops at "the circuit opens
// and refuses immediately," the externally observable half of the story.
type rateWorld struct {
	gate *ratelimit.Gate

	waitedCount int
	lastWaited  bool
}

func newRateWorld() *rateWorld {
	return &rateWorld{gate: ratelimit.NewGate(ratelimit.DefaultConfig("distilled"))}
}

func (r *rateWorld) admitN(n int) error {
	for i := 0; i < n; i++ {
		waited := false
		_, ok := r.gate.Acquire(func(d time.Duration) {
			waited = true
		})
		if !ok {
			return fmt.Errorf("request %d: circuit open, expected an open admission window", i+1)
		}
		if waited {
			r.waitedCount++
		}
	}
	return nil
}

func (r *rateWorld) noneWaited(n int) error {
	if r.waitedCount != 0 {
		return fmt.Errorf("expected none of the first %d requests to wait, but %d did", n, r.waitedCount)
	}
	return nil
}

func (r *rateWorld) attemptOneMore() error {
	waited := false
	done := make(chan struct{})
	go func() {
		r.gate.Acquire(func(time.Duration) {
			if !waited {
				waited = true
				close(done)
			}
			time.Sleep(time.Millisecond)
		})
	}()
	select {
	case <-done:
		r.lastWaited = true
		return nil
	case <-time.After(200 * time.Millisecond):
		return errors.New("expected the 71st request to require a wait, but it was admitted immediately")
	}
}

func (r *rateWorld) mustHaveWaited() error {
	if !r.lastWaited {
		return errors.New("expected the most recent request to have waited before admission")
	}
	return nil
}

func (r *rateWorld) providerReportsFailure(message string) error {
	r.gate.RecordFailure(errors.New(message))
	return nil
}

func (r *rateWorld) circuitIs(phase string) error {
	if got := string(r.gate.State()); got != phase {
		return fmt.Errorf("circuit state: got %q, want %q", got, phase)
	}
	return nil
}

func (r *rateWorld) furtherRequestsRefusedImmediately() error {
	_, ok := r.gate.Acquire(func(time.Duration) {
		panic("Acquire should not sleep while the circuit is open")
	})
	if ok {
		return errors.New("expected Acquire to refuse admission while the circuit is open")
	}
	return nil
}

func registerRateGateSteps(ctx *godog.ScenarioContext) {
	var r *rateWorld
	ctx.Before(func(goctx context.Context, _ *godog.Scenario) (context.Context, error) {
		r = newRateWorld()
		return goctx, nil
	})

	ctx.Step(`^a distilled-model rate gate$`, func() error { return nil })
	ctx.Step(`^(\d+) requests are admitted$`, func(n int) error { return r.admitN(n) })
	ctx.Step(`^none of the (\d+) requests waited$`, func(n int) error { return r.noneWaited(n) })
	ctx.Step(`^one more request is attempted$`, func() error { return r.attemptOneMore() })
	ctx.Step(`^it must wait before being admitted$`, func() error { return r.mustHaveWaited() })
	ctx.Step(`^the provider reports a "([^"]+)" failure$`, func(msg string) error { return r.providerReportsFailure(msg) })
	ctx.Step(`^the circuit is "([^"]+)"$`, func(phase string) error { return r.circuitIs(phase) })
	ctx.Step(`^further requests are refused immediately$`, func() error { return r.furtherRequestsRefusedImmediately() })
}
