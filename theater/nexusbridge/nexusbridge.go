// Package nexusbridge exposes the Replay Engine (spec.md §4.J) as a single
// Nexus operation, TriggerReplay, so an external orchestration system in a
// different Temporal namespace can ask a running Theater Runtime to replay
// an actor's chain and get back a divergence report — a cross-namespace
// analogue of GetActorEvents followed by a local replay.Replay call, with
// no gRPC management connection required.
//
// github.com/nexus-rpc/sdk-go is present in the teacher's go.mod but unused
// by any teacher source file we could find; this gives it a genuine home.
package nexusbridge

import (
	"context"
	"fmt"

	"github.com/nexus-rpc/sdk-go/nexus"

	"github.com/theater-project/theater/chain"
	"github.com/theater-project/theater/component"
	"github.com/theater-project/theater/id"
	"github.com/theater-project/theater/replay"
)

// ActorLookup resolves the pieces replay.Replay needs for a live or
// previously-tracked actor. theater.Runtime implements this directly; it
// is declared here, not imported, so this package stays independent of
// the Theater Runtime's own package (the same seam server.go's Router
// interface uses for the Message Router).
type ActorLookup interface {
	ReplayInputs(ctx context.Context, actorID id.ActorID) (component.Runtime, component.Component, *chain.Chain, error)
}

// TriggerReplayInput is the operation's input.
type TriggerReplayInput struct {
	ActorID string `json:"actor_id"`
	// HaltOnFirstDivergence forwards to replay.Options.
	HaltOnFirstDivergence bool `json:"halt_on_first_divergence"`
}

// TriggerReplayOutput is the operation's output: replay.Result flattened
// to plain, Nexus-serializable fields.
type TriggerReplayOutput struct {
	Diverged    bool                `json:"diverged"`
	Divergences []replay.Divergence `json:"divergences,omitempty"`
}

// triggerReplay holds the operation's actual logic, separated from the
// Nexus SDK's function-literal handler so it can be unit tested directly
// against a fake ActorLookup without going through the SDK's HTTP
// transport.
func triggerReplay(ctx context.Context, lookup ActorLookup, in TriggerReplayInput) (TriggerReplayOutput, error) {
	actorID, err := id.ParseActorID(in.ActorID)
	if err != nil {
		return TriggerReplayOutput{}, fmt.Errorf("nexusbridge: parse actor id %q: %w", in.ActorID, err)
	}
	rt, comp, c, err := lookup.ReplayInputs(ctx, actorID)
	if err != nil {
		return TriggerReplayOutput{}, fmt.Errorf("nexusbridge: resolve actor %s: %w", actorID, err)
	}
	result, err := replay.Replay(ctx, rt, comp, c, replay.Options{HaltOnFirstDivergence: in.HaltOnFirstDivergence})
	if err != nil {
		return TriggerReplayOutput{}, fmt.Errorf("nexusbridge: replay actor %s: %w", actorID, err)
	}
	return TriggerReplayOutput{Diverged: result.Diverged, Divergences: result.Divergences}, nil
}

// NewTriggerReplay builds the "trigger-replay" Nexus synchronous
// operation, resolving actors through lookup.
func NewTriggerReplay(lookup ActorLookup) *nexus.SyncOperation[TriggerReplayInput, TriggerReplayOutput] {
	return nexus.NewSyncOperation("trigger-replay", func(ctx context.Context, in TriggerReplayInput, _ nexus.StartOperationOptions) (TriggerReplayOutput, error) {
		return triggerReplay(ctx, lookup, in)
	})
}

// Service builds the Nexus service exposing TriggerReplay under the
// service name "theater", ready to be mounted with nexus.NewHTTPHandler.
func Service(lookup ActorLookup) (*nexus.Service, error) {
	svc := nexus.NewService("theater")
	if err := svc.Register(NewTriggerReplay(lookup)); err != nil {
		return nil, fmt.Errorf("nexusbridge: register trigger-replay operation: %w", err)
	}
	return svc, nil
}
