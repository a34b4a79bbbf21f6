package captest_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/theater-project/theater/capability"
	"github.com/theater-project/theater/capability/captest"
	"github.com/theater-project/theater/chain"
	"github.com/theater-project/theater/component"
	"github.com/theater-project/theater/component/hostfuncruntime"
	"github.com/theater-project/theater/theatererr"
)

// fakeClock gives deterministic, strictly increasing chain timestamps.
type fakeClock struct{ t int64 }

func (c *fakeClock) Now() int64 {
	c.t++
	return c.t
}

// wiredSandbox instantiates a FakeSandboxHandler through the same
// Instantiate path a real actor takes (capability.Handler ->
// component.Runtime), returning the bound handler instance, its chain,
// and the "read" host function as a real guest import call would reach
// it.
func wiredSandbox(t *testing.T, allowed ...string) (*captest.FakeSandboxHandler, *chain.Chain, capability.HostFunc) {
	t.Helper()
	proto := captest.NewFakeSandboxHandler(allowed...)
	inst, instance, c := instantiateWith(t, proto)

	read, ok := hostfuncruntime.HostFunction(instance, captest.SandboxInterface, captest.FuncRead)
	require.True(t, ok)
	return inst, c, read
}

// TestAllowedPathReadSucceedsAndRecordsEvents is the allow half of
// spec.md §8 Testable Property 6 / Scenario S3: a path present in the
// declarative allow-list is served, and the chain gets one call-event
// paired with one successful result-event.
func TestAllowedPathReadSucceedsAndRecordsEvents(t *testing.T) {
	h, c, read := wiredSandbox(t, "/etc/hosts")

	params, _ := json.Marshal(captest.ReadRequest{Path: "/etc/hosts"})
	out, err := read(context.Background(), params)
	require.NoError(t, err)
	require.Equal(t, "contents of /etc/hosts", string(out))
	require.Equal(t, []string{"/etc/hosts"}, h.Allowed)
	require.Empty(t, h.Denied)

	events := c.Iter()
	require.Len(t, events, 2)
	require.Equal(t, "theater:test/sandbox/read.call", events[0].EventType)
	require.Equal(t, "theater:test/sandbox/read.result", events[1].EventType)
	require.Equal(t, "contents of /etc/hosts", string(events[1].Data))
}

// TestDeniedPathReadRecordsPermissionDeniedResult is the enforcement
// half of spec.md §8 Testable Property 6 / Scenario S3 ("Filesystem
// sandbox"): a path absent from the declarative allow-list is rejected
// with theatererr.PermissionDenied, and the chain still records exactly
// one call-event and one PermissionDenied result-event — enforcement
// never skips the closing invariant of spec.md §4.D just because the
// call failed.
func TestDeniedPathReadRecordsPermissionDeniedResult(t *testing.T) {
	h, c, read := wiredSandbox(t, "/etc/hosts")

	params, _ := json.Marshal(captest.ReadRequest{Path: "/etc/shadow"})
	_, err := read(context.Background(), params)
	require.Error(t, err)
	require.True(t, theatererr.Is(err, theatererr.PermissionDenied))
	require.Equal(t, []string{"/etc/shadow"}, h.Denied)
	require.Empty(t, h.Allowed)

	events := c.Iter()
	require.Len(t, events, 2)
	require.Equal(t, "theater:test/sandbox/read.call", events[0].EventType)
	require.Equal(t, "theater:test/sandbox/read.result", events[1].EventType)
	require.Contains(t, string(events[1].Data), "not in allowed_paths")
}

// TestDifferentActorInstancesDoNotShareDeniedBookkeeping confirms
// CreateInstance's per-actor clone keeps its own Denied/Allowed
// bookkeeping while still sharing the same declarative allow-list, the
// connection-pool-like sharing capability.Handler's CreateInstance doc
// describes.
func TestDifferentActorInstancesDoNotShareDeniedBookkeeping(t *testing.T) {
	proto := captest.NewFakeSandboxHandler("/etc/hosts")

	_, aInst, aChain := instantiateWith(t, proto)
	_, bInst, bChain := instantiateWith(t, proto)

	aRead, ok := hostfuncruntime.HostFunction(aInst, captest.SandboxInterface, captest.FuncRead)
	require.True(t, ok)
	bRead, ok := hostfuncruntime.HostFunction(bInst, captest.SandboxInterface, captest.FuncRead)
	require.True(t, ok)

	params, _ := json.Marshal(captest.ReadRequest{Path: "/etc/shadow"})
	_, err := aRead(context.Background(), params)
	require.Error(t, err)
	require.True(t, theatererr.Is(err, theatererr.PermissionDenied))

	a := aChain.Iter()
	b := bChain.Iter()
	require.Len(t, a, 2, "the denying instance recorded its own call/result pair")
	require.Empty(t, b, "the other instance's chain must be untouched")
	_, err = bRead(context.Background(), params)
	require.Error(t, err)
}

// instantiateWith clones a fresh per-actor FakeSandboxHandler instance
// from proto, binds it to its own chain, and wires it through
// hostfuncruntime the way actorruntime.Start wires any handler.
func instantiateWith(t *testing.T, proto *captest.FakeSandboxHandler) (*captest.FakeSandboxHandler, component.Instance, *chain.Chain) {
	t.Helper()
	inst := proto.CreateInstance().(*captest.FakeSandboxHandler)
	c := chain.New(&fakeClock{})
	inst.BindChain(c)

	// A fresh hostfuncruntime.Runtime per call: its Definition registry is
	// keyed by component bytes, but since each call gets its own Runtime
	// there is no risk of two independent per-actor instances colliding.
	rt := hostfuncruntime.New()
	bytes := rt.Register([]byte("sandboxed-actor"), hostfuncruntime.Definition{
		Imports: []capability.InterfaceID{captest.SandboxInterface},
	})
	ctx := context.Background()
	comp, err := rt.LoadComponent(ctx, bytes)
	require.NoError(t, err)
	instance, err := rt.Instantiate(ctx, comp, []capability.Handler{inst})
	require.NoError(t, err)
	return inst, instance, c
}
