package harness

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strconv"
	"testing"
	"time"

	"github.com/multiformats/go-multihash"

	"github.com/roach88/blobcore/internal/blobindex"
	"github.com/roach88/blobcore/internal/capability"
	"github.com/roach88/blobcore/internal/principal"
	"github.com/roach88/blobcore/internal/service"
	"github.com/roach88/blobcore/internal/testutil"
	"github.com/roach88/blobcore/internal/ucan"
)

// namedBlob is a scenario blob: its bytes and descriptor.
type namedBlob struct {
	data []byte
	blob capability.Blob
}

// runner holds the state of one scenario run.
type runner struct {
	t      *testing.T
	ctx    context.Context
	net    *testutil.Network
	spaces map[string]*principal.Signer
	order  []string
	blobs  map[string]*namedBlob
	sites  map[string]*ucan.Delegation
	nonces int
	// touched are the space/blob pairs whose replicas the snapshot reports.
	touched map[string]bool
}

// Run executes a scenario on a fresh network and evaluates its
// assertions. Step outcomes that differ from their expect clause are
// reported in the result, not as test failures. The error is for
// scenarios that cannot run at all, such as a replicate step naming a
// blob that was never uploaded.
func Run(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	opts := []testutil.NetworkOption{testutil.WithNodeConnection(testutil.Settled)}
	if scenario.Nodes != nil {
		opts = append(opts, testutil.WithNodes(*scenario.Nodes))
	}
	if scenario.MaxReplicas > 0 {
		opts = append(opts, testutil.WithServiceOptions(service.WithMaxReplicas(scenario.MaxReplicas)))
	}

	r := &runner{
		t:       t,
		ctx:     context.Background(),
		net:     testutil.NewNetwork(t, opts...),
		spaces:  map[string]*principal.Signer{},
		blobs:   map[string]*namedBlob{},
		sites:   map[string]*ucan.Delegation{},
		touched: map[string]bool{},
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		ev, err := r.step(i, step)
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}
		result.Trace = append(result.Trace, ev)
		checkExpect(result, ev, step.Expect)
	}

	// Transfers started by the last step count towards the final state.
	r.net.Wait()

	state, err := r.state()
	if err != nil {
		return nil, err
	}
	result.State = state

	for i, a := range scenario.Assertions {
		if err := r.evaluate(a, result); err != nil {
			result.AddError(fmt.Sprintf("assertion %d (%s): %s", i, a.Type, err))
		}
	}
	return result, nil
}

func (r *runner) step(i int, s Step) (TraceEvent, error) {
	ev := TraceEvent{Step: i, Op: s.Op, Outcome: OutcomeOk}

	var rcpt *ucan.Receipt
	var err error
	switch s.Op {
	case OpUpload:
		r.touched[s.Space+"/"+s.Blob] = true
		rcpt = r.upload(s.Space, s.Blob, r.blob(s.Blob, s.Data))
	case OpAllocate:
		ev.Ability = capability.BlobAllocate
		rcpt = r.allocate(s)
	case OpReplicate:
		ev.Ability = capability.SpaceBlobReplicate
		r.touched[s.Space+"/"+s.Blob] = true
		rcpt, err = r.replicate(s)
	case OpIndex:
		ev.Ability = capability.SpaceIndexAdd
		rcpt, err = r.index(s)
	case OpProvision:
		err = r.net.Service.Store.AddProvision(r.ctx, r.space(s.Space).DID(), principal.DID(s.Provider))
	case OpWait:
		r.net.Wait()
	case OpAdvance:
		d, perr := time.ParseDuration(s.Duration)
		if perr != nil {
			return ev, perr
		}
		r.net.Clock.Advance(d)
	default:
		return ev, fmt.Errorf("unknown op %q", s.Op)
	}
	if err != nil {
		return ev, err
	}

	if rcpt != nil {
		if !rcpt.IsOk() {
			ev.Outcome = rcpt.Out().Error.Name
		}
		if ev.Ability != "" {
			ev.Forks = forks(rcpt)
		}
	}
	return ev, nil
}

// space returns the signer of a named space, creating it on first use.
func (r *runner) space(name string) *principal.Signer {
	if s, ok := r.spaces[name]; ok {
		return s
	}
	s := testutil.Signer(r.t, testutil.AgentSeed+byte(len(r.order)))
	r.spaces[name] = s
	r.order = append(r.order, name)
	return s
}

// blob returns a named blob. A blob keeps the bytes it was first given;
// with no data its bytes are its name.
func (r *runner) blob(name, data string) *namedBlob {
	if b, ok := r.blobs[name]; ok {
		return b
	}
	if data == "" {
		data = name
	}
	return r.define(name, []byte(data))
}

func (r *runner) define(name string, data []byte) *namedBlob {
	b := &namedBlob{data: data, blob: testutil.Blob(r.t, data)}
	r.blobs[name] = b
	return b
}

// upload runs the allocate, put, conclude and accept flow for b and
// returns the last receipt. It stops at the first failed receipt.
func (r *runner) upload(spaceName, blobName string, b *namedBlob) *ucan.Receipt {
	t, n := r.t, r.net
	space := r.space(spaceName)
	svc := n.Service.Signer

	alloc := testutil.Invoke(t, svc, svc.DID(), capability.BlobAllocate, svc.DID().String(), capability.AllocateCaveats{
		Space: space.DID(),
		Blob:  b.blob,
	}, r.nonce())
	rcpt := testutil.Execute(t, n.Service.Conn, alloc)
	if !rcpt.IsOk() {
		return rcpt
	}
	var allocated capability.AllocateOk
	if err := rcpt.DecodeOk(&allocated); err != nil {
		t.Fatalf("decode allocation of %s: %v", blobName, err)
	}
	if allocated.Address != nil {
		testutil.Put(t, allocated.Address, b.data)
	}

	rcpt = n.Conclude(t, space, testutil.PutReceipt(t, space, alloc, b.blob))
	if !rcpt.IsOk() {
		return rcpt
	}

	accept := testutil.Invoke(t, svc, svc.DID(), capability.BlobAccept, svc.DID().String(), capability.AcceptCaveats{
		Space: space.DID(),
		Blob:  b.blob,
	}, r.nonce())
	rcpt = testutil.Execute(t, n.Service.Conn, accept)
	if !rcpt.IsOk() {
		return rcpt
	}
	var accepted capability.AcceptOk
	if err := rcpt.DecodeOk(&accepted); err != nil {
		t.Fatalf("decode acceptance of %s: %v", blobName, err)
	}
	site, err := ucan.View(accepted.Site, rcpt.Blocks())
	if err != nil {
		t.Fatalf("location commitment of %s: %v", blobName, err)
	}
	r.sites[spaceName+"/"+blobName] = site
	return rcpt
}

func (r *runner) allocate(s Step) *ucan.Receipt {
	svc := r.net.Service.Signer
	blob := r.blob(s.Blob, s.Data).blob
	if s.Size > 0 {
		blob.Size = s.Size
	}
	inv := testutil.Invoke(r.t, svc, svc.DID(), capability.BlobAllocate, svc.DID().String(), capability.AllocateCaveats{
		Space: r.space(s.Space).DID(),
		Blob:  blob,
	}, r.nonce())
	return testutil.Execute(r.t, r.net.Service.Conn, inv)
}

func (r *runner) replicate(s Step) (*ucan.Receipt, error) {
	siteName := s.Site
	if siteName == "" {
		siteName = s.Blob
	}
	site, ok := r.sites[s.Space+"/"+siteName]
	if !ok {
		return nil, fmt.Errorf("no location commitment for %s in space %s", siteName, s.Space)
	}
	space := r.space(s.Space)
	inv := testutil.Invoke(r.t, space, r.net.Service.DID(), capability.SpaceBlobReplicate, space.DID().String(), capability.ReplicateCaveats{
		Blob:     r.blob(s.Blob, s.Data).blob,
		Replicas: s.Replicas,
		Site:     site.Link(),
	}, ucan.WithBlocks(site.Blocks().All()...), r.nonce())
	return testutil.Execute(r.t, r.net.Service.Conn, inv), nil
}

// index builds a sharded index whose slices cover each shard, stores it as
// s.Blob and asks the service to publish it.
func (r *runner) index(s Step) (*ucan.Receipt, error) {
	idx := blobindex.ShardedIndex{Content: ucan.LinkFor([]byte(s.Blob))}
	for _, name := range s.Shards {
		shard := r.blob(name, "")
		ranges := []blobindex.Slice{{Digest: shard.blob.Digest, Offset: 0, Length: shard.blob.Size}}
		if s.Overflow {
			digest, err := multihash.Sum([]byte(name+" overflow"), multihash.SHA2_256, -1)
			if err != nil {
				return nil, err
			}
			ranges = append(ranges, blobindex.Slice{Digest: digest, Offset: shard.blob.Size, Length: 1})
		}
		idx.Shards = append(idx.Shards, blobindex.Shard{Digest: shard.blob.Digest, Slices: ranges})
	}
	data, err := blobindex.Encode(idx)
	if err != nil {
		return nil, err
	}
	b := r.define(s.Blob, data)

	if !s.SkipUpload {
		if rcpt := r.upload(s.Space, s.Blob, b); !rcpt.IsOk() {
			return nil, fmt.Errorf("upload index %s: %s", s.Blob, rcpt.Out().Error)
		}
	}

	space := r.space(s.Space)
	inv := testutil.Invoke(r.t, space, r.net.Service.DID(), capability.SpaceIndexAdd, space.DID().String(),
		capability.IndexAddCaveats{Index: ucan.RawLinkFor(data)}, r.nonce())
	return testutil.Execute(r.t, r.net.Service.Conn, inv), nil
}

// nonce keeps repeated steps from issuing identical invocations, which
// would share a task.
func (r *runner) nonce() ucan.Option {
	r.nonces++
	return ucan.WithNonce(strconv.Itoa(r.nonces))
}

// forks counts the forked invocations of a receipt by ability.
func forks(rcpt *ucan.Receipt) map[string]int {
	var out map[string]int
	for _, inv := range rcpt.ForkInvocations() {
		if out == nil {
			out = map[string]int{}
		}
		out[inv.Capability().Can]++
	}
	return out
}

func checkExpect(result *Result, ev TraceEvent, expect *ExpectClause) {
	if expect == nil {
		return
	}
	want := expect.Error
	if want == "" {
		want = OutcomeOk
	}
	if ev.Outcome != want {
		result.AddError(fmt.Sprintf("step %d (%s): expected %s, got %s", ev.Step, ev.Op, want, ev.Outcome))
	}
	for _, can := range slices.Sorted(maps.Keys(expect.Forks)) {
		if got := ev.Forks[can]; got != expect.Forks[can] {
			result.AddError(fmt.Sprintf("step %d (%s): expected %d %s forks, got %d", ev.Step, ev.Op, expect.Forks[can], can, got))
		}
	}
}
