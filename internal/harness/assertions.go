package harness

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/blobcore/internal/capability"
	"github.com/roach88/blobcore/internal/store"
	"github.com/roach88/blobcore/internal/testutil"
)

// AssertionError is returned when an assertion fails. It carries the
// trace so the failure can be read against what the scenario did.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEvent
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s", ev.Step, ev.Op)
		if ev.Ability != "" {
			fmt.Fprintf(&buf, " %s", ev.Ability)
		}
		fmt.Fprintf(&buf, " -> %s\n", ev.Outcome)
	}
	return buf.String()
}

// claimAbilities are the abilities the recording claim services accept.
var claimAbilities = []string{capability.ClaimCache, capability.AssertIndex}

func (r *runner) evaluate(a Assertion, result *Result) error {
	got, err := r.measure(a, result)
	if err != nil {
		return err
	}
	if got != a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: describe(a, a.Count),
			Actual:   describe(a, got),
			Trace:    result.Trace,
		}
	}
	return nil
}

// measure returns the quantity an assertion compares with its count.
func (r *runner) measure(a Assertion, result *Result) (int, error) {
	switch a.Type {
	case AssertTraceCount:
		return result.Count(a.Op, a.Outcome), nil

	case AssertReplicaCount:
		return result.State.Replicas[a.Space+"/"+a.Blob][a.Status], nil

	case AssertRegistered:
		st, err := r.registry(a.Node)
		if err != nil {
			return 0, err
		}
		_, err = st.Find(r.ctx, r.space(a.Space).DID(), r.blob(a.Blob, "").blob.Digest)
		if errors.Is(err, store.ErrEntryNotFound) {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return 1, nil

	case AssertClaimCount:
		return result.State.Claims[a.Recipient][a.Ability], nil

	case AssertLedgerCount:
		return r.ledgerCount(a.Ability)
	}
	return 0, fmt.Errorf("unknown assertion type %q", a.Type)
}

// registry returns the store of "service" or "node-<i>".
func (r *runner) registry(node string) (*store.Store, error) {
	if node == "service" {
		return r.net.Service.Store, nil
	}
	i, err := strconv.Atoi(strings.TrimPrefix(node, "node-"))
	if err != nil || !strings.HasPrefix(node, "node-") || i < 0 || i >= len(r.net.Nodes) {
		return nil, fmt.Errorf("no node %q in a network of %d nodes", node, len(r.net.Nodes))
	}
	return r.net.Nodes[i].Store, nil
}

// ledgerCount counts the invocations of ability the service ledger holds.
func (r *runner) ledgerCount(ability string) (int, error) {
	const page = 256
	var after int64
	n := 0
	for {
		events, err := r.net.Service.Store.Events(r.ctx, after, page)
		if err != nil {
			return 0, err
		}
		for _, ev := range events {
			if ev.Type == store.EventWorkflow && ev.Can == ability {
				n++
			}
			after = ev.Seq
		}
		if len(events) < page {
			return n, nil
		}
	}
}

// state collects the replica and claim counts the snapshot keeps.
func (r *runner) state() (State, error) {
	var s State
	for key := range r.touched {
		spaceName, blobName, _ := strings.Cut(key, "/")
		rows, err := r.net.Service.Store.ListReplicas(r.ctx, r.space(spaceName).DID(), r.blob(blobName, "").blob.Digest)
		if err != nil {
			return State{}, err
		}
		for _, row := range rows {
			if s.Replicas == nil {
				s.Replicas = map[string]map[string]int{}
			}
			if s.Replicas[key] == nil {
				s.Replicas[key] = map[string]int{}
			}
			s.Replicas[key][string(row.Status)]++
		}
	}

	for recipient, rec := range map[string]*testutil.Recorder{"indexer": r.net.Indexer, "claims": r.net.Claims} {
		for _, can := range claimAbilities {
			n := len(rec.Invocations(can))
			if n == 0 {
				continue
			}
			if s.Claims == nil {
				s.Claims = map[string]map[string]int{}
			}
			if s.Claims[recipient] == nil {
				s.Claims[recipient] = map[string]int{}
			}
			s.Claims[recipient][can] = n
		}
	}
	return s, nil
}

func describe(a Assertion, n int) string {
	switch a.Type {
	case AssertTraceCount:
		if a.Outcome != "" {
			return fmt.Sprintf("%d %s steps with outcome %s", n, a.Op, a.Outcome)
		}
		return fmt.Sprintf("%d %s steps", n, a.Op)
	case AssertReplicaCount:
		return fmt.Sprintf("%d %s replicas of %s in %s", n, a.Status, a.Blob, a.Space)
	case AssertRegistered:
		if n == 0 {
			return fmt.Sprintf("%s not registered in %s on %s", a.Blob, a.Space, a.Node)
		}
		return fmt.Sprintf("%s registered in %s on %s", a.Blob, a.Space, a.Node)
	case AssertClaimCount:
		return fmt.Sprintf("%d %s claims at %s", n, a.Ability, a.Recipient)
	case AssertLedgerCount:
		return fmt.Sprintf("%d %s invocations in the ledger", n, a.Ability)
	}
	return strconv.Itoa(n)
}
