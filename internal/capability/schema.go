package capability

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/blobcore/internal/ucan"
)

//go:embed schema.cue
var schemaSource string

// ErrNameMalformed is the failure name for caveats that do not decode or
// do not satisfy their schema.
const ErrNameMalformed = "MalformedCapability"

// caveatTypes maps each ability to a constructor for its caveats.
var caveatTypes = map[string]func() any{
	BlobAllocate:        func() any { return &AllocateCaveats{} },
	LegacyBlobAllocate:  func() any { return &AllocateCaveats{} },
	BlobAccept:          func() any { return &AcceptCaveats{} },
	LegacyBlobAccept:    func() any { return &AcceptCaveats{} },
	BlobReplicaAllocate: func() any { return &ReplicaAllocateCaveats{} },
	BlobReplicaTransfer: func() any { return &ReplicaTransferCaveats{} },
	SpaceBlobReplicate:  func() any { return &ReplicateCaveats{} },
	UCANConclude:        func() any { return &ConcludeCaveats{} },
	SpaceIndexAdd:       func() any { return &IndexAddCaveats{} },
	HTTPPut:             func() any { return &HTTPPutCaveats{} },
}

// Schemas validates capabilities against the embedded CUE definitions.
// A CUE context is not safe for concurrent use, so validation is
// serialized.
type Schemas struct {
	mu   sync.Mutex
	ctx  *cue.Context
	root cue.Value
}

// LoadSchemas compiles the embedded schema file.
func LoadSchemas() (*Schemas, error) {
	ctx := cuecontext.New()
	root := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := root.Err(); err != nil {
		return nil, fmt.Errorf("compile capability schemas: %w", err)
	}
	return &Schemas{ctx: ctx, root: root}, nil
}

// MustLoadSchemas is LoadSchemas for package initialization and tests.
func MustLoadSchemas() *Schemas {
	s, err := LoadSchemas()
	if err != nil {
		panic(err)
	}
	return s
}

// Known reports whether the ability has a schema.
func (s *Schemas) Known(ability string) bool {
	_, ok := caveatTypes[ability]
	return ok
}

// Validate checks the capability's caveats. Abilities without a schema are
// accepted as is.
func (s *Schemas) Validate(c ucan.Capability) error {
	factory, ok := caveatTypes[c.Can]
	if !ok {
		return nil
	}
	nb := factory()
	if err := c.DecodeNb(nb); err != nil {
		return malformed(c, err)
	}
	doc, err := json.Marshal(map[string]any{"with": c.With, "nb": nb})
	if err != nil {
		return malformed(c, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	schema := s.root.LookupPath(cue.MakePath(cue.Str(c.Can)))
	if !schema.Exists() {
		return nil
	}
	value := s.ctx.CompileBytes(doc)
	if err := value.Err(); err != nil {
		return malformed(c, err)
	}
	if err := schema.Unify(value).Validate(cue.Concrete(true)); err != nil {
		return malformed(c, err)
	}
	return nil
}

func malformed(c ucan.Capability, err error) *ucan.Failure {
	return ucan.NewFailure(ErrNameMalformed, "Capability %s on %s is malformed: %v", c.Can, c.With, err).
		With("capability", c.Can)
}

// Decode decodes a capability's caveats into T, returning a
// MalformedCapability failure on error.
func Decode[T any](c ucan.Capability) (T, error) {
	var nb T
	if err := c.DecodeNb(&nb); err != nil {
		return nb, malformed(c, err)
	}
	return nb, nil
}
