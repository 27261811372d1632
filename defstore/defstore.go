// Package defstore implements the Definition Store: it validates author
// input, resolves refs to generated IDs, computes a structural content
// fingerprint, deduplicates via autoversion, and persists the result
// through a storekit.DefinitionStore. Grounded on
// goadesign-goa-ai's registry/service.go (validate -> store -> respond
// pipeline shape) and registry/store (Store interface split from its
// in-memory implementation), adapted from a live tool-registry service to a
// versioned, content-addressed definition store.
package defstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"goa.design/goa-ai/orcherr"
	"goa.design/goa-ai/storekit"
	"goa.design/goa-ai/telemetry"
)

// Store is the Definition Store component. It wraps a storekit.DefinitionStore
// with the validate/fingerprint/autoversion pipeline; the underlying Store
// never sees author-facing refs or unvalidated input.
type Store struct {
	backend storekit.DefinitionStore
	logger  telemetry.Logger
}

// Options configures a Store.
type Options struct {
	Backend storekit.DefinitionStore
	Logger  telemetry.Logger
}

// New constructs a Store. Backend is required.
func New(opts Options) (*Store, error) {
	if opts.Backend == nil {
		return nil, orcherr.New(orcherr.KindValidation, "defstore: Backend is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Store{backend: opts.Backend, logger: logger}, nil
}

// Put runs the full validate/fingerprint/autoversion/persist pipeline. It is
// single-pass and deterministic given the same input, modulo the Store's
// own autoversion bookkeeping.
func (s *Store) Put(ctx context.Context, in PutInput) (PutResult, error) {
	if err := validateOwnership(in); err != nil {
		return PutResult{}, err
	}
	if in.Reference == "" {
		in.Reference = in.Name
	}

	var (
		contentHash string
		content     json.RawMessage
		nodes       []storekit.Node
		transitions []storekit.Transition
		err         error
	)

	if in.Kind == storekit.KindWorkflow {
		if err = validateGraph(in.Graph); err != nil {
			return PutResult{}, err
		}
		if err = validateSchemaDocument(in.Graph.InputSchema, "inputSchema"); err != nil {
			return PutResult{}, err
		}
		if err = validateSchemaDocument(in.Graph.OutputSchema, "outputSchema"); err != nil {
			return PutResult{}, err
		}
		if err = validateSchemaDocument(in.Graph.ContextSchema, "contextSchema"); err != nil {
			return PutResult{}, err
		}
		contentHash, err = fingerprintWorkflow(*in.Graph)
		if err != nil {
			return PutResult{}, orcherr.Wrap(orcherr.KindValidation, "fingerprint workflow graph", err)
		}
	} else {
		contentHash, err = fingerprintContent(in.Content)
		if err != nil {
			return PutResult{}, orcherr.Wrap(orcherr.KindValidation, "fingerprint content", err)
		}
		content = in.Content
	}

	owner := in.ProjectID
	if owner == "" {
		owner = in.LibraryID
	}

	if in.Autoversion {
		existing, ferr := s.backend.FindByFingerprint(ctx, in.Reference, owner, contentHash)
		if ferr == nil {
			return PutResult{Definition: existing, Reused: true, LatestVersion: existing.Version}, nil
		}
		if !errorsIsNotFound(ferr) {
			return PutResult{}, orcherr.Wrap(orcherr.KindStorageUnavailable, "lookup fingerprint", ferr)
		}
		maxVer, merr := s.backend.MaxVersion(ctx, in.Reference, owner)
		if merr != nil {
			return PutResult{}, orcherr.Wrap(orcherr.KindStorageUnavailable, "lookup max version", merr)
		}
		version := maxVer + 1
		def, werr := s.write(ctx, in, version, content, contentHash, &nodes, &transitions)
		if werr != nil {
			return PutResult{}, werr
		}
		return PutResult{Definition: def, Reused: false, LatestVersion: version}, nil
	}

	version := 1
	maxVer, merr := s.backend.MaxVersion(ctx, in.Reference, owner)
	if merr != nil {
		return PutResult{}, orcherr.Wrap(orcherr.KindStorageUnavailable, "lookup max version", merr)
	}
	if maxVer > 0 {
		if !in.Force {
			return PutResult{}, orcherr.New(orcherr.KindConflict, "definition version collision").
				WithField("version").WithConstraint("unique(reference, owner, version)")
		}
		version = maxVer
	}
	def, werr := s.write(ctx, in, version, content, contentHash, &nodes, &transitions)
	if werr != nil {
		return PutResult{}, werr
	}
	return PutResult{Definition: def, Reused: false, LatestVersion: version}, nil
}

// write transforms the author-facing graph (or opaque content) into its
// persisted form and stores it under a resolved version number.
func (s *Store) write(ctx context.Context, in PutInput, version int, content json.RawMessage, contentHash string, nodesOut *[]storekit.Node, transitionsOut *[]storekit.Transition) (storekit.Definition, error) {
	now := time.Now().UTC()
	def := storekit.Definition{
		ID:          uuid.NewString(),
		Version:     version,
		Kind:        in.Kind,
		Name:        in.Name,
		Reference:   in.Reference,
		Description: in.Description,
		ProjectID:   in.ProjectID,
		LibraryID:   in.LibraryID,
		ContentHash: contentHash,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if in.Kind == storekit.KindWorkflow {
		nodes, transitions, initialNodeID, err := transformGraph(*in.Graph)
		if err != nil {
			return storekit.Definition{}, orcherr.Wrap(orcherr.KindValidation, "transform workflow graph", err)
		}
		graph := storekit.WorkflowGraph{
			Nodes:         nodes,
			Transitions:   transitions,
			InitialNodeID: initialNodeID,
			InputSchema:   in.Graph.InputSchema,
			OutputSchema:  in.Graph.OutputSchema,
			ContextSchema: in.Graph.ContextSchema,
			OutputMapping: in.Graph.OutputMapping,
		}
		encoded, err := json.Marshal(graph)
		if err != nil {
			return storekit.Definition{}, err
		}
		def.Content = encoded
		*nodesOut = nodes
		*transitionsOut = transitions
	} else {
		def.Content = content
	}

	if err := s.backend.Put(ctx, def, *nodesOut, *transitionsOut); err != nil {
		return storekit.Definition{}, orcherr.Wrap(orcherr.KindStorageUnavailable, "persist definition", err)
	}
	s.logger.Info(ctx, "definition stored", "id", def.ID, "version", def.Version, "reference", def.Reference)
	return def, nil
}

// Get returns the definition at the given version, or the latest version if
// version == 0.
func (s *Store) Get(ctx context.Context, id string, version int) (storekit.Definition, error) {
	def, err := s.backend.Get(ctx, id, version)
	if err != nil {
		return storekit.Definition{}, wrapNotFound(err)
	}
	return def, nil
}

// GetByReference returns the latest version of the definition matching
// kind/reference/owner.
func (s *Store) GetByReference(ctx context.Context, kind storekit.DefinitionKind, reference, owner string) (storekit.Definition, error) {
	def, err := s.backend.GetByReference(ctx, kind, reference, owner)
	if err != nil {
		return storekit.Definition{}, wrapNotFound(err)
	}
	return def, nil
}

// List returns the latest version of every definition of kind visible to
// the given project/library scope.
func (s *Store) List(ctx context.Context, kind storekit.DefinitionKind, projectID, libraryID string) ([]storekit.Definition, error) {
	return s.backend.List(ctx, kind, projectID, libraryID)
}

// Graph returns the nodes and transitions for a workflow definition
// version, used by the Workflow Coordinator to load a run's graph.
func (s *Store) Graph(ctx context.Context, id string, version int) ([]storekit.Node, []storekit.Transition, error) {
	nodes, transitions, err := s.backend.Graph(ctx, id, version)
	if err != nil {
		return nil, nil, wrapNotFound(err)
	}
	return nodes, transitions, nil
}

func wrapNotFound(err error) error {
	if errorsIsNotFound(err) {
		return orcherr.Wrap(orcherr.KindNotFound, "definition not found", err)
	}
	return orcherr.Wrap(orcherr.KindStorageUnavailable, "load definition", err)
}

func errorsIsNotFound(err error) bool {
	return err == storekit.ErrNotFound
}

// validateSchemaDocument confirms that a provided JSON-schema document (if
// non-empty) is itself well-formed, catching malformed authoring input
// before it reaches the Workflow Coordinator's input/output validation,
// which assumes a compilable schema.
func validateSchemaDocument(raw json.RawMessage, field string) error {
	if len(raw) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return orcherr.Wrap(orcherr.KindValidation, "invalid JSON in "+field, err).WithField(field)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(field+".json", doc); err != nil {
		return orcherr.Wrap(orcherr.KindValidation, "invalid JSON schema in "+field, err).WithField(field)
	}
	if _, err := c.Compile(field + ".json"); err != nil {
		return orcherr.Wrap(orcherr.KindValidation, "invalid JSON schema in "+field, err).WithField(field)
	}
	return nil
}
