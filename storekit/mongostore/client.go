package mongostore

import (
	"context"
	"errors"
	"time"

	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"
)

const clientName = "storekit-mongo"

// Options configures the MongoDB-backed storekit Stores. Client is an
// already-connected driver client; this package only ever touches the one
// Database named here.
type Options struct {
	Client   *mongodriver.Client
	Database string
	Timeout  time.Duration
}

// Stores bundles one MongoDB-backed implementation of every storekit Store
// interface, sharing a single mongo.Client/Database/timeout the way
// run/mongo.Store and runlog/mongo.Store share one client per feature.
type Stores struct {
	client   *mongodriver.Client
	database string
	timeout  time.Duration

	Definitions   *DefinitionStore
	WorkflowRuns  *WorkflowRunStore
	Conversations *ConversationStore
	Turns         *TurnStore
	Events        *EventStore
}

var _ health.Pinger = (*Stores)(nil)

// New connects every storekit Store to opts.Database on opts.Client,
// ensuring each collection's indexes exist before returning.
func New(ctx context.Context, opts Options) (*Stores, error) {
	if opts.Client == nil {
		return nil, errors.New("mongostore: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongostore: database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}

	defs, err := newDefinitionStore(ctx, opts.Client, opts.Database, timeout)
	if err != nil {
		return nil, err
	}
	runs, err := newWorkflowRunStore(ctx, opts.Client, opts.Database, timeout)
	if err != nil {
		return nil, err
	}
	convs, err := newConversationStore(opts.Client, opts.Database, timeout)
	if err != nil {
		return nil, err
	}
	turns, err := newTurnStore(ctx, opts.Client, opts.Database, timeout)
	if err != nil {
		return nil, err
	}
	events, err := newEventStore(ctx, opts.Client, opts.Database, timeout)
	if err != nil {
		return nil, err
	}

	return &Stores{
		client:        opts.Client,
		database:      opts.Database,
		timeout:       timeout,
		Definitions:   defs,
		WorkflowRuns:  runs,
		Conversations: convs,
		Turns:         turns,
		Events:        events,
	}, nil
}

// Name implements health.Pinger.
func (s *Stores) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Stores) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.client.Ping(ctx, readpref.Primary())
}
