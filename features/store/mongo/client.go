package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"goa.design/clue/health"
)

// Collection names.
const (
	collRequests  = "objective_requests"
	collWorkflows = "workflows"
	collSteps     = "planner_steps"
	collSignals   = "workflow_signals"
	collPolicies  = "policy_decisions"
	collApprovals = "approval_decisions"
	collAudits    = "audit_records"
	collJobs      = "queue_jobs"
	collEvents    = "run_events"
	collCounters  = "run_counters"
	collReceipts  = "message_receipts"
	collThreads   = "message_threads"
	collInbox     = "signal_inbox"
	collSnapshots = "runtime_snapshots"
)

const (
	defaultOpTimeout = 5 * time.Second
	storeClientName  = "planner-store-mongo"
)

type (
	// Options configures the Mongo store.
	Options struct {
		Client   *mongodriver.Client
		Database string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
	}

	// Store is the MongoDB persistence port.
	Store struct {
		client  *mongodriver.Client
		db      *mongodriver.Database
		timeout time.Duration
	}
)

var _ health.Pinger = (*Store)(nil)

// New returns a Store backed by MongoDB and ensures its indexes.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	s := &Store{
		client:  opts.Client,
		db:      opts.Client.Database(opts.Database),
		timeout: timeout,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeClientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) coll(name string) *mongodriver.Collection {
	return s.db.Collection(name)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	// Session contexts keep their transaction deadline.
	if mongodriver.SessionFromContext(ctx) != nil {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	unique := func(keys bson.D) mongodriver.IndexModel {
		return mongodriver.IndexModel{Keys: keys, Options: options.Index().SetUnique(true)}
	}
	plain := func(keys bson.D) mongodriver.IndexModel {
		return mongodriver.IndexModel{Keys: keys}
	}
	scoped := func(field string) bson.D {
		return bson.D{
			{Key: "tenant_id", Value: 1},
			{Key: "workspace_id", Value: 1},
			{Key: field, Value: 1},
		}
	}
	indexes := map[string][]mongodriver.IndexModel{
		collRequests:  {unique(scoped("request_id"))},
		collWorkflows: {unique(scoped("workflow_id"))},
		collSteps: {unique(bson.D{
			{Key: "tenant_id", Value: 1},
			{Key: "workspace_id", Value: 1},
			{Key: "workflow_id", Value: 1},
			{Key: "step_number", Value: 1},
		})},
		collSignals: {unique(scoped("signal_id"))},
		collPolicies: {plain(bson.D{
			{Key: "tenant_id", Value: 1},
			{Key: "workspace_id", Value: 1},
			{Key: "workflow_id", Value: 1},
			{Key: "step_number", Value: 1},
		})},
		collApprovals: {plain(scoped("workflow_id"))},
		collAudits: {plain(bson.D{
			{Key: "tenant_id", Value: 1},
			{Key: "workspace_id", Value: 1},
			{Key: "request_id", Value: 1},
			{Key: "occurred_at", Value: 1},
		})},
		collJobs: {
			unique(scoped("request_id")),
			plain(bson.D{{Key: "status", Value: 1}, {Key: "available_at", Value: 1}}),
		},
		collEvents: {
			unique(bson.D{{Key: "run_id", Value: 1}, {Key: "event_id", Value: 1}}),
			plain(bson.D{{Key: "run_id", Value: 1}, {Key: "stream_position", Value: 1}}),
		},
		collCounters: {unique(bson.D{{Key: "counter_id", Value: 1}})},
		collReceipts: {unique(bson.D{
			{Key: "provider", Value: 1},
			{Key: "provider_team_id", Value: 1},
			{Key: "event_id", Value: 1},
		})},
		collThreads: {plain(bson.D{
			{Key: "channel_type", Value: 1},
			{Key: "channel_id", Value: 1},
			{Key: "thread_id", Value: 1},
		})},
		collInbox: {
			unique(scoped("signal_id")),
			plain(bson.D{
				{Key: "tenant_id", Value: 1},
				{Key: "workspace_id", Value: 1},
				{Key: "workflow_id", Value: 1},
				{Key: "status", Value: 1},
				{Key: "occurred_at", Value: 1},
			}),
		},
		collSnapshots: {unique(scoped("workflow_id"))},
	}
	for name, models := range indexes {
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return err
		}
	}
	return nil
}
