package mongo

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"goa.design/clue/health"

	"github.com/loomworks/loom/runtime/contract"
	"github.com/loomworks/loom/runtime/planner"
)

const (
	defaultCollection = "memory_notes"
	defaultTimeout    = 5 * time.Second
	defaultMaxNotes   = 20
	clientName        = "memory-mongo"
)

type (
	// Note is one durable memory entry scoped to a workflow. Notes are
	// append-only; the provider renders the most recent ones into the
	// planner's memory context.
	Note struct {
		Scope      contract.Scope
		WorkflowID string
		// Source labels who wrote the note (operator, summarizer, tool).
		Source    string
		Text      string
		CreatedAt time.Time
	}

	// Options configures the memory store.
	Options struct {
		Client   *mongodriver.Client
		Database string
		// Collection defaults to "memory_notes".
		Collection string
		// Timeout bounds individual operations. Defaults to 5s.
		Timeout time.Duration
		// MaxNotes bounds how many recent notes the provider renders.
		// Defaults to 20.
		MaxNotes int
	}

	// Store persists memory notes and exposes a planner.MemoryProvider.
	Store struct {
		client   *mongodriver.Client
		coll     *mongodriver.Collection
		timeout  time.Duration
		maxNotes int
	}

	noteDocument struct {
		TenantID    string    `bson:"tenant_id"`
		WorkspaceID string    `bson:"workspace_id"`
		WorkflowID  string    `bson:"workflow_id"`
		Source      string    `bson:"source,omitempty"`
		Text        string    `bson:"text"`
		CreatedAt   time.Time `bson:"created_at"`
	}
)

var _ health.Pinger = (*Store)(nil)

// New returns a Store backed by MongoDB and ensures its index.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxNotes := opts.MaxNotes
	if maxNotes <= 0 {
		maxNotes = defaultMaxNotes
	}
	s := &Store{
		client:   opts.Client,
		coll:     opts.Client.Database(opts.Database).Collection(collection),
		timeout:  timeout,
		maxNotes: maxNotes,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := s.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "tenant_id", Value: 1},
			{Key: "workspace_id", Value: 1},
			{Key: "workflow_id", Value: 1},
			{Key: "created_at", Value: 1},
		},
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return clientName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.client.Ping(ctx, readpref.Primary())
}

// AppendNote persists one memory note.
func (s *Store) AppendNote(ctx context.Context, note Note) error {
	if note.Scope.IsZero() || note.WorkflowID == "" {
		return errors.New("note scope and workflow id are required")
	}
	if strings.TrimSpace(note.Text) == "" {
		return errors.New("note text is required")
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = time.Now().UTC()
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.coll.InsertOne(ctx, noteDocument{
		TenantID:    note.Scope.TenantID,
		WorkspaceID: note.Scope.WorkspaceID,
		WorkflowID:  note.WorkflowID,
		Source:      note.Source,
		Text:        note.Text,
		CreatedAt:   note.CreatedAt,
	})
	return err
}

// ListNotes returns the workflow's notes, oldest first, bounded by MaxNotes.
func (s *Store) ListNotes(ctx context.Context, scope contract.Scope, workflowID string) ([]Note, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"tenant_id":    scope.TenantID,
		"workspace_id": scope.WorkspaceID,
		"workflow_id":  workflowID,
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(s.maxNotes))
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	var docs []noteDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}
	notes := make([]Note, len(docs))
	for i, doc := range docs {
		// Reverse the descending fetch so rendering reads oldest first.
		notes[len(docs)-1-i] = Note{
			Scope:      contract.Scope{TenantID: doc.TenantID, WorkspaceID: doc.WorkspaceID},
			WorkflowID: doc.WorkflowID,
			Source:     doc.Source,
			Text:       doc.Text,
			CreatedAt:  doc.CreatedAt,
		}
	}
	return notes, nil
}

// Provider returns the memory provider consumed by the planner loop.
func (s *Store) Provider() planner.MemoryProvider {
	return func(ctx context.Context, scope contract.Scope, workflowID string) (string, error) {
		notes, err := s.ListNotes(ctx, scope, workflowID)
		if err != nil {
			return "", err
		}
		return Render(notes), nil
	}
}

// Render formats notes as the memory context block handed to the planner.
// Returns the empty string when there are no notes.
func Render(notes []Note) string {
	if len(notes) == 0 {
		return ""
	}
	var b strings.Builder
	for _, note := range notes {
		b.WriteString("- ")
		if note.Source != "" {
			b.WriteString("[")
			b.WriteString(note.Source)
			b.WriteString("] ")
		}
		b.WriteString(note.Text)
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, s.timeout)
}
