package socket

import "context"

// SchemaRegistry is the definition side of the engine, satisfied by the
// server's schema registry. Declared here so the local adapter can hold the
// engine without this package importing server internals.
type SchemaRegistry interface {
	CreateProject(ctx context.Context, name string) (*Project, error)
	GetProject(ctx context.Context, projectID string) (*Project, error)
	ListProjects(ctx context.Context) ([]Project, error)
	DeleteProject(ctx context.Context, projectID string) error

	DefineCollection(ctx context.Context, projectID string, spec CollectionSpec) (*Collection, error)
	GetCollection(ctx context.Context, projectID, name string) (*Collection, error)
	ListCollections(ctx context.Context, projectID string) ([]Collection, error)
	DeleteCollectionDefinition(ctx context.Context, collectionID string) error
	ValidateDefinition(c *Collection) []SchemaIssue
}

// DocumentStore is the data side of the engine.
type DocumentStore interface {
	Create(ctx context.Context, projectID, collection string, data map[string]any) (*Document, error)
	Get(ctx context.Context, projectID, collection, id string) (*Document, error)
	Update(ctx context.Context, projectID, collection, id string, data map[string]any) (*Document, error)
	Delete(ctx context.Context, projectID, collection, id string, opts DeleteOptions) error
	DeleteAll(ctx context.Context, coll *Collection) (int64, error)

	List(ctx context.Context, projectID, collection string, opts ListOptions) (*DocumentPage, error)
	Count(ctx context.Context, projectID, collection string, filter *Filter) (int64, error)
	Search(ctx context.Context, projectID, collection, text string, fields []string) ([]Document, error)
	Aggregate(ctx context.Context, projectID, collection string, req AggregateRequest) (*AggregateResult, error)

	BulkCreate(ctx context.Context, projectID, collection string, items []map[string]any) (*BulkCreateResult, error)
	BulkUpdate(ctx context.Context, projectID, collection string, items []BulkUpdateItem) (*BulkUpdateResult, error)
	BulkDelete(ctx context.Context, projectID, collection string, ids []string, opts DeleteOptions) (*BulkDeleteResult, error)

	CheckData(ctx context.Context, coll *Collection) ([]SchemaIssue, error)
	ExclusiveCollectionLock(collectionID string) func()
}

// MigrationEngine applies additive schema evolution.
type MigrationEngine interface {
	Apply(ctx context.Context, projectID, collection string, update CollectionUpdate) (*Collection, error)
	EnsureIndexes(ctx context.Context, coll *Collection) error
	DropIndexes(ctx context.Context, coll *Collection) error
}

// Handle bundles the in-process engine for the local adapter. The caller
// owns the lifecycle of the underlying database; closing a local socket
// closes nothing.
type Handle struct {
	Registry SchemaRegistry
	Store    DocumentStore
	Engine   MigrationEngine
}

// localSocket invokes the engine directly, with no serialization step. Inputs
// and outputs pass through the same canonical value normalization as the
// remote adapter's JSON round trip.
type localSocket struct {
	h *Handle
}

var _ Socket = (*localSocket)(nil)

func (l *localSocket) CreateProject(ctx context.Context, name string) (*Project, error) {
	return l.h.Registry.CreateProject(ctx, name)
}

func (l *localSocket) GetProject(ctx context.Context, projectID string) (*Project, error) {
	return l.h.Registry.GetProject(ctx, projectID)
}

func (l *localSocket) ListProjects(ctx context.Context) ([]Project, error) {
	return l.h.Registry.ListProjects(ctx)
}

func (l *localSocket) DeleteProject(ctx context.Context, projectID string) error {
	return l.h.Registry.DeleteProject(ctx, projectID)
}

func (l *localSocket) CreateCollection(ctx context.Context, projectID string, spec CollectionSpec) (*Collection, error) {
	coll, err := l.h.Registry.DefineCollection(ctx, projectID, spec)
	if err != nil {
		return nil, err
	}
	if err := l.h.Engine.EnsureIndexes(ctx, coll); err != nil {
		return nil, err
	}
	return coll, nil
}

func (l *localSocket) GetCollection(ctx context.Context, projectID, name string) (*Collection, error) {
	return l.h.Registry.GetCollection(ctx, projectID, name)
}

func (l *localSocket) ListCollections(ctx context.Context, projectID string) ([]Collection, error) {
	return l.h.Registry.ListCollections(ctx, projectID)
}

func (l *localSocket) UpdateCollection(ctx context.Context, projectID, name string, update CollectionUpdate) (*Collection, error) {
	return l.h.Engine.Apply(ctx, projectID, name, update)
}

// DeleteCollection removes a collection definition. A non-empty collection is
// refused with CollectionInUse unless cascade is set, in which case its
// documents are hard-deleted first. Runs under the collection's exclusive
// lock so the emptiness check cannot race a concurrent create.
func (l *localSocket) DeleteCollection(ctx context.Context, projectID, name string, cascade bool) error {
	coll, err := l.h.Registry.GetCollection(ctx, projectID, name)
	if err != nil {
		return err
	}
	release := l.h.Store.ExclusiveCollectionLock(coll.ID)
	defer release()

	if cascade {
		if _, err := l.h.Store.DeleteAll(ctx, coll); err != nil {
			return err
		}
	} else {
		n, err := l.h.Store.Count(ctx, projectID, name, nil)
		if err != nil {
			return err
		}
		if n > 0 {
			return Newf(KindCollectionInUse,
				"collection %q contains %d documents; delete them or pass cascade", name, n)
		}
	}
	if err := l.h.Engine.DropIndexes(ctx, coll); err != nil {
		return err
	}
	return l.h.Registry.DeleteCollectionDefinition(ctx, coll.ID)
}

func (l *localSocket) ValidateSchema(ctx context.Context, projectID, name string) (*SchemaReport, error) {
	coll, err := l.h.Registry.GetCollection(ctx, projectID, name)
	if err != nil {
		return nil, err
	}
	issues := l.h.Registry.ValidateDefinition(coll)
	dataIssues, err := l.h.Store.CheckData(ctx, coll)
	if err != nil {
		return nil, err
	}
	issues = append(issues, dataIssues...)
	return &SchemaReport{Valid: len(issues) == 0, Issues: issues}, nil
}

func (l *localSocket) CreateDocument(ctx context.Context, projectID, collection string, data map[string]any) (*Document, error) {
	return l.h.Store.Create(ctx, projectID, collection, data)
}

func (l *localSocket) GetDocument(ctx context.Context, projectID, collection, id string) (*Document, error) {
	return l.h.Store.Get(ctx, projectID, collection, id)
}

func (l *localSocket) UpdateDocument(ctx context.Context, projectID, collection, id string, data map[string]any) (*Document, error) {
	return l.h.Store.Update(ctx, projectID, collection, id, data)
}

func (l *localSocket) DeleteDocument(ctx context.Context, projectID, collection, id string, opts DeleteOptions) error {
	return l.h.Store.Delete(ctx, projectID, collection, id, opts)
}

func (l *localSocket) ListDocuments(ctx context.Context, projectID, collection string, opts ListOptions) (*DocumentPage, error) {
	return l.h.Store.List(ctx, projectID, collection, opts)
}

func (l *localSocket) CountDocuments(ctx context.Context, projectID, collection string, filter *Filter) (int64, error) {
	return l.h.Store.Count(ctx, projectID, collection, filter)
}

func (l *localSocket) BulkCreate(ctx context.Context, projectID, collection string, items []map[string]any) (*BulkCreateResult, error) {
	return l.h.Store.BulkCreate(ctx, projectID, collection, items)
}

func (l *localSocket) BulkUpdate(ctx context.Context, projectID, collection string, items []BulkUpdateItem) (*BulkUpdateResult, error) {
	return l.h.Store.BulkUpdate(ctx, projectID, collection, items)
}

func (l *localSocket) BulkDelete(ctx context.Context, projectID, collection string, ids []string, opts DeleteOptions) (*BulkDeleteResult, error) {
	return l.h.Store.BulkDelete(ctx, projectID, collection, ids, opts)
}

func (l *localSocket) Aggregate(ctx context.Context, projectID, collection string, req AggregateRequest) (*AggregateResult, error) {
	return l.h.Store.Aggregate(ctx, projectID, collection, req)
}

func (l *localSocket) Search(ctx context.Context, projectID, collection, text string, fields []string) ([]Document, error) {
	return l.h.Store.Search(ctx, projectID, collection, text, fields)
}

func (l *localSocket) Close() error { return nil }
