// Package socket is the dual-mode access contract for the Krapi content
// backend. One logical interface, implemented twice: a remote adapter that
// speaks the HTTP API, and a local adapter that invokes the document engine
// in-process. For equivalent backing state both adapters return deep-equal
// results and equal error kinds for every operation.
//
// The adapter is selected exactly once, at Dial time, by the config variant:
//
//	sock, err := socket.Dial(socket.Remote{Endpoint: "http://localhost:8090", APIKey: key})
//	sock, err := socket.Dial(socket.Local{Handle: handle})
package socket

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// Socket is the full engine contract. Every method behaves identically on
// both adapters; see the package comment for the parity guarantee.
type Socket interface {
	// Projects.
	CreateProject(ctx context.Context, name string) (*Project, error)
	GetProject(ctx context.Context, projectID string) (*Project, error)
	ListProjects(ctx context.Context) ([]Project, error)
	DeleteProject(ctx context.Context, projectID string) error

	// Collections.
	CreateCollection(ctx context.Context, projectID string, spec CollectionSpec) (*Collection, error)
	GetCollection(ctx context.Context, projectID, name string) (*Collection, error)
	ListCollections(ctx context.Context, projectID string) ([]Collection, error)
	UpdateCollection(ctx context.Context, projectID, name string, update CollectionUpdate) (*Collection, error)
	DeleteCollection(ctx context.Context, projectID, name string, cascade bool) error
	ValidateSchema(ctx context.Context, projectID, name string) (*SchemaReport, error)

	// Documents.
	CreateDocument(ctx context.Context, projectID, collection string, data map[string]any) (*Document, error)
	GetDocument(ctx context.Context, projectID, collection, id string) (*Document, error)
	UpdateDocument(ctx context.Context, projectID, collection, id string, data map[string]any) (*Document, error)
	DeleteDocument(ctx context.Context, projectID, collection, id string, opts DeleteOptions) error
	ListDocuments(ctx context.Context, projectID, collection string, opts ListOptions) (*DocumentPage, error)
	CountDocuments(ctx context.Context, projectID, collection string, filter *Filter) (int64, error)
	BulkCreate(ctx context.Context, projectID, collection string, items []map[string]any) (*BulkCreateResult, error)
	BulkUpdate(ctx context.Context, projectID, collection string, items []BulkUpdateItem) (*BulkUpdateResult, error)
	BulkDelete(ctx context.Context, projectID, collection string, ids []string, opts DeleteOptions) (*BulkDeleteResult, error)
	Aggregate(ctx context.Context, projectID, collection string, req AggregateRequest) (*AggregateResult, error)

	// Search matches whitespace-separated tokens of text against the named
	// fields, case-insensitively; at least one field is required. Results
	// are capped at the server's maximum page size with no further pages;
	// narrow the text or fields to retrieve more specific matches.
	Search(ctx context.Context, projectID, collection, text string, fields []string) ([]Document, error)

	Close() error
}

// Config is the tagged connection variant, resolved exactly once by Dial.
// The adapter choice is never inferred per-call.
type Config interface {
	socketConfig()
}

// Remote selects the HTTP adapter. Exactly one of Token or APIKey may be
// set; supplying both is a Dial error, and the credential setters on the
// live adapter clear each other.
type Remote struct {
	// Endpoint is the server base URL, e.g. "http://localhost:8090".
	Endpoint string

	// Token is a bearer session token.
	Token string

	// APIKey is a project-scoped API key.
	APIKey string

	// Timeout bounds each call when the caller's context carries no
	// deadline. Zero means DefaultTimeout.
	Timeout time.Duration

	// Client overrides the HTTP client. Nil uses a dedicated default.
	Client *http.Client
}

func (Remote) socketConfig() {}

// Local selects the in-process adapter.
type Local struct {
	Handle *Handle
}

func (Local) socketConfig() {}

// DefaultTimeout bounds remote calls whose context has no deadline.
const DefaultTimeout = 30 * time.Second

// Dial resolves the config variant into a connected Socket.
func Dial(cfg Config) (Socket, error) {
	switch c := cfg.(type) {
	case Remote:
		return dialRemote(c)
	case Local:
		if c.Handle == nil {
			return nil, errors.New("socket: local config requires a handle")
		}
		return &localSocket{h: c.Handle}, nil
	default:
		return nil, errors.New("socket: unknown config variant")
	}
}
