// Package main seeds a Krapi database from a YAML fixture file: projects,
// collection definitions, documents, and API keys. Idempotent enough to rerun
// against an existing database; entities that already exist are skipped.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"krapi.io/krapi/internal/auth"
	"krapi.io/krapi/internal/config"
	"krapi.io/krapi/internal/infrastructure"
	"krapi.io/krapi/internal/migrate"
	"krapi.io/krapi/internal/pkg/logger"
	"krapi.io/krapi/internal/schema"
	"krapi.io/krapi/internal/store"
	"krapi.io/krapi/pkg/socket"
)

type fixtures struct {
	Projects []projectFixture `yaml:"projects"`
}

type projectFixture struct {
	Name        string              `yaml:"name"`
	APIKeys     []string            `yaml:"api_keys"`
	Collections []collectionFixture `yaml:"collections"`
}

type collectionFixture struct {
	Name      string           `yaml:"name"`
	Fields    []fieldFixture   `yaml:"fields"`
	Indexes   []socket.Index   `yaml:"indexes"`
	Documents []map[string]any `yaml:"documents"`
}

type fieldFixture struct {
	Name       string         `yaml:"name"`
	Type       string         `yaml:"type"`
	Required   bool           `yaml:"required"`
	Unique     bool           `yaml:"unique"`
	Indexed    bool           `yaml:"indexed"`
	Default    any            `yaml:"default"`
	Validation map[string]any `yaml:"validation"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "seed error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fixturePath := flag.String("fixtures", "seed.yaml", "path to the YAML fixture file")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	raw, err := os.ReadFile(*fixturePath)
	if err != nil {
		return fmt.Errorf("read fixtures: %w", err)
	}
	var fx fixtures
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return fmt.Errorf("parse fixtures: %w", err)
	}

	ctx := context.Background()
	db, err := infrastructure.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := migrate.Up(ctx, db); err != nil {
		return fmt.Errorf("apply engine migrations: %w", err)
	}

	reg := schema.NewRegistry(db)
	st := store.New(db, reg, store.Options{
		MaxPageSize:     cfg.Store.MaxPageSize,
		DefaultPageSize: cfg.Store.DefaultPageSize,
	})
	engine := migrate.NewEngine(db, reg, st, migrate.Options{})
	sock, err := socket.Dial(socket.Local{Handle: &socket.Handle{
		Registry: reg,
		Store:    st,
		Engine:   engine,
	}})
	if err != nil {
		return fmt.Errorf("dial local socket: %w", err)
	}
	keys := auth.NewKeys(db)

	ctx = socket.WithActor(ctx, "seed")
	logger.Info("Seeding fixtures", zap.String("file", *fixturePath))

	for _, pf := range fx.Projects {
		if err := seedProject(ctx, sock, keys, pf); err != nil {
			return fmt.Errorf("seed project %q: %w", pf.Name, err)
		}
	}

	logger.Info("Seeding completed")
	return nil
}

func seedProject(ctx context.Context, sock socket.Socket, keys *auth.Keys, pf projectFixture) error {
	project, err := sock.CreateProject(ctx, pf.Name)
	if err != nil {
		if socket.KindOf(err) != socket.KindUniqueConstraint {
			return err
		}
		project, err = findProject(ctx, sock, pf.Name)
		if err != nil {
			return err
		}
		logger.Info("Project exists, reusing", zap.String("project", pf.Name))
	}

	// Document loads for distinct collections are independent; run them
	// concurrently and let the store serialize the writes.
	g, gctx := errgroup.WithContext(ctx)
	for _, cf := range pf.Collections {
		cf := cf
		spec, err := collectionSpec(cf)
		if err != nil {
			return err
		}
		if _, err := sock.CreateCollection(ctx, project.ID, spec); err != nil {
			if socket.KindOf(err) != socket.KindDuplicateCollection {
				return err
			}
		}
		g.Go(func() error {
			return seedDocuments(gctx, sock, project.ID, cf)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, name := range pf.APIKeys {
		key, secret, err := keys.Issue(ctx, project.ID, name)
		if err != nil {
			return fmt.Errorf("issue api key %q: %w", name, err)
		}
		// The secret is recoverable only here; print it for the operator.
		fmt.Printf("api key %q for project %q: %s (id %s)\n", name, pf.Name, secret, key.ID)
	}
	return nil
}

func seedDocuments(ctx context.Context, sock socket.Socket, projectID string, cf collectionFixture) error {
	if len(cf.Documents) == 0 {
		return nil
	}
	res, err := sock.BulkCreate(ctx, projectID, cf.Name, cf.Documents)
	if err != nil {
		return err
	}
	for _, item := range res.Errors {
		// Rerunning against seeded data trips unique constraints; that is
		// the idempotent path, not a failure.
		if item.Kind == socket.KindUniqueConstraint {
			continue
		}
		return fmt.Errorf("document %d in %q: %s", item.Index, cf.Name, item.Reason)
	}
	logger.Info("Seeded documents",
		zap.String("collection", cf.Name),
		zap.Int("created", len(res.Created)),
		zap.Int("skipped", len(res.Errors)))
	return nil
}

func findProject(ctx context.Context, sock socket.Socket, name string) (*socket.Project, error) {
	projects, err := sock.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	for i := range projects {
		if projects[i].Name == name {
			return &projects[i], nil
		}
	}
	return nil, errors.New("project vanished between create and lookup")
}

func collectionSpec(cf collectionFixture) (socket.CollectionSpec, error) {
	spec := socket.CollectionSpec{Name: cf.Name, Indexes: cf.Indexes}
	for _, ff := range cf.Fields {
		f := socket.Field{
			Name:     ff.Name,
			Type:     socket.FieldType(ff.Type),
			Required: ff.Required,
			Unique:   ff.Unique,
			Indexed:  ff.Indexed,
			Default:  ff.Default,
		}
		if len(ff.Validation) > 0 {
			rule, err := json.Marshal(ff.Validation)
			if err != nil {
				return spec, fmt.Errorf("field %q validation: %w", ff.Name, err)
			}
			f.Validation = rule
		}
		spec.Fields = append(spec.Fields, f)
	}
	return spec, nil
}
