package database

import (
	"context"
	"fmt"
	"strings"

	"bookbot/config"

	"go.uber.org/zap"
)

// DefaultSQLitePath is used when DATABASE_URL is empty.
const DefaultSQLitePath = "bookbot.db"

// Backend names an adapter.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
	BackendMongo    Backend = "mongodb"
)

// ResolveURL maps a DATABASE_URL to the adapter that serves it and the
// connection string that adapter expects.
func ResolveURL(raw string) (Backend, string) {
	url := strings.TrimSpace(raw)
	lower := strings.ToLower(url)
	switch {
	case url == "":
		return BackendSQLite, DefaultSQLitePath
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return BackendPostgres, url
	case strings.HasPrefix(lower, "mongodb://"), strings.HasPrefix(lower, "mongodb+srv://"):
		return BackendMongo, url
	case strings.HasPrefix(lower, "sqlite://"):
		path := url[len("sqlite://"):]
		if path == "" {
			path = DefaultSQLitePath
		}
		return BackendSQLite, path
	default:
		return BackendSQLite, url
	}
}

// Open connects the repository selected by cfg.DatabaseURL. It does not migrate.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (PostRepository, error) {
	backend, dsn := ResolveURL(cfg.DatabaseURL)
	logger = logger.With(zap.String("component", "database"), zap.String("backend", string(backend)))

	switch backend {
	case BackendPostgres:
		repo, err := OpenPostgres(ctx, dsn, 4)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to PostgreSQL")
		return repo, nil
	case BackendMongo:
		client, db, err := ConnectMongo(ctx, dsn, cfg.MongoDBDatabase)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to MongoDB", zap.String("database", cfg.MongoDBDatabase))
		return NewMongoPostRepository(client, db), nil
	case BackendSQLite:
		repo, err := OpenSQLite(ctx, dsn)
		if err != nil {
			return nil, err
		}
		logger.Info("opened SQLite database", zap.String("path", dsn))
		return repo, nil
	}
	return nil, fmt.Errorf("unsupported database backend %q", backend)
}
