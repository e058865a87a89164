package db

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"rag.evalgo.org/config"
)

// Open connects to PostgreSQL and configures the connection pool.
func Open(cfg config.DatabaseConfig) (*gorm.DB, error) {
	gdb, err := gorm.Open(postgres.Open(cfg.URL), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access sql.DB: %w", err)
	}
	maxOpen := cfg.MaxConnections
	if maxOpen <= 0 {
		maxOpen = 50
	}
	maxIdle := cfg.MaxIdle
	if maxIdle <= 0 {
		maxIdle = 10
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return gdb, nil
}

// Migrate creates or updates the schema, including the pgvector extension and
// the embeddings table used by the vector store.
func Migrate(gdb *gorm.DB, vectorDimension int) error {
	if err := gdb.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return fmt.Errorf("failed to enable pgvector: %w", err)
	}

	if err := gdb.AutoMigrate(
		&User{},
		&AccessToken{},
		&RefreshToken{},
		&Collection{},
		&Document{},
		&Upload{},
		&Chunk{},
		&Conversation{},
		&Message{},
		&ToolCall{},
	); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	if vectorDimension <= 0 {
		vectorDimension = 1536
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS chunk_embeddings (
		chunk_id      varchar(36) PRIMARY KEY,
		document_id   varchar(36) NOT NULL,
		collection_id varchar(36) NOT NULL,
		ordinal       integer NOT NULL,
		page          integer,
		section       varchar(255),
		embedding     vector(%d) NOT NULL
	)`, vectorDimension)
	if err := gdb.Exec(ddl).Error; err != nil {
		return fmt.Errorf("failed to create chunk_embeddings: %w", err)
	}
	if err := gdb.Exec("CREATE INDEX IF NOT EXISTS idx_chunk_embeddings_document ON chunk_embeddings (document_id)").Error; err != nil {
		return fmt.Errorf("failed to index chunk_embeddings: %w", err)
	}
	if err := gdb.Exec("CREATE INDEX IF NOT EXISTS idx_chunk_embeddings_collection ON chunk_embeddings (collection_id)").Error; err != nil {
		return fmt.Errorf("failed to index chunk_embeddings: %w", err)
	}
	return nil
}
