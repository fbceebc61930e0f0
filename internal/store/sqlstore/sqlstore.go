// Package sqlstore persists node definitions and flows in a relational
// database through gorm. Postgres is used in production; SQLite serves
// embedded deployments and tests.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/raphaelgruber/flowhub/internal/models"
	"github.com/raphaelgruber/flowhub/internal/store"
)

// Store implements store.FlowStore.
type Store struct {
	db *gorm.DB
}

var _ store.FlowStore = (*Store)(nil)

// Open connects to dsn and migrates the schema. DSNs starting with
// "postgres://" or "postgresql://" use Postgres; anything else is treated
// as a SQLite path (":memory:" included).
func Open(ctx context.Context, dsn string, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		dialector = postgres.Open(dsn)
	default:
		dialector = sqlite.Open(strings.TrimPrefix(dsn, "sqlite://"))
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.NewSlogLogger(log, logger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open flow store: %w", err)
	}
	if _, isSQLite := dialector.(*sqlite.Dialector); isSQLite {
		// SQLite serializes writers; one connection keeps ":memory:" shared.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sql db: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return New(ctx, db)
}

// New wraps an existing gorm handle and migrates the schema.
func New(ctx context.Context, db *gorm.DB) (*Store, error) {
	if err := db.WithContext(ctx).AutoMigrate(&nodeDefinitionRecord{}, &flowRecord{}); err != nil {
		return nil, fmt.Errorf("migrate flow store: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%w: %s already exists", store.ErrConflict, what)
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// CreateNodeDefinition inserts a definition; duplicate names are a conflict.
func (s *Store) CreateNodeDefinition(ctx context.Context, def *models.NodeDefinition) (*models.NodeDefinition, error) {
	rec := toNodeRecord(def)
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, translate(err, fmt.Sprintf("node definition %q", def.Name))
	}
	return rec.toModel(), nil
}

// GetNodeDefinition returns nil when the id is unknown.
func (s *Store) GetNodeDefinition(ctx context.Context, id string) (*models.NodeDefinition, error) {
	return s.firstNode(ctx, "id = ?", id)
}

// GetNodeDefinitionByName returns nil when the name is unknown.
func (s *Store) GetNodeDefinitionByName(ctx context.Context, name string) (*models.NodeDefinition, error) {
	return s.firstNode(ctx, "name = ?", name)
}

func (s *Store) firstNode(ctx context.Context, where string, arg any) (*models.NodeDefinition, error) {
	var rec nodeDefinitionRecord
	err := s.db.WithContext(ctx).Where(where, arg).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get node definition: %w", err)
	}
	return rec.toModel(), nil
}

// ListNodeDefinitions returns every definition ordered by name.
func (s *Store) ListNodeDefinitions(ctx context.Context) ([]models.NodeDefinition, error) {
	var recs []nodeDefinitionRecord
	if err := s.db.WithContext(ctx).Order("name").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list node definitions: %w", err)
	}
	out := make([]models.NodeDefinition, len(recs))
	for i := range recs {
		out[i] = *recs[i].toModel()
	}
	return out, nil
}

// UpdateNodeDefinition overwrites every mutable column of a definition.
func (s *Store) UpdateNodeDefinition(ctx context.Context, def *models.NodeDefinition) (*models.NodeDefinition, error) {
	rec := toNodeRecord(def)
	res := s.db.WithContext(ctx).Model(&nodeDefinitionRecord{}).
		Where("id = ?", def.ID).
		Select("*").Omit("id", "created_at").
		Updates(&rec)
	if res.Error != nil {
		return nil, translate(res.Error, fmt.Sprintf("node definition %q", def.Name))
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("node definition %s: %w", def.ID, store.ErrNotFound)
	}
	return s.GetNodeDefinition(ctx, def.ID)
}

// DeleteNodeDefinition removes a definition.
func (s *Store) DeleteNodeDefinition(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&nodeDefinitionRecord{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete node definition: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("node definition %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// CreateFlow inserts a flow.
func (s *Store) CreateFlow(ctx context.Context, f *models.Flow) (*models.Flow, error) {
	rec := toFlowRecord(f)
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		return nil, translate(err, fmt.Sprintf("flow %q", f.Name))
	}
	return rec.toModel(), nil
}

// GetFlow returns nil when the id is unknown.
func (s *Store) GetFlow(ctx context.Context, id string) (*models.Flow, error) {
	var rec flowRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get flow: %w", err)
	}
	return rec.toModel(), nil
}

// ListFlows returns flows of owner, or all flows when owner is empty.
func (s *Store) ListFlows(ctx context.Context, owner string) ([]models.Flow, error) {
	q := s.db.WithContext(ctx).Order("created_at")
	if owner != "" {
		q = q.Where("owner = ?", owner)
	}
	var recs []flowRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	out := make([]models.Flow, len(recs))
	for i := range recs {
		out[i] = *recs[i].toModel()
	}
	return out, nil
}

// UpdateFlow overwrites name, description and graph of a flow.
func (s *Store) UpdateFlow(ctx context.Context, f *models.Flow) (*models.Flow, error) {
	rec := toFlowRecord(f)
	res := s.db.WithContext(ctx).Model(&flowRecord{}).
		Where("id = ?", f.ID).
		Select("name", "description", "graph", "updated_at").
		Updates(&rec)
	if res.Error != nil {
		return nil, translate(res.Error, fmt.Sprintf("flow %q", f.Name))
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("flow %s: %w", f.ID, store.ErrNotFound)
	}
	return s.GetFlow(ctx, f.ID)
}

// DeleteFlow removes a flow.
func (s *Store) DeleteFlow(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&flowRecord{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete flow: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("flow %s: %w", id, store.ErrNotFound)
	}
	return nil
}
