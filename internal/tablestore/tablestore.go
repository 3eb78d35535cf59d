// Package tablestore implements a key-partitioned entity store on top of a
// relational database. Every entity is addressed by (table, partition key,
// row key); listings within a partition come back in lexicographic row-key
// order, which the history and audit tables exploit with inverted-timestamp
// row keys to get reverse-chronological reads without an ORDER BY on a
// payload column.
//
// Entity properties are schemaless from the store's point of view — a JSON
// property bag — and each domain model owns its typed to/from-entity codec
// (see internal/model).
package tablestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when the addressed entity does not exist.
// Check with errors.Is.
var ErrNotFound = errors.New("entity not found")

// ErrConflict is returned by Insert when an entity with the same
// (table, partition, row) address already exists.
var ErrConflict = errors.New("entity already exists")

// Entity is one stored record: its address plus a free-form property bag.
type Entity struct {
	PartitionKey string
	RowKey       string
	Properties   map[string]any
}

// Store is the persistence interface the catalog, history and audit layers
// are built on. Implementations must preserve lexicographic row-key order
// in partition listings.
type Store interface {
	Insert(ctx context.Context, table string, e Entity) error
	Upsert(ctx context.Context, table string, e Entity) error
	Get(ctx context.Context, table, partition, row string) (Entity, error)
	Delete(ctx context.Context, table, partition, row string) error

	// ListPartition returns every entity in one partition, row-key ascending.
	ListPartition(ctx context.Context, table, partition string) ([]Entity, error)

	// QueryPartitionRange returns every entity whose partition key falls in
	// [from, to] inclusive, ordered by partition key then row key ascending.
	// Empty bounds are open on that side.
	QueryPartitionRange(ctx context.Context, table, from, to string) ([]Entity, error)
}

// record is the GORM row backing one entity.
type record struct {
	Table        string    `gorm:"column:table_name;primaryKey"`
	PartitionKey string    `gorm:"primaryKey"`
	RowKey       string    `gorm:"primaryKey"`
	Properties   string    `gorm:"type:text;not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (record) TableName() string { return "entities" }

// gormStore is the GORM implementation of Store.
type gormStore struct {
	db *gorm.DB
}

// New returns a Store backed by the provided *gorm.DB. The entities table
// must already exist (created by the embedded migrations).
func New(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func encodeProps(props map[string]any) (string, error) {
	if props == nil {
		props = map[string]any{}
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("tablestore: encode properties: %w", err)
	}
	return string(raw), nil
}

func decodeRecord(rec record) (Entity, error) {
	props := map[string]any{}
	if err := json.Unmarshal([]byte(rec.Properties), &props); err != nil {
		return Entity{}, fmt.Errorf("tablestore: decode properties for %s/%s/%s: %w",
			rec.Table, rec.PartitionKey, rec.RowKey, err)
	}
	return Entity{
		PartitionKey: rec.PartitionKey,
		RowKey:       rec.RowKey,
		Properties:   props,
	}, nil
}

// Insert creates a new entity. Returns ErrConflict if the address is taken.
func (s *gormStore) Insert(ctx context.Context, table string, e Entity) error {
	raw, err := encodeProps(e.Properties)
	if err != nil {
		return err
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&record{
			Table:        table,
			PartitionKey: e.PartitionKey,
			RowKey:       e.RowKey,
			Properties:   raw,
			UpdatedAt:    time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("tablestore: insert %s/%s/%s: %w", table, e.PartitionKey, e.RowKey, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// Upsert creates or fully replaces an entity. Last writer wins — the catalog
// does not use optimistic concurrency.
func (s *gormStore) Upsert(ctx context.Context, table string, e Entity) error {
	raw, err := encodeProps(e.Properties)
	if err != nil {
		return err
	}

	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "table_name"}, {Name: "partition_key"}, {Name: "row_key"},
			},
			DoUpdates: clause.AssignmentColumns([]string{"properties", "updated_at"}),
		}).
		Create(&record{
			Table:        table,
			PartitionKey: e.PartitionKey,
			RowKey:       e.RowKey,
			Properties:   raw,
			UpdatedAt:    time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("tablestore: upsert %s/%s/%s: %w", table, e.PartitionKey, e.RowKey, res.Error)
	}
	return nil
}

// Get retrieves one entity by its full address.
func (s *gormStore) Get(ctx context.Context, table, partition, row string) (Entity, error) {
	var rec record
	err := s.db.WithContext(ctx).
		Where("table_name = ? AND partition_key = ? AND row_key = ?", table, partition, row).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Entity{}, ErrNotFound
		}
		return Entity{}, fmt.Errorf("tablestore: get %s/%s/%s: %w", table, partition, row, err)
	}
	return decodeRecord(rec)
}

// Delete removes one entity. Returns ErrNotFound if it does not exist.
func (s *gormStore) Delete(ctx context.Context, table, partition, row string) error {
	res := s.db.WithContext(ctx).
		Where("table_name = ? AND partition_key = ? AND row_key = ?", table, partition, row).
		Delete(&record{})
	if res.Error != nil {
		return fmt.Errorf("tablestore: delete %s/%s/%s: %w", table, partition, row, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListPartition returns the full partition in row-key ascending order.
func (s *gormStore) ListPartition(ctx context.Context, table, partition string) ([]Entity, error) {
	var recs []record
	err := s.db.WithContext(ctx).
		Where("table_name = ? AND partition_key = ?", table, partition).
		Order("row_key ASC").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("tablestore: list partition %s/%s: %w", table, partition, err)
	}
	return decodeRecords(recs)
}

// QueryPartitionRange scans an inclusive partition-key range.
func (s *gormStore) QueryPartitionRange(ctx context.Context, table, from, to string) ([]Entity, error) {
	q := s.db.WithContext(ctx).Where("table_name = ?", table)
	if from != "" {
		q = q.Where("partition_key >= ?", from)
	}
	if to != "" {
		q = q.Where("partition_key <= ?", to)
	}

	var recs []record
	if err := q.Order("partition_key ASC, row_key ASC").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("tablestore: query range %s [%s, %s]: %w", table, from, to, err)
	}
	return decodeRecords(recs)
}

func decodeRecords(recs []record) ([]Entity, error) {
	out := make([]Entity, 0, len(recs))
	for _, rec := range recs {
		e, err := decodeRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
