package indexer

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"lukechampine.com/blake3"

	"collateralx/core/events"
	"collateralx/core/types"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
)

// ErrClosed is returned once the indexer has been closed.
var ErrClosed = errors.New("indexer: closed")

// EventRecord is one indexed event.
type EventRecord struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Sequence     uint64    `gorm:"uniqueIndex;not null" json:"sequence"`
	Digest       string    `gorm:"size:64;uniqueIndex;not null" json:"digest"`
	Type         string    `gorm:"size:64;index;not null" json:"type"`
	Account      string    `gorm:"size:42;index" json:"account,omitempty"`
	Counterparty string    `gorm:"size:42;index" json:"counterparty,omitempty"`
	Attributes   string    `gorm:"type:text;not null" json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// TableName pins the table name independent of gorm's naming strategy.
func (EventRecord) TableName() string { return "lending_events" }

// Decoded returns the stored attributes.
func (r EventRecord) Decoded() (*types.Event, error) {
	evt := &types.Event{Type: r.Type, Attributes: map[string]string{}}
	if r.Attributes == "" {
		return evt, nil
	}
	if err := json.Unmarshal([]byte(r.Attributes), &evt.Attributes); err != nil {
		return nil, fmt.Errorf("indexer: decode attributes: %w", err)
	}
	return evt, nil
}

// Filter narrows a query. Zero values match everything.
type Filter struct {
	Account       string
	Type          string
	AfterSequence uint64
	Limit         int
}

// Indexer persists emitted events to SQL. It implements events.Emitter so
// it can sit in the engine's fan-out.
type Indexer struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	seq    uint64
	closed bool
}

// Open connects to driver ("sqlite" or "postgres") at dsn and migrates the
// schema.
func Open(driver, dsn string, log *slog.Logger) (*Indexer, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("indexer: unsupported driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("indexer: open %s: %w", driver, err)
	}
	return New(db, log)
}

// New wraps an existing connection.
func New(db *gorm.DB, log *slog.Logger) (*Indexer, error) {
	if db == nil {
		return nil, fmt.Errorf("indexer: database required")
	}
	if log == nil {
		log = slog.Default()
	}
	if err := db.AutoMigrate(&EventRecord{}); err != nil {
		return nil, fmt.Errorf("indexer: migrate: %w", err)
	}
	var last struct{ Max *uint64 }
	if err := db.Model(&EventRecord{}).Select("MAX(sequence) AS max").Scan(&last).Error; err != nil {
		return nil, fmt.Errorf("indexer: load sequence: %w", err)
	}
	idx := &Indexer{db: db, logger: log, now: time.Now}
	if last.Max != nil {
		idx.seq = *last.Max
	}
	return idx, nil
}

// Emit records evt. Failures are logged because emitters cannot return
// errors to the ledger.
func (i *Indexer) Emit(evt events.Event) {
	if _, err := i.Record(context.Background(), evt); err != nil {
		i.logger.Error("index event", "type", evt.EventType(), "error", err)
	}
}

// Record persists evt and returns the stored row.
func (i *Indexer) Record(ctx context.Context, evt events.Event) (*EventRecord, error) {
	rendered := events.Render(evt)
	if rendered == nil {
		return nil, fmt.Errorf("indexer: nil event")
	}
	attrs, err := json.Marshal(rendered.Attributes)
	if err != nil {
		return nil, fmt.Errorf("indexer: encode attributes: %w", err)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil, ErrClosed
	}
	seq := i.seq + 1
	record := &EventRecord{
		ID:           uuid.New(),
		Sequence:     seq,
		Digest:       Digest(seq, rendered),
		Type:         rendered.Type,
		Account:      primaryAccount(rendered),
		Counterparty: counterparty(rendered),
		Attributes:   string(attrs),
		CreatedAt:    i.now().UTC(),
	}
	if err := i.db.WithContext(ctx).Create(record).Error; err != nil {
		return nil, fmt.Errorf("indexer: insert: %w", err)
	}
	i.seq = seq
	return record, nil
}

// Query returns events matching filter in ascending sequence order.
func (i *Indexer) Query(ctx context.Context, filter Filter) ([]EventRecord, error) {
	limit := effectiveLimit(filter.Limit)
	query := i.db.WithContext(ctx).Model(&EventRecord{}).Where("sequence > ?", filter.AfterSequence)
	if account := strings.TrimSpace(filter.Account); account != "" {
		query = query.Where("account = ? OR counterparty = ?", account, account)
	}
	if eventType := strings.TrimSpace(filter.Type); eventType != "" {
		query = query.Where("type = ?", eventType)
	}
	var records []EventRecord
	if err := query.Order("sequence ASC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("indexer: query: %w", err)
	}
	return records, nil
}

// Close releases the underlying connection.
func (i *Indexer) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil
	}
	i.closed = true
	sqlDB, err := i.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Digest identifies an event by sequence, type and attributes:
// blake3(seq | type | k1=v1;k2=v2...) with keys sorted.
func Digest(seq uint64, evt *types.Event) string {
	var b strings.Builder
	b.WriteString(strconv.FormatUint(seq, 10))
	b.WriteByte('|')
	b.WriteString(evt.Type)
	b.WriteByte('|')
	keys := make([]string, 0, len(evt.Attributes))
	for key := range evt.Attributes {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(evt.Attributes[key])
		b.WriteByte(';')
	}
	sum := blake3.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func effectiveLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}

func primaryAccount(evt *types.Event) string {
	for _, key := range []string{"account", "owner", "from"} {
		if value := evt.Attribute(key); value != "" {
			return value
		}
	}
	return ""
}

func counterparty(evt *types.Event) string {
	for _, key := range []string{"liquidator", "spender", "to"} {
		if value := evt.Attribute(key); value != "" {
			return value
		}
	}
	return ""
}
