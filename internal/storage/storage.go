package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/liamashdown/peggwatch/internal/config"
	"github.com/liamashdown/peggwatch/internal/metrics"
	"github.com/liamashdown/peggwatch/internal/model"
)

var (
	// ErrNotFound is returned when a row addressed by key does not exist
	ErrNotFound = errors.New("record not found")
	// ErrStale is returned when a conditional instrument update lost a race
	ErrStale = errors.New("instrument changed concurrently")
)

// DB wraps the GORM database connection
type DB struct {
	conn *gorm.DB
	log  *logrus.Logger
}

// New opens the configured driver and verifies the connection
func New(cfg config.DatabaseConfig, log *logrus.Logger) (*DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case config.DriverMySQL:
		dialector = mysql.Open(cfg.DSN)
	case config.DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	case config.DriverSQLite:
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := Open(dialector, log)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.conn.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	if cfg.Driver == config.DriverSQLite {
		// sqlite serializes writers; one connection avoids "database is locked"
		sqlDB.SetMaxOpenConns(1)
	} else if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxOpenConns / 2)
	}
	if cfg.ConnMaxIdleTime > 0 {
		sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.WithField("driver", cfg.Driver).Info("Database connection established")

	return db, nil
}

// Open wraps an arbitrary gorm dialector
func Open(dialector gorm.Dialector, log *logrus.Logger) (*DB, error) {
	gormLogger := logger.New(
		&gormLogAdapter{log: log},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	return &DB{conn: conn, log: log}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	sqlDB, err := db.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the connection is alive
func (db *DB) Ping(ctx context.Context) error {
	sqlDB, err := db.conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// AutoMigrate creates or updates every table
func (db *DB) AutoMigrate() error {
	return db.conn.AutoMigrate(allModels()...)
}

func observe(op string, start time.Time, err error) {
	if errors.Is(err, ErrNotFound) {
		err = nil
	}
	metrics.RecordDatabaseQuery(op, time.Since(start), err)
}

// GetState retrieves a checkpoint value; "" when unset
func (db *DB) GetState(ctx context.Context, key string) (string, error) {
	var state AppState
	result := db.conn.WithContext(ctx).Where("state_key = ?", key).First(&state)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if result.Error != nil {
		return "", result.Error
	}
	return state.StateValue, nil
}

// SetState upserts a checkpoint value
func (db *DB) SetState(ctx context.Context, key, value string) error {
	state := AppState{
		StateKey:   key,
		StateValue: value,
		UpdatedTS:  time.Now().Unix(),
	}
	return db.conn.WithContext(ctx).Save(&state).Error
}

// GetInstrument returns the instrument or ErrNotFound
func (db *DB) GetInstrument(ctx context.Context, id string) (*model.Instrument, error) {
	var inst model.Instrument
	result := db.conn.WithContext(ctx).Where("id = ?", id).First(&inst)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &inst, nil
}

// ListInstruments returns every instrument ordered by symbol
func (db *DB) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	var out []model.Instrument
	err := db.conn.WithContext(ctx).Order("symbol").Find(&out).Error
	return out, err
}

// ApplyObservation writes the instrument's new price and state together with the transition
// alert, if any, in one transaction. For an existing row the update only applies when the
// stored version still equals expectedVersion; otherwise ErrStale is returned and nothing is
// written. A nil expectedVersion creates the row and fails with ErrStale if it already exists.
func (db *DB) ApplyObservation(ctx context.Context, inst *model.Instrument, expectedVersion *int64, alert *model.Alert) (err error) {
	start := time.Now()
	defer func() { observe("apply_observation", start, err) }()

	return db.conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if expectedVersion == nil {
			inst.Version = 1
			res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(inst)
			if res.Error != nil {
				return fmt.Errorf("create instrument: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return ErrStale
			}
		} else {
			inst.Version = *expectedVersion + 1
			res := tx.Model(&model.Instrument{}).
				Where("id = ? AND version = ?", inst.ID, *expectedVersion).
				Updates(map[string]any{
					"symbol":     inst.Symbol,
					"name":       inst.Name,
					"target":     inst.Target,
					"price":      inst.Price,
					"change_24h": inst.Change24h,
					"peg_state":  inst.PegState,
					"is_active":  true,
					"version":    inst.Version,
					"updated_ts": inst.UpdatedTS,
				})
			if res.Error != nil {
				return fmt.Errorf("update instrument: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return ErrStale
			}
		}

		if alert != nil {
			if err := tx.Create(alert).Error; err != nil {
				return fmt.Errorf("insert alert: %w", err)
			}
		}
		return nil
	})
}

// InsertTransferIfAbsent inserts the transfer unless its (tx id, network) key already exists.
// It reports whether a new row was written; the unique index makes this a test-and-set.
func (db *DB) InsertTransferIfAbsent(ctx context.Context, t *model.Transfer) (created bool, err error) {
	start := time.Now()
	defer func() { observe("insert_transfer", start, err) }()

	res := db.conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tx_id"}, {Name: "network"}},
			DoNothing: true,
		}).
		Create(t)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// HasTransfer checks if a key is already stored
func (db *DB) HasTransfer(ctx context.Context, key model.TransferKey) (bool, error) {
	var count int64
	result := db.conn.WithContext(ctx).
		Model(&model.Transfer{}).
		Where("tx_id = ? AND network = ?", key.TxID, key.Network).
		Count(&count)
	if result.Error != nil {
		return false, result.Error
	}
	return count > 0, nil
}

// ListTransfers returns the newest transfers first
func (db *DB) ListTransfers(ctx context.Context, limit int) ([]model.Transfer, error) {
	var out []model.Transfer
	err := db.conn.WithContext(ctx).
		Order("timestamp_sec DESC").Order("id DESC").
		Limit(clampLimit(limit)).
		Find(&out).Error
	return out, err
}

// TransfersSince returns transfers whose ledger timestamp is at or after sinceTS
func (db *DB) TransfersSince(ctx context.Context, sinceTS int64) ([]model.Transfer, error) {
	var out []model.Transfer
	err := db.conn.WithContext(ctx).
		Where("timestamp_sec >= ?", sinceTS).
		Order("timestamp_sec DESC").
		Find(&out).Error
	return out, err
}

// InsertAlert stores a new alert
func (db *DB) InsertAlert(ctx context.Context, alert *model.Alert) (err error) {
	start := time.Now()
	defer func() { observe("insert_alert", start, err) }()
	return db.conn.WithContext(ctx).Create(alert).Error
}

// GetAlert returns one alert or ErrNotFound
func (db *DB) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	var alert model.Alert
	result := db.conn.WithContext(ctx).Where("id = ?", id).First(&alert)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &alert, nil
}

// ListAlerts returns the newest alerts first
func (db *DB) ListAlerts(ctx context.Context, limit int) ([]model.Alert, error) {
	var out []model.Alert
	err := db.conn.WithContext(ctx).
		Order("created_ts DESC").
		Limit(clampLimit(limit)).
		Find(&out).Error
	return out, err
}

// AlertsSince returns alerts created at or after sinceTS
func (db *DB) AlertsSince(ctx context.Context, sinceTS int64) ([]model.Alert, error) {
	var out []model.Alert
	err := db.conn.WithContext(ctx).
		Where("created_ts >= ?", sinceTS).
		Order("created_ts DESC").
		Find(&out).Error
	return out, err
}

// RecordDeliveries overwrites the per-channel delivery record of an alert
func (db *DB) RecordDeliveries(ctx context.Context, alertID string, deliveries map[string]model.Delivery) (err error) {
	start := time.Now()
	defer func() { observe("record_deliveries", start, err) }()

	raw, err := json.Marshal(deliveries)
	if err != nil {
		return fmt.Errorf("marshal deliveries: %w", err)
	}
	return db.conn.WithContext(ctx).
		Model(&model.Alert{}).
		Where("id = ?", alertID).
		Update("deliveries", datatypes.JSON(raw)).Error
}

// MarkAlertRead sets the read flag
func (db *DB) MarkAlertRead(ctx context.Context, id string) error {
	if _, err := db.GetAlert(ctx, id); err != nil {
		return err
	}
	return db.conn.WithContext(ctx).
		Model(&model.Alert{}).
		Where("id = ?", id).
		Update("is_read", true).Error
}

// EnsureAccount inserts a tracked account keyed by (network, address). An existing account
// is left untouched unless reactivate is set, in which case its name, classification and
// active flag are overwritten. Reports whether a new row was created.
func (db *DB) EnsureAccount(ctx context.Context, acct *model.TrackedAccount, reactivate bool) (bool, error) {
	existing, err := db.GetAccount(ctx, acct.Network, acct.Address)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}

	if existing == nil {
		acct.IsActive = true
		res := db.conn.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "network"}, {Name: "address"}},
				DoNothing: true,
			}).
			Create(acct)
		if res.Error != nil {
			return false, res.Error
		}
		if res.RowsAffected > 0 {
			return true, nil
		}
		existing, err = db.GetAccount(ctx, acct.Network, acct.Address)
		if err != nil {
			return false, err
		}
	}

	if reactivate {
		err = db.conn.WithContext(ctx).
			Model(&model.TrackedAccount{}).
			Where("id = ?", existing.ID).
			Updates(map[string]any{
				"name":           acct.Name,
				"classification": acct.Classification,
				"is_active":      true,
				"updated_ts":     time.Now().Unix(),
			}).Error
		if err != nil {
			return false, err
		}
		existing.Name = acct.Name
		existing.Classification = acct.Classification
		existing.IsActive = true
	}

	*acct = *existing
	return false, nil
}

// GetAccount finds an account by (network, address)
func (db *DB) GetAccount(ctx context.Context, network, address string) (*model.TrackedAccount, error) {
	var acct model.TrackedAccount
	result := db.conn.WithContext(ctx).
		Where("network = ? AND address = ?", network, address).
		First(&acct)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &acct, nil
}

// ListAccounts returns tracked accounts, optionally narrowed to one network or active ones
func (db *DB) ListAccounts(ctx context.Context, network string, activeOnly bool) ([]model.TrackedAccount, error) {
	q := db.conn.WithContext(ctx).Model(&model.TrackedAccount{})
	if network != "" {
		q = q.Where("network = ?", network)
	}
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var out []model.TrackedAccount
	err := q.Order("id").Find(&out).Error
	return out, err
}

// DeactivateAccount flips the active flag off; accounts are never deleted
func (db *DB) DeactivateAccount(ctx context.Context, network, address string) error {
	acct, err := db.GetAccount(ctx, network, address)
	if err != nil {
		return err
	}
	return db.conn.WithContext(ctx).
		Model(&model.TrackedAccount{}).
		Where("id = ?", acct.ID).
		Updates(map[string]any{"is_active": false, "updated_ts": time.Now().Unix()}).Error
}

// InsertDigestIfAbsent writes the digest for its day unless one exists
func (db *DB) InsertDigestIfAbsent(ctx context.Context, entry *model.DigestEntry) (bool, error) {
	res := db.conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "day"}},
			DoNothing: true,
		}).
		Create(entry)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// SetDigestAlert links a digest row to the alert that announced it
func (db *DB) SetDigestAlert(ctx context.Context, day, alertID string) error {
	return db.conn.WithContext(ctx).
		Model(&model.DigestEntry{}).
		Where("day = ?", day).
		Update("alert_id", alertID).Error
}

// GetDigest returns the digest for a day or ErrNotFound
func (db *DB) GetDigest(ctx context.Context, day string) (*model.DigestEntry, error) {
	var entry model.DigestEntry
	result := db.conn.WithContext(ctx).Where("day = ?", day).First(&entry)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &entry, nil
}

// SavePushSubscription upserts a push endpoint
func (db *DB) SavePushSubscription(ctx context.Context, sub *model.PushSubscription) error {
	return db.conn.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint"}},
			DoUpdates: clause.AssignmentColumns([]string{"p256dh", "auth"}),
		}).
		Create(sub).Error
}

// ListPushSubscriptions returns all push endpoints
func (db *DB) ListPushSubscriptions(ctx context.Context) ([]model.PushSubscription, error) {
	var out []model.PushSubscription
	err := db.conn.WithContext(ctx).Order("id").Find(&out).Error
	return out, err
}

// DeletePushSubscription removes an endpoint the push service reported as gone
func (db *DB) DeletePushSubscription(ctx context.Context, endpoint string) error {
	return db.conn.WithContext(ctx).
		Where("endpoint = ?", endpoint).
		Delete(&model.PushSubscription{}).Error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

// gormLogAdapter adapts logrus to GORM's logger interface
type gormLogAdapter struct {
	log *logrus.Logger
}

func (l *gormLogAdapter) Printf(format string, args ...interface{}) {
	l.log.Debugf(format, args...)
}
