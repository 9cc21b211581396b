// Package store persists devices, users, fetch runs and entities with gorm.
// Lookups that find nothing return nil, nil.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/lucid-vigil/fleet/pkg/schema"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Store is the inventory database.
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// Open connects to the database named by driver ("sqlite" or "mysql") and
// migrates the schema.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", driver, err)
	}
	if driver == "sqlite" {
		// sqlite allows a single writer
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(1)
		}
	}

	s := New(db)
	if err := s.AutoMigrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// New wraps an existing gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// AutoMigrate creates or updates every table.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&DeviceRecord{}, &UserRecord{}, &FetchRun{}, &Entity{}); err != nil {
		return fmt.Errorf("failed to migrate store: %w", err)
	}
	return nil
}

// DB exposes the gorm handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func logError(err error, operation string, fields map[string]interface{}) {
	log.Error().Err(err).Str("component", "store").Str("operation", operation).Fields(fields).Msg("Store operation failed")
}

// UpsertDevice stores d and stamps it as fetched now. It reports whether
// the device was new. FirstSeen and tags added through the store survive
// updates, and d is updated with the stored values.
func (s *Store) UpsertDevice(ctx context.Context, d *schema.Device) (bool, error) {
	if d == nil {
		return false, errors.New("device is nil")
	}
	if err := d.Validate(); err != nil {
		return false, err
	}

	now := s.now().UTC()
	if d.LastSeen.IsZero() {
		d.LastSeen = now
	}
	d.LastSeen = d.LastSeen.UTC()
	if !d.FirstSeen.IsZero() {
		d.FirstSeen = d.FirstSeen.UTC()
	}

	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec DeviceRecord
		err := tx.Where("adapter = ? AND client = ? AND device_id = ?", d.Adapter, d.Client, d.ID).First(&rec).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			created = true
			firstSeen := d.FirstSeen
			if firstSeen.IsZero() || firstSeen.After(d.LastSeen) {
				firstSeen = d.LastSeen
			}
			d.FirstSeen = firstSeen
			rec = DeviceRecord{
				Adapter:   d.Adapter,
				Client:    d.Client,
				DeviceID:  d.ID,
				FirstSeen: firstSeen,
			}
		case err != nil:
			return err
		default:
			if !d.FirstSeen.IsZero() && d.FirstSeen.Before(rec.FirstSeen) {
				rec.FirstSeen = d.FirstSeen
			}
			d.FirstSeen = rec.FirstSeen
		}

		rec.Tags = mergeTags(rec.Tags, d.Tags)
		d.Tags = append([]string(nil), rec.Tags...)
		rec.Hostname = d.Hostname
		rec.Serial = d.Serial
		rec.LastSeen = d.LastSeen
		rec.FetchedAt = now
		rec.Data = *d
		return tx.Save(&rec).Error
	})
	if err != nil {
		logError(err, "upsert_device", map[string]interface{}{"device": d.Key()})
		return false, err
	}
	return created, nil
}

func mergeTags(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing)+len(incoming))
	var out []string
	for _, list := range [][]string{existing, incoming} {
		for _, t := range list {
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// GetDevice looks a device up by its source key.
func (s *Store) GetDevice(ctx context.Context, adapter, client, deviceID string) (*DeviceRecord, error) {
	var rec DeviceRecord
	err := s.db.WithContext(ctx).
		Where("adapter = ? AND client = ? AND device_id = ?", adapter, client, deviceID).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// GetDeviceByID looks a device up by its record id.
func (s *Store) GetDeviceByID(ctx context.Context, id uint64) (*DeviceRecord, error) {
	var rec DeviceRecord
	err := s.db.WithContext(ctx).First(&rec, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rec, nil
}

// DeviceFilter narrows ListDevices. Zero fields match everything; Limit 0
// means no limit.
type DeviceFilter struct {
	Adapter  string
	Client   string
	Hostname string
	EntityID string
	Limit    int
	Offset   int
}

func (f DeviceFilter) apply(q *gorm.DB) *gorm.DB {
	if f.Adapter != "" {
		q = q.Where("adapter = ?", f.Adapter)
	}
	if f.Client != "" {
		q = q.Where("client = ?", f.Client)
	}
	if f.Hostname != "" {
		q = q.Where("hostname LIKE ?", "%"+f.Hostname+"%")
	}
	if f.EntityID != "" {
		q = q.Where("entity_id = ?", f.EntityID)
	}
	return q
}

// ListDevices returns devices ordered by record id.
func (s *Store) ListDevices(ctx context.Context, f DeviceFilter) ([]DeviceRecord, error) {
	q := f.apply(s.db.WithContext(ctx).Model(&DeviceRecord{})).Order("id")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	var recs []DeviceRecord
	if err := q.Find(&recs).Error; err != nil {
		logError(err, "list_devices", nil)
		return nil, err
	}
	return recs, nil
}

// CountDevices counts devices matching f, ignoring Limit and Offset.
func (s *Store) CountDevices(ctx context.Context, f DeviceFilter) (int64, error) {
	var n int64
	err := f.apply(s.db.WithContext(ctx).Model(&DeviceRecord{})).Count(&n).Error
	return n, err
}

// PruneDevices deletes devices of one client not fetched since before.
func (s *Store) PruneDevices(ctx context.Context, adapter, client string, before time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("adapter = ? AND client = ? AND fetched_at < ?", adapter, client, before.UTC()).
		Delete(&DeviceRecord{})
	if res.Error != nil {
		logError(res.Error, "prune_devices", map[string]interface{}{"adapter": adapter, "client": client})
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// AddDeviceTag adds tag to a device record. It returns false when the
// record does not exist.
func (s *Store) AddDeviceTag(ctx context.Context, id uint64, tag string) (bool, error) {
	found := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec DeviceRecord
		if err := tx.First(&rec, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		found = true
		rec.Tags = mergeTags(rec.Tags, []string{tag})
		rec.Data.Tags = rec.Tags
		return tx.Save(&rec).Error
	})
	return found, err
}

// SetEntity assigns entityID to the referenced devices and records the
// entity. Devices of the entity that are no longer referenced are released.
func (s *Store) SetEntity(ctx context.Context, entityID string, refs []DeviceRef, identifiers []string) error {
	if entityID == "" {
		return errors.New("entity id is empty")
	}

	ids := append([]string(nil), identifiers...)
	sort.Strings(ids)

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&DeviceRecord{}).Where("entity_id = ?", entityID).Update("entity_id", "").Error; err != nil {
			return err
		}
		for _, ref := range refs {
			err := tx.Model(&DeviceRecord{}).
				Where("adapter = ? AND client = ? AND device_id = ?", ref.Adapter, ref.Client, ref.DeviceID).
				Update("entity_id", entityID).Error
			if err != nil {
				return err
			}
		}
		entity := Entity{ID: entityID, DeviceCount: len(refs), Identifiers: ids, UpdatedAt: time.Now().UTC()}
		return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&entity).Error
	})
}

// ReleaseEntity unlinks every device of an entity and deletes it.
func (s *Store) ReleaseEntity(ctx context.Context, entityID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&DeviceRecord{}).Where("entity_id = ?", entityID).Update("entity_id", "").Error; err != nil {
			return err
		}
		return tx.Where("id = ?", entityID).Delete(&Entity{}).Error
	})
}

// GetEntity returns the entity with the given id.
func (s *Store) GetEntity(ctx context.Context, entityID string) (*Entity, error) {
	var e Entity
	err := s.db.WithContext(ctx).Where("id = ?", entityID).First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// ListEntityDevices returns the devices linked to an entity.
func (s *Store) ListEntityDevices(ctx context.Context, entityID string) ([]DeviceRecord, error) {
	return s.ListDevices(ctx, DeviceFilter{EntityID: entityID})
}

// UpsertUser stores u and reports whether it was new.
func (s *Store) UpsertUser(ctx context.Context, u *schema.User) (bool, error) {
	if u == nil {
		return false, errors.New("user is nil")
	}
	if err := u.Validate(); err != nil {
		return false, err
	}

	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec UserRecord
		err := tx.Where("adapter = ? AND client = ? AND user_id = ?", u.Adapter, u.Client, u.ID).First(&rec).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			created = true
			rec = UserRecord{Adapter: u.Adapter, Client: u.Client, UserID: u.ID}
		case err != nil:
			return err
		}
		rec.Username = u.Username
		rec.Mail = u.Mail
		rec.Data = *u
		rec.LastSeen = s.now().UTC()
		return tx.Save(&rec).Error
	})
	if err != nil {
		logError(err, "upsert_user", map[string]interface{}{"user": u.Key()})
		return false, err
	}
	return created, nil
}

// UserFilter narrows ListUsers.
type UserFilter struct {
	Adapter  string
	Client   string
	Username string
	Limit    int
	Offset   int
}

// ListUsers returns users ordered by record id.
func (s *Store) ListUsers(ctx context.Context, f UserFilter) ([]UserRecord, error) {
	q := s.db.WithContext(ctx).Model(&UserRecord{}).Order("id")
	if f.Adapter != "" {
		q = q.Where("adapter = ?", f.Adapter)
	}
	if f.Client != "" {
		q = q.Where("client = ?", f.Client)
	}
	if f.Username != "" {
		q = q.Where("username LIKE ?", "%"+f.Username+"%")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	var recs []UserRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}

// RecordFetchRun inserts or updates run.
func (s *Store) RecordFetchRun(ctx context.Context, run *FetchRun) error {
	if run == nil || run.ID == "" {
		return errors.New("fetch run has no id")
	}
	if err := s.db.WithContext(ctx).Save(run).Error; err != nil {
		logError(err, "record_fetch_run", map[string]interface{}{"run": run.ID})
		return err
	}
	return nil
}

// ListFetchRuns returns the newest runs first. An empty adapter lists all.
func (s *Store) ListFetchRuns(ctx context.Context, adapter string, limit int) ([]FetchRun, error) {
	q := s.db.WithContext(ctx).Model(&FetchRun{}).Order("started_at DESC")
	if adapter != "" {
		q = q.Where("adapter = ?", adapter)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}

	var runs []FetchRun
	if err := q.Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}
