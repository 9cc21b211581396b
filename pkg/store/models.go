package store

import (
	"time"

	"github.com/lucid-vigil/fleet/pkg/schema"
)

// DeviceRecord is a device as last reported by one adapter client.
type DeviceRecord struct {
	ID        uint64        `gorm:"primaryKey;autoIncrement" json:"id"`
	Adapter   string        `gorm:"size:128;not null;uniqueIndex:idx_device_key;index:idx_device_source" json:"adapter"`
	Client    string        `gorm:"size:128;not null;uniqueIndex:idx_device_key;index:idx_device_source" json:"client"`
	DeviceID  string        `gorm:"size:255;not null;uniqueIndex:idx_device_key" json:"device_id"`
	Hostname  string        `gorm:"size:255;index" json:"hostname"`
	Serial    string        `gorm:"size:255;index" json:"serial"`
	EntityID  string        `gorm:"size:520;index" json:"entity_id"`
	Tags      []string      `gorm:"serializer:json;type:text" json:"tags"`
	Data      schema.Device `gorm:"serializer:json;type:text" json:"data"`
	FirstSeen time.Time     `json:"first_seen"`
	LastSeen  time.Time     `json:"last_seen"`
	FetchedAt time.Time     `gorm:"index" json:"fetched_at"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

func (DeviceRecord) TableName() string { return "devices" }

// Key returns adapter/client/device_id.
func (r *DeviceRecord) Key() string {
	return r.Adapter + "/" + r.Client + "/" + r.DeviceID
}

// Device returns the stored device with the store-managed fields applied.
func (r *DeviceRecord) Device() *schema.Device {
	d := r.Data
	d.FirstSeen = r.FirstSeen
	d.Tags = append([]string(nil), r.Tags...)
	return &d
}

// UserRecord is a user as last reported by one adapter client.
type UserRecord struct {
	ID        uint64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Adapter   string      `gorm:"size:128;not null;uniqueIndex:idx_user_key" json:"adapter"`
	Client    string      `gorm:"size:128;not null;uniqueIndex:idx_user_key" json:"client"`
	UserID    string      `gorm:"size:255;not null;uniqueIndex:idx_user_key" json:"user_id"`
	Username  string      `gorm:"size:255;index" json:"username"`
	Mail      string      `gorm:"size:255;index" json:"mail"`
	Data      schema.User `gorm:"serializer:json;type:text" json:"data"`
	LastSeen  time.Time   `json:"last_seen"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func (UserRecord) TableName() string { return "users" }

// Fetch run states.
const (
	RunRunning = "running"
	RunSuccess = "success"
	RunPartial = "partial" // some records or clients failed
	RunFailed  = "failed"
)

// FetchRun records one discovery cycle of one adapter client.
type FetchRun struct {
	ID         string    `gorm:"primaryKey;size:36" json:"id"`
	Adapter    string    `gorm:"size:128;index" json:"adapter"`
	Client     string    `gorm:"size:128" json:"client"`
	Status     string    `gorm:"size:16" json:"status"`
	Devices    int       `json:"devices"`
	Users      int       `json:"users"`
	Created    int       `json:"created"`
	Updated    int       `json:"updated"`
	Skipped    int       `json:"skipped"`
	Pruned     int64     `json:"pruned"`
	Error      string    `gorm:"type:text" json:"error,omitempty"`
	StartedAt  time.Time `gorm:"index" json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	DurationMs int64     `json:"duration_ms"`
}

func (FetchRun) TableName() string { return "fetch_runs" }

// Entity groups device records that describe the same physical device.
type Entity struct {
	ID          string    `gorm:"primaryKey;size:520" json:"id"`
	DeviceCount int       `json:"device_count"`
	Identifiers []string  `gorm:"serializer:json;type:text" json:"identifiers"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Entity) TableName() string { return "entities" }

// DeviceRef identifies a device record without its surrogate key.
type DeviceRef struct {
	Adapter  string `json:"adapter"`
	Client   string `json:"client"`
	DeviceID string `json:"device_id"`
}

// Key returns adapter/client/device_id.
func (r DeviceRef) Key() string {
	return r.Adapter + "/" + r.Client + "/" + r.DeviceID
}
