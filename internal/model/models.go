package model

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Instrument is a pegged asset whose price is tracked against its target
type Instrument struct {
	ID        string   `gorm:"primaryKey;size:64" json:"id"`
	Symbol    string   `gorm:"size:16;not null;index" json:"symbol"`
	Name      string   `gorm:"size:64" json:"name"`
	Target    float64  `gorm:"type:decimal(18,8);not null" json:"target"`
	Price     float64  `gorm:"type:decimal(18,8);not null" json:"price"`
	Change24h float64  `gorm:"column:change_24h;type:decimal(18,8);not null" json:"change_24h"`
	PegState  PegState `gorm:"size:16;not null;index" json:"peg_state"`
	IsActive  bool     `gorm:"not null" json:"is_active"`
	Version   int64    `gorm:"not null" json:"-"`
	UpdatedTS int64    `gorm:"not null;index" json:"updated_ts"`
}

func (Instrument) TableName() string {
	return "instruments"
}

// Deviation is the absolute distance between price and target
func (i Instrument) Deviation() float64 {
	return math.Abs(i.Price - i.Target)
}

// TrackedAccount is a ledger address watched for large transfers
type TrackedAccount struct {
	ID             int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Network        string         `gorm:"size:32;not null;uniqueIndex:idx_accounts_network_address" json:"network"`
	Address        string         `gorm:"size:128;not null;uniqueIndex:idx_accounts_network_address" json:"address"`
	Name           string         `gorm:"size:128" json:"name"`
	Classification Classification `gorm:"size:16;not null" json:"classification"`
	IsActive       bool           `gorm:"not null;index" json:"is_active"`
	CreatedTS      int64          `gorm:"not null" json:"created_ts"`
	UpdatedTS      int64          `gorm:"not null" json:"updated_ts"`
}

func (TrackedAccount) TableName() string {
	return "tracked_accounts"
}

// TransferKey identifies a transfer across rescans
type TransferKey struct {
	TxID    string
	Network string
}

func (k TransferKey) String() string {
	return k.Network + ":" + k.TxID
}

// Transfer is a canonical ledger movement
type Transfer struct {
	ID           int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	AccountID    *int64          `gorm:"index" json:"account_id,omitempty"`
	TxID         string          `gorm:"size:128;not null;uniqueIndex:idx_transfers_key" json:"tx_id"`
	Network      string          `gorm:"size:32;not null;uniqueIndex:idx_transfers_key" json:"network"`
	Token        string          `gorm:"size:16;not null;index" json:"token"`
	Amount       decimal.Decimal `gorm:"type:decimal(38,18);not null" json:"amount"`
	Direction    Direction       `gorm:"size:16;not null" json:"direction"`
	FromAddress  string          `gorm:"size:128" json:"from"`
	ToAddress    string          `gorm:"size:128" json:"to"`
	BlockNumber  uint64          `json:"block_number,omitempty"`
	TimestampSec int64           `gorm:"not null;index" json:"timestamp"`
	ExplorerURL  string          `gorm:"size:512" json:"explorer_url"`
	CreatedTS    int64           `gorm:"not null;index" json:"created_ts"`
}

func (Transfer) TableName() string {
	return "transfers"
}

// Key returns the dedup key of the transfer
func (t Transfer) Key() TransferKey {
	return TransferKey{TxID: t.TxID, Network: t.Network}
}

// Delivery is the outcome of one channel for one alert
type Delivery struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	AtTS   int64  `json:"at"`
}

// Alert is an immutable notification record; only deliveries and the read flag change
type Alert struct {
	ID         string         `gorm:"primaryKey;size:36" json:"id"`
	Category   Category       `gorm:"size:16;not null;index" json:"category"`
	Kind       AlertKind      `gorm:"size:16;not null" json:"kind"`
	Subject    string         `gorm:"size:128;index" json:"subject"`
	Message    string         `gorm:"type:text" json:"message"`
	Severity   Severity       `gorm:"size:16;not null;index" json:"severity"`
	Metadata   datatypes.JSON `json:"metadata,omitempty"`
	Deliveries datatypes.JSON `json:"deliveries,omitempty"`
	IsRead     bool           `gorm:"not null" json:"is_read"`
	CreatedTS  int64          `gorm:"not null;index" json:"created_ts"`
}

func (Alert) TableName() string {
	return "alerts"
}

// NewAlert builds an alert with a fresh id and encoded metadata
func NewAlert(category Category, kind AlertKind, severity Severity, subject, message string, meta map[string]any) (*Alert, error) {
	a := &Alert{
		ID:        uuid.NewString(),
		Category:  category,
		Kind:      kind,
		Subject:   subject,
		Message:   message,
		Severity:  severity,
		CreatedTS: time.Now().Unix(),
	}
	if len(meta) > 0 {
		raw, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("marshal alert metadata: %w", err)
		}
		a.Metadata = datatypes.JSON(raw)
	}
	return a, nil
}

// Meta decodes the metadata column
func (a *Alert) Meta() map[string]any {
	out := map[string]any{}
	if len(a.Metadata) > 0 {
		_ = json.Unmarshal(a.Metadata, &out)
	}
	return out
}

// DeliveryRecord decodes the per-channel delivery record
func (a *Alert) DeliveryRecord() (map[string]Delivery, error) {
	out := map[string]Delivery{}
	if len(a.Deliveries) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(a.Deliveries, &out); err != nil {
		return nil, fmt.Errorf("decode deliveries: %w", err)
	}
	return out, nil
}

// DigestEntry is the once-per-day rolled-up summary
type DigestEntry struct {
	ID              int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	Day             string  `gorm:"size:10;not null;uniqueIndex" json:"day"`
	Summary         string  `gorm:"type:text" json:"summary"`
	BestPerformer   string  `gorm:"size:16" json:"best_performer"`
	WorstPerformer  string  `gorm:"size:16" json:"worst_performer"`
	AvgDeviation    float64 `gorm:"type:decimal(18,8)" json:"avg_deviation"`
	StabilityRatio  float64 `gorm:"type:decimal(8,6)" json:"stability_ratio"`
	StabilityLevel  string  `gorm:"size:16" json:"stability_level"`
	InstrumentCount int     `json:"instrument_count"`
	WhaleCount      int     `json:"whale_count"`
	AlertCount      int     `json:"alert_count"`
	CriticalCount   int     `json:"critical_count"`
	Quote           string  `gorm:"type:text" json:"quote"`
	AlertID         string  `gorm:"size:36" json:"alert_id"`
	CreatedTS       int64   `gorm:"not null" json:"created_ts"`
}

func (DigestEntry) TableName() string {
	return "digest_entries"
}

// PushSubscription is a browser push endpoint registered for notifications
type PushSubscription struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Endpoint  string `gorm:"size:512;not null;uniqueIndex" json:"endpoint"`
	P256dh    string `gorm:"size:256;not null" json:"keys_p256dh"`
	Auth      string `gorm:"size:128;not null" json:"keys_auth"`
	CreatedTS int64  `gorm:"not null" json:"created_ts"`
}

func (PushSubscription) TableName() string {
	return "push_subscriptions"
}

// BeforeCreate hooks for timestamps
func (i *Instrument) BeforeCreate(tx *gorm.DB) error {
	if i.UpdatedTS == 0 {
		i.UpdatedTS = time.Now().Unix()
	}
	return nil
}

func (a *TrackedAccount) BeforeCreate(tx *gorm.DB) error {
	now := time.Now().Unix()
	if a.CreatedTS == 0 {
		a.CreatedTS = now
	}
	if a.UpdatedTS == 0 {
		a.UpdatedTS = now
	}
	return nil
}

func (t *Transfer) BeforeCreate(tx *gorm.DB) error {
	if t.CreatedTS == 0 {
		t.CreatedTS = time.Now().Unix()
	}
	return nil
}

func (a *Alert) BeforeCreate(tx *gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedTS == 0 {
		a.CreatedTS = time.Now().Unix()
	}
	return nil
}

func (d *DigestEntry) BeforeCreate(tx *gorm.DB) error {
	if d.CreatedTS == 0 {
		d.CreatedTS = time.Now().Unix()
	}
	return nil
}

func (p *PushSubscription) BeforeCreate(tx *gorm.DB) error {
	if p.CreatedTS == 0 {
		p.CreatedTS = time.Now().Unix()
	}
	return nil
}
