package storage

import (
	"time"

	"gorm.io/gorm"

	"github.com/liamashdown/peggwatch/internal/model"
)

// AppState stores small checkpoints such as the last block an RPC scanner reached
type AppState struct {
	StateKey   string `gorm:"primaryKey;size:128"`
	StateValue string `gorm:"type:text;not null"`
	UpdatedTS  int64  `gorm:"not null;index"`
}

func (AppState) TableName() string {
	return "app_state"
}

func (a *AppState) BeforeCreate(tx *gorm.DB) error {
	if a.UpdatedTS == 0 {
		a.UpdatedTS = time.Now().Unix()
	}
	return nil
}

// allModels lists every table managed by AutoMigrate
func allModels() []any {
	return []any{
		&AppState{},
		&model.Instrument{},
		&model.TrackedAccount{},
		&model.Transfer{},
		&model.Alert{},
		&model.DigestEntry{},
		&model.PushSubscription{},
	}
}
