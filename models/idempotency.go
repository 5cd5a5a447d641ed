package models

import (
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Universal recovery points. Everything between them is workflow-specific.
const (
	RecoveryPointStarted  = "started"
	RecoveryPointFinished = "finished"
)

// IdempotencyKey tracks one logical operation per (user, key) pair: how far
// it has progressed, whether an execution currently holds it, and — once
// finished — the response to replay on duplicate requests. Rows are never
// deleted; a finished row is the replay cache.
type IdempotencyKey struct {
	ID     uint   `json:"id" gorm:"primaryKey"`
	UserID string `json:"-" gorm:"size:128;not null;uniqueIndex:idx_idempotency_keys_user_key,priority:1"`
	Key    string `json:"key" gorm:"size:100;not null;uniqueIndex:idx_idempotency_keys_user_key,priority:2"`

	LastRunAt time.Time  `json:"last_run_at" gorm:"not null"`
	LockedAt  *time.Time `json:"locked_at"`

	// Snapshot of the original request; immutable after creation. Used to
	// reject key reuse with a different payload.
	RequestMethod     string         `json:"request_method" gorm:"size:10;not null"`
	RequestPath       string         `json:"request_path" gorm:"size:255;not null"`
	RequestPathParams datatypes.JSON `json:"request_path_params" gorm:"type:jsonb"`
	RequestParams     datatypes.JSON `json:"request_params" gorm:"type:jsonb;not null"`

	// Populated only once RecoveryPoint reaches finished; immutable after.
	ResponseCode *int           `json:"response_code"`
	ResponseBody datatypes.JSON `json:"-" gorm:"type:jsonb"`

	RecoveryPoint string `json:"recovery_point" gorm:"size:50;not null"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (k *IdempotencyKey) Finished() bool {
	return k.RecoveryPoint == RecoveryPointFinished
}

// GetIdempotencyKey looks up the record for (userID, key). A missing record
// is gorm.ErrRecordNotFound.
func GetIdempotencyKey(tx *gorm.DB, userID, key string) (*IdempotencyKey, error) {
	var rec IdempotencyKey
	if err := tx.Where("user_id = ? AND key = ?", userID, key).First(&rec).Error; err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetIdempotencyKeyOrNone is GetIdempotencyKey with absence as (nil, nil).
func GetIdempotencyKeyOrNone(tx *gorm.DB, userID, key string) (*IdempotencyKey, error) {
	rec, err := GetIdempotencyKey(tx, userID, key)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return rec, err
}

// UpdateIdempotencyKey applies column updates to the record for (userID, key).
func UpdateIdempotencyKey(tx *gorm.DB, userID, key string, updates map[string]any) error {
	return tx.Model(&IdempotencyKey{}).
		Where("user_id = ? AND key = ?", userID, key).
		Updates(updates).Error
}
