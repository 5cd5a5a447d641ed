package models

import (
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// File is the metadata row for one stored file. The payload itself lives in
// the blob store under ObjectKey. The (user_id, idempotency_key_id) unique
// index makes re-entered create steps fail cleanly instead of inserting a
// second row for the same logical request.
type File struct {
	ID               uint   `json:"id" gorm:"primaryKey"`
	UserID           string `json:"-" gorm:"size:128;not null;uniqueIndex:idx_files_user_idempotency_key,priority:1"`
	IdempotencyKeyID uint   `json:"-" gorm:"not null;uniqueIndex:idx_files_user_idempotency_key,priority:2"`

	Name      string `json:"name" gorm:"not null"`
	ObjectKey string `json:"-" gorm:"not null"`

	UploadCompletedAt *time.Time `json:"upload_completed_at"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

type CreateFileInput struct {
	Name          string `json:"name" validate:"required,max=255,relative_path"`
	ContentBase64 string `json:"content_base64" validate:"required,base64"`
}

// ObjectKey derives a fresh blob-store key for this file. The random prefix
// keeps files with equal names from colliding across requests.
func (in *CreateFileInput) ObjectKey() string {
	prefix := strings.ReplaceAll(uuid.NewString(), "-", "")
	return path.Join(prefix, in.Name)
}

type UpdateFileInput struct {
	Name          *string `json:"name" validate:"omitempty,max=255,relative_path"`
	ContentBase64 *string `json:"content_base64" validate:"omitempty,base64"`
}

// GetFile looks up a file by id, scoped to its owner.
func GetFile(tx *gorm.DB, userID string, id uint) (*File, error) {
	var file File
	if err := tx.Where("user_id = ? AND id = ?", userID, id).First(&file).Error; err != nil {
		return nil, err
	}
	return &file, nil
}

// GetFileByIdempotencyKey finds the file the create step recorded for the
// given idempotency record.
func GetFileByIdempotencyKey(tx *gorm.DB, userID string, keyID uint) (*File, error) {
	var file File
	if err := tx.Where("user_id = ? AND idempotency_key_id = ?", userID, keyID).First(&file).Error; err != nil {
		return nil, err
	}
	return &file, nil
}
