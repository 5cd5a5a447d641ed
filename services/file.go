package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"filedepot-backend/atomicity"
	"filedepot-backend/models"
	"filedepot-backend/utils"
)

// Recovery points of the file workflows. The universal started/finished
// values live in models.
const (
	PointFileCreated  = "file_created"
	PointFileUpdated  = "file_updated"
	PointFileUploaded = "file_uploaded"
	PointFileDeleted  = "file_deleted"
)

// anyMethod marks transitions that apply regardless of the request verb.
const anyMethod = "*"

type transition struct {
	Point  string
	Method string
}

type stepFunc func(ctx context.Context, rec *models.IdempotencyKey) error

// FileWorkflow drives a file operation to its terminal recovery point, one
// atomic phase per step. Which step runs next is a pure function of the
// record's (recovery point, request method), held as a table rather than
// scattered conditionals so an unreachable combination is a single miss.
type FileWorkflow struct {
	blobs BlobStore
	group *atomicity.Group
	steps map[transition]stepFunc
}

func NewFileWorkflow(blobs BlobStore, group *atomicity.Group) *FileWorkflow {
	w := &FileWorkflow{blobs: blobs, group: group}
	w.steps = map[transition]stepFunc{
		{models.RecoveryPointStarted, fiber.MethodPost}:   w.createFile,
		{models.RecoveryPointStarted, fiber.MethodPatch}:  w.updateFile,
		{models.RecoveryPointStarted, fiber.MethodDelete}: w.deleteBlob,
		{PointFileCreated, anyMethod}:                     w.uploadFile,
		{PointFileUpdated, anyMethod}:                     w.uploadFile,
		{PointFileUploaded, anyMethod}:                    w.completeUpload,
		{PointFileDeleted, anyMethod}:                     w.deleteFile,
	}
	return w
}

// Execute loops until the record reaches finished. The record is re-fetched
// every iteration so progress committed by a previous attempt is observed
// rather than redone.
func (w *FileWorkflow) Execute(ctx context.Context) error {
	for {
		rec, err := w.group.Record(ctx)
		if err != nil {
			return err
		}
		if rec.Finished() {
			return nil
		}

		step := w.lookup(rec.RecoveryPoint, rec.RequestMethod)
		if step == nil {
			log.Error().Str("recovery_point", rec.RecoveryPoint).Str("method", rec.RequestMethod).
				Msg("no step for recovery point")
			return fiber.NewError(fiber.StatusInternalServerError, "internal server error")
		}
		if err := step(ctx, rec); err != nil {
			return err
		}

		// a step that neither advanced the recovery point nor finished the
		// record broke its contract; fail instead of spinning
		after, err := w.group.Record(ctx)
		if err != nil {
			return err
		}
		if after.RecoveryPoint == rec.RecoveryPoint {
			log.Error().Str("recovery_point", rec.RecoveryPoint).Str("method", rec.RequestMethod).
				Msg("step registered no effect")
			return fiber.NewError(fiber.StatusInternalServerError, "internal server error")
		}
	}
}

func (w *FileWorkflow) lookup(point, method string) stepFunc {
	if step, ok := w.steps[transition{point, method}]; ok {
		return step
	}
	return w.steps[transition{point, anyMethod}]
}

// createFile persists the metadata row. On re-entry the row may already be
// committed from a previous attempt; then only the advance is redone.
func (w *FileWorkflow) createFile(ctx context.Context, rec *models.IdempotencyKey) error {
	var in models.CreateFileInput
	if err := json.Unmarshal(rec.RequestParams, &in); err != nil {
		return err
	}
	utils.NormalizeDTO(&in)

	return w.group.Phase(ctx, func(p *atomicity.Phase) error {
		existing, err := models.GetFileByIdempotencyKey(p.Tx, p.UserID, rec.ID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if existing == nil {
			file := models.File{
				UserID:           p.UserID,
				IdempotencyKeyID: rec.ID,
				Name:             in.Name,
				ObjectKey:        in.ObjectKey(),
			}
			if err := p.Tx.Create(&file).Error; err != nil {
				return err
			}
		}
		return p.SetRecoveryPoint(PointFileCreated)
	})
}

// updateFile applies the non-content field updates to the file named by the
// file_id path param. Setting the same fields twice is harmless, which makes
// the step safe to re-enter.
func (w *FileWorkflow) updateFile(ctx context.Context, rec *models.IdempotencyKey) error {
	var in models.UpdateFileInput
	if err := json.Unmarshal(rec.RequestParams, &in); err != nil {
		return err
	}
	utils.NormalizePtrDTO(&in)

	return w.group.Phase(ctx, func(p *atomicity.Phase) error {
		file, err := w.resolveFile(p, rec)
		if err != nil {
			return err
		}

		updates := utils.UpdatesFromPtrDTO(&in, nil)
		delete(updates, "content_base64") // the payload goes to the blob store, not this row
		if len(updates) > 0 {
			if err := p.Tx.Model(file).Updates(updates).Error; err != nil {
				return err
			}
		}
		return p.SetRecoveryPoint(PointFileUpdated)
	})
}

// uploadFile pushes the payload to the blob store. The put overwrites, so a
// re-entered upload is a no-op in effect. Updates without a payload skip the
// transfer and only advance.
func (w *FileWorkflow) uploadFile(ctx context.Context, rec *models.IdempotencyKey) error {
	var in models.UpdateFileInput
	if err := json.Unmarshal(rec.RequestParams, &in); err != nil {
		return err
	}

	return w.group.Phase(ctx, func(p *atomicity.Phase) error {
		file, err := w.resolveFile(p, rec)
		if err != nil {
			return err
		}

		if in.ContentBase64 != nil && *in.ContentBase64 != "" {
			data, err := base64.StdEncoding.DecodeString(*in.ContentBase64)
			if err != nil {
				return fiber.NewError(fiber.StatusBadRequest, "content_base64 is not valid base64")
			}
			if err := w.blobs.Put(ctx, file.ObjectKey, data); err != nil {
				return err
			}
		}
		return p.SetRecoveryPoint(PointFileUploaded)
	})
}

// completeUpload finalizes the file and caches the response to replay.
func (w *FileWorkflow) completeUpload(ctx context.Context, rec *models.IdempotencyKey) error {
	return w.group.Phase(ctx, func(p *atomicity.Phase) error {
		file, err := w.resolveFile(p, rec)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if err := p.Tx.Model(file).Update("upload_completed_at", now).Error; err != nil {
			return err
		}
		file.UploadCompletedAt = &now
		return p.SetResponse(fiber.StatusOK, file)
	})
}

// deleteBlob removes the payload from the blob store first; the metadata row
// survives until the next step so a crash in between still finds it.
func (w *FileWorkflow) deleteBlob(ctx context.Context, rec *models.IdempotencyKey) error {
	return w.group.Phase(ctx, func(p *atomicity.Phase) error {
		file, err := w.resolveFile(p, rec)
		if err != nil {
			return err
		}
		if err := w.blobs.Delete(ctx, file.ObjectKey); err != nil {
			return err
		}
		return p.SetRecoveryPoint(PointFileDeleted)
	})
}

// deleteFile removes the metadata row and caches the response. On re-entry
// the row may already be gone; then only the response is still owed.
func (w *FileWorkflow) deleteFile(ctx context.Context, rec *models.IdempotencyKey) error {
	id, ok, err := filePathID(rec)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("delete request for key %q carries no file_id", rec.Key)
	}

	return w.group.Phase(ctx, func(p *atomicity.Phase) error {
		file, err := models.GetFile(p.Tx, p.UserID, id)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if file != nil {
			if err := p.Tx.Delete(file).Error; err != nil {
				return err
			}
		}
		return p.SetResponse(fiber.StatusOK, fiber.Map{"id": id, "deleted": true})
	})
}

// resolveFile finds the file a step operates on: by the file_id path param
// for update/delete requests (their key is fresh, no file row points at it),
// falling back to the association the create step recorded.
func (w *FileWorkflow) resolveFile(p *atomicity.Phase, rec *models.IdempotencyKey) (*models.File, error) {
	id, ok, err := filePathID(rec)
	if err != nil {
		return nil, err
	}
	if ok {
		file, err := models.GetFile(p.Tx, p.UserID, id)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fiber.NewError(fiber.StatusNotFound, "file not found")
		}
		return file, err
	}

	file, err := models.GetFileByIdempotencyKey(p.Tx, p.UserID, rec.ID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("no file for idempotency key %q at %s", rec.Key, rec.RecoveryPoint)
	}
	return file, err
}

func filePathID(rec *models.IdempotencyKey) (uint, bool, error) {
	if len(rec.RequestPathParams) == 0 {
		return 0, false, nil
	}
	var params map[string]string
	if err := json.Unmarshal(rec.RequestPathParams, &params); err != nil {
		return 0, false, err
	}
	raw, ok := params["file_id"]
	if !ok || raw == "" {
		return 0, false, nil
	}
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, false, fiber.NewError(fiber.StatusBadRequest, "invalid file_id")
	}
	return uint(id), true, nil
}
