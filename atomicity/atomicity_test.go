package atomicity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"filedepot-backend/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	// one in-memory database per test; shared cache so every pooled
	// connection sees the same data
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(&models.User{}, &models.IdempotencyKey{}, &models.File{}))
	return db
}

func postSnapshot(body string) RequestSnapshot {
	return RequestSnapshot{
		Method:     fiber.MethodPost,
		Path:       "/api/file",
		PathParams: map[string]string{},
		Body:       []byte(body),
	}
}

const createBody = `{"name":"a.txt","content_base64":"aGVsbG8="}`

func TestStartCreatesRecord(t *testing.T) {
	db := newTestDB(t)
	group := NewGroup(db, "k1", "u1", postSnapshot(createBody))

	require.NoError(t, group.Start(context.Background()))

	rec, err := group.Record(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RecoveryPointStarted, rec.RecoveryPoint)
	assert.Equal(t, fiber.MethodPost, rec.RequestMethod)
	assert.Equal(t, "/api/file", rec.RequestPath)
	require.NotNil(t, rec.LockedAt)
	assert.WithinDuration(t, time.Now().UTC(), *rec.LockedAt, 5*time.Second)
	assert.Nil(t, rec.ResponseCode)
	assert.JSONEq(t, createBody, string(rec.RequestParams))
}

func TestStartParamMismatch(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, NewGroup(db, "k1", "u1", postSnapshot(createBody)).Start(context.Background()))

	other := NewGroup(db, "k1", "u1", postSnapshot(`{"name":"b.txt","content_base64":"aGVsbG8="}`))
	err := other.Start(context.Background())

	var fe *fiber.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fiber.StatusConflict, fe.Code)
	assert.Equal(t, "param mismatch", fe.Message)

	// the first execution's lock stays untouched
	rec, err := other.Record(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, rec.LockedAt)
}

func TestStartParamMatchIgnoresKeyOrder(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, NewGroup(db, "k1", "u1", postSnapshot(createBody)).Start(context.Background()))

	// same payload, different key order and whitespace
	reordered := `{ "content_base64": "aGVsbG8=", "name": "a.txt" }`
	err := NewGroup(db, "k1", "u1", postSnapshot(reordered)).Start(context.Background())

	var fe *fiber.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "request in progress", fe.Message)
}

func TestStartInProgress(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, NewGroup(db, "k1", "u1", postSnapshot(createBody)).Start(context.Background()))

	err := NewGroup(db, "k1", "u1", postSnapshot(createBody)).Start(context.Background())

	var fe *fiber.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fiber.StatusConflict, fe.Code)
	assert.Equal(t, "request in progress", fe.Message)
}

func TestStartRelocksExpiredLease(t *testing.T) {
	db := newTestDB(t)
	group := NewGroup(db, "k1", "u1", postSnapshot(createBody))
	require.NoError(t, group.Start(context.Background()))

	stale := time.Now().UTC().Add(-2 * LockTimeout)
	require.NoError(t, models.UpdateIdempotencyKey(db, "u1", "k1", map[string]any{
		"locked_at":   stale,
		"last_run_at": stale,
	}))

	require.NoError(t, NewGroup(db, "k1", "u1", postSnapshot(createBody)).Start(context.Background()))

	rec, err := group.Record(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rec.LockedAt)
	assert.WithinDuration(t, time.Now().UTC(), *rec.LockedAt, 5*time.Second)
	assert.WithinDuration(t, time.Now().UTC(), rec.LastRunAt, 5*time.Second)
}

func TestStartFinishedRecordNotRelocked(t *testing.T) {
	db := newTestDB(t)
	group := NewGroup(db, "k1", "u1", postSnapshot(createBody))
	require.NoError(t, group.Start(context.Background()))
	require.NoError(t, group.Phase(context.Background(), func(p *Phase) error {
		return p.SetResponse(fiber.StatusOK, fiber.Map{"ok": true})
	}))

	require.NoError(t, NewGroup(db, "k1", "u1", postSnapshot(createBody)).Start(context.Background()))

	rec, err := group.Record(context.Background())
	require.NoError(t, err)
	assert.True(t, rec.Finished())
	assert.Nil(t, rec.LockedAt)
}

func TestStartRejectsInvalidJSONBody(t *testing.T) {
	db := newTestDB(t)
	err := NewGroup(db, "k1", "u1", postSnapshot(`{"name":`)).Start(context.Background())

	var fe *fiber.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fiber.StatusBadRequest, fe.Code)
}

func TestStartNormalizesEmptyBody(t *testing.T) {
	db := newTestDB(t)
	snap := RequestSnapshot{Method: fiber.MethodDelete, Path: "/api/file/1", PathParams: map[string]string{"file_id": "1"}, Body: nil}
	group := NewGroup(db, "k1", "u1", snap)
	require.NoError(t, group.Start(context.Background()))

	rec, err := group.Record(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(rec.RequestParams))
	assert.JSONEq(t, `{"file_id":"1"}`, string(rec.RequestPathParams))
}

func TestPhaseRecoveryPointEffect(t *testing.T) {
	db := newTestDB(t)
	group := NewGroup(db, "k1", "u1", postSnapshot(createBody))
	require.NoError(t, group.Start(context.Background()))

	require.NoError(t, group.Phase(context.Background(), func(p *Phase) error {
		return p.SetRecoveryPoint("midway")
	}))

	rec, err := group.Record(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "midway", rec.RecoveryPoint)
	// advancing the point keeps the lock and leaves no response behind
	assert.NotNil(t, rec.LockedAt)
	assert.Nil(t, rec.ResponseCode)
}

func TestPhaseResponseEffectFinishesAndUnlocks(t *testing.T) {
	db := newTestDB(t)
	group := NewGroup(db, "k1", "u1", postSnapshot(createBody))
	require.NoError(t, group.Start(context.Background()))

	require.NoError(t, group.Phase(context.Background(), func(p *Phase) error {
		return p.SetResponse(fiber.StatusOK, fiber.Map{"name": "a.txt"})
	}))

	rec, err := group.Record(context.Background())
	require.NoError(t, err)
	assert.True(t, rec.Finished())
	assert.Nil(t, rec.LockedAt)
	require.NotNil(t, rec.ResponseCode)
	assert.Equal(t, fiber.StatusOK, *rec.ResponseCode)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.ResponseBody, &body))
	assert.Equal(t, "a.txt", body["name"])

	code, raw, err := group.Response(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusOK, code)
	assert.JSONEq(t, `{"name":"a.txt"}`, string(raw))
}

func TestPhaseSecondEffectRejected(t *testing.T) {
	db := newTestDB(t)
	group := NewGroup(db, "k1", "u1", postSnapshot(createBody))
	require.NoError(t, group.Start(context.Background()))

	var setErr error
	err := group.Phase(context.Background(), func(p *Phase) error {
		require.NoError(t, p.SetRecoveryPoint("midway"))
		setErr = p.SetResponse(fiber.StatusOK, fiber.Map{})
		return setErr
	})

	assert.ErrorIs(t, setErr, ErrEffectAlreadySet)
	// the contract violation is a 500, never user-visible detail
	var fe *fiber.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fiber.StatusInternalServerError, fe.Code)
}

func TestPhaseFailureRollsBackAndReleasesLock(t *testing.T) {
	db := newTestDB(t)
	group := NewGroup(db, "k1", "u1", postSnapshot(createBody))
	require.NoError(t, group.Start(context.Background()))

	err := group.Phase(context.Background(), func(p *Phase) error {
		file := models.File{UserID: "u1", IdempotencyKeyID: 1, Name: "a.txt", ObjectKey: "x/a.txt"}
		if err := p.Tx.Create(&file).Error; err != nil {
			return err
		}
		return errors.New("boom")
	})

	var fe *fiber.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fiber.StatusInternalServerError, fe.Code)

	// business mutation rolled back
	var count int64
	require.NoError(t, db.Model(&models.File{}).Count(&count).Error)
	assert.Zero(t, count)

	// lock released so a retry is not blocked until the lease expires
	rec, err := group.Record(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rec.LockedAt)
	assert.Equal(t, models.RecoveryPointStarted, rec.RecoveryPoint)
}

func TestSerializationConflictIsRetryable(t *testing.T) {
	db := newTestDB(t)
	group := NewGroup(db, "k1", "u1", postSnapshot(createBody))
	require.NoError(t, group.Start(context.Background()))

	err := group.Phase(context.Background(), func(p *Phase) error {
		return &pgconn.PgError{Code: serializationFailureCode, Message: "could not serialize access"}
	})

	var fe *fiber.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fiber.StatusConflict, fe.Code)
	assert.Equal(t, "retry", fe.Message)

	rec, recErr := group.Record(context.Background())
	require.NoError(t, recErr)
	assert.Nil(t, rec.LockedAt)
}

func TestOtherPgErrorsAreInternal(t *testing.T) {
	db := newTestDB(t)
	group := NewGroup(db, "k1", "u1", postSnapshot(createBody))
	require.NoError(t, group.Start(context.Background()))

	err := group.Phase(context.Background(), func(p *Phase) error {
		return &pgconn.PgError{Code: "23505", Message: "duplicate key value"}
	})

	var fe *fiber.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fiber.StatusInternalServerError, fe.Code)
}

func TestPhaseFiberErrorPassesThroughAndUnlocks(t *testing.T) {
	db := newTestDB(t)
	group := NewGroup(db, "k1", "u1", postSnapshot(createBody))
	require.NoError(t, group.Start(context.Background()))

	err := group.Phase(context.Background(), func(p *Phase) error {
		return fiber.NewError(fiber.StatusNotFound, "file not found")
	})

	var fe *fiber.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fiber.StatusNotFound, fe.Code)

	rec, recErr := group.Record(context.Background())
	require.NoError(t, recErr)
	assert.Nil(t, rec.LockedAt)
}

func TestAdmissionConflictKeepsForeignLock(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, NewGroup(db, "k1", "u1", postSnapshot(createBody)).Start(context.Background()))

	err := NewGroup(db, "k1", "u1", postSnapshot(createBody)).Start(context.Background())
	require.ErrorIs(t, err, ErrInProgress)

	// the rejected duplicate must not release the first execution's lock
	rec, recErr := models.GetIdempotencyKey(db, "u1", "k1")
	require.NoError(t, recErr)
	assert.NotNil(t, rec.LockedAt)
}

func TestResponseBeforeFinishIsInternalError(t *testing.T) {
	db := newTestDB(t)
	group := NewGroup(db, "k1", "u1", postSnapshot(createBody))
	require.NoError(t, group.Start(context.Background()))

	_, _, err := group.Response(context.Background())

	var fe *fiber.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, fiber.StatusInternalServerError, fe.Code)
}

func TestKeysAreScopedPerUser(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, NewGroup(db, "k1", "u1", postSnapshot(createBody)).Start(context.Background()))

	// a different user reusing the same key string gets their own record
	require.NoError(t, NewGroup(db, "k1", "u2", postSnapshot(createBody)).Start(context.Background()))

	var count int64
	require.NoError(t, db.Model(&models.IdempotencyKey{}).Where("key = ?", "k1").Count(&count).Error)
	assert.EqualValues(t, 2, count)
}
