package atomicity

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"filedepot-backend/models"
)

// LockTimeout is how long a held idempotency-key lock is honored before it
// counts as defunct and may be taken over by a later request. Locks are
// released on every failure path we control, but a crashed process releases
// nothing, so this is the backstop. Override with LOCK_TIMEOUT_SECONDS.
var LockTimeout = 90 * time.Second

func init() {
	if v := os.Getenv("LOCK_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			LockTimeout = time.Duration(n) * time.Second
		}
	}
}

// ErrEffectAlreadySet reports an attempt to register a second deferred
// effect on one phase; a step gets exactly one.
var ErrEffectAlreadySet = errors.New("atomicity: phase effect already set")

// Admission conflicts surfaced by Group.Start. These leave the record
// untouched: in particular they must not release a lock some other
// in-flight execution is holding.
var (
	ErrParamMismatch = fiber.NewError(fiber.StatusConflict, "param mismatch")
	ErrInProgress    = fiber.NewError(fiber.StatusConflict, "request in progress")
)

// effect is the deferred idempotency-record mutation a phase applies after
// its own transaction commits.
type effect interface {
	updates() map[string]any
}

type recoveryPointEffect struct{ name string }

func (e recoveryPointEffect) updates() map[string]any {
	return map[string]any{"recovery_point": e.name}
}

type responseEffect struct {
	code int
	body datatypes.JSON
}

func (e responseEffect) updates() map[string]any {
	return map[string]any{
		"locked_at":      nil,
		"recovery_point": models.RecoveryPointFinished,
		"response_code":  e.code,
		"response_body":  e.body,
	}
}

// Phase is one serializable-transaction unit of work scoped to an
// idempotency key. Workflow steps run their business mutations on Tx and
// register at most one deferred effect before returning.
type Phase struct {
	Tx     *gorm.DB
	Key    string
	UserID string

	applied effect
}

// SetRecoveryPoint defers advancing the record to the named recovery point,
// leaving lock and response untouched.
func (p *Phase) SetRecoveryPoint(name string) error {
	if p.applied != nil {
		return ErrEffectAlreadySet
	}
	p.applied = recoveryPointEffect{name: name}
	return nil
}

// SetResponse defers finishing the record: recovery point to finished, lock
// released, status code and body cached for replay.
func (p *Phase) SetResponse(code int, body any) error {
	if p.applied != nil {
		return ErrEffectAlreadySet
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	p.applied = responseEffect{code: code, body: datatypes.JSON(raw)}
	return nil
}

// runPhase opens a serializable transaction, hands it to fn, and commits or
// rolls back. A deferred effect registered by fn is applied afterwards in a
// second, independent phase, so the business mutation and the record
// progress are separate transactions; a crash between them leaves a
// committed step whose advance is missing, which is safe because steps are
// written to survive re-execution. The nested phase cannot register effects
// itself.
func runPhase(ctx context.Context, db *gorm.DB, key, userID string, applyEffect bool, fn func(*Phase) error) error {
	tx := db.WithContext(ctx).Begin(&sql.TxOptions{Isolation: sql.LevelSerializable})
	if tx.Error != nil {
		return surface(db, key, userID, tx.Error)
	}

	phase := &Phase{Tx: tx, Key: key, UserID: userID}
	if err := fn(phase); err != nil {
		tx.Rollback()
		return surface(db, key, userID, err)
	}
	if err := tx.Commit().Error; err != nil {
		return surface(db, key, userID, err)
	}

	if phase.applied == nil {
		return nil
	}
	if !applyEffect {
		// nested phases exist only to apply an outer effect; letting them
		// register their own would recurse without end
		log.Error().Str("idempotency_key", key).Msg("nested atomic phase registered an effect")
		return fiber.NewError(fiber.StatusInternalServerError, "internal server error")
	}

	upd := phase.applied.updates()
	return runPhase(ctx, db, key, userID, false, func(p *Phase) error {
		if _, err := models.GetIdempotencyKey(p.Tx, userID, key); err != nil {
			return err
		}
		return models.UpdateIdempotencyKey(p.Tx, userID, key, upd)
	})
}

// surface maps a phase failure for the HTTP layer. Admission conflicts pass
// through untouched. Everything else first releases the record lock so a
// retry is not blocked until the lease expires, then becomes either a
// retryable 409 (serialization conflict), the fiber error the step chose, or
// an opaque 500.
func surface(db *gorm.DB, key, userID string, err error) error {
	if errors.Is(err, ErrParamMismatch) || errors.Is(err, ErrInProgress) {
		return err
	}

	releaseLock(db, key, userID)

	if isSerializationFailure(err) {
		return fiber.NewError(fiber.StatusConflict, "retry")
	}
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe
	}
	log.Error().Err(err).Str("idempotency_key", key).Msg("atomic phase failed")
	return fiber.NewError(fiber.StatusInternalServerError, "internal server error")
}

// releaseLock clears locked_at in its own best-effort session. When even
// this fails the lock timeout is the fallback, so log loudly and move on.
func releaseLock(db *gorm.DB, key, userID string) {
	sess := db.Session(&gorm.Session{NewDB: true})
	if err := models.UpdateIdempotencyKey(sess, userID, key, map[string]any{"locked_at": nil}); err != nil {
		log.Error().Err(err).Str("idempotency_key", key).Msg("failed to release idempotency key lock")
	}
}

// serializationFailureCode is Postgres SQLSTATE 40001 (serialization_failure).
const serializationFailureCode = "40001"

func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == serializationFailureCode
}
