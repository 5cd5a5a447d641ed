package atomicity

import (
	"bytes"
	"context"
	"encoding/json"
	"reflect"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"filedepot-backend/models"
)

// RequestSnapshot is what the HTTP layer hands the engine: enough of the
// inbound request to persist on first sight of a key and to detect reuse
// with a different payload.
type RequestSnapshot struct {
	Method     string
	Path       string
	PathParams map[string]string
	Body       []byte
}

// Group owns the lifecycle of one external request against one idempotency
// key: admission, per-step phases, and the cached response.
type Group struct {
	Key    string
	UserID string

	db  *gorm.DB
	req RequestSnapshot
}

func NewGroup(db *gorm.DB, key, userID string, req RequestSnapshot) *Group {
	return &Group{db: db, Key: key, UserID: userID, req: req}
}

// Phase runs fn inside one atomic phase scoped to this group's key.
func (g *Group) Phase(ctx context.Context, fn func(*Phase) error) error {
	return runPhase(ctx, g.db, g.Key, g.UserID, true, fn)
}

// Record fetches the current record snapshot in its own short-lived session.
func (g *Group) Record(ctx context.Context) (*models.IdempotencyKey, error) {
	sess := g.db.WithContext(ctx).Session(&gorm.Session{NewDB: true})
	return models.GetIdempotencyKey(sess, g.UserID, g.Key)
}

// Start runs the admission protocol in one atomic phase: create the record
// on first sight, or validate and re-lock it on a retry. Conflicts come back
// as ErrParamMismatch or ErrInProgress.
func (g *Group) Start(ctx context.Context) error {
	body := g.req.Body
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	var params any
	if err := json.Unmarshal(body, &params); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "request body is not valid JSON")
	}

	return g.Phase(ctx, func(p *Phase) error {
		rec, err := models.GetIdempotencyKeyOrNone(p.Tx, g.UserID, g.Key)
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		if rec == nil {
			pathParams, err := json.Marshal(g.req.PathParams)
			if err != nil {
				return err
			}
			return p.Tx.Create(&models.IdempotencyKey{
				Key:               g.Key,
				UserID:            g.UserID,
				LastRunAt:         now,
				LockedAt:          &now,
				RecoveryPoint:     models.RecoveryPointStarted,
				RequestMethod:     g.req.Method,
				RequestPath:       g.req.Path,
				RequestPathParams: datatypes.JSON(pathParams),
				RequestParams:     datatypes.JSON(body),
			}).Error
		}

		// same key reused with a different payload
		var stored any
		if err := json.Unmarshal(rec.RequestParams, &stored); err != nil {
			return err
		}
		if !reflect.DeepEqual(stored, params) {
			return ErrParamMismatch
		}

		// only take the lock if it is free, or stale because the original
		// request was long enough ago
		if rec.LockedAt != nil && rec.LockedAt.After(now.Add(-LockTimeout)) {
			return ErrInProgress
		}

		// re-lock and refresh the run marker unless already finished; a
		// resumed execution needs the same protection the first one had
		if !rec.Finished() {
			return models.UpdateIdempotencyKey(p.Tx, g.UserID, g.Key, map[string]any{
				"last_run_at": now,
				"locked_at":   now,
			})
		}
		return nil
	})
}

// Response returns the cached status code and body. Calling it before the
// workflow finished is a bug in the caller, never a user condition.
func (g *Group) Response(ctx context.Context) (int, []byte, error) {
	rec, err := g.Record(ctx)
	if err != nil {
		return 0, nil, err
	}
	if !rec.Finished() || rec.ResponseCode == nil {
		log.Error().Str("idempotency_key", g.Key).Str("recovery_point", rec.RecoveryPoint).
			Msg("response requested before workflow finished")
		return 0, nil, fiber.NewError(fiber.StatusInternalServerError, "internal server error")
	}
	return *rec.ResponseCode, []byte(rec.ResponseBody), nil
}

// WriteResponse replays the cached response onto the fiber context.
func (g *Group) WriteResponse(c *fiber.Ctx) error {
	code, body, err := g.Response(c.UserContext())
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Status(code).Send(body)
}
