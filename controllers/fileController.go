package controllers

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"filedepot-backend/atomicity"
	"filedepot-backend/database"
	"filedepot-backend/middlewares"
	"filedepot-backend/models"
	"filedepot-backend/services"
)

// Blobs is the blob-store client the file workflows upload to; wired in main.
var Blobs services.BlobStore

const idempotencyKeyHeader = "X-Idempotency-Key"

func CreateFile(c *fiber.Ctx) error {
	var in models.CreateFileInput
	if err := middlewares.BindAndValidate(c, &in); err != nil {
		return err
	}
	return runFileWorkflow(c)
}

func UpdateFile(c *fiber.Ctx) error {
	var in models.UpdateFileInput
	if err := middlewares.BindAndValidate(c, &in); err != nil {
		return err
	}
	return runFileWorkflow(c)
}

func DeleteFile(c *fiber.Ctx) error {
	return runFileWorkflow(c)
}

// runFileWorkflow is the boundary between HTTP and the atomic-phase engine:
// admission, the recovery-point loop, then the cached response — whether it
// was produced just now or by an earlier request with the same key.
func runFileWorkflow(c *fiber.Ctx) error {
	key := strings.TrimSpace(c.Get(idempotencyKeyHeader))
	if key == "" {
		return fiber.NewError(fiber.StatusBadRequest, "missing X-Idempotency-Key header")
	}
	if len(key) > 100 {
		return fiber.NewError(fiber.StatusBadRequest, "X-Idempotency-Key too long")
	}

	userID, _ := c.Locals("userID").(string)
	if userID == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "auth context missing")
	}

	// fiber reuses its buffers after the handler returns; the snapshot
	// outlives this request in the database, so copy
	body := make([]byte, len(c.Body()))
	copy(body, c.Body())

	group := atomicity.NewGroup(database.DB, key, userID, atomicity.RequestSnapshot{
		Method:     c.Method(),
		Path:       c.Path(),
		PathParams: c.AllParams(),
		Body:       body,
	})
	if err := group.Start(c.UserContext()); err != nil {
		return err
	}

	if err := services.NewFileWorkflow(Blobs, group).Execute(c.UserContext()); err != nil {
		return err
	}

	return group.WriteResponse(c)
}

func GetFile(c *fiber.Ctx) error {
	userID, _ := c.Locals("userID").(string)
	if userID == "" {
		return fiber.NewError(fiber.StatusUnauthorized, "auth context missing")
	}

	id, err := strconv.ParseUint(c.Params("file_id"), 10, 64)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid file_id")
	}

	file, err := models.GetFile(database.DB, userID, uint(id))
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "file not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(file)
}
