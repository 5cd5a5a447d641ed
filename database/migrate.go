package database

import (
	"filedepot-backend/models"

	"github.com/rs/zerolog/log"
)

// AutoMigrate applies (idempotent) schema migrations. The unique indexes on
// idempotency_keys(user_id, key) and files(user_id, idempotency_key_id) come
// from the model tags; both back the exactly-once guarantees, so a failed
// migration is fatal.
func AutoMigrate() {
	if err := DB.AutoMigrate(
		&models.User{},
		&models.IdempotencyKey{},
		&models.File{},
	); err != nil {
		log.Fatal().Err(err).Msg("automigrate failed")
	}
}
