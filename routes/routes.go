package routes

import (
	"github.com/gofiber/fiber/v2"

	"filedepot-backend/controllers"
	"filedepot-backend/middlewares"
)

// Register wires all HTTP routes.
func Register(app *fiber.App) {
	api := app.Group("/api")

	// Public auth endpoints
	api.Post("/registration", controllers.Register)
	api.Post("/login", controllers.Login)
	api.Post("/logout", controllers.Logout)

	// Protected endpoints (JWT auth)
	protected := api.Group("")
	protected.Use(middlewares.IsAuthenticatedHeader())

	// Files: the mutating routes require X-Idempotency-Key and run as
	// resumable multi-step workflows
	protected.Post("/file", controllers.CreateFile)
	protected.Get("/file/:file_id", controllers.GetFile)
	protected.Patch("/file/:file_id", controllers.UpdateFile)
	protected.Delete("/file/:file_id", controllers.DeleteFile)
}
