package middlewares

import (
	"path"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// file names must stay relative and must not climb out of their prefix
	_ = v.RegisterValidation("relative_path", func(fl validator.FieldLevel) bool {
		name := fl.Field().String()
		if name == "" || path.IsAbs(name) {
			return false
		}
		for _, part := range strings.Split(name, "/") {
			if part == ".." {
				return false
			}
		}
		return true
	})
	return v
}

// BindAndValidate parses the request body into dst and validates it.
// Returns fiber.ErrBadRequest for parse errors and a validator.ValidationErrors for validation issues.
func BindAndValidate(c *fiber.Ctx, dst interface{}) error {
	if err := c.BodyParser(dst); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}
	return validate.Struct(dst)
}

// ValidateStruct validates any struct value using the shared validator instance.
func ValidateStruct(v interface{}) error {
	return validate.Struct(v)
}
