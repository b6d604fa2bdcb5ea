package handler

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/synaura/studio-api/internal/model"
	"github.com/synaura/studio-api/internal/service"
	"github.com/synaura/studio-api/pkg/response"
)

type LyricsHandler struct {
	service   *service.LyricsService
	validator *validator.Validate
}

func NewLyricsHandler(svc *service.LyricsService, v *validator.Validate) *LyricsHandler {
	return &LyricsHandler{
		service:   svc,
		validator: v,
	}
}

// Generate handles POST /api/lyrics
// @Summary      Generate lyrics
// @Description  Generate lyric variants from a short prompt
// @Tags         Lyrics
// @Accept       json
// @Produce      json
// @Param        request body model.LyricsRequest true "Lyrics request"
// @Success      200 {object} model.LyricsResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      502 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/lyrics [post]
func (h *LyricsHandler) Generate(c *fiber.Ctx) error {
	var req model.LyricsRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Generate(c.Context(), req.Prompt)
	if err != nil {
		return response.ProviderError(c, err.Error())
	}

	return response.OK(c, result)
}

// formatValidationErrors converts validator errors to a field→tag map
func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			errors[e.Field()] = e.Tag()
		}
		return errors
	}
	return nil
}
