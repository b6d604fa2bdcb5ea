package handler

import (
	"log"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"
	"github.com/synaura/studio-api/internal/model"
	"github.com/synaura/studio-api/internal/service"
	"github.com/synaura/studio-api/pkg/response"
)

const defaultRepairLimit = 30

type MaintenanceHandler struct {
	asynqClient *asynq.Client
	validator   *validator.Validate
}

func NewMaintenanceHandler(asynqClient *asynq.Client, v *validator.Validate) *MaintenanceHandler {
	return &MaintenanceHandler{
		asynqClient: asynqClient,
		validator:   v,
	}
}

// Repair handles POST /api/maintenance/repair
// @Summary      Enqueue repair batch
// @Description  Queue a background batch that re-fetches recent generations and fills in missing media URLs
// @Tags         Maintenance
// @Accept       json
// @Produce      json
// @Param        request body model.RepairRequest false "Repair request"
// @Success      202 {object} map[string]string
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/maintenance/repair [post]
func (h *MaintenanceHandler) Repair(c *fiber.Ctx) error {
	var req model.RepairRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return response.ValidationError(c, "Invalid request body", nil)
		}
		if err := h.validator.Struct(&req); err != nil {
			return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
		}
	}

	limit := req.Limit
	if limit == 0 {
		limit = defaultRepairLimit
	}

	task, err := service.NewRepairTask(limit)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	info, err := h.asynqClient.Enqueue(task, asynq.Queue("maintenance"))
	if err != nil {
		return response.ServiceError(c, "Failed to enqueue repair batch")
	}

	log.Printf("[Maintenance] Repair batch enqueued: %s (limit %d)", info.ID, limit)
	return response.Accepted(c, fiber.Map{"taskId": info.ID})
}
