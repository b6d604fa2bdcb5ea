package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/synaura/studio-api/internal/client"
	"github.com/synaura/studio-api/internal/model"
	"github.com/synaura/studio-api/internal/normalize"
	"github.com/synaura/studio-api/internal/poller"
	"github.com/synaura/studio-api/internal/queue"
	"github.com/synaura/studio-api/internal/service"
	"github.com/synaura/studio-api/internal/store"
	"github.com/synaura/studio-api/pkg/response"
)

type GenerationHandler struct {
	queue     *queue.Manager
	poller    *poller.Poller
	service   *service.GenerationService
	provider  client.MusicGenerator
	norm      *normalize.Normalizer
	validator *validator.Validate
}

func NewGenerationHandler(q *queue.Manager, p *poller.Poller, svc *service.GenerationService, provider client.MusicGenerator, norm *normalize.Normalizer, v *validator.Validate) *GenerationHandler {
	return &GenerationHandler{
		queue:     q,
		poller:    p,
		service:   svc,
		provider:  provider,
		norm:      norm,
		validator: v,
	}
}

// Enqueue handles POST /api/generate
// @Summary      Enqueue generation request
// @Description  Add one or more variations of a generation request to the queue
// @Tags         Generation
// @Accept       json
// @Produce      json
// @Param        request body model.EnqueueRequest true "Enqueue request"
// @Success      202 {object} model.EnqueueResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/generate [post]
func (h *GenerationHandler) Enqueue(c *fiber.Ctx) error {
	var req model.EnqueueRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	variations := req.Variations
	if variations == 0 {
		variations = 1
	}

	items := make([]model.QueueItem, 0, variations)
	for i := 0; i < variations; i++ {
		items = append(items, h.queue.Enqueue(req.Params, req.ProjectID))
	}

	return response.Accepted(c, model.EnqueueResponse{Items: items})
}

// Queue handles GET /api/queue
// @Summary      Get queue snapshot
// @Description  Get all queue items with counts and runner configuration
// @Tags         Queue
// @Produce      json
// @Success      200 {object} model.QueueSnapshot
// @Failure      401 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/queue [get]
func (h *GenerationHandler) Queue(c *fiber.Ctx) error {
	return response.OK(c, h.queue.Snapshot())
}

// Retry handles POST /api/queue/:id/retry
// @Summary      Retry failed queue item
// @Description  Reset a failed item to pending with its original parameters
// @Tags         Queue
// @Produce      json
// @Param        id path string true "Queue item ID"
// @Success      200 {object} model.RetryResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/queue/{id}/retry [post]
func (h *GenerationHandler) Retry(c *fiber.Ctx) error {
	itemID := c.Params("id")
	if itemID == "" {
		return response.ValidationError(c, "Queue item ID is required", nil)
	}

	item, err := h.queue.Retry(itemID)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			return response.NotFound(c, "Queue item not found")
		}
		if errors.Is(err, queue.ErrNotRetryable) {
			return response.Conflict(c, "Only failed items can be retried")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, model.RetryResponse{Item: item})
}

// SetConfig handles PUT /api/queue/config
// @Summary      Update queue configuration
// @Description  Set max concurrency and auto-run flag for the queue runner
// @Tags         Queue
// @Accept       json
// @Produce      json
// @Param        request body model.QueueConfigRequest true "Queue configuration"
// @Success      200 {object} model.QueueSnapshot
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/queue/config [put]
func (h *GenerationHandler) SetConfig(c *fiber.Ctx) error {
	var req model.QueueConfigRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	h.queue.SetConfig(model.QueueConfig{
		MaxConcurrency: req.MaxConcurrency,
		AutoRun:        req.AutoRun,
	})

	return response.OK(c, h.queue.Snapshot())
}

// Dispatch handles POST /api/queue/dispatch
// @Summary      Dispatch pending items
// @Description  Manually dispatch pending items up to the concurrency bound
// @Tags         Queue
// @Produce      json
// @Success      200 {object} model.QueueSnapshot
// @Failure      401 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/queue/dispatch [post]
func (h *GenerationHandler) Dispatch(c *fiber.Ctx) error {
	if err := h.queue.Dispatch(); err != nil {
		return response.Conflict(c, err.Error())
	}
	return response.OK(c, h.queue.Snapshot())
}

// TaskStatus handles GET /api/tasks/:taskId/status
// @Summary      Get task status
// @Description  Fetch the provider's current status for a task, normalized
// @Tags         Tasks
// @Produce      json
// @Param        taskId path string true "Task ID"
// @Success      200 {object} model.TaskStatusResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      502 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/tasks/{taskId}/status [get]
func (h *GenerationHandler) TaskStatus(c *fiber.Ctx) error {
	taskID := c.Params("taskId")
	if taskID == "" {
		return response.ValidationError(c, "Task ID is required", nil)
	}

	info, err := h.provider.GetRecordInfo(c.Context(), taskID)
	if err != nil {
		return response.ProviderError(c, err.Error())
	}

	return response.OK(c, model.TaskStatusResponse{
		TaskID: taskID,
		Status: normalize.Status(info.Status),
		Tracks: h.norm.Tracks(info.Raw),
	})
}

// StopTask handles POST /api/tasks/:taskId/stop
// @Summary      Stop polling a task
// @Description  Cancel the background polling loop for a task
// @Tags         Tasks
// @Produce      json
// @Param        taskId path string true "Task ID"
// @Success      204
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/tasks/{taskId}/stop [post]
func (h *GenerationHandler) StopTask(c *fiber.Ctx) error {
	taskID := c.Params("taskId")
	if taskID == "" {
		return response.ValidationError(c, "Task ID is required", nil)
	}

	h.poller.Stop(taskID)
	// The stopped loop never emits again, so release the queue slot here.
	h.queue.HandleUpdate(model.TaskUpdate{
		TaskID: taskID,
		Status: model.TaskStatusError,
		Error:  "stopped by user",
	})
	return response.NoContent(c)
}

// GetGeneration handles GET /api/generations/:taskId
// @Summary      Get stored generation
// @Description  Get a stored generation with its tracks
// @Tags         Generation
// @Produce      json
// @Param        taskId path string true "Task ID"
// @Success      200 {object} model.GenerationResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/generations/{taskId} [get]
func (h *GenerationHandler) GetGeneration(c *fiber.Ctx) error {
	taskID := c.Params("taskId")
	if taskID == "" {
		return response.ValidationError(c, "Task ID is required", nil)
	}

	result, err := h.service.Get(c.Context(), taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Generation not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}
