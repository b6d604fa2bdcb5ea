package handler

import (
	"encoding/json"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/synaura/studio-api/internal/model"
	"github.com/synaura/studio-api/internal/normalize"
	"github.com/synaura/studio-api/internal/poller"
	"github.com/synaura/studio-api/internal/queue"
	"github.com/synaura/studio-api/internal/service"
	"github.com/synaura/studio-api/internal/websocket"
	"github.com/synaura/studio-api/pkg/response"
)

// callbackEnvelope is the provider's push notification body.
type callbackEnvelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		CallbackType string          `json:"callbackType"`
		TaskID       string          `json:"task_id"`
		Data         json.RawMessage `json:"data"`
	} `json:"data"`
}

// CallbackHandler ingests the provider's push notifications. Callbacks are
// an optimization over polling, never a replacement: the polling loop keeps
// running until its own fetch confirms a terminal state or the callback
// already saved the result.
type CallbackHandler struct {
	service *service.GenerationService
	poller  *poller.Poller
	queue   *queue.Manager
	norm    *normalize.Normalizer
	hub     *websocket.Hub
}

func NewCallbackHandler(svc *service.GenerationService, p *poller.Poller, q *queue.Manager, norm *normalize.Normalizer, hub *websocket.Hub) *CallbackHandler {
	return &CallbackHandler{
		service: svc,
		poller:  p,
		queue:   q,
		norm:    norm,
		hub:     hub,
	}
}

// Handle handles POST /api/suno/callback
// @Summary      Provider callback
// @Description  Ingest a push notification from the music provider
// @Tags         Callback
// @Accept       json
// @Produce      json
// @Success      200 {object} map[string]string
// @Router       /api/suno/callback [post]
func (h *CallbackHandler) Handle(c *fiber.Ctx) error {
	var envelope callbackEnvelope
	if err := c.BodyParser(&envelope); err != nil {
		// Always acknowledge; the provider retries on non-2xx and the
		// polling loop covers any payload we cannot read.
		log.Printf("[Callback] Unreadable body: %v", err)
		return response.OK(c, fiber.Map{"status": "ignored"})
	}

	taskID := envelope.Data.TaskID
	if taskID == "" {
		log.Printf("[Callback] Missing task ID, ignoring")
		return response.OK(c, fiber.Map{"status": "ignored"})
	}

	callbackType := envelope.Data.CallbackType
	log.Printf("[Callback] Task %s: %s", taskID, callbackType)

	ctx := c.Context()
	tracks := h.norm.Tracks(envelope.Data.Data)

	switch callbackType {
	case "complete":
		if len(tracks) == 0 {
			break
		}
		if err := h.service.Save(ctx, taskID, tracks, model.SaveCompleted); err != nil {
			log.Printf("[Callback] Task %s save failed: %v", taskID, err)
			break
		}
		// The result is durable; the polling loop has nothing left to do.
		// The stopped loop will never emit, so feed the queue directly.
		h.poller.Stop(taskID)
		update := model.TaskUpdate{
			TaskID:   taskID,
			Status:   model.TaskStatusSuccess,
			Tracks:   tracks,
			Progress: 100,
		}
		h.queue.HandleUpdate(update)
		h.hub.BroadcastTask(update)

	case "first", "text":
		if len(tracks) > 0 {
			if err := h.service.Save(ctx, taskID, tracks, model.SavePartial); err != nil {
				log.Printf("[Callback] Task %s partial save failed: %v", taskID, err)
			}
		}
		h.hub.BroadcastTask(model.TaskUpdate{
			TaskID: taskID,
			Status: model.TaskStatusFirst,
			Tracks: tracks,
		})

	case "error":
		if err := h.service.MarkFailed(ctx, taskID); err != nil {
			log.Printf("[Callback] Task %s mark failed error: %v", taskID, err)
		}
		h.poller.Stop(taskID)
		update := model.TaskUpdate{
			TaskID: taskID,
			Status: model.TaskStatusError,
			Error:  envelope.Msg,
		}
		h.queue.HandleUpdate(update)
		h.hub.BroadcastTask(update)
	}

	return response.OK(c, fiber.Map{"status": "received"})
}
