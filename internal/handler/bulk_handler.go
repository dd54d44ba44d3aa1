package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/careatlas/bulk-intake/internal/domain"
	"github.com/careatlas/bulk-intake/internal/ingest"
	"github.com/careatlas/bulk-intake/internal/observability"
	"github.com/careatlas/bulk-intake/internal/service"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const uploadFieldName = "file"

type BulkUploader interface {
	Upload(ctx context.Context, content []byte) (*service.UploadReceipt, error)
}

type BatchRetrier interface {
	Plan(ctx context.Context, batchID string) (*service.RetryPlan, error)
	Execute(ctx context.Context, plan *service.RetryPlan)
}

type StatusStreamer interface {
	Stream(ctx context.Context, batchID string, push func(*domain.StatusDocument) error) error
}

type BulkHandler struct {
	uploader BulkUploader
	retrier  BatchRetrier
	streamer StatusStreamer
	logger   *zap.Logger

	spawn func(func())
}

func NewBulkHandler(uploader BulkUploader, retrier BatchRetrier, streamer StatusStreamer, logger *zap.Logger) (*BulkHandler, error) {
	if uploader == nil {
		return nil, fmt.Errorf("bulk uploader is required")
	}
	if retrier == nil {
		return nil, fmt.Errorf("batch retrier is required")
	}
	if streamer == nil {
		return nil, fmt.Errorf("status streamer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BulkHandler{
		uploader: uploader,
		retrier:  retrier,
		streamer: streamer,
		logger:   logger,
		spawn:    func(task func()) { go task() },
	}, nil
}

func RegisterBulkRoutes(router fiber.Router, uploader BulkUploader, retrier BatchRetrier, streamer StatusStreamer, logger *zap.Logger) error {
	h, err := NewBulkHandler(uploader, retrier, streamer, logger)
	if err != nil {
		return err
	}

	hospitals := router.Group("/v1/hospitals")
	hospitals.Post("/bulk", h.UploadBatch)
	hospitals.Post("/retry", h.RetryBatch)
	hospitals.Use("/status", requireWebSocketUpgrade)
	hospitals.Get("/status", websocket.New(h.StreamStatus))

	return nil
}

type retryRequest struct {
	BatchID string `json:"batch_id"`
}

type uploadResponse struct {
	BatchID            string               `json:"batch_id"`
	Status             string               `json:"status"`
	TotalHospitals     int                  `json:"total_hospitals"`
	DuplicatesRemoved  int                  `json:"duplicates_removed"`
	DuplicateHospitals []domain.HospitalRow `json:"duplicate_hospitals,omitempty"`
	Message            string               `json:"message"`
}

type retryResponse struct {
	BatchID     string `json:"batch_id"`
	Status      string `json:"status"`
	RowsToRetry int    `json:"rows_to_retry"`
	Message     string `json:"message"`
}

// UploadBatch accepts a multipart CSV upload and returns a receipt once the
// batch has been registered; processing continues in the background.
func (h *BulkHandler) UploadBatch(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile(uploadFieldName)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "multipart field 'file' is required")
	}
	if !strings.HasSuffix(strings.ToLower(fileHeader.Filename), ".csv") {
		return fiber.NewError(fiber.StatusBadRequest, "file must have a .csv extension")
	}

	file, err := fileHeader.Open()
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "failed to open uploaded file")
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "failed to read uploaded file")
	}

	ctx := observability.WithCorrelationID(c.Context(), requestCorrelationID(c))
	receipt, err := h.uploader.Upload(ctx, content)
	if err != nil {
		var validationErr *ingest.ValidationError
		if errors.As(err, &validationErr) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":             "validation failed",
				"validation_errors": validationErr.Violations,
			})
		}
		return err
	}

	return c.Status(fiber.StatusAccepted).JSON(uploadResponse{
		BatchID:            receipt.BatchID,
		Status:             domain.BatchStatusProcessing.String(),
		TotalHospitals:     receipt.TotalHospitals,
		DuplicatesRemoved:  receipt.DuplicatesRemoved,
		DuplicateHospitals: receipt.Duplicates,
		Message: fmt.Sprintf("accepted %d hospitals for processing, %d duplicates removed",
			receipt.TotalHospitals, receipt.DuplicatesRemoved),
	})
}

// RetryBatch plans a retry pass and, when there is anything to resubmit,
// runs it in the background while the lock is held.
func (h *BulkHandler) RetryBatch(c *fiber.Ctx) error {
	var req retryRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	batchID := strings.TrimSpace(req.BatchID)
	if err := uuid.Validate(batchID); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "batch_id must be a valid UUID")
	}

	plan, err := h.retrier.Plan(c.Context(), batchID)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return c.Status(fiber.StatusOK).JSON(retryResponse{
				BatchID: batchID,
				Status:  "retry_in_progress",
				Message: "a retry is already running for this batch",
			})
		}
		return err
	}

	if len(plan.Rows) == 0 {
		return c.Status(fiber.StatusOK).JSON(retryResponse{
			BatchID:     batchID,
			Status:      domain.BatchStatusCompleted.String(),
			RowsToRetry: 0,
			Message:     "all hospitals already exist, nothing to retry",
		})
	}

	h.spawn(func() {
		h.retrier.Execute(context.Background(), plan)
	})

	return c.Status(fiber.StatusAccepted).JSON(retryResponse{
		BatchID:     batchID,
		Status:      "retrying",
		RowsToRetry: len(plan.Rows),
		Message:     fmt.Sprintf("retrying %d hospitals", len(plan.Rows)),
	})
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func requireWebSocketUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// StreamStatus pushes status snapshots over the websocket until the batch
// turns terminal or the client disconnects. Failures are reported as a
// single error frame before the connection closes.
func (h *BulkHandler) StreamStatus(conn *websocket.Conn) {
	defer conn.Close()

	batchID := strings.TrimSpace(conn.Query("batch_id"))
	if err := uuid.Validate(batchID); err != nil {
		h.writeErrorFrame(conn, "batch_id must be a valid UUID")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The read pump exists only to notice the client going away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	err := h.streamer.Stream(ctx, batchID, func(doc *domain.StatusDocument) error {
		return conn.WriteJSON(doc)
	})
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}

	if errors.Is(err, domain.ErrNotFound) {
		h.writeErrorFrame(conn, err.Error())
		return
	}
	h.logger.Error("status stream failed",
		zap.String("batchId", batchID),
		zap.Error(err),
	)
	h.writeErrorFrame(conn, "status stream failed")
}

func (h *BulkHandler) writeErrorFrame(conn *websocket.Conn, message string) {
	if err := conn.WriteJSON(fiber.Map{"error": message}); err != nil {
		h.logger.Debug("failed to write websocket error frame", zap.Error(err))
	}
}
