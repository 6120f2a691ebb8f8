package handler

import (
	"encoding/json"
	"errors"
	"mime/multipart"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/yajmaan/sevaflow/internal/joiner"
	"github.com/yajmaan/sevaflow/internal/middleware"
	"github.com/yajmaan/sevaflow/internal/model"
	"github.com/yajmaan/sevaflow/internal/service"
	"github.com/yajmaan/sevaflow/pkg/response"
)

const maxTableSize = 10 * 1024 * 1024 // 10MB

var errMissingBatchID = errors.New("batch id is required")

type batchTemplates struct {
	Templates []model.TemplateConfig `validate:"required,min=1,dive"`
}

type BatchHandler struct {
	service   *service.BatchService
	validator *validator.Validate
}

func NewBatchHandler(svc *service.BatchService, v *validator.Validate) *BatchHandler {
	return &BatchHandler{
		service:   svc,
		validator: v,
	}
}

// Start handles POST /api/batches
// Multipart form: files "roster" and "links", field "templates" holding a
// JSON array of template configs.
func (h *BatchHandler) Start(c *fiber.Ctx) error {
	var req batchTemplates
	raw := c.FormValue("templates")
	if raw == "" {
		return response.ValidationError(c, "Templates are required", nil)
	}
	if err := json.Unmarshal([]byte(raw), &req.Templates); err != nil {
		return response.ValidationError(c, "Templates must be a JSON array", nil)
	}
	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	roster, err := openTable(c, "roster")
	if err != nil {
		return response.ValidationError(c, err.Error(), nil)
	}
	defer roster.Close()

	links, err := openTable(c, "links")
	if err != nil {
		return response.ValidationError(c, err.Error(), nil)
	}
	defer links.Close()

	result, err := h.service.StartBatch(c.Context(), &service.StartBatchInput{
		Roster:      roster,
		Links:       links,
		Templates:   req.Templates,
		SubmittedBy: middleware.GetUserID(c),
	})
	if err != nil {
		var schemaErr *joiner.SchemaError
		switch {
		case errors.As(err, &schemaErr):
			return response.ValidationError(c, "Schema validation failed", schemaErr.Problems)
		case errors.Is(err, service.ErrInvalidUpload):
			return response.ValidationError(c, err.Error(), nil)
		}
		return response.ServiceError(c, err.Error())
	}

	return response.Accepted(c, result)
}

// Progress handles GET /api/batches/:batchId/progress
func (h *BatchHandler) Progress(c *fiber.Ctx) error {
	batchID, err := h.authorizedBatch(c)
	if err != nil {
		return batchError(c, err)
	}

	result, err := h.service.GetProgress(c.Context(), batchID)
	if err != nil {
		return batchError(c, err)
	}

	return response.OK(c, result)
}

// Report handles GET /api/batches/:batchId/report
// While the batch runs the report is refused unless ?partial=true.
func (h *BatchHandler) Report(c *fiber.Ctx) error {
	batchID, err := h.authorizedBatch(c)
	if err != nil {
		return batchError(c, err)
	}

	result, err := h.service.GetReport(c.Context(), batchID, c.QueryBool("partial"))
	if err != nil {
		return batchError(c, err)
	}

	return response.OK(c, result)
}

// Cancel handles POST /api/batches/:batchId/cancel
func (h *BatchHandler) Cancel(c *fiber.Ctx) error {
	batchID, err := h.authorizedBatch(c)
	if err != nil {
		return batchError(c, err)
	}

	result, err := h.service.CancelBatch(c.Context(), batchID)
	if err != nil {
		return batchError(c, err)
	}

	return response.OK(c, result)
}

// Authorize lets a request through only when the operator may see :batchId
func (h *BatchHandler) Authorize(c *fiber.Ctx) error {
	if _, err := h.authorizedBatch(c); err != nil {
		return batchError(c, err)
	}
	return c.Next()
}

func (h *BatchHandler) authorizedBatch(c *fiber.Ctx) (string, error) {
	batchID := c.Params("batchId")
	if batchID == "" {
		return "", errMissingBatchID
	}
	return batchID, h.service.Authorize(c.Context(), batchID, middleware.GetOperator(c))
}

func batchError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, errMissingBatchID):
		return response.ValidationError(c, "Batch ID is required", nil)
	case errors.Is(err, service.ErrBatchNotFound):
		return response.NotFound(c, "Batch not found")
	case errors.Is(err, service.ErrBatchRunning):
		return response.Conflict(c, "Batch still running, use ?partial=true for a partial report")
	case errors.Is(err, service.ErrBatchFinished):
		return response.Conflict(c, "Batch already finished")
	}
	return response.ServiceError(c, err.Error())
}

func openTable(c *fiber.Ctx, field string) (multipart.File, error) {
	file, err := c.FormFile(field)
	if err != nil {
		return nil, errors.New(field + " file is required")
	}
	if file.Size > maxTableSize {
		return nil, errors.New(field + " file exceeds 10MB limit")
	}
	return file.Open()
}

// formatValidationErrors formats validator errors for response
func formatValidationErrors(err error) interface{} {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		errors := make(map[string]string)
		for _, e := range validationErrors {
			key := e.Namespace()
			if i := strings.IndexByte(key, '.'); i >= 0 {
				key = key[i+1:]
			}
			errors[key] = e.Tag()
		}
		return errors
	}
	return nil
}
