package http

import (
	"strconv"

	"github.com/LerianStudio/lib-debitguard/debitguard"
	"github.com/gofiber/fiber/v2"
)

// RetryAfterSeconds is sent with every retryable outcome.
const RetryAfterSeconds = 1

// ErrorResponse is the body of every non-2xx response that has no domain
// payload.
type ErrorResponse struct {
	Code    string `json:"code"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// WriteError writes an ErrorResponse with status.
func WriteError(c *fiber.Ctx, status int, title, message string) error {
	return c.Status(status).JSON(ErrorResponse{
		Code:    strconv.Itoa(status),
		Title:   title,
		Message: message,
	})
}

// BadRequest writes a 400.
func BadRequest(c *fiber.Ctx, message string) error {
	return WriteError(c, fiber.StatusBadRequest, "invalid_request", message)
}

// InternalServerError writes a 500 without leaking the cause.
func InternalServerError(c *fiber.Ctx) error {
	return WriteError(c, fiber.StatusInternalServerError, "internal_error", "internal server error")
}

// StatusFor maps an outcome to the response status. success is the status
// for a fresh success.
func StatusFor(o debitguard.Outcome, success int) int {
	switch {
	case o.IsSuccess():
		return success
	case o.IsRetryable():
		return fiber.StatusConflict
	case o.Code == debitguard.CodeInvoiceNotFound || o.Code == debitguard.CodeBatchNotFound:
		return fiber.StatusNotFound
	case o.Code == debitguard.CodeInvalidRequest || o.Code == debitguard.CodeInvalidAmount:
		return fiber.StatusBadRequest
	default:
		return fiber.StatusUnprocessableEntity
	}
}

// RespondOutcome writes body with the status for o, adding Retry-After to
// retryable outcomes.
func RespondOutcome(c *fiber.Ctx, o debitguard.Outcome, success int, body any) error {
	if o.IsRetryable() {
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(RetryAfterSeconds))
	}

	return c.Status(StatusFor(o, success)).JSON(body)
}
