package http

import (
	"context"
	"strings"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard/collection"
	"github.com/LerianStudio/lib-debitguard/debitguard/guard"
	"github.com/LerianStudio/lib-debitguard/debitguard/returns"
	"github.com/LerianStudio/lib-debitguard/debitguard/settlement"
	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"
)

// PaymentCreator is satisfied by *guard.Guard.
type PaymentCreator interface {
	CreatePayment(ctx context.Context, req guard.Request) (guard.Result, error)
}

// BatchValidator is satisfied by *settlement.Validator.
type BatchValidator interface {
	CheckBatchProcessable(ctx context.Context, batchID, transactionID string) (settlement.Check, error)
	CheckSettlement(ctx context.Context, in settlement.SettlementCheck) (settlement.Check, error)
	ReverseSettlement(ctx context.Context, batchID, transactionID, actor string) (settlement.Correction, error)
}

// ReturnProcessor is satisfied by *returns.Processor.
type ReturnProcessor interface {
	Process(ctx context.Context, content []byte) (returns.Report, error)
}

// TransactionSettler is satisfied by *settlement.Settler.
type TransactionSettler interface {
	Settle(ctx context.Context, tx collection.BankTransaction) (settlement.SettlementResult, error)
}

// Handlers serves the API. A nil service answers 501 on its routes.
type Handlers struct {
	Payments    PaymentCreator
	Batches     BatchValidator
	Returns     ReturnProcessor
	Settlements TransactionSettler
	Health      *Health
	Version     string
}

// Register mounts every route on app.
func (h *Handlers) Register(app *fiber.App) {
	app.Get("/health", h.health)
	app.Get("/version", h.version)

	v1 := app.Group("/v1")
	v1.Post("/payments", h.createPayment)
	v1.Post("/batches/:id/check", h.checkBatch)
	v1.Post("/batches/:id/reverse", h.reverseSettlement)
	v1.Post("/returns", h.processReturns)
	v1.Post("/settlements", h.settle)
}

func notImplemented(c *fiber.Ctx) error {
	return WriteError(c, fiber.StatusNotImplemented, "not_implemented", "this deployment does not serve "+c.Path())
}

func (h *Handlers) createPayment(c *fiber.Ctx) error {
	if h.Payments == nil {
		return notImplemented(c)
	}

	var req guard.Request
	if err := c.BodyParser(&req); err != nil {
		return BadRequest(c, "payment request is not valid JSON")
	}

	res, err := h.Payments.CreatePayment(c.UserContext(), req)
	if err != nil {
		return err
	}

	success := fiber.StatusCreated
	if res.Cached {
		success = fiber.StatusOK
	}

	return RespondOutcome(c, res.Outcome, success, res)
}

type checkRequest struct {
	TransactionID string           `json:"transactionId"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
}

// checkBatch answers whether a transaction may settle the batch. With an
// amount the split-settlement rules apply too.
func (h *Handlers) checkBatch(c *fiber.Ctx) error {
	if h.Batches == nil {
		return notImplemented(c)
	}

	var req checkRequest
	if err := c.BodyParser(&req); err != nil {
		return BadRequest(c, "check request is not valid JSON")
	}

	var (
		check settlement.Check
		err   error
	)

	if req.Amount != nil {
		check, err = h.Batches.CheckSettlement(c.UserContext(), settlement.SettlementCheck{
			BatchID:       c.Params("id"),
			TransactionID: req.TransactionID,
			Amount:        *req.Amount,
		})
	} else {
		check, err = h.Batches.CheckBatchProcessable(c.UserContext(), c.Params("id"), req.TransactionID)
	}

	if err != nil {
		return err
	}

	status := fiber.StatusOK
	if !check.Processable {
		status = StatusFor(check.Outcome(), fiber.StatusOK)
	}

	return c.Status(status).JSON(check)
}

type reverseRequest struct {
	TransactionID string `json:"transactionId"`
	Actor         string `json:"actor"`
}

func (h *Handlers) reverseSettlement(c *fiber.Ctx) error {
	if h.Batches == nil {
		return notImplemented(c)
	}

	var req reverseRequest
	if err := c.BodyParser(&req); err != nil {
		return BadRequest(c, "reverse request is not valid JSON")
	}

	if strings.TrimSpace(req.Actor) == "" {
		return BadRequest(c, "actor is required for a settlement reversal")
	}

	corr, err := h.Batches.ReverseSettlement(c.UserContext(), c.Params("id"), req.TransactionID, req.Actor)
	if err != nil {
		return err
	}

	return RespondOutcome(c, corr.Outcome, fiber.StatusOK, corr)
}

func (h *Handlers) processReturns(c *fiber.Ctx) error {
	if h.Returns == nil {
		return notImplemented(c)
	}

	body := c.Body()
	if len(body) == 0 {
		return BadRequest(c, "return file body is empty")
	}

	// fasthttp reuses the body buffer after the handler returns.
	content := append([]byte(nil), body...)

	report, err := h.Returns.Process(c.UserContext(), content)
	if err != nil {
		return err
	}

	return RespondOutcome(c, report.Outcome, fiber.StatusOK, report)
}

func (h *Handlers) settle(c *fiber.Ctx) error {
	if h.Settlements == nil {
		return notImplemented(c)
	}

	var tx collection.BankTransaction
	if err := c.BodyParser(&tx); err != nil {
		return BadRequest(c, "bank transaction is not valid JSON")
	}

	res, err := h.Settlements.Settle(c.UserContext(), tx)
	if err != nil {
		return err
	}

	return RespondOutcome(c, res.Outcome, fiber.StatusOK, res)
}

func (h *Handlers) version(c *fiber.Ctx) error {
	version := h.Version
	if version == "" {
		version = "0.0.0"
	}

	return c.JSON(fiber.Map{
		"version":     version,
		"requestDate": time.Now().UTC(),
	})
}

func (h *Handlers) health(c *fiber.Ctx) error {
	if h.Health == nil {
		return c.JSON(fiber.Map{"status": StatusAvailable})
	}

	report := h.Health.Check(c.UserContext())
	if report.Status != StatusAvailable {
		return c.Status(fiber.StatusServiceUnavailable).JSON(report)
	}

	return c.JSON(report)
}

// NewApp returns a fiber app with the debitguard error handler and body
// limit, ready for Register.
func NewApp(name string, bodyLimit int) *fiber.App {
	if bodyLimit <= 0 {
		bodyLimit = fiber.DefaultBodyLimit
	}

	return fiber.New(fiber.Config{
		AppName:               name,
		BodyLimit:             bodyLimit,
		DisableStartupMessage: true,
		ErrorHandler:          ErrorHandler,
	})
}
