package httputil

import (
	"strconv"

	"github.com/gofiber/fiber/v3"
)

// Code is a machine-readable error code carried in every error response.
type Code string

// Error codes returned by the API. The HTTP status conveys the class; the
// code disambiguates within it.
const (
	CodeValidation   Code = "VALIDATION_FAILED"
	CodeUnauthorized Code = "UNAUTHORIZED"
	CodeForbidden    Code = "FORBIDDEN"
	CodeNotFound     Code = "NOT_FOUND"
	CodeConflict     Code = "CONFLICT"
	CodeRateLimited  Code = "RATE_LIMITED"
	CodeUnavailable  Code = "UNAVAILABLE"
	CodeInternal     Code = "INTERNAL_ERROR"
)

// SuccessResponse wraps successful API responses.
type SuccessResponse struct {
	Data any `json:"data"`
}

// ErrorBody holds structured error details.
type ErrorBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// ErrorResponse wraps failed API responses.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Success sends a 200 JSON response with the given data.
func Success(c fiber.Ctx, data any) error {
	return c.JSON(SuccessResponse{Data: data})
}

// SuccessStatus sends a JSON response with a custom status code.
func SuccessStatus(c fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(SuccessResponse{Data: data})
}

// Fail sends a JSON error response with the given status, code, and message.
func Fail(c fiber.Ctx, status int, code Code, message string) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorBody{
			Code:    code,
			Message: message,
		},
	})
}

// FailRateLimited sends a 429 response with a Retry-After header.
func FailRateLimited(c fiber.Ctx, waitSeconds int) error {
	c.Set("Retry-After", strconv.Itoa(waitSeconds))
	return c.Status(fiber.StatusTooManyRequests).JSON(ErrorResponse{
		Error: ErrorBody{
			Code:    CodeRateLimited,
			Message: "Too many requests, retry after " + strconv.Itoa(waitSeconds) + " seconds",
		},
	})
}
