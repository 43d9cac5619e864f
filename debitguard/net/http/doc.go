// Package http exposes the payment guard, batch validator, return processor
// and settler over a small administrative HTTP API built on fiber.
//
// Guarded outcomes map onto status codes: a created payment is 201, a cached
// replay 200, a business rejection 422 and a busy resource 409 with a
// Retry-After header. Infrastructure failures are 500 with a generic body.
package http
