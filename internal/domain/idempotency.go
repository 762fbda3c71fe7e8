package domain

import (
	"errors"
	"time"
)

// Idempotency operation names.
const (
	OperationCreateTicket     = "crear_ticket"
	OperationCreateAttachment = "crear_adjunto"
)

// ErrIdempotencyConflict signals a reused key with a different request payload.
var ErrIdempotencyConflict = errors.New("idempotency key reused with a different payload")

// IdempotencyRecord is the stored outcome of an idempotent operation.
type IdempotencyRecord struct {
	Operation       string    `json:"operation"`
	Key             string    `json:"key"`
	RequestHash     string    `json:"request_hash"`
	ResponsePayload []byte    `json:"response_payload"`
	CreatedAt       time.Time `json:"created_at"`
}
