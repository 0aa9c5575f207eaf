package server

import (
	"errors"
	"net/http"

	"github.com/ssd-technologies/kairo/internal/address"
	"github.com/ssd-technologies/kairo/internal/agent"
	"github.com/ssd-technologies/kairo/internal/envelope"
	"github.com/ssd-technologies/kairo/internal/governance"
	"github.com/ssd-technologies/kairo/internal/mesh"
	"github.com/ssd-technologies/kairo/internal/storage"
	"github.com/ssd-technologies/kairo/internal/trust"
	"github.com/ssd-technologies/kairo/internal/validator"
)

func statusFor(err error) int {
	switch {
	case errors.Is(err, address.ErrNotFound),
		errors.Is(err, trust.ErrNotEnrolled),
		errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, address.ErrAlreadyExists),
		errors.Is(err, address.ErrConflict),
		errors.Is(err, address.ErrAlreadyRevoked),
		errors.Is(err, address.ErrKeyRevoked),
		errors.Is(err, trust.ErrAlreadyEnrolled):
		return http.StatusConflict
	case errors.Is(err, address.ErrPoolExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, governance.ErrQuorumNotMet),
		errors.Is(err, mesh.ErrSenderInactive):
		return http.StatusForbidden
	case errors.Is(err, mesh.ErrUnknownSender),
		errors.Is(err, validator.ErrSignatureInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, mesh.ErrUndecryptable),
		errors.Is(err, mesh.ErrBadCompression):
		return http.StatusUnprocessableEntity
	case errors.Is(err, address.ErrNotRevoked),
		errors.Is(err, agent.ErrInvalidPublicKey),
		errors.Is(err, governance.ErrInvalidRequest),
		errors.Is(err, trust.ErrInvalidInput),
		errors.Is(err, envelope.ErrMalformed),
		errors.Is(err, validator.ErrBadSequenceLength),
		errors.Is(err, validator.ErrBadSignatureLength),
		errors.Is(err, validator.ErrSequenceMismatch),
		errors.Is(err, validator.ErrEmptyPayload),
		errors.Is(err, validator.ErrSequenceExhausted):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
