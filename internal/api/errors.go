package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/officialcmg/echo/internal/chain"
	"github.com/officialcmg/echo/internal/export"
	"github.com/officialcmg/echo/internal/ledger"
	"github.com/officialcmg/echo/internal/recorder"
	"github.com/officialcmg/echo/internal/signer"
	"github.com/officialcmg/echo/internal/verify"
)

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, chain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, recorder.ErrSessionFailed),
		errors.Is(err, chain.ErrIntegrity),
		errors.Is(err, chain.ErrInvalidState),
		errors.Is(err, export.ErrNotSealed),
		errors.Is(err, ledger.ErrExists),
		errors.Is(err, ledger.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, signer.ErrRejected),
		errors.Is(err, signer.ErrUnknownScheme),
		errors.Is(err, signer.ErrNotFinalized),
		errors.Is(err, export.ErrFormat):
		return http.StatusUnprocessableEntity
	case errors.Is(err, recorder.ErrNoWitness):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

// policyFromQuery reads min_confirmations, require_signature and
// require_witness. Missing parameters keep the defaults.
func policyFromQuery(c *gin.Context) (verify.Policy, error) {
	p := verify.DefaultPolicy()
	if v := c.Query("min_confirmations"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return p, fmt.Errorf("min_confirmations must be a positive integer")
		}
		p.MinConfirmations = n
	}
	var err error
	if p.RequireSignature, err = boolQuery(c, "require_signature"); err != nil {
		return p, err
	}
	if p.RequireWitness, err = boolQuery(c, "require_witness"); err != nil {
		return p, err
	}
	return p, nil
}

func boolQuery(c *gin.Context, key string) (bool, error) {
	v := c.Query(key)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", key)
	}
	return b, nil
}
