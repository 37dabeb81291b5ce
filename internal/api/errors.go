package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/talgya/starmacro/internal/clock"
	"github.com/talgya/starmacro/internal/engine"
	"github.com/talgya/starmacro/internal/entity"
	"github.com/talgya/starmacro/internal/event"
	"github.com/talgya/starmacro/internal/ledger"
	"github.com/talgya/starmacro/internal/market"
)

// errorCodes maps core sentinels to wire codes and statuses. The client maps
// codes back so callers can keep using errors.Is across the wire.
var errorCodes = []struct {
	code   string
	status int
	err    error
}{
	{"not_found", http.StatusNotFound, entity.ErrNotFound},
	{"insufficient_funds", http.StatusUnprocessableEntity, ledger.ErrInsufficientFunds},
	{"insufficient_goods", http.StatusUnprocessableEntity, ledger.ErrInsufficientGoods},
	{"reserve", http.StatusUnprocessableEntity, ledger.ErrReserve},
	{"invalid_order", http.StatusBadRequest, market.ErrInvalidOrder},
	{"unknown_commodity", http.StatusBadRequest, market.ErrUnknownCommodity},
	{"not_holder", http.StatusBadRequest, market.ErrNotHolder},
	{"unknown_kind", http.StatusBadRequest, engine.ErrUnknownKind},
	{"bad_time", http.StatusBadRequest, event.ErrBadTime},
	{"bad_repeat", http.StatusBadRequest, event.ErrBadRepeat},
	{"backwards", http.StatusBadRequest, clock.ErrBackwards},
	{"invariant", http.StatusInternalServerError, ledger.ErrInvariant},
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: message})
}

// writeCoreError reports an error from the core with its wire code.
func writeCoreError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	status := http.StatusInternalServerError
	for _, c := range errorCodes {
		if errors.Is(err, c.err) {
			body.Code, status = c.code, c.status
			break
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// decodeError rebuilds a core error from a response body.
func decodeError(status int, body errorBody) error {
	for _, c := range errorCodes {
		if c.code == body.Code {
			return fmt.Errorf("%s: %w", body.Error, c.err)
		}
	}
	if body.Error == "" {
		body.Error = http.StatusText(status)
	}
	return fmt.Errorf("api: %d %s", status, body.Error)
}
