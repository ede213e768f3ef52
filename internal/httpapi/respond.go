package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"autorepay.org/internal/obs"
	"autorepay.org/internal/repay"
)

var kindStatus = map[string]int{
	"InvalidTokenOrAmount": http.StatusBadRequest,
	"InvalidUserAddress":   http.StatusBadRequest,
	"InvalidFeeConfig":     http.StatusBadRequest,
	"Unauthorized":         http.StatusForbidden,
	"UserNotAuthorized":    http.StatusNotFound,
	"TokenNotActive":       http.StatusConflict,
	"CooldownNotElapsed":   http.StatusConflict,
	"Paused":               http.StatusConflict,
	"TokenStillActive":     http.StatusConflict,
	"AlreadyInitialized":   http.StatusConflict,
	"NothingToSettle":      http.StatusConflict,
	"ReentrantCall":        http.StatusConflict,
	"NotInitialized":       http.StatusConflict,
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeErrorWith(w, r, status, code, msg, nil)
}

func writeErrorWith(w http.ResponseWriter, r *http.Request, status int, code, msg string, extra map[string]any) {
	payload := map[string]any{
		"error": msg,
		"code":  code,
	}
	for k, v := range extra {
		payload[k] = v
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeError(w, r, http.StatusBadRequest, "BadRequest", msg)
}

// handleEngineError maps engine sentinels onto HTTP statuses. Unknown errors
// are logged and reported as 500 without detail.
func handleEngineError(w http.ResponseWriter, r *http.Request, err error) {
	handleEngineErrorWith(w, r, err, nil)
}

func handleEngineErrorWith(w http.ResponseWriter, r *http.Request, err error, extra map[string]any) {
	kind := repay.Kind(err)
	if status, ok := kindStatus[kind]; ok {
		writeErrorWith(w, r, status, kind, err.Error(), extra)
		return
	}
	obs.Logger().Error("request failed",
		zap.String("request_id", RequestIDFromContext(r.Context())),
		zap.String("path", r.URL.Path),
		zap.String("kind", kind),
		zap.Error(err),
	)
	msg := "internal error"
	if errors.Is(err, repay.ErrSettlementIncomplete) {
		msg = err.Error()
	}
	writeErrorWith(w, r, http.StatusInternalServerError, kind, msg, extra)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "MethodNotAllowed", "method not allowed")
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return common.Address{}, fmt.Errorf("%s is required", field)
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("%s must be a 20-byte hex address", field)
	}
	return common.HexToAddress(raw), nil
}

func parseAddresses(field string, raw []string) ([]common.Address, error) {
	out := make([]common.Address, 0, len(raw))
	for i, s := range raw {
		a, err := parseAddress(fmt.Sprintf("%s[%d]", field, i), s)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// parseAmount accepts base-10 strings up to 2^256-1.
func parseAmount(field, raw string) (*uint256.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%s is required", field)
	}
	v, err := uint256.FromDecimal(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be a base-10 integer below 2^256", field)
	}
	return v, nil
}

func parsePositiveInt(name, raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if val < min || val > max {
		return 0, fmt.Errorf("%s must be between %d and %d", name, min, max)
	}
	return val, nil
}

func parseUint(name, raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return v, nil
}
