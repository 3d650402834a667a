package handler

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/fabian4/servicegate/internal/gwerr"
)

// Envelope is the JSON body of every response the gateway produces itself.
type Envelope struct {
	Status  string             `json:"status"`
	Data    any                `json:"data"`
	Message string             `json:"message"`
	Errors  []gwerr.FieldError `json:"error,omitempty"`
}

// OK wraps data in a success envelope.
func OK(data any, message string) Envelope {
	return Envelope{Status: "success", Data: data, Message: message}
}

// ErrorBody maps err to its status and envelope. Messages of upstream and internal
// failures do not carry backend addresses.
func ErrorBody(err error) (int, Envelope) {
	status := gwerr.HTTPStatus(err)
	env := Envelope{Status: "error", Message: err.Error()}

	var (
		ve *gwerr.ValidationError
		ue *gwerr.UpstreamError
	)
	switch {
	case errors.As(err, &ve):
		env.Message = "validation failed"
		env.Errors = ve.Fields
	case errors.As(err, &ue):
		if ue.Timeout {
			env.Message = "service " + ue.Service + " did not answer in time"
		} else {
			env.Message = "service " + ue.Service + " is unavailable"
		}
	case status == http.StatusNotFound:
		env.Message = "Not Found"
	case status == http.StatusInternalServerError:
		env.Message = http.StatusText(status)
	}
	return status, env
}

// SetRateLimitHeaders announces the exceeded window and when to retry.
func SetRateLimitHeaders(h http.Header, err error) {
	var re *gwerr.RateLimitExceededError
	if !errors.As(err, &re) {
		return
	}
	if len(re.Windows) > 0 {
		h.Set("X-RateLimit-Exceeded", re.Windows[0])
	}
	if re.RetryAfter > 0 {
		h.Set("Retry-After", strconv.Itoa(int(math.Ceil(re.RetryAfter.Seconds()))))
	}
}

// WriteError writes the error envelope for err.
func WriteError(w http.ResponseWriter, err error) {
	status, env := ErrorBody(err)
	SetRateLimitHeaders(w.Header(), err)
	WriteJSON(w, status, env)
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
