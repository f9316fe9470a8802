// Package apperr классифицирует результаты вызовов бэкенда в фиксированный набор видов ошибок.
package apperr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mmeshcher/pizza-storefront/internal/backend"
)

// Kind описывает вид классифицированной ошибки.
type Kind int

const (
	// Unknown: всё, что не подошло под остальные виды.
	Unknown Kind = iota
	// LocalValidation: не выполнено предусловие до сетевого вызова.
	LocalValidation
	// UpstreamApplicationFailure: HTTP 2xx, но конверт со статусом fail.
	UpstreamApplicationFailure
	// UpstreamHTTP: бэкенд ответил статусом ошибки.
	UpstreamHTTP
	// NetworkUnreachable: ответ не был получен.
	NetworkUnreachable
)

func (k Kind) String() string {
	switch k {
	case LocalValidation:
		return "LocalValidationError"
	case UpstreamApplicationFailure:
		return "UpstreamApplicationFailure"
	case UpstreamHTTP:
		return "UpstreamHttpError"
	case NetworkUnreachable:
		return "NetworkUnreachable"
	default:
		return "UnknownError"
	}
}

const (
	fallbackFailMessage = "request failed"
	unknownMessage      = "unknown error"
)

// ErrNotAuthenticated возвращается при отсутствии сессии.
var ErrNotAuthenticated = errors.New("you must be logged in")

// Error описывает классифицированную ошибку с сообщением для пользователя.
type Error struct {
	Kind    Kind
	Message string
	// HTTP-статус бэкенда, если он известен.
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Local создаёт ошибку локальной валидации.
func Local(msg string) *Error {
	return &Error{Kind: LocalValidation, Message: msg}
}

// LocalErr создаёт ошибку локальной валидации из причины.
func LocalErr(err error) *Error {
	return &Error{Kind: LocalValidation, Message: err.Error(), Err: err}
}

// Unauthenticated создаёт ошибку отсутствующей сессии.
func Unauthenticated() *Error {
	return LocalErr(ErrNotAuthenticated)
}

// FromEnvelope классифицирует конверт со статусом fail.
func FromEnvelope(env *backend.Envelope) *Error {
	msg := fallbackFailMessage
	if env != nil && env.Message != "" {
		msg = env.Message
	}
	return &Error{Kind: UpstreamApplicationFailure, Message: msg}
}

// FromResponse классифицирует ответ бэкенда со статусом ошибки.
func FromResponse(resp *backend.Response) *Error {
	if resp == nil {
		return &Error{Kind: Unknown, Message: unknownMessage}
	}
	return &Error{
		Kind:    UpstreamHTTP,
		Message: messageFromBody(resp.Body, fmt.Sprintf("backend responded with status %d", resp.StatusCode)),
		Status:  resp.StatusCode,
	}
}

func messageFromBody(body []byte, fallback string) string {
	if len(body) == 0 {
		return fallback
	}
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Message != "" {
			return payload.Message
		}
		if payload.Error != "" {
			return payload.Error
		}
		return fallback
	}
	if text := strings.TrimSpace(string(body)); text != "" && len(text) <= 200 {
		return text
	}
	return fallback
}

// Classify приводит любую ошибку вызова к классифицированной. nil остаётся nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified
	}

	var terr *backend.TransportError
	if errors.As(err, &terr) {
		return &Error{Kind: NetworkUnreachable, Message: "backend is unreachable", Err: err}
	}

	msg := err.Error()
	if msg == "" {
		msg = unknownMessage
	}
	return &Error{Kind: Unknown, Message: msg, Err: err}
}

// Outcome классифицирует полный результат вызова: ошибку транспорта, HTTP-статус и конверт.
// Возвращает конверт, если бэкенд подтвердил операцию.
func Outcome(resp *backend.Response, callErr error) (*backend.Envelope, *Error) {
	if callErr != nil {
		return nil, Classify(callErr)
	}
	if !resp.OK() {
		return nil, FromResponse(resp)
	}

	env, err := backend.DecodeEnvelope(resp)
	if err != nil {
		return nil, &Error{Kind: Unknown, Message: err.Error(), Status: resp.StatusCode, Err: err}
	}
	if !env.Succeeded() {
		return env, FromEnvelope(env)
	}
	return env, nil
}

// HTTPStatus подбирает код ответа витрины для классифицированной ошибки.
func HTTPStatus(e *Error) int {
	if e == nil {
		return http.StatusOK
	}
	switch e.Kind {
	case LocalValidation:
		if errors.Is(e.Err, ErrNotAuthenticated) {
			return http.StatusUnauthorized
		}
		return http.StatusBadRequest
	case UpstreamApplicationFailure:
		return http.StatusUnprocessableEntity
	case UpstreamHTTP:
		if e.Status >= 400 && e.Status < 500 {
			return e.Status
		}
		return http.StatusBadGateway
	case NetworkUnreachable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
