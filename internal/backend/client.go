// Package backend предоставляет HTTP-клиент удалённого REST-бэкенда пиццерии.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout задаёт таймаут HTTP-запроса к бэкенду по умолчанию.
const DefaultTimeout = 10 * time.Second

// Статусы прикладного конверта ответа.
const (
	StatusSuccess = "success"
	StatusFail    = "fail"
)

// Observer получает сведения о каждом вызове бэкенда. Используется для метрик.
type Observer interface {
	ObserveBackendCall(method, path string, statusCode int, duration time.Duration)
}

// Client инкапсулирует HTTP-взаимодействие с бэкендом.
type Client struct {
	baseURL    string
	httpClient *http.Client
	observer   Observer
}

// Response содержит сырой ответ бэкенда. Поле status в теле клиент не интерпретирует.
type Response struct {
	StatusCode int
	Body       []byte
}

// OK сообщает, что HTTP-статус ответа 2xx.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// TransportError означает, что ответ от бэкенда не был получен.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Envelope описывает прикладной конверт {status, data, message} внутри ответа 2xx.
type Envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Token   string          `json:"token,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Succeeded сообщает, что бэкенд подтвердил операцию.
func (e *Envelope) Succeeded() bool {
	return e.Status == StatusSuccess
}

// SessionToken возвращает токен из корня конверта либо из data.token.
func (e *Envelope) SessionToken() string {
	if e.Token != "" {
		return e.Token
	}
	if len(e.Data) == 0 {
		return ""
	}
	var data struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return ""
	}
	return data.Token
}

// DecodeDoc разбирает data.doc конверта в out.
func (e *Envelope) DecodeDoc(out any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("empty data")
	}
	var data struct {
		Doc json.RawMessage `json:"doc"`
	}
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	if len(data.Doc) == 0 {
		return fmt.Errorf("missing data.doc")
	}
	if err := json.Unmarshal(data.Doc, out); err != nil {
		return fmt.Errorf("decode doc: %w", err)
	}
	return nil
}

// NewClient создаёт клиент бэкенда по указанному базовому адресу.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// WithObserver подключает наблюдателя вызовов.
func (c *Client) WithObserver(o Observer) *Client {
	c.observer = o
	return c
}

// Call выполняет запрос к бэкенду. Заголовок Authorization добавляется, если токен не пуст.
// Ошибка *TransportError возвращается только тогда, когда ответ не был получен.
func (c *Client) Call(ctx context.Context, method, path, token string, body any) (*Response, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("backend client not configured")
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(method, path, 0, start)
		return nil, &TransportError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	c.observe(method, path, resp.StatusCode, start)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Method: method, Path: path, Err: fmt.Errorf("read body: %w", err)}
	}

	return &Response{StatusCode: resp.StatusCode, Body: data}, nil
}

func (c *Client) observe(method, path string, statusCode int, start time.Time) {
	if c.observer != nil {
		c.observer.ObserveBackendCall(method, path, statusCode, time.Since(start))
	}
}

// DecodeEnvelope разбирает тело ответа как прикладной конверт.
func DecodeEnvelope(resp *Response) (*Envelope, error) {
	if resp == nil || len(bytes.TrimSpace(resp.Body)) == 0 {
		return nil, fmt.Errorf("empty response body")
	}
	var env Envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return &env, nil
}
