// Package interview is a client for the AI interview HTTP API.
package interview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const (
	DefaultBaseURL = "http://localhost:8080"
	DefaultTimeout = 15 * time.Second

	interviewsPath = "/v1/api/ai/interviews"
)

const (
	StatusAsked      = "asked"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusCancelled  = "cancelled"
)

var ErrValidation = errors.New("invalid interview request")

type CreateRequest struct {
	Type     string `json:"type" validate:"min=3,max=50"`
	Language string `json:"language" validate:"min=2,max=30"`
	Status   string `json:"status,omitempty" validate:"omitempty,oneof=asked in_progress completed cancelled"`
}

type CreateResponse struct {
	InterviewID string `json:"interviewID"`
	Entrypoint  string `json:"entrypoint"`
}

type UpdateRequest struct {
	Status    string `json:"status,omitempty" validate:"omitempty,oneof=asked in_progress completed cancelled"`
	Score     *int   `json:"score,omitempty" validate:"omitempty,min=0,max=100"`
	Feedback  string `json:"feedback,omitempty" validate:"max=500"`
	VideoLink string `json:"videoLink,omitempty" validate:"omitempty,url"`
}

type Interview struct {
	InterviewID string     `json:"interview_id"`
	Type        string     `json:"type"`
	Language    string     `json:"language"`
	Status      string     `json:"status"`
	Score       *int       `json:"score"`
	Feedback    string     `json:"feedback"`
	VideoLink   string     `json:"video_link"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// APIError is a non-2xx response from the interview API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("interview api: %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("interview api: %d: %s", e.StatusCode, e.Message)
}

// errorBody matches the API's error responses, where message is either a
// string or a list of validation messages.
type errorBody struct {
	Message json.RawMessage `json:"message"`
	Error   string          `json:"error"`
}

func (b *errorBody) text() string {
	if len(b.Message) > 0 {
		var s string
		if json.Unmarshal(b.Message, &s) == nil {
			return s
		}
		var list []string
		if json.Unmarshal(b.Message, &list) == nil {
			return strings.Join(list, "; ")
		}
	}
	return b.Error
}

type Option func(*resty.Client)

func WithTimeout(d time.Duration) Option {
	return func(c *resty.Client) { c.SetTimeout(d) }
}

func WithRetries(n int) Option {
	return func(c *resty.Client) {
		c.SetRetryCount(n).SetRetryWaitTime(200 * time.Millisecond)
	}
}

type Client struct {
	r        *resty.Client
	validate *validator.Validate
}

func NewClient(baseURL, token string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	r := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(DefaultTimeout).
		SetHeader("Accept", "application/json")
	if token != "" {
		r.SetAuthToken(token)
	}
	r.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		req.SetHeader("X-Request-ID", uuid.NewString())
		return nil
	})
	for _, opt := range opts {
		opt(r)
	}
	return &Client{r: r, validate: validator.New(validator.WithRequiredStructEnabled())}
}

func (c *Client) check(v any) error {
	err := c.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrValidation, strings.Join(fields, ", "))
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var eb errorBody
	req := c.r.R().SetContext(ctx).SetError(&eb)
	if body != nil {
		req.SetBody(body)
	}
	if result != nil {
		req.SetResult(result)
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.IsError() {
		return &APIError{StatusCode: resp.StatusCode(), Message: eb.text()}
	}
	return nil
}

func (c *Client) CreateInterview(ctx context.Context, req CreateRequest) (CreateResponse, error) {
	if err := c.check(req); err != nil {
		return CreateResponse{}, err
	}
	var out CreateResponse
	if err := c.do(ctx, http.MethodPost, interviewsPath, req, &out); err != nil {
		return CreateResponse{}, err
	}
	if out.InterviewID == "" || out.Entrypoint == "" {
		return CreateResponse{}, fmt.Errorf("create interview: incomplete response %+v", out)
	}
	return out, nil
}

func (c *Client) UpdateInterview(ctx context.Context, id string, req UpdateRequest) error {
	if id == "" {
		return fmt.Errorf("%w: empty interview id", ErrValidation)
	}
	if err := c.check(req); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPut, interviewsPath+"/"+url.PathEscape(id), req, nil)
}

func (c *Client) GetInterview(ctx context.Context, id string) (Interview, error) {
	if id == "" {
		return Interview{}, fmt.Errorf("%w: empty interview id", ErrValidation)
	}
	var out Interview
	if err := c.do(ctx, http.MethodGet, interviewsPath+"/"+url.PathEscape(id), nil, &out); err != nil {
		return Interview{}, err
	}
	return out, nil
}
