package videoapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"vidbatch/internal/infra/httpx"
	"vidbatch/internal/ports"
)

const (
	generatePath   = "/api/v1/veo/generate"
	recordInfoPath = "/api/v1/veo/record-info"
	fragmentLimit  = 200
)

// Provider flags reported in record-info successFlag.
const (
	flagGenerating = 0
	flagSuccess    = 1
)

var _ ports.VideoProvider = (*Client)(nil)

type Client struct {
	http    *httpx.Client
	baseURL string
}

func New(http *httpx.Client, baseURL string) *Client {
	return &Client{http: http, baseURL: strings.TrimRight(baseURL, "/")}
}

type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

type generateData struct {
	TaskID string `json:"taskId"`
}

type recordData struct {
	TaskID       string `json:"taskId"`
	SuccessFlag  int    `json:"successFlag"`
	ErrorCode    any    `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	Response     struct {
		ResultURLs json.RawMessage `json:"resultUrls"`
	} `json:"response"`
}

func (c *Client) Submit(ctx context.Context, apiKey string, req ports.SubmitRequest) (string, error) {
	var env envelope
	raw, err := c.http.PostJSON(ctx, c.baseURL+generatePath, httpx.Bearer(apiKey), req, &env)
	if err != nil {
		return "", err
	}

	var data generateData
	if len(env.Data) > 0 && string(env.Data) != "null" {
		_ = json.Unmarshal(env.Data, &data)
	}
	if data.TaskID == "" {
		msg := env.Msg
		if msg == "" {
			msg = "response carries no taskId"
		}
		return "", fmt.Errorf("submit rejected: %s (response: %s)", msg, fragment(raw))
	}

	log.Ctx(ctx).Info().Str("job_id", data.TaskID).Msg("video job submitted")
	return data.TaskID, nil
}

func (c *Client) Poll(ctx context.Context, apiKey, jobID string) (ports.PollResult, error) {
	u := c.baseURL + recordInfoPath + "?taskId=" + url.QueryEscape(jobID)

	var env envelope
	raw, err := c.http.GetJSON(ctx, u, httpx.Bearer(apiKey), &env)
	if err != nil {
		return ports.PollResult{}, err
	}
	if env.Code != 200 {
		msg := env.Msg
		if msg == "" {
			msg = fmt.Sprintf("record-info returned code %d", env.Code)
		}
		return ports.PollResult{State: ports.PollFailed, Error: msg}, nil
	}

	var data recordData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return ports.PollResult{}, fmt.Errorf("decode record-info data %s: %w", fragment(raw), err)
	}

	switch data.SuccessFlag {
	case flagGenerating:
		return ports.PollResult{State: ports.PollPending}, nil
	case flagSuccess:
		urls, err := resultURLs(data.Response.ResultURLs)
		if err != nil {
			return ports.PollResult{}, err
		}
		if len(urls) == 0 {
			// success is reported before the URLs are attached
			return ports.PollResult{State: ports.PollPending}, nil
		}
		return ports.PollResult{State: ports.PollSucceeded, ResultURLs: urls}, nil
	default:
		msg := data.ErrorMessage
		if msg == "" {
			msg = env.Msg
		}
		if msg == "" {
			msg = fmt.Sprintf("generation failed (successFlag=%d)", data.SuccessFlag)
		}
		return ports.PollResult{State: ports.PollFailed, Error: msg}, nil
	}
}

// resultURLs accepts either a JSON array or a string holding a JSON array.
func resultURLs(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var urls []string
	if err := json.Unmarshal(raw, &urls); err == nil {
		return urls, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode resultUrls %s: %w", fragment(raw), err)
	}
	if s == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(s), &urls); err != nil {
		return []string{s}, nil
	}
	return urls, nil
}

func fragment(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > fragmentLimit {
		return s[:fragmentLimit] + "..."
	}
	return s
}
