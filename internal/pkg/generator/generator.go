package generator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrUpstream     = errors.New("generator upstream error")
	ErrEmptyContent = errors.New("generator returned no content")
)

// Input 生成所需的原始材料，提示词由上游服务负责
type Input struct {
	CompanyName    string `json:"company_name"`
	JobTitle       string `json:"job_title,omitempty"`
	JobDescription string `json:"job_description"`
	Resume         string `json:"resume"`
	Tone           string `json:"tone,omitempty"`
	Model          string `json:"model,omitempty"`
}

type chunk struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

// Client 调用流式生成服务，响应为 SSE（data: {"text": "..."}，以 data: [DONE] 结束）
type Client struct {
	endpoint   string
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewClient(endpoint, apiKey, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Stream 逐块回调生成内容，返回完整文本
func (c *Client) Stream(ctx context.Context, in *Input, onChunk func(string) error) (string, error) {
	body := *in
	if body.Model == "" {
		body.Model = c.model
	}
	payload, err := json.Marshal(&body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var sb strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var ch chunk
		if err := json.Unmarshal([]byte(data), &ch); err != nil {
			return sb.String(), fmt.Errorf("%w: bad chunk: %v", ErrUpstream, err)
		}
		if ch.Error != "" {
			return sb.String(), fmt.Errorf("%w: %s", ErrUpstream, ch.Error)
		}
		if ch.Text == "" {
			continue
		}

		sb.WriteString(ch.Text)
		if onChunk != nil {
			if err := onChunk(ch.Text); err != nil {
				return sb.String(), err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return sb.String(), fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	if sb.Len() == 0 {
		return "", ErrEmptyContent
	}

	return sb.String(), nil
}
