package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"accesssaga/errors"
	"accesssaga/saga"
)

// apiClient 访问运行中的 sagad HTTP 接口
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(server string, timeout time.Duration) *apiClient {
	return &apiClient{
		base: strings.TrimRight(server, "/") + "/api/v1",
		http: &http.Client{Timeout: timeout},
	}
}

type responseEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
	Data    json.RawMessage `json:"data"`
}

// do 发送请求并把 data 解码到 out；失败响应还原为带错误码的 AppError
func (c *apiClient) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return errors.WrapError(err, errors.ErrCodeInvalidInput, "编码请求体失败")
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeInvalidInput, "构造请求失败")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.WrapError(err, errors.ErrCodeInternal, "请求 sagad 失败").WithContext("url", target)
	}
	defer resp.Body.Close()

	var env responseEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return errors.WrapError(err, errors.ErrCodeInternal, "响应不是合法的 JSON").
			WithContext("status", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		code := errors.ErrorCode(env.Error)
		if code == "" {
			code = errors.ErrCodeInternal
		}
		return errors.NewError(code, env.Message).WithContext("status", resp.StatusCode)
	}
	if out != nil && len(env.Data) > 0 {
		return json.Unmarshal(env.Data, out)
	}
	return nil
}

func (c *apiClient) Trigger(ctx context.Context, in any, wait bool) (*saga.SagaExecution, error) {
	var query url.Values
	if !wait {
		query = url.Values{"wait": {"false"}}
	}
	var exec saga.SagaExecution
	if err := c.do(ctx, http.MethodPost, "/sagas/access-registration", query, in, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (c *apiClient) Get(ctx context.Context, sagaID string) (*saga.SagaExecution, error) {
	var exec saga.SagaExecution
	if err := c.do(ctx, http.MethodGet, "/sagas/"+url.PathEscape(sagaID), nil, nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (c *apiClient) List(ctx context.Context, query url.Values) ([]*saga.SagaExecution, error) {
	var execs []*saga.SagaExecution
	err := c.do(ctx, http.MethodGet, "/sagas", query, nil, &execs)
	return execs, err
}

func (c *apiClient) Stale(ctx context.Context, state string, olderThan time.Duration) ([]*saga.SagaExecution, error) {
	var execs []*saga.SagaExecution
	query := url.Values{"state": {state}, "olderThan": {olderThan.String()}}
	err := c.do(ctx, http.MethodGet, "/sagas/stale", query, nil, &execs)
	return execs, err
}

func (c *apiClient) Resume(ctx context.Context, sagaID string) (*saga.SagaExecution, error) {
	var exec saga.SagaExecution
	if err := c.do(ctx, http.MethodPost, "/sagas/"+url.PathEscape(sagaID)+"/resume", nil, nil, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

func (c *apiClient) Compensate(ctx context.Context, sagaID, reason string) (*saga.SagaExecution, error) {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	var exec saga.SagaExecution
	if err := c.do(ctx, http.MethodPost, "/sagas/"+url.PathEscape(sagaID)+"/compensate", nil, body, &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}
