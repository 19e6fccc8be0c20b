package http_client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/taskfleet/taskfleet/internal/infra/components/logging"
)

type InstrumentedClient struct {
	Name           string
	BaseURL        string
	DefaultHeaders map[string]string
	Client         *http.Client
	Retry          *RetryConfig

	transport *http.Transport
}

func (ic *InstrumentedClient) buildURL(path string, q map[string]string) (string, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		u, err := url.Parse(path)
		if err != nil {
			return "", err
		}
		if q != nil {
			qs := u.Query()
			for k, v := range q {
				qs.Set(k, v)
			}
			u.RawQuery = qs.Encode()
		}
		return u.String(), nil
	}

	if path != "" && path[0] != '/' {
		path = "/" + path
	}
	u, err := url.Parse(ic.BaseURL + path)
	if err != nil {
		return "", err
	}
	if q != nil {
		qs := u.Query()
		for k, v := range q {
			qs.Set(k, v)
		}
		u.RawQuery = qs.Encode()
	}
	return u.String(), nil
}

func (ic *InstrumentedClient) Do(ctx context.Context, method, path string, query map[string]string, headers map[string]string, body interface{}, out interface{}) (*http.Response, error) {
	if method == "" {
		method = http.MethodGet
	}

	targetURL, err := ic.buildURL(path, query)
	if err != nil {
		return nil, err
	}

	// body 先物化为字节,重试时每次都用新的 reader 重建请求,
	// 避免复用已被上一次发送消费掉的 body。
	var payload []byte
	var contentType string

	switch b := body.(type) {
	case nil:
	case io.Reader:
		payload, err = io.ReadAll(b)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
	case []byte:
		payload = b
	case string:
		payload = []byte(b)
	default:
		payload, err = json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		contentType = "application/json"
	}

	newRequest := func() (*http.Request, error) {
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, targetURL, reqBody)
		if err != nil {
			return nil, err
		}
		for k, v := range ic.DefaultHeaders {
			req.Header.Set(k, v)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		if contentType != "" && req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", contentType)
		}
		if req.Header.Get("Accept") == "" {
			req.Header.Set("Accept", "application/json, */*")
		}
		return req, nil
	}

	start := time.Now()
	resp, err := ic.doWithRetry(ctx, newRequest)
	latency := time.Since(start)

	fields := []zap.Field{
		zap.String("client", ic.Name),
		zap.String("method", method),
		zap.String("url", targetURL),
		zap.Duration("latency", latency),
	}
	if err != nil {
		fields = append(fields, zap.String("error", err.Error()))
		logging.Error(ctx, "http_client_request", fields...)
		return resp, err
	}
	fields = append(fields, zap.Int("status", resp.StatusCode))
	logging.Debug(ctx, "http_client_request", fields...)

	defer func() {
		// Ensure body drained if not read externally
		if out == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	}()

	if resp.StatusCode >= 400 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return resp, fmt.Errorf("http error status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(slurp)))
	}

	if out != nil {
		ct := resp.Header.Get("Content-Type")
		if strings.Contains(ct, "json") {
			dec := json.NewDecoder(resp.Body)
			if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
				return resp, fmt.Errorf("decode response: %w", err)
			}
		} else {
			raw, _ := io.ReadAll(resp.Body)
			switch o := out.(type) {
			case *[]byte:
				*o = raw
			case *string:
				*o = string(raw)
			}
		}
	}

	return resp, nil
}

func (ic *InstrumentedClient) Get(ctx context.Context, path string, query map[string]string, headers map[string]string, out interface{}) (*http.Response, error) {
	return ic.Do(ctx, http.MethodGet, path, query, headers, nil, out)
}

func (ic *InstrumentedClient) Post(ctx context.Context, path string, body interface{}, headers map[string]string, out interface{}) (*http.Response, error) {
	return ic.Do(ctx, http.MethodPost, path, nil, headers, body, out)
}

// doWithRetry 每次尝试都通过 newReq 重建请求,保证重试发出的 body 完整。
func (ic *InstrumentedClient) doWithRetry(ctx context.Context, newReq func() (*http.Request, error)) (*http.Response, error) {
	if ic.Retry == nil || !ic.Retry.Enabled || ic.Retry.MaxAttempts <= 1 {
		req, err := newReq()
		if err != nil {
			return nil, err
		}
		return ic.Client.Do(req)
	}

	backoff := ic.Retry.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= ic.Retry.MaxAttempts; attempt++ {
		req, err := newReq()
		if err != nil {
			return nil, err
		}
		resp, err := ic.Client.Do(req)
		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}
		if err == nil {
			lastErr = fmt.Errorf("server error %d", resp.StatusCode)
			resp.Body.Close()
		} else {
			lastErr = err
		}

		if attempt == ic.Retry.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = time.Duration(float64(backoff) * ic.Retry.BackoffMultiplier)
		if backoff > ic.Retry.MaxBackoff {
			backoff = ic.Retry.MaxBackoff
		}
	}
	return nil, lastErr
}
