// Copyright 2025 AiRewards Authors
// SPDX-License-Identifier: Apache-2.0

package rewardsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// TokenFunc supplies a bearer token for the remote store. The authentication
// provider owns token lifecycle; this layer only attaches it.
type TokenFunc func(ctx context.Context) (string, error)

// HTTPRemote talks to the authoritative store over HTTP+JSON and classifies
// every failure into the closed error taxonomy at this boundary. Nothing
// above it ever inspects status codes or message text.
type HTTPRemote struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
	logger  *slog.Logger
}

// NewHTTPRemote creates a remote client. A nil http client gets a 30-second
// timeout; foreground calls are additionally bounded by the repository's
// per-call context deadline.
func NewHTTPRemote(baseURL string, token TokenFunc, logger *slog.Logger) *HTTPRemote {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPRemote{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// wireError is the server's error envelope. A conflict response carries the
// server's copy of the record so the resolver can merge without another
// round trip.
type wireError struct {
	Code    string  `json:"error"`
	Message string  `json:"message"`
	Record  *Record `json:"record,omitempty"`
}

func (c *HTTPRemote) Create(ctx context.Context, rec *Record) (*Record, error) {
	op := "remote.create " + rec.EntityType
	var out Record
	err := c.do(ctx, op, http.MethodPost, "/v1/records/"+rec.EntityType, nil, rec, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPRemote) Update(ctx context.Context, rec *Record) (*Record, error) {
	op := "remote.update " + rec.EntityType
	var out Record
	err := c.do(ctx, op, http.MethodPut, "/v1/records/"+rec.EntityType+"/"+rec.ID, nil, rec, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPRemote) Delete(ctx context.Context, entityType, id string, expectedVersion int64) error {
	op := "remote.delete " + entityType
	q := url.Values{"version": []string{strconv.FormatInt(expectedVersion, 10)}}
	return c.do(ctx, op, http.MethodDelete, "/v1/records/"+entityType+"/"+id, q, nil, nil)
}

func (c *HTTPRemote) Get(ctx context.Context, entityType, id string) (*Record, error) {
	op := "remote.get " + entityType
	var out Record
	err := c.do(ctx, op, http.MethodGet, "/v1/records/"+entityType+"/"+id, nil, nil, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPRemote) Query(ctx context.Context, entityType string, f Filter) ([]*Record, error) {
	op := "remote.query " + entityType
	q := url.Values{}
	if f.OwnerID != "" {
		q.Set("owner", f.OwnerID)
	}
	if f.CategoryID != "" {
		q.Set("category", f.CategoryID)
	}
	if f.OptionID != "" {
		q.Set("option", f.OptionID)
	}
	if f.CreatedAfter != nil {
		q.Set("created_after", f.CreatedAfter.UTC().Format(time.RFC3339Nano))
	}
	if f.CreatedBefore != nil {
		q.Set("created_before", f.CreatedBefore.UTC().Format(time.RFC3339Nano))
	}
	var out struct {
		Records []*Record `json:"records"`
	}
	if err := c.do(ctx, op, http.MethodGet, "/v1/records/"+entityType, q, nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

func (c *HTTPRemote) Aggregate(ctx context.Context, ownerID string) (int64, error) {
	op := "remote.aggregate"
	q := url.Values{"owner": []string{ownerID}}
	var out struct {
		Total int64 `json:"total"`
	}
	if err := c.do(ctx, op, http.MethodGet, "/v1/aggregate/points", q, nil, &out); err != nil {
		return 0, err
	}
	return out.Total, nil
}

func (c *HTTPRemote) do(ctx context.Context, op, method, path string, query url.Values, body, out any) error {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Storage(op, fmt.Errorf("failed to marshal request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return Storage(op, fmt.Errorf("failed to create request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != nil {
		token, terr := c.Token(ctx)
		if terr != nil {
			return Transient(op, fmt.Errorf("failed to get token: %w", terr))
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		// Network errors and context deadline expiry both land here; either
		// way the remote could not confirm the operation.
		return Transient(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return Transient(op, fmt.Errorf("failed to decode response: %w", err))
		}
		return nil
	}

	return c.classify(op, resp)
}

// classify maps an HTTP failure response onto the error taxonomy. This is the
// single place the wire status codes are interpreted.
func (c *HTTPRemote) classify(op string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var we wireError
	if err := json.Unmarshal(raw, &we); err != nil {
		we.Message = string(raw)
	}

	switch resp.StatusCode {
	case http.StatusNotFound:
		return &Error{Kind: KindNotFound, Op: op, Message: we.Message}
	case http.StatusUnauthorized, http.StatusForbidden:
		return &Error{Kind: KindPermission, Op: op, Message: we.Message}
	case http.StatusConflict:
		return &Error{Kind: KindConflict, Op: op, Message: we.Message, Remote: we.Record}
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return &Error{Kind: KindValidation, Op: op, Message: we.Message}
	default:
		// 5xx and anything unexpected: the server may yet accept a retry.
		return &Error{Kind: KindTransient, Op: op,
			Message: fmt.Sprintf("server returned status %d: %s", resp.StatusCode, we.Message)}
	}
}
