package dexcom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

// RawRecord is one JSON object as returned by the vendor for one endpoint.
// Shapes differ per endpoint and fields may be missing.
type RawRecord = map[string]any

// TransportError covers everything that can go wrong talking to the vendor:
// network failure, non-2xx status, undecodable body, or a body without the
// expected response key. Callers treat all of these as one skippable class.
type TransportError struct {
	Status int
	Reason string
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("vendor api: %d [%s]", e.Status, e.Reason)
	}
	return fmt.Sprintf("vendor api: %s: %v", e.Reason, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Client issues authenticated GETs against the vendor data API.
type Client struct {
	base       string
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(log *slog.Logger, base string) *Client {
	return &Client{
		base:       base,
		httpClient: NewHTTPClient(),
		log:        log,
	}
}

// Fetch performs exactly one GET for (token, spec, window) and decodes the
// response. It returns the record list, the raw body for archival, or a
// *TransportError. Retry policy belongs to the caller, not here. A valid
// response with no matching records yields an empty slice and no error.
func (c *Client) Fetch(ctx context.Context, token string, spec EndpointSpec, w Window) ([]RawRecord, []byte, error) {
	u, err := url.Parse(c.base + spec.Path)
	if err != nil {
		return nil, nil, &TransportError{Reason: "bad endpoint url", Err: err}
	}
	q := u.Query()
	q.Set("startDate", w.StartDate())
	q.Set("endDate", w.EndDate())
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, &TransportError{Reason: "build request", Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, &TransportError{Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, &TransportError{Status: resp.StatusCode, Reason: "read body", Err: err}
	}

	c.log.Debug("vendor_response",
		"endpoint", spec.Name,
		"url", u.Redacted(),
		"status", resp.StatusCode,
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, &TransportError{Status: resp.StatusCode, Reason: resp.Status}
	}

	records, err := decodeRecords(body, spec.ResponseKey)
	if err != nil {
		return nil, nil, &TransportError{Status: resp.StatusCode, Reason: "decode body", Err: err}
	}
	return records, body, nil
}

// decodeRecords pulls the record list out of the body. Numbers are decoded as
// json.Number so float and integer columns survive without precision loss.
func decodeRecords(body []byte, responseKey string) ([]RawRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	// single-object endpoints: the body itself is the one record
	if responseKey == "" {
		var rec RawRecord
		if err := dec.Decode(&rec); err != nil {
			return nil, err
		}
		return []RawRecord{rec}, nil
	}

	var envelope map[string]json.RawMessage
	if err := dec.Decode(&envelope); err != nil {
		return nil, err
	}
	raw, ok := envelope[responseKey]
	if !ok {
		return nil, fmt.Errorf("response key %q missing", responseKey)
	}

	listDec := json.NewDecoder(bytes.NewReader(raw))
	listDec.UseNumber()
	var records []RawRecord
	if err := listDec.Decode(&records); err != nil {
		return nil, err
	}
	return records, nil
}
