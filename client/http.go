package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// APIError is a non-success response from the node.
type APIError struct {
	Method  string
	URL     string
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.URL, e.Status)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.Status, e.Message)
}

// httpGet performs a GET request and decodes the JSON response.
func (c *Client) httpGet(path string, result any) error {
	return c.do(http.MethodGet, path, nil, result, http.StatusOK)
}

// httpPostJSON performs a POST request with a JSON body and decodes the
// JSON response. ok lists the accepted status codes.
func (c *Client) httpPostJSON(path string, body any, result any, ok ...int) error {
	if len(ok) == 0 {
		ok = []int{http.StatusOK}
	}
	return c.do(http.MethodPost, path, body, result, ok...)
}

func (c *Client) do(method, path string, body any, result any, ok ...int) error {
	url := c.baseURL + path

	var reader io.Reader
	if body != nil {
		jsonBytes, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body:\n%w", err)
		}
		reader = bytes.NewReader(jsonBytes)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return fmt.Errorf("build request:\n%w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s:\n%w", method, url, err)
	}
	defer func() { io.Copy(io.Discard, resp.Body); resp.Body.Close() }()

	if !accepted(resp.StatusCode, ok) {
		var payload struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&payload)

		return &APIError{Method: method, URL: url, Status: resp.StatusCode, Message: payload.Error}
	}

	if result == nil {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode %s response:\n%w", path, err)
	}

	return nil
}

func accepted(status int, ok []int) bool {
	for _, s := range ok {
		if status == s {
			return true
		}
	}
	return false
}
