package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rzbill/runnel/internal/jsoncodec"
)

const requestTimeout = 30 * time.Second

// APIURLFromEnv returns RUNNEL_HTTP or the default admin address.
func APIURLFromEnv() string {
	if v := os.Getenv("RUNNEL_HTTP"); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://127.0.0.1:7070"
}

// apiError is the error body of a non-2xx response.
type apiError struct {
	Status int
	Msg    string
}

func (e *apiError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("http error: %d %s", e.Status, http.StatusText(e.Status))
	}
	return fmt.Sprintf("http error: %d %s", e.Status, e.Msg)
}

func getJSON(ctx context.Context, base, path string, q url.Values, out any) error {
	u := base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return do(req, out)
}

func postJSON(ctx context.Context, base, path string, body, out any) error {
	b, err := jsoncodec.Marshal(body)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return do(req, out)
}

func do(req *http.Request, out any) error {
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		var body struct {
			Error string `json:"error"`
		}
		_ = jsoncodec.Decode(resp.Body, &body)
		return &apiError{Status: resp.StatusCode, Msg: body.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return jsoncodec.Decode(resp.Body, out)
}

// printJSON writes v indented.
func printJSON(w io.Writer, v any) error {
	b, err := jsoncodec.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}

// parseHeaders merges repeated key=value flags and a JSON object.
func parseHeaders(pairs []string, headersJSON string) (map[string]string, error) {
	headers := map[string]string{}
	for _, hv := range pairs {
		if hv == "" {
			continue
		}
		k, v, ok := strings.Cut(hv, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --header, expected key=value: %s", hv)
		}
		headers[strings.TrimSpace(k)] = v
	}
	if headersJSON != "" {
		var m map[string]string
		if err := jsoncodec.Unmarshal([]byte(headersJSON), &m); err != nil {
			return nil, fmt.Errorf("invalid --header-json: %w", err)
		}
		for k, v := range m {
			headers[k] = v
		}
	}
	return headers, nil
}
