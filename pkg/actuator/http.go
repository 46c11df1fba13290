package actuator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/teslashibe/go-visualservo/internal/httpc"
)

// HTTP posts each output as JSON to a driver daemon:
//
//	POST <URL> {"output": 12.5, "seq": 41, "run_id": "..."}
type HTTP struct {
	URL    string
	Client *http.Client
}

// NewHTTP creates an HTTP actuator using the shared client.
func NewHTTP(url string) *HTTP {
	return &HTTP{URL: url, Client: httpc.Client}
}

type httpCommand struct {
	Output float64 `json:"output"`
	Seq    uint64  `json:"seq"`
	RunID  string  `json:"run_id,omitempty"`
}

func (a *HTTP) Apply(ctx context.Context, output float64) error {
	runID, seq := CycleFrom(ctx)
	data, err := json.Marshal(httpCommand{Output: output, Seq: seq, RunID: runID})
	if err != nil {
		return fmt.Errorf("actuator: marshal command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("actuator: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := a.Client
	if client == nil {
		client = httpc.Client
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("actuator: post command: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
