package intercept

import (
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

// MonitorClient talks to a running monitor.
type MonitorClient struct {
	baseURL string
	http    *http.Client
}

// NewMonitorClient returns a client for the monitor listening at addr ("host:port" or a full URL).
func NewMonitorClient(addr string) *MonitorClient {
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return &MonitorClient{
		baseURL: strings.TrimSuffix(addr, "/"),
		http: &http.Client{
			Transport: http.DefaultTransport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return errors.New("redirect not allowed")
			},
			Timeout: 10 * time.Second,
		},
	}
}

func (c *MonitorClient) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("monitor %s: %s: %s", path, resp.Status, strings.TrimSpace(string(msg)))
	} else if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

func (c *MonitorClient) Status(ctx context.Context) (MonitorStatus, error) {
	var status MonitorStatus
	err := c.do(ctx, http.MethodGet, monitorEndpointPathStatus, nil, &status)
	return status, err
}

// State fetches a snapshot of the state subtree at path.
func (c *MonitorClient) State(ctx context.Context, path string) (MonitorState, error) {
	var state MonitorState
	err := c.do(ctx, http.MethodPost, monitorEndpointPathState, MonitorStateRequest{Path: path}, &state)
	return state, err
}

// StateDiff snapshots path and returns its diff against the previous snapshot of the same path.
func (c *MonitorClient) StateDiff(ctx context.Context, path string) (MonitorStateDiff, error) {
	var diff MonitorStateDiff
	err := c.do(ctx, http.MethodPost, monitorEndpointPathStateDiff, MonitorStateRequest{Path: path}, &diff)
	return diff, err
}

func (c *MonitorClient) Calls(ctx context.Context) ([]MonitorCall, error) {
	var calls MonitorCalls
	err := c.do(ctx, http.MethodGet, monitorEndpointPathCalls, nil, &calls)
	return calls.Calls, err
}

// Break sets, or with clear removes, a breakpoint on a function.
func (c *MonitorClient) Break(ctx context.Context, function string, clear bool) (MonitorStatus, error) {
	var status MonitorStatus
	err := c.do(ctx, http.MethodPost, monitorEndpointPathBreak, MonitorBreakRequest{Function: function, Clear: clear}, &status)
	return status, err
}

// Resume releases a paused target, pausing again before the next call when step is set.
func (c *MonitorClient) Resume(ctx context.Context, step bool) error {
	return c.do(ctx, http.MethodPost, monitorEndpointPathResume, MonitorResumeRequest{Step: step}, nil)
}
