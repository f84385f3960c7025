package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sandboxrunner/taskscheduler/pkg/handlers"
	"github.com/sandboxrunner/taskscheduler/pkg/resilience"
	"github.com/sandboxrunner/taskscheduler/pkg/runtime"
	"github.com/sandboxrunner/taskscheduler/pkg/scheduler"
	"github.com/sandboxrunner/taskscheduler/pkg/task"
)

// APIClient is a small JSON client for the scheduler API
type APIClient struct {
	baseURL    string
	httpClient *http.Client
}

func NewAPIClient(baseURL string) *APIClient {
	return &APIClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *APIClient) GET(path string) (*http.Response, error) {
	return c.httpClient.Get(c.baseURL + path)
}

func (c *APIClient) POST(path string, body interface{}) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	return c.httpClient.Post(c.baseURL+path, "application/json", reader)
}

func (c *APIClient) DecodeResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}

func (c *APIClient) waitForStatus(t *testing.T, id string, want task.State) TaskResponse {
	t.Helper()
	var last TaskResponse
	require.Eventually(t, func() bool {
		resp, err := c.GET("/api/tasks/" + id + "/status")
		if err != nil {
			return false
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return false
		}
		if err := c.DecodeResponse(resp, &last); err != nil {
			return false
		}
		return last.Status == want
	}, 10*time.Second, 10*time.Millisecond, "task %s never reached %s", id, want)
	return last
}

// newLiveServer wires a real scheduler, built-in handlers and thread pools
// behind an httptest server.
func newLiveServer(t *testing.T, capacity int) (*APIClient, *httptest.Server, *scheduler.Scheduler) {
	t.Helper()

	registry := handlers.NewDefaultRegistry()
	processPool, err := runtime.NewThreadPool(capacity, registry)
	require.NoError(t, err)
	threadPool, err := runtime.NewThreadPool(capacity, registry)
	require.NoError(t, err)

	cfg := scheduler.DefaultConfig()
	cfg.SnapshotInterval = 0
	cfg.Retry = &resilience.RetryConfig{
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   50 * time.Millisecond,
		Multiplier: 2,
		Policy:     resilience.RetryPolicyExponential,
	}

	sched, err := scheduler.New(cfg, scheduler.Deps{
		ProcessPool: processPool,
		ThreadPool:  threadPool,
		Validator:   handlers.NewValidator(registry),
	})
	require.NoError(t, err)
	require.NoError(t, sched.Start(context.Background()))

	api := NewRESTAPI(testAPIConfig(), sched, zerolog.Nop())
	server := httptest.NewServer(api.Handler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		api.closeStreams()
		server.Close()
		_ = sched.Stop(ctx)
	})
	return NewAPIClient(server.URL), server, sched
}

func TestClientInteraction_BasicWorkflow(t *testing.T) {
	client, _, _ := newLiveServer(t, 2)

	resp, err := client.POST("/api/tasks/submit", map[string]interface{}{
		"task_name":      handlers.ComputeName,
		"payload":        map[string]interface{}{"iterations": 4},
		"priority":       "high",
		"execution_hint": "cpu_bound",
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var submitted SubmitResponse
	require.NoError(t, client.DecodeResponse(resp, &submitted))
	require.NotEmpty(t, submitted.TaskID)

	done := client.waitForStatus(t, submitted.TaskID, task.StateCompleted)
	assert.JSONEq(t, `{"result":14,"iterations":4}`, string(done.Result))
	assert.Empty(t, done.ErrorMessage)
	assert.Equal(t, 1, done.AttemptCount)
	require.NotNil(t, done.CompletedAt)

	resp, err = client.GET("/api/system/metrics")
	require.NoError(t, err)
	var snap scheduler.Snapshot
	require.NoError(t, client.DecodeResponse(resp, &snap))
	assert.Equal(t, int64(1), snap.Submitted)
	assert.Equal(t, int64(1), snap.Completed)
	assert.True(t, snap.Conserved())

	resp, err = client.POST("/api/tasks/"+submitted.TaskID+"/cancel", nil)
	require.NoError(t, err)
	var cancelled CancelResponse
	require.NoError(t, client.DecodeResponse(resp, &cancelled))
	assert.False(t, cancelled.Cancelled, "terminal tasks cannot be cancelled")

	resp, err = client.POST("/api/system/cleanup?older_than_hours=0", nil)
	require.NoError(t, err)
	var cleanup CleanupResponse
	require.NoError(t, client.DecodeResponse(resp, &cleanup))
	assert.Equal(t, 1, cleanup.Evicted)

	resp, err = client.GET("/api/tasks/" + submitted.TaskID + "/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClientInteraction_FailureAndRetries(t *testing.T) {
	client, _, _ := newLiveServer(t, 1)

	resp, err := client.POST("/api/tasks/submit", map[string]interface{}{
		"task_name":   handlers.ErrorTaskName,
		"payload":     map[string]interface{}{},
		"max_retries": 2,
	})
	require.NoError(t, err)
	var submitted SubmitResponse
	require.NoError(t, client.DecodeResponse(resp, &submitted))

	failed := client.waitForStatus(t, submitted.TaskID, task.StateFailed)
	assert.Equal(t, 3, failed.AttemptCount)
	assert.Equal(t, 2, failed.RetryCount)
	assert.Contains(t, failed.ErrorMessage, "intentional task failure")
	assert.Nil(t, failed.Result)
}

func TestClientInteraction_SchemaValidation(t *testing.T) {
	client, _, _ := newLiveServer(t, 1)

	resp, err := client.POST("/api/tasks/submit", map[string]interface{}{
		"task_name": handlers.ComputeName,
		"payload":   map[string]interface{}{"iterations": "lots"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var apiErr ErrorResponse
	require.NoError(t, client.DecodeResponse(resp, &apiErr))
	assert.Equal(t, "payload", apiErr.Error.Field)

	resp, err = client.GET("/api/tasks")
	require.NoError(t, err)
	var list ListResponse
	require.NoError(t, client.DecodeResponse(resp, &list))
	assert.Zero(t, list.Total, "rejected submissions never enter the registry")
}

func TestClientInteraction_CancelRunning(t *testing.T) {
	client, _, _ := newLiveServer(t, 1)

	resp, err := client.POST("/api/tasks/submit", map[string]interface{}{
		"task_name": handlers.IOOperationName,
		"payload":   map[string]interface{}{"duration": 30},
	})
	require.NoError(t, err)
	var submitted SubmitResponse
	require.NoError(t, client.DecodeResponse(resp, &submitted))

	client.waitForStatus(t, submitted.TaskID, task.StateRunning)

	resp, err = client.POST("/api/tasks/"+submitted.TaskID+"/cancel", nil)
	require.NoError(t, err)
	var cancelled CancelResponse
	require.NoError(t, client.DecodeResponse(resp, &cancelled))
	assert.True(t, cancelled.Cancelled)

	final := client.waitForStatus(t, submitted.TaskID, task.StateCancelled)
	assert.Nil(t, final.Result)

	require.Eventually(t, func() bool {
		resp, err := client.GET("/api/workers/status")
		if err != nil {
			return false
		}
		var workers scheduler.WorkerStatus
		if err := client.DecodeResponse(resp, &workers); err != nil {
			return false
		}
		return workers.ActiveWorkers == 0
	}, 5*time.Second, 10*time.Millisecond, "cancelled attempt must release its slot")
}

func TestClientInteraction_EventStream(t *testing.T) {
	client, server, _ := newLiveServer(t, 1)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/events?type=task.submitted&type=task.completed"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	resp, err := client.POST("/api/tasks/submit", map[string]interface{}{
		"task_name": handlers.DataProcessingName,
		"payload":   map[string]interface{}{"data": []interface{}{1, "a"}},
	})
	require.NoError(t, err)
	var submitted SubmitResponse
	require.NoError(t, client.DecodeResponse(resp, &submitted))

	var types []scheduler.EventType
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	for len(types) < 2 {
		var e scheduler.Event
		require.NoError(t, conn.ReadJSON(&e))
		assert.Equal(t, submitted.TaskID, e.TaskID)
		types = append(types, e.Type)
	}
	assert.Equal(t, []scheduler.EventType{scheduler.EventSubmitted, scheduler.EventCompleted}, types)
}

func TestClientInteraction_ConcurrentSubmissions(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping load test in short mode")
	}
	client, _, _ := newLiveServer(t, 4)

	const (
		workers   = 8
		perWorker = 10
	)

	var (
		mu  sync.Mutex
		ids []string
		wg  sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				resp, err := client.POST("/api/tasks/submit", map[string]interface{}{
					"task_name": handlers.ComputeName,
					"payload":   map[string]interface{}{"iterations": 100 + w*perWorker + i},
					"priority":  (w + i) % 20,
				})
				if !assert.NoError(t, err) {
					return
				}
				var submitted SubmitResponse
				if assert.Equal(t, http.StatusOK, resp.StatusCode) && assert.NoError(t, client.DecodeResponse(resp, &submitted)) {
					mu.Lock()
					ids = append(ids, submitted.TaskID)
					mu.Unlock()
				}
			}
		}(w)
	}
	wg.Wait()
	require.Len(t, ids, workers*perWorker)

	for _, id := range ids {
		client.waitForStatus(t, id, task.StateCompleted)
	}

	resp, err := client.GET(fmt.Sprintf("/api/tasks?state=completed&limit=%d", workers*perWorker))
	require.NoError(t, err)
	var list ListResponse
	require.NoError(t, client.DecodeResponse(resp, &list))
	assert.Equal(t, workers*perWorker, list.Total)
}

func BenchmarkAPI_SubmitTask(b *testing.B) {
	sched := &mockScheduler{}
	sched.On("Submit", mock.Anything, mock.Anything).Return(&scheduler.SubmitResult{ID: "bench", State: task.StatePending}, nil)
	api := NewRESTAPI(testAPIConfig(), sched, zerolog.Nop())
	body := []byte(`{"task_name":"compute","payload":{"iterations":10},"priority":"high"}`)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest("POST", "/api/tasks/submit", bytes.NewReader(body))
		w := httptest.NewRecorder()
		api.GetRouter().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			b.Fatalf("unexpected status %d", w.Code)
		}
	}
}
