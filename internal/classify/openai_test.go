package classify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"envwatch/internal/alert"
	logx "envwatch/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func completionServer(t *testing.T, status int, content string, seen chan<- map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if seen != nil {
			var m map[string]any
			_ = json.Unmarshal(body, &m)
			seen <- m
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
			return
		}
		c, _ := json.Marshal(content)
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"test-model",` +
			`"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":` + string(c) + `}}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestOpenAI(t *testing.T, url string) *OpenAI {
	t.Helper()
	c, err := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: url + "/v1/", Model: "test-model", Timeout: 2 * time.Second}, logx.Nop())
	require.NoError(t, err)
	return c
}

func weatherRequest() Request {
	cur := alert.Signal{Topic: "weather", Values: map[string]float64{"temp_c": 30, "humidity_pct": 80}, ObservedAt: time.Now().UTC()}
	return Request{JobType: alert.JobWeather, Topic: "weather", Current: cur, Delta: alert.ComputeDelta(nil, cur)}
}

func TestOpenAIClassify(t *testing.T) {
	t.Parallel()
	seen := make(chan map[string]any, 1)
	srv := completionServer(t, http.StatusOK, `{"alert":{"color":"orange","remarks":"Rapid warming detected"}}`, seen)
	c := newTestOpenAI(t, srv.URL)

	got, err := c.Classify(context.Background(), weatherRequest())
	require.NoError(t, err)
	assert.Equal(t, alert.ClassificationResult{Color: alert.Orange, Remark: "Rapid warming detected"}, got)

	req := <-seen
	assert.Equal(t, "test-model", req["model"])
	rf := req["response_format"].(map[string]any)
	assert.Equal(t, "json_schema", rf["type"])
	msgs := req["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
}

func TestOpenAIRejectsOffSchemaReply(t *testing.T) {
	t.Parallel()
	srv := completionServer(t, http.StatusOK, `{"alert":{"color":"magenta","remarks":"?"}}`, nil)
	_, err := newTestOpenAI(t, srv.URL).Classify(context.Background(), weatherRequest())
	require.ErrorIs(t, err, ErrSchema)
}

func TestOpenAIAPIError(t *testing.T) {
	t.Parallel()
	srv := completionServer(t, http.StatusInternalServerError, "", nil)
	_, err := newTestOpenAI(t, srv.URL).Classify(context.Background(), weatherRequest())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSchema)
	assert.Contains(t, err.Error(), "500")
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	t.Parallel()
	_, err := NewOpenAI(OpenAIConfig{}, logx.Nop())
	require.ErrorIs(t, err, ErrAPIKeyNotSet)
}
