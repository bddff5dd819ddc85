package intercept

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/stubnet/pkg/api"
	"github.com/jingkaihe/stubnet/pkg/logging"
)

const baseURL = "https://jsonplaceholder.typicode.com"

func mustRequest(t *testing.T, method, url string) *Request {
	t.Helper()
	req, err := NewRequest(method, url, nil, nil)
	require.NoError(t, err)
	return req
}

func TestRegistry_PassThroughWhenNoRule(t *testing.T) {
	reg := NewRegistry()
	out := reg.Intercept(mustRequest(t, "GET", baseURL+"/posts/1"))
	assert.True(t, out.PassThrough())
	assert.Empty(t, out.Label)

	stats := reg.Stats()
	assert.Equal(t, int64(1), stats.Total)
	assert.Zero(t, stats.Matched)
}

func TestRegistry_StaticMatch(t *testing.T) {
	reg := NewRegistry()
	h, err := reg.Register("GET", baseURL+"/posts/1", JSONResponse(200, map[string]any{"id": 1}), WithLabel("getMockedPost"))
	require.NoError(t, err)
	assert.Equal(t, "getMockedPost", h.Label())

	out := reg.Intercept(mustRequest(t, "GET", baseURL+"/posts/1"))
	require.False(t, out.PassThrough())
	assert.Equal(t, "getMockedPost", out.Label)
	assert.Equal(t, 200, out.Response.Status())
	assert.Equal(t, int64(1), h.Matched())
}

func TestRegistry_MethodMustMatch(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Register("POST", "/posts", JSONResponse(201, nil))
	require.NoError(t, err)

	assert.True(t, reg.Intercept(mustRequest(t, "GET", baseURL+"/posts")).PassThrough())
	assert.False(t, reg.Intercept(mustRequest(t, "POST", baseURL+"/posts")).PassThrough())
}

func TestRegistry_AnyMethod(t *testing.T) {
	for _, method := range []string{"", "*"} {
		reg := NewRegistry()
		_, err := reg.Register(method, "/posts", JSONResponse(200, nil))
		require.NoError(t, err)
		for _, m := range []string{"GET", "POST", "DELETE"} {
			assert.False(t, reg.Intercept(mustRequest(t, m, baseURL+"/posts")).PassThrough(), "method %q", m)
		}
	}
}

func TestRegistry_MethodCaseInsensitive(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Register("delete", "/posts/1", JSONResponse(204, nil))
	require.NoError(t, err)
	assert.False(t, reg.Intercept(mustRequest(t, "DELETE", baseURL+"/posts/1")).PassThrough())
}

func TestRegistry_LastRegisteredWins(t *testing.T) {
	reg := NewRegistry()
	first, err := reg.Register("GET", "/posts/1", JSONResponse(200, map[string]string{"v": "first"}))
	require.NoError(t, err)
	second, err := reg.Register("GET", "/posts/1", JSONResponse(200, map[string]string{"v": "second"}))
	require.NoError(t, err)

	out := reg.Intercept(mustRequest(t, "GET", baseURL+"/posts/1"))
	assert.Equal(t, second.Label(), out.Label)
	body, err := out.Response.EncodeBody()
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":"second"}`, string(body))

	assert.Zero(t, first.Matched())
	assert.Equal(t, int64(1), second.Matched())
}

func TestRegistry_LaterGlobShadowsExact(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Register("GET", "/posts/1", JSONResponse(200, nil), WithLabel("exact"))
	require.NoError(t, err)
	_, err = reg.Register("GET", "/posts/*", JSONResponse(200, nil), WithLabel("glob"))
	require.NoError(t, err)

	assert.Equal(t, "glob", reg.Intercept(mustRequest(t, "GET", baseURL+"/posts/1")).Label)
}

func TestRegistry_DynamicResponderSeesSegment(t *testing.T) {
	reg := NewRegistry()
	var seen string
	_, err := reg.Register("GET", baseURL+"/posts/*", ResponderFunc(func(req *Request) *StaticResponse {
		seen, _ = req.Segment(-1)
		return JSONResponse(200, map[string]string{"id": seen})
	}))
	require.NoError(t, err)

	out := reg.Intercept(mustRequest(t, "GET", baseURL+"/posts/7"))
	require.False(t, out.PassThrough())
	assert.Equal(t, "7", seen)
}

func TestRegistry_DynamicNilPassesThroughButCounts(t *testing.T) {
	reg := NewRegistry()
	h, err := reg.Register("GET", "/posts/*", ResponderFunc(func(*Request) *StaticResponse { return nil }))
	require.NoError(t, err)

	out := reg.Intercept(mustRequest(t, "GET", baseURL+"/posts/3"))
	assert.True(t, out.PassThrough())
	assert.Equal(t, h.Label(), out.Label)
	assert.Equal(t, int64(1), h.Matched())
}

func TestRegistry_DynamicInvalidResponseBecomes500(t *testing.T) {
	tests := []struct {
		name string
		resp *StaticResponse
		want string
	}{
		{name: "status out of range", resp: &StaticResponse{StatusCode: 42}, want: "status code 42"},
		{name: "negative delay", resp: &StaticResponse{Delay: -time.Second}, want: "delay"},
		{name: "unencodable body", resp: &StaticResponse{Body: make(chan int)}, want: "encode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := NewRegistry()
			h, err := reg.Register("GET", "/posts/*", ResponderFunc(func(*Request) *StaticResponse { return tt.resp }))
			require.NoError(t, err)

			out := reg.Intercept(mustRequest(t, "GET", baseURL+"/posts/1"))
			require.False(t, out.PassThrough())
			assert.Equal(t, http.StatusInternalServerError, out.Response.Status())
			assert.False(t, out.Response.ForceNetworkError)
			assert.Zero(t, out.Response.Delay)
			body, ok := out.Response.Body.(map[string]string)
			require.True(t, ok)
			assert.Contains(t, body["error"], tt.want)
			assert.Equal(t, int64(1), h.Matched())
		})
	}
}

func TestRegistry_WaitForResponseNeedsDelivery(t *testing.T) {
	reg := NewRegistry()
	h, err := reg.Register("GET", "/posts", JSONResponse(200, nil))
	require.NoError(t, err)

	out := reg.Intercept(mustRequest(t, "GET", baseURL+"/posts"))
	require.NoError(t, reg.WaitFor(context.Background(), h, 20*time.Millisecond))
	assert.ErrorIs(t, reg.WaitForResponse(context.Background(), h, 1, 20*time.Millisecond), api.ErrWaitTimeout)
	assert.Zero(t, h.Delivered())

	go func() {
		time.Sleep(10 * time.Millisecond)
		reg.deliver(out)
	}()
	require.NoError(t, reg.WaitForResponse(context.Background(), h, 1, time.Second))
	assert.Equal(t, int64(1), h.Delivered())
}

func TestRegistry_RegisterValidation(t *testing.T) {
	reg := NewRegistry()
	var nilStatic *StaticResponse
	var nilFunc ResponderFunc

	tests := []struct {
		name      string
		method    string
		pattern   string
		responder Responder
	}{
		{"empty pattern", "GET", "", JSONResponse(200, nil)},
		{"unknown method", "FETCH", "/x", JSONResponse(200, nil)},
		{"nil responder", "GET", "/x", nil},
		{"typed nil static", "GET", "/x", nilStatic},
		{"typed nil func", "GET", "/x", nilFunc},
		{"negative delay", "GET", "/x", &StaticResponse{Delay: -time.Second}},
		{"status too low", "GET", "/x", &StaticResponse{StatusCode: 42}},
		{"status too high", "GET", "/x", &StaticResponse{StatusCode: 600}},
		{"unencodable body", "GET", "/x", &StaticResponse{Body: make(chan int)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.Register(tt.method, tt.pattern, tt.responder)
			assert.ErrorIs(t, err, api.ErrInvalidRule)
		})
	}
	assert.Empty(t, reg.Rules())
}

func TestRegistry_NetworkErrorIgnoresStatus(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Register("GET", "/posts/999", &StaticResponse{StatusCode: 42, ForceNetworkError: true})
	require.NoError(t, err)
}

func TestRegistry_DuplicateLabel(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Register("GET", "/a", JSONResponse(200, nil), WithLabel("x"))
	require.NoError(t, err)
	_, err = reg.Register("GET", "/b", JSONResponse(200, nil), WithLabel("x"))
	assert.ErrorIs(t, err, api.ErrDuplicateLabel)
}

func TestRegistry_GeneratedLabels(t *testing.T) {
	reg := NewRegistry()
	a, err := reg.Register("GET", "/a", JSONResponse(200, nil))
	require.NoError(t, err)
	b, err := reg.Register("GET", "/b", JSONResponse(200, nil))
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(a.Label(), "rule-"))
	assert.Len(t, a.Label(), len("rule-")+8)
	assert.NotEqual(t, a.Label(), b.Label())
}

func TestRegistry_WaitForAlreadyMatched(t *testing.T) {
	reg := NewRegistry()
	h, err := reg.Register("GET", "/posts/1", JSONResponse(200, nil))
	require.NoError(t, err)
	reg.Intercept(mustRequest(t, "GET", baseURL+"/posts/1"))

	assert.NoError(t, reg.WaitFor(context.Background(), h, 10*time.Millisecond))
}

func TestRegistry_WaitForWakesOnMatch(t *testing.T) {
	reg := NewRegistry()
	h, err := reg.Register("GET", "/posts/1", JSONResponse(200, nil))
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		reg.Intercept(mustRequest(t, "GET", baseURL+"/posts/1"))
	}()

	start := time.Now()
	require.NoError(t, h.Wait(context.Background(), 5*time.Second))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRegistry_WaitForTimeout(t *testing.T) {
	rec := &logging.Recorder{}
	reg := NewRegistry(WithEmitter(logging.NewEmitter(logging.EmitterConfig{RunID: "r"}, rec)))
	h, err := reg.Register("GET", "/posts/1", JSONResponse(200, nil), WithLabel("getMockedPost"))
	require.NoError(t, err)

	start := time.Now()
	err = reg.WaitFor(context.Background(), h, 30*time.Millisecond)
	assert.ErrorIs(t, err, api.ErrWaitTimeout)
	assert.Contains(t, err.Error(), "getMockedPost")
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Len(t, rec.OfType(logging.EventWaitTimeout), 1)
}

func TestRegistry_WaitForDefaultTimeout(t *testing.T) {
	reg := NewRegistry(WithWaitTimeout(20 * time.Millisecond))
	h, err := reg.Register("GET", "/posts/1", JSONResponse(200, nil))
	require.NoError(t, err)
	assert.ErrorIs(t, reg.WaitFor(context.Background(), h, 0), api.ErrWaitTimeout)
}

func TestRegistry_WaitForContextCancel(t *testing.T) {
	reg := NewRegistry()
	h, err := reg.Register("GET", "/posts/1", JSONResponse(200, nil))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, reg.WaitFor(ctx, h, time.Second), context.Canceled)
}

func TestRegistry_WaitForCount(t *testing.T) {
	reg := NewRegistry()
	h, err := reg.Register("GET", "/posts/*", JSONResponse(200, nil))
	require.NoError(t, err)

	reg.Intercept(mustRequest(t, "GET", baseURL+"/posts/1"))
	assert.ErrorIs(t, reg.WaitForCount(context.Background(), h, 2, 20*time.Millisecond), api.ErrWaitTimeout)

	reg.Intercept(mustRequest(t, "GET", baseURL+"/posts/2"))
	assert.NoError(t, reg.WaitForCount(context.Background(), h, 2, 20*time.Millisecond))
}

func TestRegistry_WaitForLabel(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Register("GET", "/posts/1", JSONResponse(200, nil), WithLabel("getMockedPost"))
	require.NoError(t, err)
	reg.Intercept(mustRequest(t, "GET", baseURL+"/posts/1"))

	assert.NoError(t, reg.WaitForLabel(context.Background(), "getMockedPost", time.Second))
	assert.ErrorIs(t, reg.WaitForLabel(context.Background(), "nope", time.Second), api.ErrUnknownLabel)
}

func TestRegistry_WaitForForeignHandle(t *testing.T) {
	other := NewRegistry()
	h, err := other.Register("GET", "/a", JSONResponse(200, nil))
	require.NoError(t, err)

	reg := NewRegistry()
	assert.ErrorIs(t, reg.WaitFor(context.Background(), h, time.Second), api.ErrUnknownLabel)
	assert.ErrorIs(t, reg.WaitFor(context.Background(), nil, time.Second), api.ErrUnknownLabel)
}

func TestRegistry_ResetWakesWaiters(t *testing.T) {
	reg := NewRegistry()
	h, err := reg.Register("GET", "/posts/1", JSONResponse(200, nil))
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.Wait(context.Background(), 5*time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	reg.Reset()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, api.ErrRuleReset)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not released by Reset")
	}
}

func TestRegistry_ResetClearsState(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Register("GET", "/posts/1", JSONResponse(200, nil), WithLabel("getMockedPost"))
	require.NoError(t, err)
	reg.Intercept(mustRequest(t, "GET", baseURL+"/posts/1"))

	reg.Reset()

	assert.Empty(t, reg.Rules())
	assert.Equal(t, api.EngineStats{ByRule: map[string]int64{}}, reg.Stats())
	assert.True(t, reg.Intercept(mustRequest(t, "GET", baseURL+"/posts/1")).PassThrough())

	_, err = reg.Register("GET", "/posts/1", JSONResponse(200, nil), WithLabel("getMockedPost"))
	assert.NoError(t, err, "labels are free again after reset")
}

func TestRegistry_RulesAndStats(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Register("GET", "/posts/1", JSONResponse(200, nil), WithLabel("one"))
	require.NoError(t, err)
	_, err = reg.Register("", "/posts/*", JSONResponse(200, nil), WithLabel("any"))
	require.NoError(t, err)

	reg.Intercept(mustRequest(t, "GET", baseURL+"/posts/1"))
	reg.Intercept(mustRequest(t, "POST", baseURL+"/posts/2"))
	reg.Intercept(mustRequest(t, "GET", baseURL+"/users"))

	assert.Equal(t, []api.RuleStats{
		{Label: "one", Method: "GET", URL: "/posts/1", Matched: 0},
		{Label: "any", Method: "*", URL: "/posts/*", Matched: 2},
	}, reg.Rules())
	assert.Equal(t, api.EngineStats{
		Total:   3,
		Matched: 2,
		ByRule:  map[string]int64{"one": 0, "any": 2},
	}, reg.Stats())
}

func TestRegistry_ConcurrentIntercept(t *testing.T) {
	reg := NewRegistry()
	h, err := reg.Register("GET", "/posts/*", JSONResponse(200, nil))
	require.NoError(t, err)

	const workers = 20
	const perWorker = 50
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				reg.Intercept(mustRequest(t, "GET", baseURL+"/posts/1"))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(workers*perWorker), h.Matched())
}

func TestRegistry_EmitsEvents(t *testing.T) {
	rec := &logging.Recorder{}
	reg := NewRegistry(WithEmitter(logging.NewEmitter(logging.EmitterConfig{RunID: "run-1"}, rec)))

	_, err := reg.Register("GET", "/posts/999", NetworkFailure(), WithLabel("networkErrorPost"))
	require.NoError(t, err)
	reg.Intercept(mustRequest(t, "GET", baseURL+"/posts/999"))
	reg.Intercept(mustRequest(t, "GET", baseURL+"/users"))
	reg.Reset()

	require.Len(t, rec.OfType(logging.EventRuleRegistered), 1)
	require.Len(t, rec.OfType(logging.EventRequestPassedThrough), 1)
	require.Len(t, rec.OfType(logging.EventRegistryReset), 1)

	hits := rec.OfType(logging.EventRequestIntercepted)
	require.Len(t, hits, 1)
	assert.Equal(t, "networkErrorPost", hits[0].Rule)
	assert.Equal(t, "run-1", hits[0].RunID)
	assert.Contains(t, string(hits[0].Data), `"network_error":true`)
}

func TestRegisterConfig_Static(t *testing.T) {
	reg := NewRegistry()
	h, err := reg.RegisterConfig(api.RuleConfig{
		Label:  "slow",
		Method: "GET",
		URL:    "/posts",
		Response: api.ResponseConfig{
			StatusCode: 200,
			Body:       []any{map[string]any{"id": 1}},
			DelayMS:    250,
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "slow", h.Label())

	out := reg.Intercept(mustRequest(t, "GET", baseURL+"/posts"))
	require.NotNil(t, out.Response)
	assert.Equal(t, 250*time.Millisecond, out.Response.Delay)
}

func TestRegisterConfig_Invalid(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.RegisterConfig(api.RuleConfig{Method: "GET"})
	assert.ErrorIs(t, err, api.ErrInvalidRule)

	_, err = reg.RegisterConfig(api.RuleConfig{
		URL:      "/x",
		Response: api.ResponseConfig{Set: map[string]string{"id": "{{segment:x}}"}},
	})
	assert.ErrorIs(t, err, api.ErrInvalidRule)
	assert.True(t, errors.Is(err, ErrTemplateSyntax))
}

func TestStaticResponseStatusDefault(t *testing.T) {
	assert.Equal(t, http.StatusOK, (&StaticResponse{}).Status())
	assert.Equal(t, http.StatusNoContent, (&StaticResponse{StatusCode: 204}).Status())
}
