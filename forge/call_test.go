// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package forge_test

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/Query-farm/forge-go/conformance"
	"github.com/Query-farm/forge-go/forge"
)

const testAPIKey = "test-key"

var settingEnvVars = []string{
	"QCWARE_HOST", "QCWARE_API_KEY", "QCWARE_CLIENT_TIMEOUT", "QCWARE_SERVER_TIMEOUT",
	"QCWARE_ASYNC_INTERVAL_BETWEEN_TRIES", "QCWARE_SCHEDULING_MODE",
	"QCWARE_ENVIRONMENT_ENVIRONMENT", "QCWARE_ENVIRONMENT_SOURCE_FILE",
	"QCWARE_CRED_IBMQ_TOKEN", "QCWARE_CRED_IBMQ_HUB", "QCWARE_CRED_IBMQ_GROUP",
	"QCWARE_CRED_IBMQ_PROJECT", "QCWARE_CLIENT_DEBUG",
}

var raiseError = forge.NewEndpoint[conformance.RaiseErrorParams, any](conformance.MethodRaiseError,
	"RaiseError always fails.")

type harness struct {
	svc    *conformance.Service
	srv    *httptest.Server
	client *forge.Client
	ctx    context.Context
}

type harnessConfig struct {
	service []conformance.Option
	client  []forge.Option
}

func withService(opts ...conformance.Option) func(*harnessConfig) {
	return func(c *harnessConfig) { c.service = append(c.service, opts...) }
}

func withClient(opts ...forge.Option) func(*harnessConfig) {
	return func(c *harnessConfig) { c.client = append(c.client, opts...) }
}

// newHarness serves the conformance service on a local port, points
// QCWARE_HOST at it and returns a context carrying a fast-polling client.
// Server long polls are disabled so tests never wait on the server.
func newHarness(t *testing.T, opts ...func(*harnessConfig)) *harness {
	t.Helper()
	for _, name := range settingEnvVars {
		t.Setenv(name, "")
	}
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))

	cfg := harnessConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	svc := conformance.NewService(append([]conformance.Option{
		conformance.WithAPIKey(testAPIKey),
		conformance.WithLogger(discard),
	}, cfg.service...)...)
	conformance.RegisterMethods(svc)
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)

	t.Setenv("QCWARE_HOST", srv.URL)
	t.Setenv("QCWARE_API_KEY", testAPIKey)

	policy := forge.DefaultRetryPolicy()
	policy.InitialDelay = time.Millisecond
	policy.MaxDelay = 5 * time.Millisecond
	client := forge.NewClient(append([]forge.Option{
		forge.WithTransport(forge.NewTransport(forge.WithRetryPolicy(policy), forge.WithTransportLogger(discard))),
		forge.WithPollInterval(10 * time.Millisecond),
		forge.WithLogger(discard),
		forge.WithDiagnosticsWriter(io.Discard),
	}, cfg.client...)...)

	ctx := forge.WithClient(context.Background(), client)
	ctx = forge.WithContext(ctx, forge.CallContext{ServerTimeout: forge.Ptr(0)})
	return &harness{svc: svc, srv: srv, client: client, ctx: ctx}
}

// body decodes the single request sent to path.
func (h *harness) body(t *testing.T, path string) map[string]any {
	t.Helper()
	reqs := h.svc.RequestsTo(path)
	require.Len(t, reqs, 1, "requests to %s", path)
	m, err := reqs[0].JSON()
	require.NoError(t, err)
	return m
}

func TestEchoBlocking(t *testing.T) {
	h := newHarness(t)
	got, err := forge.Echo.Call(h.ctx, forge.EchoParams{})
	require.NoError(t, err)
	assert.Equal(t, "hello world.", got)

	assert.Len(t, h.svc.RequestsTo("/test/echo"), 1)
	assert.Len(t, h.svc.RequestsTo("/api_calls"), 1)
	assert.Len(t, h.svc.RequestsTo("/about/about"), 1)

	body := h.body(t, "/test/echo")
	assert.Equal(t, "hello world.", body["text"])
}

func TestWirePayloadCarriesEffectiveContext(t *testing.T) {
	h := newHarness(t)
	ctx := forge.WithContext(h.ctx, forge.CallContext{
		ClientTimeout: forge.Ptr(30),
		Environment:   &forge.Environment{SourceFile: forge.Ptr("notebook.ipynb")},
	})
	_, err := forge.Echo.Call(ctx, forge.EchoParams{Text: "ctx"})
	require.NoError(t, err)

	raw := h.svc.RequestsTo("/test/echo")[0].Body
	var body struct {
		Context forge.CallContext `json:"api_call_context"`
	}
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, forge.CurrentContext(ctx), body.Context)
	assert.Equal(t, "notebook.ipynb", *body.Context.Environment.SourceFile)
}

func TestTimeoutThenRetrieve(t *testing.T) {
	h := newHarness(t)
	ctx := forge.WithContext(h.ctx, forge.CallContext{ClientTimeout: forge.Ptr(0)})

	_, err := forge.Echo.Call(ctx, forge.EchoParams{Text: "later"})
	var timeout *forge.ApiTimeoutError
	require.ErrorAs(t, err, &timeout)
	require.NotEmpty(t, timeout.UID)
	assert.Equal(t, forge.MethodEcho, timeout.Method)
	assert.Empty(t, h.svc.RequestsTo("/api_calls"), "no poll with a zero client timeout")

	v, err := forge.RetrieveResult(h.ctx, timeout.UID)
	require.NoError(t, err)
	assert.Equal(t, "later", v)

	s, err := forge.Echo.Retrieve(h.ctx, timeout.UID)
	require.NoError(t, err)
	assert.Equal(t, "later", s, "retrieving twice yields equal results")
}

func TestServerErrorEnvelope(t *testing.T) {
	h := newHarness(t)
	params := conformance.RaiseErrorParams{StackTrace: "Traceback: line 7"}

	_, err := raiseError.Call(h.ctx, params)
	var exec *forge.ApiCallExecutionError
	require.ErrorAs(t, err, &exec)
	assert.Equal(t, "bad input", exec.Message)
	assert.Equal(t, forge.DefaultTraceback, exec.Traceback)
	assert.Equal(t, string(forge.StateError), exec.State)
	assert.NotEmpty(t, exec.UID)
	assert.NotErrorIs(t, err, forge.ErrCallScheduled)

	debug := forge.WithContext(h.ctx, forge.CallContext{Environment: &forge.Environment{Debug: forge.Ptr(true)}})
	_, err = raiseError.Call(debug, params)
	require.ErrorAs(t, err, &exec)
	assert.Equal(t, "Traceback: line 7", exec.Traceback)
}

func TestLoaderArrayRoundTrip(t *testing.T) {
	h := newHarness(t)
	c, err := forge.Loader.Call(h.ctx, forge.LoaderParams{
		Data: forge.FromFloat64s([]float64{0.5, 0.5, 0.5, 0.5}),
	})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 4, c.Len())
	assert.Equal(t, 4, c.NumQubits())

	data := h.body(t, "/qio/loader")["data"].(map[string]any)
	assert.IsType(t, "", data["ndarray"])
	assert.Equal(t, "<f8", data["dtype"])
	assert.Equal(t, []any{4.0}, data["shape"])
	assert.Equal(t, "none", data["compression"])
	assert.Equal(t, "optimized", h.body(t, "/qio/loader")["mode"])
}

func TestScopedOverrideIsolation(t *testing.T) {
	h := newHarness(t)
	before := *forge.CurrentContext(context.Background()).ClientTimeout

	var g errgroup.Group
	for _, timeout := range []int{17, 23} {
		g.Go(func() error {
			return forge.Scoped(h.ctx, forge.CallContext{ClientTimeout: forge.Ptr(timeout)}, func(ctx context.Context) error {
				if got := *forge.CurrentContext(ctx).ClientTimeout; got != timeout {
					t.Errorf("scope %d observed client_timeout %d", timeout, got)
				}
				_, err := forge.Echo.Call(ctx, forge.EchoParams{Text: "scoped"})
				return err
			})
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, before, *forge.CurrentContext(context.Background()).ClientTimeout)

	seen := map[float64]bool{}
	for _, r := range h.svc.RequestsTo("/test/echo") {
		m, err := r.JSON()
		require.NoError(t, err)
		seen[m["api_call_context"].(map[string]any)["client_timeout"].(float64)] = true
	}
	assert.Equal(t, map[float64]bool{17: true, 23: true}, seen)
}

func TestDelegatedBackendMethod(t *testing.T) {
	h := newHarness(t)
	bell := forge.NewCircuit().Add(forge.GateH, 0).Add(forge.GateCX, 0, 1)
	got, err := forge.RunBackendMethod.Call(h.ctx, forge.BackendMethodParams{
		Method: forge.BackendRunMeasurement,
		Kwargs: map[string]any{"circuit": bell, "nqubit": 3},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"000": 500.0, "110": 500.0}, got)

	body := h.body(t, "/circuits/run_backend_method")
	assert.Equal(t, forge.BackendRunMeasurement, body["method"])
	assert.Equal(t, "qcware/cpu_simulator", body["backend"])
	kwargs := body["kwargs"].(map[string]any)
	assert.IsType(t, "", kwargs["circuit"])
	assert.Equal(t, 3.0, kwargs["nqubit"])
}

func TestBackendStatevectorAndExpectation(t *testing.T) {
	h := newHarness(t)
	bell := forge.NewCircuit().Add(forge.GateH, 0).Add(forge.GateCX, 0, 1)

	sv, err := forge.RunBackendMethod.Call(h.ctx, forge.BackendMethodParams{
		Method: forge.BackendRunStatevector,
		Kwargs: map[string]any{"circuit": bell},
	})
	require.NoError(t, err)
	amps, err := sv.(*forge.NDArray).Complex128s()
	require.NoError(t, err)
	require.Len(t, amps, 4)
	assert.InDelta(t, 0.7071, real(amps[0]), 1e-4)
	assert.InDelta(t, 0.7071, real(amps[3]), 1e-4)

	zz, err := forge.RunBackendMethod.Call(h.ctx, forge.BackendMethodParams{
		Method: forge.BackendRunPauliExpectation,
		Kwargs: map[string]any{
			"circuit": bell,
			"pauli":   forge.PauliSum{{Pauli: "Z0*Z1", Coefficient: 1}, {Pauli: "X0", Coefficient: 2}},
		},
	})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, real(zz.(complex128)), 1e-9)
}

func TestOptimizationEndpoints(t *testing.T) {
	h := newHarness(t)
	// minimize -x0 - x1 + 2*x0*x1 subject to x2 == 0
	obj := forge.NewPolynomialObjective(3, forge.DomainBoolean)
	require.NoError(t, obj.SetTerm(-1, 0))
	require.NoError(t, obj.SetTerm(-1, 1))
	require.NoError(t, obj.SetTerm(2, 0, 1))
	x2 := forge.NewPolynomialObjective(3, forge.DomainBoolean)
	require.NoError(t, x2.SetTerm(1, 2))
	cons := forge.Constraints{}
	cons.Add(forge.PredicateZero, x2)

	res, err := forge.BruteForceMinimize.Call(h.ctx, forge.BruteForceParams{Objective: obj, Constraints: cons})
	require.NoError(t, err)
	assert.Equal(t, forge.BruteForceResult{Value: -1, Argmin: []string{"010", "100"}}, res)

	out, err := forge.OptimizeBinary.Call(h.ctx, forge.OptimizeBinaryParams{
		Instance: &forge.ConstrainedProblem{Objective: obj, Constraints: cons, Name: "xor"},
		Seed:     forge.Ptr(1),
	})
	require.NoError(t, err)
	assert.Equal(t, "xor", out["name"])
	assert.Equal(t, -1.0, out["value"])
	assert.Equal(t, "100", out["solution"])
	assert.Equal(t, 2.0, out["objective_degree"])
}

func TestQUtilsEndpoints(t *testing.T) {
	h := newHarness(t)
	x := forge.FromFloat64s([]float64{1, 2, 3})
	y := forge.FromFloat64s([]float64{4, 6, 3})

	d, err := forge.QDist.Call(h.ctx, forge.QDistParams{X: x, Y: y})
	require.NoError(t, err)
	assert.Equal(t, 25.0, d)

	dot, err := forge.QDot.Call(h.ctx, forge.QDotParams{X: x, Y: y})
	require.NoError(t, err)
	assert.Equal(t, 25.0, dot)

	m, err := forge.FromFloat64s([]float64{1, 0, 0, 1, 1, 1}).Reshape(3, 2)
	require.NoError(t, err)
	prod, err := forge.QDot.Call(h.ctx, forge.QDotParams{X: x, Y: m})
	require.NoError(t, err)
	vals, err := prod.(*forge.NDArray).Float64s()
	require.NoError(t, err)
	assert.Equal(t, []float64{4, 5}, vals)

	_, err = forge.QDist.Call(h.ctx, forge.QDistParams{X: x, Y: y, Backend: "elsewhere"})
	var exec *forge.ApiCallExecutionError
	require.ErrorAs(t, err, &exec)
	assert.Contains(t, exec.Message, "unknown backend")
}

func TestFitAndPredict(t *testing.T) {
	h := newHarness(t)
	X, err := forge.FromFloat64s([]float64{0, 0, 0, 1, 10, 10, 10, 11}).Reshape(4, 2)
	require.NoError(t, err)
	T, err := forge.FromFloat64s([]float64{1, 1, 9, 9}).Reshape(2, 2)
	require.NoError(t, err)

	labels, err := forge.FitAndPredict.Call(h.ctx, forge.FitAndPredictParams{
		X: X,
		Y: forge.FromInt64s([]int64{0, 0, 1, 1}),
		T: T,
	})
	require.NoError(t, err)
	got, err := labels.Int64s()
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1}, got)
}

func TestLargeResultViaResultURL(t *testing.T) {
	h := newHarness(t, withService(conformance.WithResultURLThreshold(64)))
	long := strings.Repeat("forge ", 40)
	got, err := forge.Echo.Call(h.ctx, forge.EchoParams{Text: long})
	require.NoError(t, err)
	assert.Equal(t, long, got)

	var blobGets int
	for _, r := range h.svc.Requests() {
		if r.Method == http.MethodGet && strings.HasPrefix(r.Path, "/blobs/results/") {
			blobGets++
		}
	}
	assert.Equal(t, 1, blobGets)
}

func TestScheduledState(t *testing.T) {
	h := newHarness(t, withService(conformance.WithBackendUnavailable(true)))

	_, err := forge.Echo.Call(h.ctx, forge.EchoParams{})
	require.ErrorIs(t, err, forge.ErrCallScheduled)
	require.ErrorIs(t, err, forge.ErrApiCallExecution)
	var exec *forge.ApiCallExecutionError
	require.ErrorAs(t, err, &exec)
	assert.NotEmpty(t, exec.ScheduleAt)
	assert.Contains(t, exec.Message, exec.ScheduleAt)

	queued := forge.WithContext(h.ctx, forge.CallContext{SchedulingMode: forge.Ptr(forge.SchedulingNextAvailable)})
	got, err := forge.Echo.Call(queued, forge.EchoParams{Text: "queued"})
	require.NoError(t, err)
	assert.Equal(t, "queued", got)
}

func TestSmallClientTimeoutPollsOnce(t *testing.T) {
	h := newHarness(t,
		withService(conformance.WithCompletionDelay(time.Hour)),
		withClient(forge.WithPollInterval(2*time.Second)),
	)
	ctx := forge.WithContext(h.ctx, forge.CallContext{ClientTimeout: forge.Ptr(1)})

	_, err := forge.Echo.Call(ctx, forge.EchoParams{})
	var timeout *forge.ApiTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, string(forge.StateOpen), timeout.State)
	assert.Len(t, h.svc.RequestsTo("/api_calls"), 1)
}

func TestStatusCancelAndParams(t *testing.T) {
	h := newHarness(t, withService(conformance.WithCompletionDelay(time.Hour)))
	x := forge.FromFloat64s([]float64{1, 2})
	token, err := forge.QDist.Submit(h.ctx, forge.QDistParams{X: x, Y: x})
	require.NoError(t, err)

	other, err := forge.QDist.Submit(h.ctx, forge.QDistParams{X: x, Y: x})
	require.NoError(t, err)
	assert.NotEqual(t, token, other, "every submit gets a fresh token")

	rec, err := forge.CallStatus(h.ctx, token)
	require.NoError(t, err)
	assert.Equal(t, forge.StateOpen, rec.State)
	assert.Equal(t, forge.MethodQDist, rec.Method)

	params, err := forge.RetrieveParams(h.ctx, token)
	require.NoError(t, err)
	assert.NotContains(t, params, "api_call_context")
	assert.True(t, x.Equal(params["x"].(*forge.NDArray)))
	assert.Equal(t, "qcware/cpu_simulator", params["backend"])

	require.NoError(t, forge.CancelCall(h.ctx, token))
	_, err = forge.RetrieveResult(h.ctx, token)
	var exec *forge.ApiCallExecutionError
	require.ErrorAs(t, err, &exec)
	assert.Equal(t, "call cancelled", exec.Message)

	rec, err = forge.CallStatus(h.ctx, other)
	require.NoError(t, err)
	assert.Equal(t, forge.StateOpen, rec.State, "cancel only touches its own token")
}

func TestCallAsyncRetriesThroughTimeouts(t *testing.T) {
	h := newHarness(t,
		withService(conformance.WithCompletionDelay(200*time.Millisecond)),
		withClient(forge.WithPollInterval(2*time.Second)),
	)
	ctx := forge.WithContext(h.ctx, forge.CallContext{
		ClientTimeout:             forge.Ptr(1),
		AsyncIntervalBetweenTries: forge.Ptr(0.02),
	})

	f := forge.Echo.CallAsync(ctx, forge.EchoParams{Text: "eventually"})
	got, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "eventually", got)
	assert.Greater(t, len(h.svc.RequestsTo("/api_calls")), 1)
}

func TestAsyncRetrieveStopsOnCancellation(t *testing.T) {
	h := newHarness(t, withService(conformance.WithCompletionDelay(time.Hour)))
	token, err := forge.Echo.Submit(h.ctx, forge.EchoParams{})
	require.NoError(t, err)

	ctx := forge.WithContext(h.ctx, forge.CallContext{
		ClientTimeout:             forge.Ptr(1),
		AsyncIntervalBetweenTries: forge.Ptr(0.01),
	})
	ctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	_, err = forge.AsyncRetrieveResult(ctx, token)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	rec, err := forge.CallStatus(h.ctx, token)
	require.NoError(t, err)
	assert.Equal(t, forge.StateOpen, rec.State, "client cancellation leaves the server call alone")
}

func TestFutureCancel(t *testing.T) {
	h := newHarness(t, withService(conformance.WithCompletionDelay(time.Hour)))
	f := forge.Echo.CallAsync(h.ctx, forge.EchoParams{})
	f.Cancel()
	_, err := f.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAuthenticationFailures(t *testing.T) {
	h := newHarness(t)

	t.Setenv("QCWARE_API_KEY", "")
	_, err := forge.Echo.Call(h.ctx, forge.EchoParams{})
	require.ErrorIs(t, err, forge.ErrConfiguration)
	assert.Empty(t, h.svc.Requests(), "missing credentials fail before any I/O")

	wrong := forge.WithContext(h.ctx, forge.CallContext{Credentials: &forge.Credentials{QCWareAPIKey: forge.Ptr("nope")}})
	_, err = forge.Echo.Call(wrong, forge.EchoParams{})
	var failed *forge.ApiCallFailedError
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, http.StatusUnauthorized, failed.StatusCode)
	assert.Equal(t, "invalid or missing API key", failed.Message)
	assert.Len(t, h.svc.RequestsTo("/test/echo"), 1, "4xx is not retried")
}

func TestMalformedHost(t *testing.T) {
	h := newHarness(t)
	bad := forge.WithContext(h.ctx, forge.CallContext{Host: forge.Ptr("localhost:9")})
	_, err := forge.Echo.Call(bad, forge.EchoParams{})
	assert.ErrorIs(t, err, forge.ErrConfiguration)
}

func TestUnsupportedArgumentFailsBeforeIO(t *testing.T) {
	h := newHarness(t)
	_, err := forge.RunBackendMethod.Call(h.ctx, forge.BackendMethodParams{
		Method: forge.BackendRunMeasurement,
		Kwargs: map[string]any{"circuit": "H 0"},
	})
	require.ErrorIs(t, err, forge.ErrUnsupportedValue)
	assert.Empty(t, h.svc.Requests())
}

func TestTransientFailuresAreRetried(t *testing.T) {
	hook := &recordingHook{}
	h := newHarness(t, withClient(forge.WithCallHook(hook)))
	// latch the compatibility probe so the injected failures hit the submit
	_, err := forge.Echo.Call(h.ctx, forge.EchoParams{})
	require.NoError(t, err)
	h.svc.FailNext(2, http.StatusServiceUnavailable)

	got, err := forge.Echo.Call(h.ctx, forge.EchoParams{Text: "flaky"})
	require.NoError(t, err)
	assert.Equal(t, "flaky", got)
	assert.Len(t, h.svc.RequestsTo("/test/echo"), 4)

	ends := hook.ends()
	require.Len(t, ends, 2)
	last := ends[1]
	assert.EqualValues(t, 2, last.stats.Retries)
	assert.EqualValues(t, 1, last.stats.Polls)
	assert.Positive(t, last.stats.RequestBytes)
	assert.Positive(t, last.stats.ResponseBytes)
	assert.NotEmpty(t, last.info.UID)
	assert.Equal(t, forge.CallModeBlocking, last.info.Mode)
	assert.Equal(t, h.srv.URL, last.info.Host)
}

func TestHookSeesFailures(t *testing.T) {
	hook := &recordingHook{}
	h := newHarness(t, withClient(forge.WithCallHook(hook)))

	_, err := raiseError.Call(h.ctx, conformance.RaiseErrorParams{})
	require.Error(t, err)
	ends := hook.ends()
	require.Len(t, ends, 1)
	assert.ErrorIs(t, ends[0].err, forge.ErrApiCallExecution)
	assert.Equal(t, 1, hook.starts)
}

type hookEnd struct {
	info  forge.CallInfo
	stats forge.CallStatistics
	err   error
}

type recordingHook struct {
	mu     sync.Mutex
	starts int
	done   []hookEnd
}

func (r *recordingHook) OnCallStart(ctx context.Context, info forge.CallInfo) (context.Context, forge.HookToken) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.starts++
	return ctx, r.starts
}

func (r *recordingHook) OnCallEnd(_ context.Context, _ forge.HookToken, info forge.CallInfo, stats *forge.CallStatistics, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = append(r.done, hookEnd{info: info, stats: *stats, err: err})
}

func (r *recordingHook) ends() []hookEnd {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]hookEnd(nil), r.done...)
}
