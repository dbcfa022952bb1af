// Package proxy is the HTTP face of the gateway: request parsing, admission,
// routing, failover execution and response shaping for the OpenAI-compatible
// surface. Resilience primitives (circuit breaker, retry, failover walk) live
// in this package too; provider mechanics live in internal/providers.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/runestonehq/runestone/internal/admission"
	"github.com/runestonehq/runestone/internal/logger"
	"github.com/runestonehq/runestone/internal/metrics"
	"github.com/runestonehq/runestone/internal/overflow"
	"github.com/runestonehq/runestone/internal/providers"
	"github.com/runestonehq/runestone/internal/relay"
	"github.com/runestonehq/runestone/internal/telemetry"
	"github.com/runestonehq/runestone/internal/usage"
	"github.com/runestonehq/runestone/pkg/apierr"
)

// Route labels used for metrics and request logs.
const (
	routeChat        = "chat_completions"
	routeCompletions = "completions"
	routeEmbeddings  = "embeddings"
	routeModels      = "models"
)

const streamFrameBuffer = 64

// GatewayOptions carries the optional collaborators and tunables. Zero values
// select sane defaults; nil optional dependencies disable the feature.
type GatewayOptions struct {
	Overflow      overflow.Store   // nil: rate-limit denials are never diverted
	RequestLogger *logger.Logger   // nil: no async request log
	Metrics       *metrics.Registry
	Logger        *slog.Logger

	TotalTimeout     time.Duration
	FirstByteTimeout time.Duration

	// MaxFailoverAttempts bounds the failover walk across candidates.
	MaxFailoverAttempts int

	OverflowMaxAttempts  int
	OverflowRedactBudget int

	// CORSOrigins is the allowed-origin list. Empty or ["*"] allows all.
	CORSOrigins []string
}

// Gateway handles the authenticated /v1 surface.
type Gateway struct {
	admission *admission.Controller
	router    *Router
	failover  *Failover
	relay     *relay.Relay
	registry  *providers.Registry

	overflow overflow.Store
	reqLog   *logger.Logger
	metrics  *metrics.Registry
	log      *slog.Logger

	totalTimeout     time.Duration
	firstByteTimeout time.Duration
	maxAttempts      int

	overflowMaxAttempts  int
	overflowRedactBudget int
	corsOrigins          []string

	started time.Time
	srv     *fasthttp.Server
}

func NewGateway(adm *admission.Controller, rt *Router, fo *Failover, rl *relay.Relay, reg *providers.Registry, opts GatewayOptions) *Gateway {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TotalTimeout <= 0 {
		opts.TotalTimeout = relay.DefaultTotalTimeout
	}
	if opts.FirstByteTimeout <= 0 {
		opts.FirstByteTimeout = relay.DefaultFirstByteTimeout
	}
	if opts.MaxFailoverAttempts <= 0 {
		opts.MaxFailoverAttempts = providers.DefaultRetryAttempts
	}
	if opts.OverflowMaxAttempts <= 0 {
		opts.OverflowMaxAttempts = providers.DefaultRetryAttempts
	}
	if opts.OverflowRedactBudget <= 0 {
		opts.OverflowRedactBudget = overflow.DefaultRedactBudget
	}
	return &Gateway{
		admission:            adm,
		router:               rt,
		failover:             fo,
		relay:                rl,
		registry:             reg,
		overflow:             opts.Overflow,
		reqLog:               opts.RequestLogger,
		metrics:              opts.Metrics,
		log:                  opts.Logger,
		totalTimeout:         opts.TotalTimeout,
		firstByteTimeout:     opts.FirstByteTimeout,
		maxAttempts:          opts.MaxFailoverAttempts,
		overflowMaxAttempts:  opts.OverflowMaxAttempts,
		overflowRedactBudget: opts.OverflowRedactBudget,
		corsOrigins:          opts.CORSOrigins,
		started:              time.Now(),
	}
}

// HandleChatCompletions serves POST /v1/chat/completions.
func (g *Gateway) HandleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx, routeChat)
}

// HandleCompletions serves POST /v1/completions. The legacy prompt is folded
// into a single user message and runs the same admission, routing and
// resilience path as chat.
func (g *Gateway) HandleCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchChat(ctx, routeCompletions)
}

func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx, route string) {
	start := time.Now()
	reqID := requestIDFrom(ctx)
	reqBytes := len(ctx.PostBody())

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	finished := false
	finish := func(status, respBytes int) {
		if finished {
			return
		}
		finished = true
		if g.metrics != nil {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP(route, status, time.Since(start), reqBytes, respBytes)
		}
	}

	grant, denial := g.admission.Admit(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if denial != nil {
		g.writeDenial(ctx, denial, route, reqID)
		finish(ctx.Response.StatusCode(), len(ctx.Response.Body()))
		return
	}
	releaseOnReturn := true
	defer func() {
		if releaseOnReturn {
			grant.Release()
		}
	}()
	setHeaders(ctx, grant.Headers())

	env, _, reqErr := parseChatRequest(ctx.PostBody(), route)
	if reqErr != nil {
		apierr.WriteParam(ctx, fasthttp.StatusBadRequest, reqErr.message, apierr.TypeInvalidRequest, reqErr.param, apierr.CodeInvalidRequest)
		finish(fasthttp.StatusBadRequest, len(ctx.Response.Body()))
		return
	}
	env.RequestID = reqID
	if env.TenantID == "" {
		env.TenantID = grant.Key.ID
	}

	candidates, err := g.router.Route(env)
	if err != nil {
		perr := providers.Classified(err)
		apierr.WriteParam(ctx, fasthttp.StatusBadRequest, perr.Message, apierr.TypeInvalidRequest, "model", apierr.CodeRouteError)
		finish(fasthttp.StatusBadRequest, len(ctx.Response.Body()))
		return
	}

	if env.Stream {
		releaseOnReturn = false
		g.executeStreaming(ctx, route, reqID, grant, env, candidates, finish)
		return
	}
	g.executeBlocking(ctx, route, reqID, grant, env, candidates, start, finish)
}

// executeBlocking runs the failover walk with a collecting sink and writes one
// chat.completion (or text_completion) object.
func (g *Gateway) executeBlocking(ctx *fasthttp.RequestCtx, route, reqID string, grant *admission.Grant, env *providers.RequestEnvelope, candidates []*providers.Instance, start time.Time, finish func(int, int)) {
	runCtx, cancel := context.WithTimeout(ctx, g.totalTimeout)
	defer cancel()

	var (
		final *relay.CollectSink
		rep   usage.Report
	)
	inst, err := g.failover.Execute(runCtx, candidates, g.maxAttempts, func(actx context.Context, in *providers.Instance) (bool, error) {
		// Fresh sink per attempt so a failed attempt cannot leak partial
		// content into the eventual response.
		sink := relay.NewCollectSink()
		r, aerr := g.relay.Run(actx, in, env, sink)
		if aerr != nil {
			return false, aerr
		}
		final, rep = sink, r
		return false, nil
	})
	if err != nil {
		g.writeClassifiedError(ctx, err)
		g.logRequest(requestOutcome{
			route: route, reqID: reqID, keyID: grant.Key.ID, inst: inst,
			model: env.Model, rep: rep, status: ctx.Response.StatusCode(),
			finish: finishForError(err), start: start,
		})
		finish(ctx.Response.StatusCode(), len(ctx.Response.Body()))
		return
	}

	body := buildCompletionBody(route, reqID, env.Model, final, rep, g.started)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)

	g.logRequest(requestOutcome{
		route: route, reqID: reqID, keyID: grant.Key.ID, inst: inst,
		model: env.Model, rep: rep, status: fasthttp.StatusOK,
		finish: string(final.FinishReason()), start: start,
	})
	finish(fasthttp.StatusOK, len(body))
}

// RunJob replays a queued overflow job through the normal route and failover
// path and returns the serialized completion body for webhook delivery.
// Admission is not re-checked: the tenant was already identified when the job
// was diverted, and draining deferred work is the queue's whole point.
func (g *Gateway) RunJob(ctx context.Context, job *overflow.Job) ([]byte, error) {
	start := time.Now()
	env := job.Envelope
	if env.RequestID == "" {
		env.RequestID = job.ID
	}

	candidates, err := g.router.Route(&env)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, g.totalTimeout)
	defer cancel()

	var (
		final *relay.CollectSink
		rep   usage.Report
	)
	inst, err := g.failover.Execute(runCtx, candidates, g.maxAttempts, func(actx context.Context, in *providers.Instance) (bool, error) {
		sink := relay.NewCollectSink()
		r, aerr := g.relay.Run(actx, in, &env, sink)
		if aerr != nil {
			return false, aerr
		}
		final, rep = sink, r
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	g.logRequest(requestOutcome{
		route: routeChat, reqID: env.RequestID, keyID: job.Key, inst: inst,
		model: env.Model, rep: rep, status: fasthttp.StatusOK,
		finish: string(final.FinishReason()), start: start,
	})
	return buildCompletionBody(routeChat, env.RequestID, env.Model, final, rep, g.started), nil
}

// executeStreaming runs the failover walk in a goroutine and gates the HTTP
// response on the first SSE frame: until a byte is produced, any failure maps
// to a normal HTTP error; after that the stream is committed and errors travel
// in-band. The caller has already disabled its deferred grant release.
func (g *Gateway) executeStreaming(ctx *fasthttp.RequestCtx, route, reqID string, grant *admission.Grant, env *providers.RequestEnvelope, candidates []*providers.Instance, finish func(int, int)) {
	start := time.Now()
	// Deliberately not parented on the request context: the stream writer
	// outlives the handler. Client disconnects surface as write errors.
	runCtx, cancel := context.WithTimeout(context.Background(), g.totalTimeout)

	frames := make(chan []byte, streamFrameBuffer)
	fw := &frameWriter{ctx: runCtx, ch: frames}

	type streamResult struct {
		inst *providers.Instance
		rep  usage.Report
		err  error
	}
	resCh := make(chan streamResult, 1)

	completionID := "chatcmpl-" + strings.ReplaceAll(reqID, "-", "")
	go func() {
		var rep usage.Report
		inst, err := g.failover.Execute(runCtx, candidates, g.maxAttempts, func(actx context.Context, in *providers.Instance) (bool, error) {
			sink := relay.NewSSESink(fw, relay.NewFormatter(completionID, env.Model, time.Now()))
			r, aerr := g.relay.Run(actx, in, env, sink)
			rep = r
			return sink.Dirty(), aerr
		})
		resCh <- streamResult{inst: inst, rep: rep, err: err}
		close(frames)
	}()

	firstByte := time.NewTimer(g.firstByteTimeout)
	defer firstByte.Stop()

	select {
	case frame, ok := <-frames:
		if !ok {
			// Finished without producing a byte: normal HTTP mapping.
			res := <-resCh
			cancel()
			grant.Release()
			if res.err != nil {
				g.writeClassifiedError(ctx, res.err)
			} else {
				apierr.Write(ctx, fasthttp.StatusBadGateway, "provider produced no output", apierr.TypeAPIError, apierr.CodeInternalError)
			}
			g.logRequest(requestOutcome{
				route: route, reqID: reqID, keyID: grant.Key.ID, inst: res.inst,
				model: env.Model, rep: res.rep, status: ctx.Response.StatusCode(),
				finish: finishForError(res.err), start: start,
			})
			finish(ctx.Response.StatusCode(), len(ctx.Response.Body()))
			return
		}

		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.Response.Header.SetContentType("text/event-stream; charset=utf-8")
		ctx.Response.Header.Set("Cache-Control", "no-cache")
		ctx.Response.Header.Set("Connection", "keep-alive")
		ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
			defer cancel()
			defer grant.Release()

			written := 0
			if _, err := w.Write(frame); err == nil {
				written += len(frame)
				w.Flush()
			} else {
				cancel()
			}
			for f := range frames {
				// Keep draining after a write failure so the producer
				// unblocks; cancel already told it to stop.
				if _, err := w.Write(f); err != nil {
					cancel()
					continue
				}
				written += len(f)
				w.Flush()
			}

			res := <-resCh
			g.logRequest(requestOutcome{
				route: route, reqID: reqID, keyID: grant.Key.ID, inst: res.inst,
				model: env.Model, rep: res.rep, status: fasthttp.StatusOK,
				finish: finishForStream(res.err, res.rep), start: start,
			})
			finish(fasthttp.StatusOK, written)
		})

	case <-firstByte.C:
		cancel()
		grant.Release()
		// Reap the producer without blocking the handler.
		go func() {
			for range frames {
			}
			<-resCh
		}()
		apierr.WriteTimeout(ctx)
		g.logRequest(requestOutcome{
			route: route, reqID: reqID, keyID: grant.Key.ID,
			model: env.Model, status: fasthttp.StatusGatewayTimeout,
			finish: string(providers.FinishError), start: start,
		})
		finish(fasthttp.StatusGatewayTimeout, len(ctx.Response.Body()))
	}
}

// frameWriter forwards SSE frames from the relay goroutine to the response
// stream writer. Writes fail once the request context ends so a gone client
// stops upstream consumption.
type frameWriter struct {
	ctx context.Context
	ch  chan []byte
}

func (f *frameWriter) Write(p []byte) (int, error) {
	b := make([]byte, len(p))
	copy(b, p)
	select {
	case f.ch <- b:
		return len(p), nil
	case <-f.ctx.Done():
		return 0, f.ctx.Err()
	}
}

func (f *frameWriter) Flush() error { return nil }

// writeDenial maps an admission denial to its HTTP response. Rate-limit
// denials on the completion routes are diverted to the overflow queue when one
// is configured.
func (g *Gateway) writeDenial(ctx *fasthttp.RequestCtx, d *admission.Denial, route, reqID string) {
	if d.Class == admission.ClassAuth {
		switch d.Reason {
		case admission.ReasonMissingAuthorization:
			apierr.Write(ctx, fasthttp.StatusUnauthorized, "Missing Authorization header", apierr.TypeAuthenticationErr, apierr.CodeMissingAuthorization)
		case admission.ReasonInvalidKeyFormat:
			apierr.Write(ctx, fasthttp.StatusUnauthorized, "Invalid API key format", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKeyFormat)
		default:
			apierr.Write(ctx, fasthttp.StatusUnauthorized, "Invalid API key", apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
		}
		return
	}

	if d.Divertable && g.overflow != nil && (route == routeChat || route == routeCompletions) {
		if env, webhookURL, reqErr := parseChatRequest(ctx.PostBody(), route); reqErr == nil {
			env.RequestID = reqID
			if env.TenantID == "" {
				env.TenantID = d.KeyID
			}
			job := overflow.NewJob(d.KeyID, env, g.overflowMaxAttempts, g.overflowRedactBudget, webhookURL, time.Now())
			if err := g.overflow.Enqueue(ctx, job); err == nil {
				telemetry.Emit(telemetry.OverflowEnqueue, nil, telemetry.Metadata{
					"job_id": job.ID, "key_id": d.KeyID, "reason": d.Reason,
				})
				ctx.SetStatusCode(fasthttp.StatusAccepted)
				ctx.SetContentType("application/json")
				body, _ := json.Marshal(map[string]string{
					"message":    "Request queued for processing",
					"job_id":     job.ID,
					"request_id": reqID,
				})
				ctx.SetBody(body)
				return
			} else {
				g.log.Warn("overflow enqueue failed", "key_id", d.KeyID, "error", err)
			}
		}
	}

	if d.Rate.Minute.Limit > 0 {
		setHeaders(ctx, admission.RateHeaders(d.Rate))
	}
	apierr.WriteRateLimit(ctx, "Rate limit exceeded: "+d.Reason, retrySeconds(d.RetryAfter))
}

// writeClassifiedError maps a provider error class to the HTTP surface.
func (g *Gateway) writeClassifiedError(ctx *fasthttp.RequestCtx, err error) {
	perr := providers.Classified(err)
	switch perr.Class {
	case providers.ClassBadRequest:
		apierr.Write(ctx, fasthttp.StatusBadRequest, perr.Message, apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
	case providers.ClassContentFilter:
		apierr.Write(ctx, fasthttp.StatusBadRequest, perr.Message, apierr.TypeInvalidRequest, apierr.CodeContentFilter)
	case providers.ClassAuth:
		apierr.Write(ctx, fasthttp.StatusUnauthorized, perr.Message, apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey)
	case providers.ClassRateLimitedUpstream, providers.ClassRateLimitedLocal:
		apierr.WriteRateLimit(ctx, perr.Message, retrySeconds(perr.RetryAfter))
	case providers.ClassTimeout:
		apierr.WriteTimeout(ctx)
	case providers.ClassNoHealthyProvider:
		apierr.WriteOverloaded(ctx, perr.Message)
	case providers.ClassCancelled:
		// Client is gone; the status is moot but 408 keeps the logs honest.
		apierr.Write(ctx, fasthttp.StatusRequestTimeout, perr.Message, apierr.TypeAPIError, string(providers.ClassCancelled))
	default:
		apierr.Write(ctx, fasthttp.StatusBadGateway, perr.Message, apierr.TypeAPIError, string(perr.Class))
	}
}

// requestOutcome is the terminal accounting of one request.
type requestOutcome struct {
	route  string
	reqID  string
	keyID  string
	inst   *providers.Instance
	model  string
	rep    usage.Report
	status int
	finish string
	start  time.Time
}

func (g *Gateway) logRequest(o requestOutcome) {
	instName := ""
	if o.inst != nil {
		instName = o.inst.Name()
	}
	if g.metrics != nil && instName != "" {
		g.metrics.AddTokens(instName, o.route, o.rep.PromptTokens, o.rep.CompletionTokens, o.rep.Estimated)
	}
	if g.reqLog == nil {
		return
	}
	id, err := uuid.Parse(o.reqID)
	if err != nil {
		id = uuid.New()
	}
	g.reqLog.Log(logger.RequestLog{
		ID:               id,
		KeyID:            o.keyID,
		Instance:         instName,
		Model:            o.model,
		Route:            o.route,
		PromptTokens:     uint32(o.rep.PromptTokens),
		CompletionTokens: uint32(o.rep.CompletionTokens),
		LatencyMs:        uint32(time.Since(o.start).Milliseconds()),
		Status:           uint16(o.status),
		FinishReason:     o.finish,
		Estimated:        o.rep.Estimated,
		Partial:          o.rep.Partial,
		CostUSD:          o.rep.EstimatedCost,
		CreatedAt:        o.start,
	})
}

func finishForError(err error) string {
	if err == nil {
		return string(providers.FinishStop)
	}
	if providers.Classified(err).Class == providers.ClassCancelled {
		return string(providers.FinishCancelled)
	}
	return string(providers.FinishError)
}

func finishForStream(err error, rep usage.Report) string {
	if err != nil {
		return finishForError(err)
	}
	if rep.Partial {
		return string(providers.FinishError)
	}
	return string(providers.FinishStop)
}

// reqError is a request validation failure with the offending parameter.
type reqError struct {
	message string
	param   string
}

type inboundMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type inboundRequest struct {
	Model            string           `json:"model"`
	Provider         string           `json:"provider"`
	Messages         []inboundMessage `json:"messages"`
	Prompt           json.RawMessage  `json:"prompt"`
	Temperature      *float64         `json:"temperature"`
	TopP             *float64         `json:"top_p"`
	MaxTokens        int              `json:"max_tokens"`
	Stop             json.RawMessage  `json:"stop"`
	PresencePenalty  *float64         `json:"presence_penalty"`
	FrequencyPenalty *float64         `json:"frequency_penalty"`
	Stream           bool             `json:"stream"`
	User             string           `json:"user"`
	TenantID         string           `json:"tenant_id"`
	WebhookURL       string           `json:"webhook_url"`
}

// parseChatRequest validates the wire request and builds the canonical
// envelope. The webhook URL rides alongside: it only matters when the request
// is diverted to the overflow queue.
func parseChatRequest(body []byte, route string) (*providers.RequestEnvelope, string, *reqError) {
	var in inboundRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, "", &reqError{message: "invalid JSON body"}
	}
	if in.Model == "" {
		return nil, "", &reqError{message: "model is required", param: "model"}
	}

	msgs := make([]providers.Message, 0, len(in.Messages))
	for i, m := range in.Messages {
		if m.Role == "" {
			return nil, "", &reqError{message: "message role is required", param: fmt.Sprintf("messages[%d].role", i)}
		}
		msgs = append(msgs, providers.Message{Role: m.Role, Content: m.Content})
	}
	if len(msgs) == 0 {
		if route == routeCompletions {
			prompt, err := parsePrompt(in.Prompt)
			if err != nil {
				return nil, "", err
			}
			msgs = []providers.Message{{Role: "user", Content: prompt}}
		} else {
			return nil, "", &reqError{message: "messages must not be empty", param: "messages"}
		}
	}

	if in.Temperature != nil && (*in.Temperature < 0 || *in.Temperature > 2) {
		return nil, "", &reqError{message: "temperature must be between 0 and 2", param: "temperature"}
	}
	if in.TopP != nil && (*in.TopP < 0 || *in.TopP > 1) {
		return nil, "", &reqError{message: "top_p must be between 0 and 1", param: "top_p"}
	}
	if in.PresencePenalty != nil && (*in.PresencePenalty < -2 || *in.PresencePenalty > 2) {
		return nil, "", &reqError{message: "presence_penalty must be between -2 and 2", param: "presence_penalty"}
	}
	if in.FrequencyPenalty != nil && (*in.FrequencyPenalty < -2 || *in.FrequencyPenalty > 2) {
		return nil, "", &reqError{message: "frequency_penalty must be between -2 and 2", param: "frequency_penalty"}
	}
	if in.MaxTokens < 0 {
		return nil, "", &reqError{message: "max_tokens must not be negative", param: "max_tokens"}
	}

	stop, serr := parseStop(in.Stop)
	if serr != nil {
		return nil, "", serr
	}

	return &providers.RequestEnvelope{
		Model:            in.Model,
		Provider:         in.Provider,
		Messages:         msgs,
		Temperature:      in.Temperature,
		TopP:             in.TopP,
		MaxTokens:        in.MaxTokens,
		Stop:             stop,
		PresencePenalty:  in.PresencePenalty,
		FrequencyPenalty: in.FrequencyPenalty,
		Stream:           in.Stream,
		User:             in.User,
		TenantID:         in.TenantID,
	}, in.WebhookURL, nil
}

// parsePrompt accepts the legacy prompt as a string or an array of strings.
func parsePrompt(raw json.RawMessage) (string, *reqError) {
	if len(raw) == 0 {
		return "", &reqError{message: "prompt is required", param: "prompt"}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil && len(arr) > 0 {
		return strings.Join(arr, "\n"), nil
	}
	return "", &reqError{message: "prompt must be a string or array of strings", param: "prompt"}
}

// parseStop accepts stop as a string or an array of strings.
func parseStop(raw json.RawMessage) ([]string, *reqError) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []string{s}, nil
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		return arr, nil
	}
	return nil, &reqError{message: "stop must be a string or array of strings", param: "stop"}
}

// Outbound wire shapes for non-streaming responses.
type (
	chatCompletion struct {
		ID      string       `json:"id"`
		Object  string       `json:"object"`
		Created int64        `json:"created"`
		Model   string       `json:"model"`
		Choices []chatChoice `json:"choices"`
		Usage   usage.Report `json:"usage"`
	}
	chatChoice struct {
		Index        int         `json:"index"`
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	}
	chatMessage struct {
		Role      string             `json:"role"`
		Content   string             `json:"content"`
		ToolCalls []outboundToolCall `json:"tool_calls,omitempty"`
	}
	outboundToolCall struct {
		ID       string `json:"id"`
		Type     string `json:"type"`
		Function struct {
			Name      string `json:"name"`
			Arguments string `json:"arguments"`
		} `json:"function"`
	}

	textCompletion struct {
		ID      string       `json:"id"`
		Object  string       `json:"object"`
		Created int64        `json:"created"`
		Model   string       `json:"model"`
		Choices []textChoice `json:"choices"`
		Usage   usage.Report `json:"usage"`
	}
	textChoice struct {
		Index        int    `json:"index"`
		Text         string `json:"text"`
		FinishReason string `json:"finish_reason"`
	}
)

func buildCompletionBody(route, reqID, model string, sink *relay.CollectSink, rep usage.Report, _ time.Time) []byte {
	created := time.Now().Unix()
	finish := string(sink.FinishReason())
	if finish == "" {
		finish = string(providers.FinishStop)
	}

	if route == routeCompletions {
		out := textCompletion{
			ID:      "cmpl-" + strings.ReplaceAll(reqID, "-", ""),
			Object:  "text_completion",
			Created: created,
			Model:   model,
			Choices: []textChoice{{Text: sink.Content(), FinishReason: finish}},
			Usage:   rep,
		}
		b, _ := json.Marshal(out)
		return b
	}

	msg := chatMessage{Role: "assistant", Content: sink.Content()}
	for _, tc := range sink.ToolCalls() {
		otc := outboundToolCall{ID: tc.ID, Type: "function"}
		otc.Function.Name = tc.Name
		otc.Function.Arguments = tc.Arguments
		msg.ToolCalls = append(msg.ToolCalls, otc)
	}
	out := chatCompletion{
		ID:      "chatcmpl-" + strings.ReplaceAll(reqID, "-", ""),
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []chatChoice{{Message: msg, FinishReason: finish}},
		Usage:   rep,
	}
	b, _ := json.Marshal(out)
	return b
}

func requestIDFrom(ctx *fasthttp.RequestCtx) string {
	if v, ok := ctx.UserValue("request_id").(string); ok && v != "" {
		return v
	}
	return uuid.New().String()
}

func setHeaders(ctx *fasthttp.RequestCtx, headers map[string]string) {
	for k, v := range headers {
		ctx.Response.Header.Set(k, v)
	}
}

func retrySeconds(d time.Duration) int {
	if d <= 0 {
		return 1
	}
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
