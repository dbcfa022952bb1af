package proxy

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/runestonehq/runestone/internal/providers"
	"github.com/runestonehq/runestone/pkg/apierr"
)

type embeddingRequest struct {
	Model    string          `json:"model"`
	Provider string          `json:"provider"`
	Input    json.RawMessage `json:"input"`
	User     string          `json:"user"`
}

type (
	embeddingList struct {
		Object string           `json:"object"`
		Data   []embeddingEntry `json:"data"`
		Model  string           `json:"model"`
		Usage  embeddingUsage   `json:"usage"`
	}
	embeddingEntry struct {
		Object    string    `json:"object"`
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	}
	embeddingUsage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}
)

// HandleEmbeddings serves POST /v1/embeddings. Embeddings never divert to the
// overflow queue; a rate-limit denial is always a 429.
func (g *Gateway) HandleEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := routeEmbeddings
	reqID := requestIDFrom(ctx)
	reqBytes := len(ctx.PostBody())

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics != nil {
			g.metrics.DecInFlight()
			g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start), reqBytes, len(ctx.Response.Body()))
		}
	}()

	grant, denial := g.admission.Admit(ctx, string(ctx.Request.Header.Peek("Authorization")))
	if denial != nil {
		g.writeDenial(ctx, denial, route, reqID)
		return
	}
	defer grant.Release()
	setHeaders(ctx, grant.Headers())

	var in embeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid JSON body", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if in.Model == "" {
		apierr.WriteParam(ctx, fasthttp.StatusBadRequest, "model is required", apierr.TypeInvalidRequest, "model", apierr.CodeInvalidRequest)
		return
	}
	input, perr := parseEmbeddingInput(in.Input)
	if perr != nil {
		apierr.WriteParam(ctx, fasthttp.StatusBadRequest, perr.message, apierr.TypeInvalidRequest, perr.param, apierr.CodeInvalidRequest)
		return
	}

	env := &providers.RequestEnvelope{Model: in.Model, Provider: in.Provider, User: in.User, TenantID: grant.Key.ID, RequestID: reqID}
	candidates, err := g.router.Route(env)
	if err != nil {
		cerr := providers.Classified(err)
		apierr.WriteParam(ctx, fasthttp.StatusBadRequest, cerr.Message, apierr.TypeInvalidRequest, "model", apierr.CodeRouteError)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, g.totalTimeout)
	defer cancel()

	var resp *providers.EmbeddingResponse
	inst, err := g.failover.Execute(runCtx, candidates, g.maxAttempts, func(actx context.Context, in *providers.Instance) (bool, error) {
		em, ok := in.Driver.(providers.Embedder)
		if !ok {
			return false, providers.Errf(providers.ClassBadRequest, "provider %q does not support embeddings", in.Name())
		}
		r, aerr := em.Embed(actx, &in.Config, env.Model, input)
		if aerr != nil {
			return false, aerr
		}
		resp = r
		return false, nil
	})
	if err != nil {
		g.writeClassifiedError(ctx, err)
		g.logRequest(requestOutcome{
			route: route, reqID: reqID, keyID: grant.Key.ID, inst: inst,
			model: env.Model, status: ctx.Response.StatusCode(),
			finish: finishForError(err), start: start,
		})
		return
	}

	promptTokens := resp.PromptTokens
	if promptTokens == 0 {
		for _, s := range input {
			promptTokens += estimateChars(len(s))
		}
	}
	out := embeddingList{
		Object: "list",
		Model:  resp.Model,
		Data:   make([]embeddingEntry, 0, len(resp.Data)),
		Usage:  embeddingUsage{PromptTokens: promptTokens, TotalTokens: promptTokens},
	}
	for _, d := range resp.Data {
		out.Data = append(out.Data, embeddingEntry{Object: "embedding", Embedding: d.Embedding, Index: d.Index})
	}
	body, _ := json.Marshal(out)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)

	g.logRequest(requestOutcome{
		route: route, reqID: reqID, keyID: grant.Key.ID, inst: inst,
		model: env.Model, status: fasthttp.StatusOK,
		finish: string(providers.FinishStop), start: start,
	})
}

// parseEmbeddingInput accepts input as a string or an array of strings.
func parseEmbeddingInput(raw json.RawMessage) ([]string, *reqError) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, &reqError{message: "input is required", param: "input"}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, &reqError{message: "input must not be empty", param: "input"}
		}
		return []string{s}, nil
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, &reqError{message: "input must not be empty", param: "input"}
		}
		return arr, nil
	}
	return nil, &reqError{message: "input must be a string or array of strings", param: "input"}
}

// estimateChars mirrors the relay's chars-to-tokens heuristic for routes that
// never see a usage event.
func estimateChars(chars int) int {
	if chars == 0 {
		return 0
	}
	n := chars / 4
	if n == 0 {
		n = 1
	}
	return n
}

type (
	modelList struct {
		Object string       `json:"object"`
		Data   []modelEntry `json:"data"`
	}
	modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
)

// HandleModels serves GET /v1/models: the union of models across registered
// instances, deduplicated, owned_by the serving vendor.
func (g *Gateway) HandleModels(ctx *fasthttp.RequestCtx) {
	out := modelList{Object: "list", Data: g.modelEntries()}
	body, _ := json.Marshal(out)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// HandleModel serves GET /v1/models/{id}.
func (g *Gateway) HandleModel(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	for _, e := range g.modelEntries() {
		if e.ID == id {
			body, _ := json.Marshal(e)
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetContentType("application/json")
			ctx.SetBody(body)
			return
		}
	}
	apierr.WriteParam(ctx, fasthttp.StatusNotFound, "model not found", apierr.TypeInvalidRequest, "model", "model_not_found")
}

func (g *Gateway) modelEntries() []modelEntry {
	owner := make(map[string]string)
	for _, inst := range g.registry.All() {
		for _, m := range inst.Driver.SupportedModels(&inst.Config) {
			if _, seen := owner[m]; !seen {
				owner[m] = inst.Vendor()
			}
		}
	}
	ids := make([]string, 0, len(owner))
	for id := range owner {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	created := g.started.Unix()
	out := make([]modelEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, modelEntry{ID: id, Object: "model", Created: created, OwnedBy: owner[id]})
	}
	return out
}
