// Package orchestrator implements the FailoverOrchestrator state
// machine: classify, order candidates, then drive rounds x models
// against UpstreamCaller, interpreting each failure into an
// exclude/round-skip/cooldown verdict and emitting trace events at
// every transition.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/relaymux/gateway/internal/classifier"
	"github.com/relaymux/gateway/internal/config"
	"github.com/relaymux/gateway/internal/health"
	"github.com/relaymux/gateway/internal/metrics"
	"github.com/relaymux/gateway/internal/strategy"
	"github.com/relaymux/gateway/internal/trace"
	"github.com/relaymux/gateway/internal/upstream"
	llmerrors "github.com/relaymux/gateway/pkg/errors"
	"github.com/relaymux/gateway/pkg/types"
)

// LogRecord is handed to the external log persistor on completion of
// a request, successful or not. The persistor (e.g. a relational
// store) is an out-of-scope external collaborator; the core only
// writes to it and never reads back for routing decisions.
type LogRecord struct {
	TraceID          string
	Tier             config.Tier
	Model            string
	Status           string
	DurationMs       float64
	RetryCount       int
	PromptTokens     int
	CompletionTokens int
	TokenSource      string
	Events           []trace.Event
	Error            string
}

// LogPersistor durably stores completed request records. Persistence
// failures degrade silently per spec §7: log and continue, never fail
// the request.
type LogPersistor interface {
	Persist(ctx context.Context, record LogRecord)
}

// NoopPersistor discards every record. Useful where no external log
// sink is wired yet.
type NoopPersistor struct{}

func (NoopPersistor) Persist(context.Context, LogRecord) {}

// Orchestrator drives one request end to end.
type Orchestrator struct {
	classifier *classifier.Classifier
	health     *health.Store
	caller     *upstream.Caller
	bus        *trace.Bus
	persistor  LogPersistor
}

// New creates an Orchestrator. bus and persistor may be nil (trace
// emission and log persistence become no-ops).
func New(cl *classifier.Classifier, hs *health.Store, caller *upstream.Caller, bus *trace.Bus, persistor LogPersistor) *Orchestrator {
	if persistor == nil {
		persistor = NoopPersistor{}
	}
	return &Orchestrator{classifier: cl, health: hs, caller: caller, bus: bus, persistor: persistor}
}

// Handle routes req through tier classification, strategy ordering,
// and the round x model failover loop, returning the aggregated
// response on the first success or an upstream-gateway error after
// every eligible attempt has failed.
func (o *Orchestrator) Handle(ctx context.Context, cfg *config.Config, req *types.ChatRequest, traceID string) (*types.ChatResponse, error) {
	start := time.Now()
	rec := trace.NewRecorder(o.bus, traceID)
	rec.Record(trace.Event{Stage: trace.StageReqReceived, Status: "success", Timestamp: start})

	classifyStart := time.Now()
	tier := o.classify(ctx, cfg, req, rec)
	metrics.OverheadLatency.WithLabelValues("classify").Observe(time.Since(classifyStart).Seconds())

	models := cfg.Models.ForTier(tier)
	if len(models) == 0 {
		return nil, llmerrors.NewConfigurationError(fmt.Sprintf("no models configured for tier %s", tier))
	}

	connectBudget := time.Duration(cfg.Timeouts.ConnectMs(tier, 5000)) * time.Millisecond
	generationBudget := time.Duration(cfg.Timeouts.GenerationMs(tier, 300000)) * time.Millisecond
	rounds := cfg.Retries.RoundsForTier(tier)

	ordered := strategy.Order(cfg.Models.StrategyForTier(tier), models, o.health)
	conditions := upstream.RetryConditions{
		StatusCodeMatches: cfg.Retries.Conditions.StatusCodeMatches,
		KeywordMatch:      cfg.Retries.Conditions.KeywordMatch,
		RetryOnEmpty:      cfg.Retries.Conditions.RetryOnEmpty,
	}

	excluded := map[string]struct{}{}
	retryCount := 0
	var attemptErrors []string

	for round := 1; round <= rounds; round++ {
		roundFailed := map[string]struct{}{}

		for _, entry := range ordered {
			if _, ok := excluded[entry]; ok {
				continue
			}
			if _, ok := roundFailed[entry]; ok {
				continue
			}
			if o.health.Get(entry).InCooldown(time.Now()) {
				continue
			}

			target := resolveProvider(cfg, entry)
			target.ConnectBudget = connectBudget
			target.GenerationBudget = generationBudget
			params := upstream.Params{
				Global: cfg.Params.GlobalParams,
				Model:  cfg.Params.ModelParams[target.OutboundModel],
			}

			attemptStart := time.Now()
			rec.Record(trace.Event{
				Stage:      trace.StageModelCallStart,
				Status:     "success",
				DurationMs: float64(attemptStart.Sub(start).Milliseconds()),
				Model:      target.DisplayName,
				RetryCount: retryCount,
				Details:    "正在尝试: " + target.DisplayName,
			})

			var firstTokenTime time.Time
			onFirstToken := func(d time.Duration) {
				firstTokenTime = time.Now()
				metrics.TimeToFirstToken.WithLabelValues(target.OutboundModel, string(tier), target.Provider, target.BaseURL).Observe(d.Seconds())
				rec.Record(trace.Event{
					Stage:      trace.StageFirstToken,
					Status:     "success",
					DurationMs: float64(d.Milliseconds()),
					Model:      target.DisplayName,
					RetryCount: retryCount,
				})
			}

			agg, failErr := o.caller.Call(ctx, target, params, req, conditions, onFirstToken)
			metrics.LLMAPILatency.WithLabelValues(target.OutboundModel, string(tier), target.Provider, target.BaseURL).Observe(time.Since(attemptStart).Seconds())
			if failErr == nil {
				o.health.RecordSuccess(entry)

				genDuration := time.Duration(0)
				if !firstTokenTime.IsZero() {
					genDuration = time.Since(firstTokenTime)
				}
				metrics.ProxyTotalRequests.WithLabelValues(target.OutboundModel, string(tier), target.Provider, "200").Inc()
				metrics.TotalTokens.WithLabelValues(target.OutboundModel, string(tier), target.Provider).Add(float64(agg.Response.Usage.TotalTokens))
				metrics.InputTokens.WithLabelValues(target.OutboundModel, string(tier), target.Provider).Add(float64(agg.Response.Usage.PromptTokens))
				metrics.OutputTokens.WithLabelValues(target.OutboundModel, string(tier), target.Provider).Add(float64(agg.Response.Usage.CompletionTokens))
				if agg.Response.Usage.CompletionTokens > 0 && genDuration > 0 {
					perToken := genDuration.Seconds() / float64(agg.Response.Usage.CompletionTokens)
					metrics.LatencyPerOutputToken.WithLabelValues(target.OutboundModel, string(tier), target.Provider).Observe(perToken)
				}
				rec.Record(trace.Event{
					Stage:      trace.StageFullResponse,
					Status:     "success",
					DurationMs: float64(genDuration.Milliseconds()),
					Model:      target.DisplayName,
					RetryCount: retryCount,
					Details:    fmt.Sprintf("Tokens: %d+%d", agg.Response.Usage.PromptTokens, agg.Response.Usage.CompletionTokens),
				})

				o.persistor.Persist(ctx, LogRecord{
					TraceID:          traceID,
					Tier:             tier,
					Model:            target.DisplayName,
					Status:           "success",
					DurationMs:       float64(time.Since(start).Milliseconds()),
					RetryCount:       retryCount,
					PromptTokens:     agg.Response.Usage.PromptTokens,
					CompletionTokens: agg.Response.Usage.CompletionTokens,
					TokenSource:      agg.TokenSource,
					Events:           rec.Events(),
				})

				metrics.RequestTotalLatency.WithLabelValues(target.OutboundModel, string(tier), target.Provider).Observe(time.Since(start).Seconds())
				return agg.Response, nil
			}

			reason := reasonFor(failErr)
			o.health.RecordFailure(entry, failErr)
			statusLabel := fmt.Sprintf("%d", failErr.StatusCode)
			metrics.ProxyTotalRequests.WithLabelValues(target.OutboundModel, string(tier), target.Provider, statusLabel).Inc()
			metrics.ProxyFailedRequests.WithLabelValues(target.OutboundModel, string(tier), target.Provider, statusLabel, string(failErr.Kind)).Inc()
			rec.Record(trace.Event{
				Stage:      trace.StageModelFail,
				Status:     "fail",
				DurationMs: float64(time.Since(attemptStart).Milliseconds()),
				Model:      target.DisplayName,
				Reason:     reason,
				RetryCount: retryCount,
				Details:    fmt.Sprintf("原因: %s | 模型: %s", reason, target.DisplayName),
			})

			detail := fmt.Sprintf("[Round %d|%s] %s", round, target.DisplayName, reason)
			if failErr.Message != "" && failErr.Message != reason {
				detail += fmt.Sprintf(" (%s)", failErr.Message)
			}
			attemptErrors = append(attemptErrors, detail)

			if failErr.HardExclude() {
				excluded[entry] = struct{}{}
			} else {
				roundFailed[entry] = struct{}{}
			}
			retryCount++
		}
	}

	totalDuration := time.Since(start)
	rec.Record(trace.Event{
		Stage:      trace.StageAllFailed,
		Status:     "fail",
		DurationMs: float64(totalDuration.Milliseconds()),
		RetryCount: retryCount,
		Details:    fmt.Sprintf("所有 %d 个模型尝试均失败", len(ordered)),
	})

	o.persistor.Persist(ctx, LogRecord{
		TraceID:    traceID,
		Tier:       tier,
		Status:     "fail",
		DurationMs: float64(totalDuration.Milliseconds()),
		RetryCount: retryCount,
		Events:     rec.Events(),
		Error:      strings.Join(attemptErrors, "; "),
	})
	metrics.RequestTotalLatency.WithLabelValues("", string(tier), "").Observe(totalDuration.Seconds())

	return nil, &llmerrors.LLMError{
		StatusCode: 502,
		Type:       llmerrors.TypeServiceUnavailable,
		Message:    strings.Join(attemptErrors, "; "),
		Retryable:  false,
	}
}

func (o *Orchestrator) classify(ctx context.Context, cfg *config.Config, req *types.ChatRequest, rec *trace.Recorder) config.Tier {
	var routerStart time.Time
	onEvent := func(stage string) {
		switch stage {
		case "ROUTER_START":
			routerStart = time.Now()
			rec.Record(trace.Event{Stage: trace.StageRouterStart, Status: "success", DurationMs: 0})
		case "ROUTER_END":
			rec.Record(trace.Event{Stage: trace.StageRouterEnd, Status: "success", DurationMs: float64(time.Since(routerStart).Milliseconds())})
		case "ROUTER_FAIL":
			rec.Record(trace.Event{Stage: trace.StageRouterFail, Status: "fail", DurationMs: 0})
		}
	}
	return o.classifier.Classify(ctx, cfg, req, onEvent)
}

// resolveProvider implements §4.3's provider resolution: a slash
// prefix is looked up in providers.custom; on miss, falls back to the
// default upstream while keeping the full slashed entry as the
// outbound model name (config.Validate rejects this configuration
// upfront when providers.strict_unknown_provider is set). Without a
// slash, providers.map is consulted; otherwise the default upstream
// is used unchanged.
func resolveProvider(cfg *config.Config, entry string) upstream.Target {
	if providerID, modelName := types.SplitProviderModel(entry); providerID != "" {
		if pc, ok := cfg.Providers.Custom[providerID]; ok {
			return upstream.Target{
				Provider:      providerID,
				OutboundModel: modelName,
				DisplayName:   providerID + "/" + modelName,
				BaseURL:       pc.BaseURL,
				APIKey:        pc.APIKey,
				Protocol:      pc.Protocol,
			}
		}
		return upstream.Target{
			Provider:      "upstream",
			OutboundModel: entry,
			DisplayName:   entry,
			BaseURL:       cfg.Providers.Upstream.BaseURL,
			APIKey:        cfg.Providers.Upstream.APIKey,
		}
	}

	if providerID, ok := cfg.Providers.Map[entry]; ok {
		if pc, ok := cfg.Providers.Custom[providerID]; ok {
			return upstream.Target{
				Provider:      providerID,
				OutboundModel: entry,
				DisplayName:   providerID + "/" + entry,
				BaseURL:       pc.BaseURL,
				APIKey:        pc.APIKey,
				Protocol:      pc.Protocol,
			}
		}
	}

	return upstream.Target{
		Provider:      "upstream",
		OutboundModel: entry,
		DisplayName:   entry,
		BaseURL:       cfg.Providers.Upstream.BaseURL,
		APIKey:        cfg.Providers.Upstream.APIKey,
	}
}

// reasonFor renders the localized MODEL_FAIL reason for a classified
// failure, grounded on the source's exception-message-substring table.
func reasonFor(e *llmerrors.LLMError) string {
	switch e.Kind {
	case llmerrors.KindTTFTTimeout:
		return "超首token限制时长"
	case llmerrors.KindTotalTimeout:
		return "超总限制时长"
	case llmerrors.KindConnectTimeout:
		return "连接超时"
	case llmerrors.KindStatusCode:
		reason := "触发错误状态码"
		if e.StatusCode > 0 {
			reason += fmt.Sprintf(": %d", e.StatusCode)
		}
		return reason
	case llmerrors.KindKeywordMatch:
		return "错误关键词"
	case llmerrors.KindEmptyResponse:
		return "空返回"
	case llmerrors.KindUpstreamOther:
		return "上游错误"
	default:
		return e.Message
	}
}
