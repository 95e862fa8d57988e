package observe

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome 标签取值。
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Collector 汇总 HTTP、外部网关调用与对话轮次指标。nil Collector 的所有方法都是空操作。
type Collector struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	stageDuration       *prometheus.HistogramVec
	stageTotal          *prometheus.CounterVec
	tokensUsed          *prometheus.CounterVec
	turnsTotal          *prometheus.CounterVec
}

// NewCollector 创建收集器并注册到 reg。reg 为 nil 时使用默认注册表。
func NewCollector(namespace string, reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of pipeline stages and speech gateway calls",
				Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"stage"},
		),
		stageTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_calls_total",
				Help:      "Pipeline stage and speech gateway calls by outcome",
			},
			[]string{"stage", "outcome"},
		),
		tokensUsed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "llm_tokens_used_total",
				Help:      "Total number of tokens reported by the chat model",
			},
			[]string{"type"}, // prompt, completion
		),
		turnsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "conversation_turns_total",
				Help:      "Completed conversation turns by outcome",
			},
			[]string{"outcome"},
		),
	}

	for _, col := range []prometheus.Collector{
		c.httpRequestsTotal,
		c.httpRequestDuration,
		c.stageDuration,
		c.stageTotal,
		c.tokensUsed,
		c.turnsTotal,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// RecordHTTPRequest 记录一次 HTTP 请求。
func (c *Collector) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordStage 记录一次流水线阶段或语音网关调用。
func (c *Collector) RecordStage(stage string, err error, d time.Duration) {
	if c == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	c.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
	c.stageTotal.WithLabelValues(stage, outcome).Inc()
}

// RecordTokens 累加模型用量。
func (c *Collector) RecordTokens(prompt, completion int) {
	if c == nil {
		return
	}
	if prompt > 0 {
		c.tokensUsed.WithLabelValues("prompt").Add(float64(prompt))
	}
	if completion > 0 {
		c.tokensUsed.WithLabelValues("completion").Add(float64(completion))
	}
}

// RecordTurn 记录一轮对话的结果。
func (c *Collector) RecordTurn(outcome string) {
	if c == nil {
		return
	}
	c.turnsTotal.WithLabelValues(outcome).Inc()
}
