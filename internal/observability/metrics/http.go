package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type commandKey struct {
	object  string
	command string
	code    string
}

type latencyKey struct {
	object  string
	command string
}

type loadKey struct {
	kind    string
	outcome string
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

// Collector 汇总命令分发、插件加载与属性转发的指标。
type Collector struct {
	mu         sync.Mutex
	commands   map[commandKey]uint64
	latency    map[latencyKey]*histogram
	loads      map[loadKey]uint64
	broadcasts map[string]uint64
	failures   map[string]uint64
}

// NewCollector 创建一个空的指标集合。
func NewCollector() *Collector {
	return &Collector{
		commands:   make(map[commandKey]uint64),
		latency:    make(map[latencyKey]*histogram),
		loads:      make(map[loadKey]uint64),
		broadcasts: make(map[string]uint64),
		failures:   make(map[string]uint64),
	}
}

var defaultCollector = NewCollector()

// Default 返回进程级的指标集合。
func Default() *Collector { return defaultCollector }

// ObserveCommand 记录一次命令分发，code 为空表示成功。
func (c *Collector) ObserveCommand(object, command, code string, duration time.Duration) {
	if code == "" {
		code = "OK"
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.commands[commandKey{object: object, command: command, code: code}]++
	key := latencyKey{object: object, command: command}
	hist := c.latency[key]
	if hist == nil {
		hist = newHistogram()
		c.latency[key] = hist
	}
	hist.observe(duration.Seconds())
}

// ObservePluginLoad 记录一次插件加载尝试。
func (c *Collector) ObservePluginLoad(kind string, loaded bool) {
	outcome := "rejected"
	if loaded {
		outcome = "loaded"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loads[loadKey{kind: kind, outcome: outcome}]++
}

// ObserveBroadcast 记录一次属性转发。
func (c *Collector) ObserveBroadcast(sink string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcasts[sink]++
	if err != nil {
		c.failures[sink]++
	}
}

// CommandCount 返回指定命令与结果码的累计次数。
func (c *Collector) CommandCount(object, command, code string) uint64 {
	if code == "" {
		code = "OK"
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commands[commandKey{object: object, command: command, code: code}]
}

func newHistogram() *histogram {
	buckets := []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1}
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) observe(value float64) {
	h.count++
	h.sum += value
	for idx, bound := range h.buckets {
		if value <= bound {
			for i := idx; i < len(h.counts); i++ {
				h.counts[i]++
			}
			return
		}
	}
	// 超过最大桶的值只计入 +Inf（即 count）。
}

// Handler 以 Prometheus 文本格式暴露指标。
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = fmt.Fprint(w, c.render())
	})
}

func (c *Collector) render() string {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmdKeys := make([]commandKey, 0, len(c.commands))
	for key := range c.commands {
		cmdKeys = append(cmdKeys, key)
	}
	sort.Slice(cmdKeys, func(i, j int) bool {
		a, b := cmdKeys[i], cmdKeys[j]
		if a.object != b.object {
			return a.object < b.object
		}
		if a.command != b.command {
			return a.command < b.command
		}
		return a.code < b.code
	})
	latKeys := make([]latencyKey, 0, len(c.latency))
	for key := range c.latency {
		latKeys = append(latKeys, key)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].object != latKeys[j].object {
			return latKeys[i].object < latKeys[j].object
		}
		return latKeys[i].command < latKeys[j].command
	})
	loadKeys := make([]loadKey, 0, len(c.loads))
	for key := range c.loads {
		loadKeys = append(loadKeys, key)
	}
	sort.Slice(loadKeys, func(i, j int) bool {
		if loadKeys[i].kind != loadKeys[j].kind {
			return loadKeys[i].kind < loadKeys[j].kind
		}
		return loadKeys[i].outcome < loadKeys[j].outcome
	})
	sinks := make([]string, 0, len(c.broadcasts))
	for sink := range c.broadcasts {
		sinks = append(sinks, sink)
	}
	sort.Strings(sinks)

	var builder strings.Builder
	builder.Grow(1024)

	builder.WriteString("# HELP mediad_commands_total Total number of commands dispatched.\n")
	builder.WriteString("# TYPE mediad_commands_total counter\n")
	for _, key := range cmdKeys {
		fmt.Fprintf(&builder, "mediad_commands_total{object=\"%s\",command=\"%s\",code=\"%s\"} %d\n",
			escape(key.object), escape(key.command), escape(key.code), c.commands[key])
	}

	builder.WriteString("# HELP mediad_command_duration_seconds Command dispatch duration in seconds.\n")
	builder.WriteString("# TYPE mediad_command_duration_seconds histogram\n")
	for _, key := range latKeys {
		hist := c.latency[key]
		for idx, bound := range hist.buckets {
			fmt.Fprintf(&builder, "mediad_command_duration_seconds_bucket{object=\"%s\",command=\"%s\",le=\"%s\"} %d\n",
				escape(key.object), escape(key.command), formatFloat(bound), hist.counts[idx])
		}
		fmt.Fprintf(&builder, "mediad_command_duration_seconds_bucket{object=\"%s\",command=\"%s\",le=\"+Inf\"} %d\n",
			escape(key.object), escape(key.command), hist.count)
		fmt.Fprintf(&builder, "mediad_command_duration_seconds_sum{object=\"%s\",command=\"%s\"} %s\n",
			escape(key.object), escape(key.command), formatFloat(hist.sum))
		fmt.Fprintf(&builder, "mediad_command_duration_seconds_count{object=\"%s\",command=\"%s\"} %d\n",
			escape(key.object), escape(key.command), hist.count)
	}

	builder.WriteString("# HELP mediad_plugin_loads_total Plugin load attempts by outcome.\n")
	builder.WriteString("# TYPE mediad_plugin_loads_total counter\n")
	for _, key := range loadKeys {
		fmt.Fprintf(&builder, "mediad_plugin_loads_total{type=\"%s\",outcome=\"%s\"} %d\n",
			escape(key.kind), escape(key.outcome), c.loads[key])
	}

	builder.WriteString("# HELP mediad_broadcasts_total Property changes forwarded per sink.\n")
	builder.WriteString("# TYPE mediad_broadcasts_total counter\n")
	for _, sink := range sinks {
		fmt.Fprintf(&builder, "mediad_broadcasts_total{sink=\"%s\"} %d\n", escape(sink), c.broadcasts[sink])
	}
	builder.WriteString("# HELP mediad_broadcast_failures_total Property changes a sink failed to forward.\n")
	builder.WriteString("# TYPE mediad_broadcast_failures_total counter\n")
	for _, sink := range sinks {
		fmt.Fprintf(&builder, "mediad_broadcast_failures_total{sink=\"%s\"} %d\n", escape(sink), c.failures[sink])
	}

	return builder.String()
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
