// Package metrics emits CloudWatch Embedded Metric Format (EMF) records.
// Each record is one JSON line; on Lambda, CloudWatch Logs extracts the
// metrics from stdout. Local binaries either keep stdout or redirect the
// stream with SetOutput.
//
// See: https://docs.aws.amazon.com/AmazonCloudWatch/latest/monitoring/CloudWatch_Embedded_Metric_Format_Specification.html
package metrics

import (
	"encoding/json"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Namespace is the CloudWatch namespace for every discovery metric.
const Namespace = "SocraticDiscovery"

// CloudWatch metric units.
const (
	UnitMilliseconds = "Milliseconds"
	UnitCount        = "Count"
	UnitBytes        = "Bytes"
	UnitNone         = "None"
)

type metricDef struct {
	Name string `json:"Name"`
	Unit string `json:"Unit"`
}

// directive is the "_aws" member of a record.
type directive struct {
	Timestamp         int64         `json:"Timestamp"`
	CloudWatchMetrics []metricGroup `json:"CloudWatchMetrics"`
}

type metricGroup struct {
	Namespace  string      `json:"Namespace"`
	Dimensions [][]string  `json:"Dimensions"`
	Metrics    []metricDef `json:"Metrics"`
}

// Recorder accumulates one EMF record. It is not safe for concurrent use;
// create one per measured operation.
type Recorder struct {
	namespace  string
	dimensions map[string]string
	defs       []metricDef
	fields     map[string]any
}

var (
	functionName string
	initOnce     sync.Once

	sinkMu sync.Mutex
	sink   io.Writer = os.Stdout
)

func initFunctionName() {
	functionName = os.Getenv("AWS_LAMBDA_FUNCTION_NAME")
}

// SetOutput redirects every subsequent Flush; nil restores stdout. The
// terminal front end passes io.Discard so metric lines do not interleave with
// the conversation.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	sinkMu.Lock()
	sink = w
	sinkMu.Unlock()
}

// New creates a Recorder for namespace. On Lambda the FunctionName dimension
// is added automatically.
func New(namespace string) *Recorder {
	initOnce.Do(initFunctionName)
	r := &Recorder{
		namespace:  namespace,
		dimensions: map[string]string{},
		fields:     map[string]any{},
	}
	if functionName != "" {
		r.dimensions["FunctionName"] = functionName
	}
	return r
}

// Dimension adds an indexed, filterable dimension.
func (r *Recorder) Dimension(key, value string) *Recorder {
	r.dimensions[key] = value
	return r
}

// Metric records value under name. Recording the same name twice keeps the
// last value and unit.
func (r *Recorder) Metric(name string, value float64, unit string) *Recorder {
	i := slices.IndexFunc(r.defs, func(d metricDef) bool { return d.Name == name })
	if i < 0 {
		r.defs = append(r.defs, metricDef{Name: name, Unit: unit})
	} else {
		r.defs[i].Unit = unit
	}
	r.fields[name] = value
	return r
}

// Count records a count of one.
func (r *Recorder) Count(name string) *Recorder {
	return r.Metric(name, 1, UnitCount)
}

// Duration records the milliseconds elapsed since start.
func (r *Recorder) Duration(name string, start time.Time) *Recorder {
	return r.Metric(name, float64(time.Since(start).Milliseconds()), UnitMilliseconds)
}

// Property adds a searchable field that is not a metric.
func (r *Recorder) Property(key string, value any) *Recorder {
	r.fields[key] = value
	return r
}

// Flush writes the record as a single JSON line. A Recorder with no metrics
// writes nothing.
func (r *Recorder) Flush() {
	if len(r.defs) == 0 {
		return
	}
	line, err := json.Marshal(r.document(time.Now()))
	if err != nil {
		log.Warn().Err(err).Str("namespace", r.namespace).Msg("Failed to encode EMF record")
		return
	}
	line = append(line, '\n')

	sinkMu.Lock()
	defer sinkMu.Unlock()
	sink.Write(line)
}

// document builds the flat EMF object: the _aws directive, then dimension
// values, metric values and properties as top-level members.
func (r *Recorder) document(now time.Time) map[string]any {
	defs := slices.SortedFunc(slices.Values(r.defs), func(a, b metricDef) int {
		return strings.Compare(a.Name, b.Name)
	})

	doc := make(map[string]any, 1+len(r.dimensions)+len(r.fields))
	maps.Copy(doc, r.fields)
	for k, v := range r.dimensions {
		doc[k] = v
	}
	doc["_aws"] = directive{
		Timestamp: now.UnixMilli(),
		CloudWatchMetrics: []metricGroup{{
			Namespace:  r.namespace,
			Dimensions: [][]string{slices.Sorted(maps.Keys(r.dimensions))},
			Metrics:    defs,
		}},
	}
	return doc
}
