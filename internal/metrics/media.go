package metrics

import "fmt"

var durationBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

var (
	CacheHits = Collector.Counter("mediahelper_cache_hits_total",
		"Retrievals answered from the result cache", "")
	AdmissionRejections = Collector.Counter("mediahelper_admission_rejections_total",
		"URLs skipped because the user was at capacity", "")
	TranscodesInFlight = Collector.Gauge("mediahelper_transcodes_in_flight",
		"Transcoder processes currently running", "")

	RetrievalDuration = Collector.Histogram("mediahelper_retrieval_duration_seconds",
		"Wall time of a single URL retrieval", "", durationBuckets)
	TranscodeDuration = Collector.Histogram("mediahelper_transcode_duration_seconds",
		"Wall time of a transcoder invocation", "", durationBuckets)
)

// Retrievals counts finished retrievals by outcome ("ok", "cached", "failed").
func Retrievals(outcome string) *Counter {
	return Collector.Counter("mediahelper_retrievals_total",
		"Finished URL retrievals by outcome", fmt.Sprintf("outcome=%q", outcome))
}

// HandlerFailures counts failed attempts of one handler.
func HandlerFailures(handler string) *Counter {
	return Collector.Counter("mediahelper_handler_failures_total",
		"Failed handler attempts", fmt.Sprintf("handler=%q", handler))
}

// Transcodes counts transcoder runs by outcome ("ok", "failed").
func Transcodes(outcome string) *Counter {
	return Collector.Counter("mediahelper_transcodes_total",
		"Transcoder invocations by outcome", fmt.Sprintf("outcome=%q", outcome))
}
