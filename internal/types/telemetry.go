package types

// Telemetry metric names for CloudWatch.
// All components MUST use these constants.
const (
	// Metric Names
	MetricPollCycle     = "PollCycle"
	MetricFetchLatency  = "FetchLatency"
	MetricFetchFailure  = "FetchFailure"
	MetricStateChange   = "StateChange"
	MetricNextPollDelay = "NextPollDelay"

	MetricAPILatency      = "APILatency"
	MetricAPIRequestCount = "APIRequestCount"

	// Dimension Keys
	DimRegion    = "Region"
	DimInstance  = "Instance"
	DimErrorCode = "ErrorCode"
	DimEndpoint  = "Endpoint"
	DimMethod    = "Method"
	DimStatus    = "Status"

	// Metric Namespace
	MetricNamespace = "MomentWatch"
)
