// Package health runs the post-rollout verification battery: independent
// named checks probing the services, the datastore, the cache layer, and the
// public API, aggregated into a single gate signal. every run also produces
// a JSON report at a well-known path so humans and CI can read the same
// evidence the controller acted on.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cloudwatchtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/arena-platform/arena-deploy/models"
	"github.com/arena-platform/arena-deploy/orch"
)

// Check is one independent verification probe. checks never mutate anything
// and never depend on each other's results.
type Check interface {
	// Name identifies the check in reports, e.g. "service-stability/web"
	Name() string

	// Required distinguishes gate checks from advisory ones
	Required() bool

	// Run performs the probe and always returns a result, even on error;
	// a probe failure is a failed check, not a crashed battery.
	Run(ctx context.Context) models.HealthCheckResult
}

// ServiceStabilityCheck verifies a service is still primary and stable on
// the specification version this attempt rolled out. gate check.
type ServiceStabilityCheck struct {
	Orchestrator orch.Orchestrator
	Cluster      string
	Service      string
	SpecVersion  string
}

func (check ServiceStabilityCheck) Name() string   { return "service-stability/" + check.Service }
func (check ServiceStabilityCheck) Required() bool { return true }

func (check ServiceStabilityCheck) Run(ctx context.Context) models.HealthCheckResult {
	result := models.HealthCheckResult{
		Check:    check.Name(),
		Target:   check.Cluster + "/" + check.Service,
		Required: true,
	}

	state, err := check.Orchestrator.ResolveActiveSpec(ctx, check.Cluster, check.Service)
	if err != nil {
		result.Detail = fmt.Sprintf("observation failed: %v", err)
		return result
	}

	result.Metrics = map[string]float64{
		"running_count": float64(state.Running),
		"desired_count": float64(state.Desired),
	}
	switch {
	case state.SpecVersion != check.SpecVersion:
		result.Detail = fmt.Sprintf("primary spec version is %q, expected %q", state.SpecVersion, check.SpecVersion)
	case !state.Stable():
		result.Detail = fmt.Sprintf("%d/%d replicas running", state.Running, state.Desired)
	default:
		result.Passed = true
		result.Detail = fmt.Sprintf("stable with %d/%d replicas", state.Running, state.Desired)
	}
	return result
}

// DatastoreCheck pings the Postgres datastore and verifies connection-slot
// headroom. gate check: a reachable datastore with no free slots will fail
// the application just as surely as an unreachable one.
type DatastoreCheck struct {
	DSN            string
	MinFreePercent float64
}

func (check DatastoreCheck) Name() string   { return "datastore" }
func (check DatastoreCheck) Required() bool { return true }

func (check DatastoreCheck) Run(ctx context.Context) models.HealthCheckResult {
	result := models.HealthCheckResult{
		Check:    check.Name(),
		Target:   "postgres",
		Required: true,
	}

	database, err := sql.Open("postgres", check.DSN)
	if err != nil {
		result.Detail = fmt.Sprintf("open failed: %v", err)
		return result
	}
	defer database.Close()

	if err := database.PingContext(ctx); err != nil {
		result.Detail = fmt.Sprintf("ping failed: %v", err)
		return result
	}

	var maxConnections, usedConnections float64
	if err := database.QueryRowContext(ctx,
		"SELECT current_setting('max_connections')::float, (SELECT count(*) FROM pg_stat_activity)::float",
	).Scan(&maxConnections, &usedConnections); err != nil {
		result.Detail = fmt.Sprintf("capacity query failed: %v", err)
		return result
	}

	freePercent := (maxConnections - usedConnections) / maxConnections * 100
	result.Metrics = map[string]float64{
		"max_connections":  maxConnections,
		"used_connections": usedConnections,
		"free_percent":     freePercent,
	}
	if freePercent < check.MinFreePercent {
		result.Detail = fmt.Sprintf("only %.1f%% connection capacity free, need %.1f%%", freePercent, check.MinFreePercent)
		return result
	}

	result.Passed = true
	result.Detail = fmt.Sprintf("reachable, %.1f%% connection capacity free", freePercent)
	return result
}

// CacheCheck pings the Redis cache layer and verifies memory utilization is
// under the configured ceiling. gate check.
type CacheCheck struct {
	Addr             string
	MaxMemoryPercent float64
}

func (check CacheCheck) Name() string   { return "cache" }
func (check CacheCheck) Required() bool { return true }

func (check CacheCheck) Run(ctx context.Context) models.HealthCheckResult {
	result := models.HealthCheckResult{
		Check:    check.Name(),
		Target:   check.Addr,
		Required: true,
	}

	client := redis.NewClient(&redis.Options{Addr: check.Addr})
	defer client.Close()

	if err := client.Ping(ctx).Err(); err != nil {
		result.Detail = fmt.Sprintf("ping failed: %v", err)
		return result
	}

	info, err := client.Info(ctx, "memory").Result()
	if err != nil {
		result.Detail = fmt.Sprintf("memory info failed: %v", err)
		return result
	}

	usedMemory := infoField(info, "used_memory")
	maxMemory := infoField(info, "maxmemory")
	if maxMemory == 0 {
		// no configured ceiling means utilization is unbounded by Redis
		// itself; reachability is the only thing left to assert.
		result.Passed = true
		result.Detail = "reachable, no maxmemory configured"
		result.Metrics = map[string]float64{"used_memory_bytes": usedMemory}
		return result
	}

	usedPercent := usedMemory / maxMemory * 100
	result.Metrics = map[string]float64{
		"used_memory_bytes":   usedMemory,
		"max_memory_bytes":    maxMemory,
		"memory_used_percent": usedPercent,
	}
	if usedPercent > check.MaxMemoryPercent {
		result.Detail = fmt.Sprintf("memory %.1f%% used, ceiling is %.1f%%", usedPercent, check.MaxMemoryPercent)
		return result
	}

	result.Passed = true
	result.Detail = fmt.Sprintf("reachable, memory %.1f%% used", usedPercent)
	return result
}

// infoField extracts one numeric field from a Redis INFO section.
func infoField(info, field string) float64 {
	for _, line := range strings.Split(info, "\r\n") {
		if value, found := strings.CutPrefix(line, field+":"); found {
			parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
			if err != nil {
				return 0
			}
			return parsed
		}
	}
	return 0
}

// APICheck performs the synthetic end-to-end probe: one GET against the
// public health endpoint, gated on status code and wall-clock latency, plus
// the response's own processing-time header when it reports one. gate check.
type APICheck struct {
	URL                 string
	LatencyThreshold    time.Duration
	ProcessingThreshold time.Duration
	Client              *http.Client
}

// ProcessingTimeHeader carries the server-measured handling time in
// milliseconds when the API chooses to report it.
const ProcessingTimeHeader = "X-Processing-Time"

func (check APICheck) Name() string   { return "api" }
func (check APICheck) Required() bool { return true }

func (check APICheck) Run(ctx context.Context) models.HealthCheckResult {
	result := models.HealthCheckResult{
		Check:    check.Name(),
		Target:   check.URL,
		Required: true,
	}

	client := check.Client
	if client == nil {
		client = http.DefaultClient
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, check.URL, nil)
	if err != nil {
		result.Detail = fmt.Sprintf("bad request: %v", err)
		return result
	}

	started := time.Now()
	response, err := client.Do(request)
	if err != nil {
		result.Detail = fmt.Sprintf("request failed: %v", err)
		return result
	}
	defer response.Body.Close()
	latency := time.Since(started)

	result.Metrics = map[string]float64{"latency_ms": float64(latency.Milliseconds())}

	if response.StatusCode != http.StatusOK {
		result.Detail = fmt.Sprintf("status %d", response.StatusCode)
		return result
	}
	if latency > check.LatencyThreshold {
		result.Detail = fmt.Sprintf("latency %s exceeds threshold %s", latency, check.LatencyThreshold)
		return result
	}

	if header := response.Header.Get(ProcessingTimeHeader); header != "" {
		processingMillis, err := strconv.ParseFloat(header, 64)
		if err == nil {
			result.Metrics["processing_ms"] = processingMillis
			if time.Duration(processingMillis)*time.Millisecond > check.ProcessingThreshold {
				result.Detail = fmt.Sprintf("processing time %.0fms exceeds threshold %s",
					processingMillis, check.ProcessingThreshold)
				return result
			}
		}
	}

	result.Passed = true
	result.Detail = fmt.Sprintf("200 in %s", latency)
	return result
}

// CloudWatchAPI is the subset of the CloudWatch client the utilization
// check calls.
type CloudWatchAPI interface {
	GetMetricStatistics(ctx context.Context, params *cloudwatch.GetMetricStatisticsInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error)
}

// UtilizationCheck reads recent cluster CPU and memory utilization from the
// metrics source. advisory only: high utilization right after a rollout is
// worth surfacing but is not evidence the new version is broken.
type UtilizationCheck struct {
	API             CloudWatchAPI
	Cluster         string
	CPUThreshold    float64
	MemoryThreshold float64
}

func (check UtilizationCheck) Name() string   { return "utilization/" + check.Cluster }
func (check UtilizationCheck) Required() bool { return false }

func (check UtilizationCheck) Run(ctx context.Context) models.HealthCheckResult {
	result := models.HealthCheckResult{
		Check:  check.Name(),
		Target: check.Cluster,
	}

	cpu, err := check.clusterAverage(ctx, "CPUUtilization")
	if err != nil {
		result.Detail = fmt.Sprintf("cpu metric unavailable: %v", err)
		return result
	}
	memory, err := check.clusterAverage(ctx, "MemoryUtilization")
	if err != nil {
		result.Detail = fmt.Sprintf("memory metric unavailable: %v", err)
		return result
	}

	result.Metrics = map[string]float64{
		"cpu_percent":    cpu,
		"memory_percent": memory,
	}
	switch {
	case cpu > check.CPUThreshold:
		result.Detail = fmt.Sprintf("cpu %.1f%% exceeds advisory threshold %.1f%%", cpu, check.CPUThreshold)
	case memory > check.MemoryThreshold:
		result.Detail = fmt.Sprintf("memory %.1f%% exceeds advisory threshold %.1f%%", memory, check.MemoryThreshold)
	default:
		result.Passed = true
		result.Detail = fmt.Sprintf("cpu %.1f%%, memory %.1f%%", cpu, memory)
	}
	return result
}

// clusterAverage averages the metric over the last five minutes.
func (check UtilizationCheck) clusterAverage(ctx context.Context, metricName string) (float64, error) {
	now := time.Now()
	output, err := check.API.GetMetricStatistics(ctx, &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String("AWS/ECS"),
		MetricName: aws.String(metricName),
		Dimensions: []cloudwatchtypes.Dimension{
			{Name: aws.String("ClusterName"), Value: aws.String(check.Cluster)},
		},
		StartTime:  aws.Time(now.Add(-5 * time.Minute)),
		EndTime:    aws.Time(now),
		Period:     aws.Int32(300),
		Statistics: []cloudwatchtypes.Statistic{cloudwatchtypes.StatisticAverage},
	})
	if err != nil {
		return 0, err
	}
	if len(output.Datapoints) == 0 {
		return 0, fmt.Errorf("no datapoints for %s", metricName)
	}
	return aws.ToFloat64(output.Datapoints[0].Average), nil
}
