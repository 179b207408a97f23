package stats

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

const (
	BYTE = 1 << (10 * iota)
	KILOBYTE
	MEGABYTE
	GIGABYTE
	TERABYTE
)

const namespace = "lwk"

var (
	// ProviderRequests counts chain-data provider requests by endpoint and
	// outcome (ok, transient, protocol).
	ProviderRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "requests_total",
		Help:      "Requests sent to the chain-data provider.",
	}, []string{"endpoint", "outcome"})
	// ProviderRetries counts retried provider requests.
	ProviderRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "provider",
		Name:      "retries_total",
		Help:      "Provider requests retried after a transient fault.",
	})
	// ScanDuration observes the duration of wallet scans in seconds.
	ScanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "scan_duration_seconds",
		Help:      "Duration of wallet scans.",
		Buckets:   prometheus.DefBuckets,
	})
	// ScannedScripts counts the scripts whose history was queried.
	ScannedScripts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "scripts_total",
		Help:      "Scripts queried during wallet scans.",
	})
	// InvalidProofs counts owned outputs with malformed confidential proofs.
	InvalidProofs = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sync",
		Name:      "invalid_proofs_total",
		Help:      "Outputs whose confidential proofs are malformed.",
	})
	// DeviceRequests counts hardware signer requests by method and outcome.
	DeviceRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "device",
		Name:      "requests_total",
		Help:      "Requests sent to hardware signers.",
	}, []string{"method", "outcome"})
)

func init() {
	prometheus.MustRegister(
		ProviderRequests, ProviderRetries,
		ScanDuration, ScannedScripts, InvalidProofs,
		DeviceRequests,
	)
}

// EnableMemoryStatistics enables go routine that periodically prints memory
// usage of the go process. Once ctx is done, metrics are dumped to statsFile.
func EnableMemoryStatistics(
	ctx context.Context, interval time.Duration, statsFile string,
) {
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				PrintMemoryStatistics()
				PrintNumOfRoutines()
			case <-ctx.Done():
				if err := DumpPrometheusDefaults(statsFile); err != nil {
					fmt.Println(err)
				}
				return
			}
		}
	}()
}

// toGigabytes returns given memory in bytes to gigabytes.
func toGigabytes(bytes uint64) float64 {
	return float64(bytes) / GIGABYTE
}

// PrintMemoryStatistics prints memory statistics using go runtime library.
func PrintMemoryStatistics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	log.Infof(
		"Total allocated: %.3fGB, Heap allocated: %.3fGB, "+
			"Allocated objects count: %v, Freed objects count: %v",
		toGigabytes(memStats.TotalAlloc),
		toGigabytes(memStats.HeapAlloc),
		memStats.Mallocs,
		memStats.Frees,
	)
}

// DumpPrometheusDefaults appends the gathered Prometheus metrics to the
// given file.
func DumpPrometheusDefaults(path string) error {
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return err
	}
	defer file.Close()
	writer := bufio.NewWriter(file)

	metricFamily, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		return err
	}
	for _, v := range metricFamily {
		if _, err := writer.WriteString(v.String() + "\n"); err != nil {
			return err
		}
	}

	return writer.Flush()
}

// PrintNumOfRoutines prints number of go routines currently running
func PrintNumOfRoutines() {
	log.Infof("Num of go routines: %v", runtime.NumGoroutine())
}
