package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"crate/pkg/mux"
)

const namespace = "crate"

var (
	DefaultRegisterer = prometheus.DefaultRegisterer
	DefaultGatherer   = prometheus.DefaultGatherer
)

var (
	PullsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pulls_total",
		Help:      "Total number of image pulls.",
	}, []string{"registry", "result"})

	PullDurHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "pull_duration_seconds",
		Help:      "The duration of image pulls.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"registry"})

	BlobFetchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blob_fetches_total",
		Help:      "Total number of blobs requested during pulls.",
	}, []string{"registry", "source"})

	BlobBytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "blob_bytes_total",
		Help:      "Total number of blob bytes downloaded from registries.",
	}, []string{"registry"})

	Images = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "images",
		Help:      "Number of images in the image index.",
	})

	Containers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "containers",
		Help:      "Number of containers by state.",
	}, []string{"state"})

	BootDurHistogram = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "boot_duration_seconds",
		Help:      "The duration from start request until the VM process is running.",
	}, []string{"result"})

	GarbageCollectedBytes = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "garbage_collected_bytes_total",
		Help:      "Total number of blob bytes reclaimed by garbage collection.",
	})
)

func Register() {
	DefaultRegisterer.MustRegister(PullsTotal)
	DefaultRegisterer.MustRegister(PullDurHistogram)
	DefaultRegisterer.MustRegister(BlobFetchesTotal)
	DefaultRegisterer.MustRegister(BlobBytesTotal)
	DefaultRegisterer.MustRegister(Images)
	DefaultRegisterer.MustRegister(Containers)
	DefaultRegisterer.MustRegister(BootDurHistogram)
	DefaultRegisterer.MustRegister(GarbageCollectedBytes)
	mux.RegisterMetrics(DefaultRegisterer)
}
