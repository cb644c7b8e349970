package train

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	trainLossGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dayson_train_loss",
		Help: "Most recent training-sequence loss",
	})

	validationLoss = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dayson_validation_loss",
		Help: "Mean cross-entropy over the validation split at the end of an epoch",
	})

	batchesProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dayson_batches_processed_total",
		Help: "Total number of training batches processed",
	})

	batchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dayson_batch_failures_total",
		Help: "Total number of batches that failed and were skipped",
	})

	rssBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dayson_rss_bytes",
		Help: "Resident set size sampled during the training loop",
	})

	trimEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dayson_memory_trim_total",
		Help: "Total number of forced GC/compaction trims triggered by RSS growth",
	})

	epochsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dayson_epochs_completed_total",
		Help: "Total number of epochs completed",
	})
)
