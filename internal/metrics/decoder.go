package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "m2mdec"

var (
	accessUnitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decoder",
		Name:      "access_units_total",
		Help:      "Access units queued to the decoder device",
	}, []string{"device"})

	submitErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decoder",
		Name:      "submit_errors_total",
		Help:      "Rejected access unit submissions by reason",
	}, []string{"device", "reason"})

	framesDecodedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decoder",
		Name:      "frames_decoded_total",
		Help:      "Decoded frames handed to the consumer",
	}, []string{"device"})

	emptyFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decoder",
		Name:      "empty_frames_total",
		Help:      "Output buffers returned by the device without payload",
	}, []string{"device"})

	resolutionChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decoder",
		Name:      "resolution_changes_total",
		Help:      "Completed output renegotiations",
	}, []string{"device"})

	deviceEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decoder",
		Name:      "device_events_total",
		Help:      "Events dequeued from the decoder device by kind",
	}, []string{"device", "kind"})

	badIndexTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "decoder",
		Name:      "bad_index_total",
		Help:      "Buffers dequeued with an index the pool does not own",
	}, []string{"device"})

	epoch = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "decoder",
		Name:      "epoch",
		Help:      "Current output buffer generation",
	}, []string{"device"})

	inputBuffers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "decoder",
		Name:      "input_buffers",
		Help:      "Input buffers by state",
	}, []string{"device", "state"})

	outputBuffers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "decoder",
		Name:      "output_buffers",
		Help:      "Output buffers by state",
	}, []string{"device", "state"})
)

// PoolStats is a snapshot of decoder buffer occupancy.
type PoolStats struct {
	Device         string
	Epoch          uint64
	InputFree      int
	InputSubmitted int
	OutputFree     int
	OutputQueued   int
	OutputExported int
	OutputRetired  int
}

// IncAccessUnits counts an access unit queued to the device.
func IncAccessUnits(device string) {
	accessUnitsTotal.WithLabelValues(device).Inc()
}

// IncSubmitErrors counts a rejected submission.
func IncSubmitErrors(device, reason string) {
	submitErrorsTotal.WithLabelValues(device, reason).Inc()
}

// IncFramesDecoded counts a frame handed to the consumer.
func IncFramesDecoded(device string) {
	framesDecodedTotal.WithLabelValues(device).Inc()
}

// IncEmptyFrames counts an output buffer returned without payload.
func IncEmptyFrames(device string) {
	emptyFramesTotal.WithLabelValues(device).Inc()
}

// IncResolutionChanges counts a completed renegotiation.
func IncResolutionChanges(device string) {
	resolutionChangesTotal.WithLabelValues(device).Inc()
}

// IncDeviceEvents counts a dequeued device event.
func IncDeviceEvents(device, kind string) {
	deviceEventsTotal.WithLabelValues(device, kind).Inc()
}

// IncBadIndex counts a dequeued buffer with an unknown index.
func IncBadIndex(device string) {
	badIndexTotal.WithLabelValues(device).Inc()
}

// SetPoolStats publishes a buffer occupancy snapshot.
func SetPoolStats(s PoolStats) {
	epoch.WithLabelValues(s.Device).Set(float64(s.Epoch))
	inputBuffers.WithLabelValues(s.Device, "free").Set(float64(s.InputFree))
	inputBuffers.WithLabelValues(s.Device, "submitted").Set(float64(s.InputSubmitted))
	outputBuffers.WithLabelValues(s.Device, "free").Set(float64(s.OutputFree))
	outputBuffers.WithLabelValues(s.Device, "queued").Set(float64(s.OutputQueued))
	outputBuffers.WithLabelValues(s.Device, "exported").Set(float64(s.OutputExported))
	outputBuffers.WithLabelValues(s.Device, "retired").Set(float64(s.OutputRetired))
}

// DeleteDecoderMetrics removes all metrics for a device.
func DeleteDecoderMetrics(device string) {
	labels := prometheus.Labels{"device": device}
	accessUnitsTotal.DeletePartialMatch(labels)
	submitErrorsTotal.DeletePartialMatch(labels)
	framesDecodedTotal.DeletePartialMatch(labels)
	emptyFramesTotal.DeletePartialMatch(labels)
	resolutionChangesTotal.DeletePartialMatch(labels)
	deviceEventsTotal.DeletePartialMatch(labels)
	badIndexTotal.DeletePartialMatch(labels)
	epoch.DeletePartialMatch(labels)
	inputBuffers.DeletePartialMatch(labels)
	outputBuffers.DeletePartialMatch(labels)
}
