// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the application.
const (
	// Thumbnail attributes
	VideoIDKey      = "thumbnail.video_id"
	TimeKey         = "thumbnail.time"
	IsLivestreamKey = "thumbnail.is_livestream"

	// Job attributes
	JobIDKey       = "job.id"
	JobQueueKey    = "job.queue"
	JobStatusKey   = "job.status"
	JobDurationKey = "job.duration_ms"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// ThumbnailAttributes creates span attributes for one thumbnail request.
func ThumbnailAttributes(videoID string, time float64, isLivestream bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(VideoIDKey, videoID),
		attribute.Float64(TimeKey, time),
		attribute.Bool(IsLivestreamKey, isLivestream),
	}
}

// JobAttributes creates job-related span attributes.
func JobAttributes(jobID, queue, status string, durationMS int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(JobIDKey, jobID),
		attribute.String(JobQueueKey, queue),
		attribute.String(JobStatusKey, status),
		attribute.Int64(JobDurationKey, durationMS),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}
