package audit

import (
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/logging"
	"google.golang.org/api/option"
)

// DefaultCloudLogID is the Cloud Logging log name used for mirrored entries.
const DefaultCloudLogID = "autopilot-audit"

// entryLogger is the subset of *logging.Logger the sink needs.
type entryLogger interface {
	Log(e logging.Entry)
	Flush() error
}

// CloudSink mirrors audit entries to Google Cloud Logging so a fleet of
// machines can be reviewed centrally. Entries are buffered by the client
// library; Close flushes them.
type CloudSink struct {
	logger entryLogger
	client io.Closer
}

// NewCloudSink connects to Cloud Logging for project and writes to logID.
func NewCloudSink(ctx context.Context, project, logID string, labels map[string]string, opts ...option.ClientOption) (*CloudSink, error) {
	if project == "" {
		return nil, fmt.Errorf("cloud logging project is required")
	}
	if logID == "" {
		logID = DefaultCloudLogID
	}

	client, err := logging.NewClient(ctx, project, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create cloud logging client: %w", err)
	}

	common := map[string]string{"component": "autopilot"}
	for k, v := range labels {
		common[k] = v
	}
	return newCloudSink(client.Logger(logID, logging.CommonLabels(common)), client), nil
}

func newCloudSink(logger entryLogger, client io.Closer) *CloudSink {
	return &CloudSink{logger: logger, client: client}
}

// Append queues e for delivery.
func (s *CloudSink) Append(e Entry) error {
	s.logger.Log(logging.Entry{
		Timestamp: e.Timestamp,
		Severity:  severityFor(e),
		Payload:   e,
		InsertID:  e.ID,
		Labels: map[string]string{
			"caller": e.Caller,
			"kind":   string(e.Kind),
		},
	})
	return nil
}

// Close flushes buffered entries and closes the client.
func (s *CloudSink) Close() error {
	flushErr := s.logger.Flush()
	var closeErr error
	if s.client != nil {
		closeErr = s.client.Close()
	}
	if flushErr != nil {
		return fmt.Errorf("failed to flush cloud logging: %w", flushErr)
	}
	return closeErr
}

func severityFor(e Entry) logging.Severity {
	switch {
	case e.Result.Preview:
		return logging.Info
	case !e.Result.Success:
		return logging.Error
	case e.Privileged:
		return logging.Notice
	default:
		return logging.Info
	}
}
