package logsink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go/service/cloudwatchlogs/cloudwatchlogsiface"

	"github.com/treza-labs/enclave-bridge/interfaces"
	"github.com/treza-labs/enclave-bridge/metrics"
)

// LogGroupName returns the CloudWatch log group for an enclave.
func LogGroupName(id interfaces.EnclaveID) string {
	return fmt.Sprintf("/aws/ec2/enclave/%s", id)
}

// CloudWatchSink writes LogEvents to CloudWatch Logs with per-stream
// sequence token ownership. Implements interfaces.LogSink.
type CloudWatchSink struct {
	client  cloudwatchlogsiface.CloudWatchLogsAPI
	group   string
	log     *slog.Logger
	metrics *metrics.Metrics

	mu           sync.Mutex
	groupCreated bool
	streams      map[string]*streamWriter
}

// streamWriter owns the sequence token for one named stream. All
// writes to the stream serialize on its mutex.
type streamWriter struct {
	mu      sync.Mutex
	name    string
	token   *string
	created bool
}

// NewCloudWatchSink creates a sink for one enclave's log group. The
// client is injected so tests can substitute a fake; use NewClient for
// the real one. m may be nil.
func NewCloudWatchSink(client cloudwatchlogsiface.CloudWatchLogsAPI, id interfaces.EnclaveID, log *slog.Logger, m *metrics.Metrics) *CloudWatchSink {
	return &CloudWatchSink{
		client:  client,
		group:   LogGroupName(id),
		log:     log.With("component", "logsink", "group", LogGroupName(id)),
		metrics: m,
		streams: make(map[string]*streamWriter),
	}
}

// NewClient builds the production CloudWatch Logs client for a region.
func NewClient(region string) (*cloudwatchlogs.CloudWatchLogs, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return cloudwatchlogs.New(sess), nil
}

// Write appends one event to its stream, serialized per stream. On a
// stale sequence token it refreshes the token and retries once; a
// second rejection drops the event and returns a diagnostic error
// wrapping interfaces.ErrLogWriteFailed.
func (s *CloudWatchSink) Write(ctx context.Context, event interfaces.LogEvent) error {
	sw, err := s.writerFor(ctx, event.Stream)
	if err != nil {
		s.countDropped()
		return fmt.Errorf("%w: %v", interfaces.ErrLogWriteFailed, err)
	}

	sw.mu.Lock()
	defer sw.mu.Unlock()

	err = s.put(ctx, sw, event)
	if err == nil {
		s.countWritten()
		return nil
	}

	expected, stale := staleTokenHint(err)
	if !stale {
		s.countDropped()
		s.log.Warn("Log sink write failed, dropping event", "stream", event.Stream, "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrLogWriteFailed, err)
	}

	// Stale token: refresh and retry exactly once.
	if s.metrics != nil {
		s.metrics.TokenRetries.Inc()
	}
	if expected != nil {
		sw.token = expected
	} else if err := s.refreshToken(ctx, sw); err != nil {
		s.countDropped()
		return fmt.Errorf("%w: refreshing token: %v", interfaces.ErrLogWriteFailed, err)
	}

	if err := s.put(ctx, sw, event); err != nil {
		s.countDropped()
		s.log.Warn("Log sink retry failed, dropping event", "stream", event.Stream, "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrLogWriteFailed, err)
	}
	s.countWritten()
	return nil
}

func (s *CloudWatchSink) put(ctx context.Context, sw *streamWriter, event interfaces.LogEvent) error {
	input := &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(s.group),
		LogStreamName: aws.String(sw.name),
		LogEvents: []*cloudwatchlogs.InputLogEvent{{
			Timestamp: aws.Int64(event.Timestamp.UnixMilli()),
			Message:   aws.String(event.Message),
		}},
		SequenceToken: sw.token,
	}

	out, err := s.client.PutLogEventsWithContext(ctx, input)
	if err != nil {
		// An event the sink already accepted is a success for an
		// append-only, idempotent stream.
		var accepted *cloudwatchlogs.DataAlreadyAcceptedException
		if errors.As(err, &accepted) {
			sw.token = accepted.ExpectedSequenceToken
			return nil
		}
		return err
	}

	sw.token = out.NextSequenceToken
	return nil
}

// staleTokenHint reports whether err is a stale-token rejection, and
// the expected token if the rejection carried one.
func staleTokenHint(err error) (*string, bool) {
	var invalid *cloudwatchlogs.InvalidSequenceTokenException
	if errors.As(err, &invalid) {
		return invalid.ExpectedSequenceToken, true
	}
	return nil, false
}

// refreshToken re-fetches the latest upload token for the stream.
func (s *CloudWatchSink) refreshToken(ctx context.Context, sw *streamWriter) error {
	out, err := s.client.DescribeLogStreamsWithContext(ctx, &cloudwatchlogs.DescribeLogStreamsInput{
		LogGroupName:        aws.String(s.group),
		LogStreamNamePrefix: aws.String(sw.name),
	})
	if err != nil {
		return err
	}
	for _, stream := range out.LogStreams {
		if aws.StringValue(stream.LogStreamName) == sw.name {
			sw.token = stream.UploadSequenceToken
			return nil
		}
	}
	return fmt.Errorf("stream %s not found in group %s", sw.name, s.group)
}

// writerFor returns the serialized writer for a stream, creating the
// group and stream on first use. Creation is idempotent.
func (s *CloudWatchSink) writerFor(ctx context.Context, name string) (*streamWriter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.groupCreated {
		_, err := s.client.CreateLogGroupWithContext(ctx, &cloudwatchlogs.CreateLogGroupInput{
			LogGroupName: aws.String(s.group),
		})
		if err != nil && !alreadyExists(err) {
			return nil, fmt.Errorf("creating log group: %w", err)
		}
		s.groupCreated = true
	}

	sw, ok := s.streams[name]
	if !ok {
		sw = &streamWriter{name: name}
		s.streams[name] = sw
	}
	if !sw.created {
		_, err := s.client.CreateLogStreamWithContext(ctx, &cloudwatchlogs.CreateLogStreamInput{
			LogGroupName:  aws.String(s.group),
			LogStreamName: aws.String(name),
		})
		if err != nil && !alreadyExists(err) {
			return nil, fmt.Errorf("creating log stream %s: %w", name, err)
		}
		sw.created = true
	}
	return sw, nil
}

func alreadyExists(err error) bool {
	var exists *cloudwatchlogs.ResourceAlreadyExistsException
	return errors.As(err, &exists)
}

func (s *CloudWatchSink) countWritten() {
	if s.metrics != nil {
		s.metrics.LogEventsWritten.Inc()
	}
}

func (s *CloudWatchSink) countDropped() {
	if s.metrics != nil {
		s.metrics.LogEventsDropped.Inc()
	}
}
