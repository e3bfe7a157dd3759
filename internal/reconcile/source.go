package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/uarflow/internal/sqs"
)

// Candidate is a PIC entry as delivered by an upstream source.
type Candidate struct {
	ID         string `json:"id" validate:"required"`
	Name       string `json:"name" validate:"required"`
	DivisionID string `json:"divisionId" validate:"required"`
	Mail       string `json:"mail"`
}

// Source fetches PIC candidates for one application.
type Source interface {
	Name() string
	Fetch(ctx context.Context, applicationID string) ([]Candidate, error)
}

// Committer is implemented by sources that must acknowledge what they
// delivered once it has been persisted.
type Committer interface {
	Commit(ctx context.Context) error
}

// HTTPSource reads a JSON array of candidates from a URL.
type HTTPSource struct {
	name   string
	url    string
	client *http.Client
}

func NewHTTPSource(name, rawURL string, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSource{name: name, url: rawURL, client: client}
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) Fetch(ctx context.Context, applicationID string) ([]Candidate, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return nil, fmt.Errorf("parse source url: %w", err)
	}
	q := u.Query()
	q.Set("applicationId", applicationID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%s returned status %d: %s", s.name, resp.StatusCode, string(preview))
	}

	var out []Candidate
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.name, err)
	}
	return out, nil
}

// queueMessage is the body of one PIC feed message.
type queueMessage struct {
	ApplicationID string      `json:"applicationId"`
	Pics          []Candidate `json:"pics"`
}

// Receiver is the queue consumer used by QueueSource.
type Receiver interface {
	Receive(ctx context.Context, max int32) ([]sqs.Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// bufferHold stays under the consumer's visibility timeout, so a buffered
// receipt handle is still valid when it is deleted.
const bufferHold = 100 * time.Second

// QueueSource drains PIC feed messages from SQS. One queue carries every
// application's feed: messages received while fetching for one application
// are buffered for the others, so each application's run in the same tick
// finds its own. Consumed messages are deleted only by Commit, so a failed run
// sees them again once their visibility expires.
type QueueSource struct {
	name       string
	receiver   Receiver
	maxBatches int
	logger     *zap.Logger
	now        func() time.Time

	mu      sync.Mutex
	pending []string
	seq     uint64
	// buffered messages by application, then message id
	buffer map[string]map[string]bufferedMessage
}

type bufferedMessage struct {
	handle     string
	pics       []Candidate
	receivedAt time.Time
	seq        uint64
}

func NewQueueSource(name string, receiver Receiver, logger *zap.Logger) *QueueSource {
	return &QueueSource{
		name:       name,
		receiver:   receiver,
		maxBatches: 10,
		logger:     logger,
		now:        time.Now,
		buffer:     make(map[string]map[string]bufferedMessage),
	}
}

func (s *QueueSource) Name() string { return s.name }

func (s *QueueSource) Fetch(ctx context.Context, applicationID string) ([]Candidate, error) {
	var (
		out     []Candidate
		handles []string
	)

	for i := 0; i < s.maxBatches; i++ {
		msgs, err := s.receiver.Receive(ctx, 10)
		if err != nil {
			return nil, err
		}
		if len(msgs) == 0 {
			break
		}

		for _, m := range msgs {
			var body queueMessage
			if err := json.Unmarshal([]byte(m.Body), &body); err != nil {
				s.logger.Warn("dropping malformed pic message",
					zap.String("source", s.name),
					zap.String("message_id", m.ID),
					zap.Error(err),
				)
				// never parses; remove it with the batch
				handles = append(handles, m.ReceiptHandle)
				continue
			}
			if body.ApplicationID != "" && body.ApplicationID != applicationID {
				s.hold(body.ApplicationID, m, body.Pics)
				continue
			}
			out = append(out, body.Pics...)
			handles = append(handles, m.ReceiptHandle)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-bufferHold)
	for app, msgs := range s.buffer {
		for id, m := range msgs {
			if m.receivedAt.Before(cutoff) {
				// visibility is about to lapse; the queue redelivers it
				delete(msgs, id)
			}
		}
		if len(msgs) == 0 {
			delete(s.buffer, app)
		}
	}
	held := make([]bufferedMessage, 0, len(s.buffer[applicationID]))
	for _, m := range s.buffer[applicationID] {
		held = append(held, m)
	}
	delete(s.buffer, applicationID)
	sort.Slice(held, func(i, j int) bool { return held[i].seq < held[j].seq })

	// earlier arrivals first
	var merged []Candidate
	for _, m := range held {
		merged = append(merged, m.pics...)
		handles = append(handles, m.handle)
	}

	s.pending = handles
	return append(merged, out...), nil
}

// hold keeps a message for the run of its own application. A redelivered
// message replaces its earlier receipt handle.
func (s *QueueSource) hold(applicationID string, m sqs.Message, pics []Candidate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs, ok := s.buffer[applicationID]
	if !ok {
		msgs = make(map[string]bufferedMessage)
		s.buffer[applicationID] = msgs
	}
	s.seq++
	msgs[m.ID] = bufferedMessage{handle: m.ReceiptHandle, pics: pics, receivedAt: s.now(), seq: s.seq}
}

// Commit deletes the messages delivered by the last fetch.
func (s *QueueSource) Commit(ctx context.Context) error {
	s.mu.Lock()
	handles := s.pending
	s.pending = nil
	s.mu.Unlock()

	var firstErr error
	for _, h := range handles {
		if err := s.receiver.Delete(ctx, h); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
