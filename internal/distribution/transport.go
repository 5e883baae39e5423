package distribution

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/correlator-io/seeder/internal/record"
	"github.com/correlator-io/seeder/internal/storage"
)

const (
	defaultAPITimeout = 30 * time.Second
	// maxErrorBody bounds how much of a failed API response is echoed into errors.
	maxErrorBody = 512
)

// ErrUnexpectedStatus is returned by APITransport for non-2xx responses.
var ErrUnexpectedStatus = errors.New("unexpected status code")

type (
	// Transport accepts a batch of records for one engine.
	Transport interface {
		Send(ctx context.Context, delivery Delivery) error
	}

	// Delivery is one engine's batch.
	Delivery struct {
		Engine      string           `json:"engine"`
		Destination string           `json:"-"`
		Records     []*record.Record `json:"records"`
		SentAt      time.Time        `json:"sent_at"`
	}

	// Store is the record-insert contract used by DatabaseTransport.
	Store interface {
		Insert(ctx context.Context, table string, records []*record.Record) error
	}

	// TransportFunc adapts a function to Transport.
	TransportFunc func(ctx context.Context, delivery Delivery) error
)

// Send calls f.
func (f TransportFunc) Send(ctx context.Context, delivery Delivery) error {
	return f(ctx, delivery)
}

// DatabaseTransport inserts deliveries through a Store, tagged with the engine name.
type DatabaseTransport struct {
	store Store
}

// NewDatabaseTransport creates a DatabaseTransport on store.
func NewDatabaseTransport(store Store) *DatabaseTransport {
	return &DatabaseTransport{store: store}
}

// Send inserts the records into the destination table (engine_deliveries by default).
func (t *DatabaseTransport) Send(ctx context.Context, delivery Delivery) error {
	table := delivery.Destination
	if table == "" {
		table = storage.TableDeliveries
	}

	return t.store.Insert(storage.WithEngine(ctx, delivery.Engine), table, delivery.Records)
}

// APITransport POSTs deliveries as JSON to the destination URL.
type APITransport struct {
	client *http.Client
}

// NewAPITransport creates an APITransport. A nil client gets a default with a timeout.
func NewAPITransport(client *http.Client) *APITransport {
	if client == nil {
		client = &http.Client{Timeout: defaultAPITimeout}
	}

	return &APITransport{client: client}
}

// Send posts {engine, records, sent_at} and expects a 2xx response.
func (t *APITransport) Send(ctx context.Context, delivery Delivery) error {
	body, err := json.Marshal(delivery)
	if err != nil {
		return fmt.Errorf("failed to encode delivery: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, delivery.Destination, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Seeder-Engine", delivery.Engine)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post delivery: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return fmt.Errorf("%w: %d: %s", ErrUnexpectedStatus, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}

// FileTransport appends deliveries as JSON lines. Relative destinations resolve
// against the transport's base directory.
type FileTransport struct {
	baseDir string
	mutex   sync.Mutex
}

// NewFileTransport creates a FileTransport rooted at baseDir.
func NewFileTransport(baseDir string) *FileTransport {
	return &FileTransport{baseDir: baseDir}
}

// Send writes one JSON object per record.
func (t *FileTransport) Send(ctx context.Context, delivery Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	path := delivery.Destination
	if !filepath.IsAbs(path) {
		path = filepath.Join(t.baseDir, path)
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create delivery directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)

	for _, rec := range delivery.Records {
		if err := enc.Encode(rec); err != nil {
			_ = f.Close()

			return fmt.Errorf("failed to write record %q: %w", rec.ID(), err)
		}
	}

	if err := w.Flush(); err != nil {
		_ = f.Close()

		return fmt.Errorf("failed to flush %s: %w", path, err)
	}

	return f.Close()
}

// StreamTransport publishes each record as a Kafka message on the destination topic,
// keyed by record id.
type StreamTransport struct {
	brokers []string
	mutex   sync.Mutex
	writers map[string]*kafka.Writer
}

// NewStreamTransport creates a StreamTransport for brokers. Writers are created lazily per topic.
func NewStreamTransport(brokers []string) *StreamTransport {
	return &StreamTransport{
		brokers: brokers,
		writers: make(map[string]*kafka.Writer),
	}
}

// Send writes the delivery synchronously.
func (t *StreamTransport) Send(ctx context.Context, delivery Delivery) error {
	messages := make([]kafka.Message, 0, len(delivery.Records))

	for _, rec := range delivery.Records {
		value, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode record %q: %w", rec.ID(), err)
		}

		messages = append(messages, kafka.Message{
			Key:   []byte(rec.ID()),
			Value: value,
			Headers: []kafka.Header{
				{Key: "engine", Value: []byte(delivery.Engine)},
				{Key: "shape", Value: []byte(rec.Shape())},
			},
			Time: delivery.SentAt,
		})
	}

	if len(messages) == 0 {
		return nil
	}

	if err := t.writer(delivery.Destination).WriteMessages(ctx, messages...); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", delivery.Destination, err)
	}

	return nil
}

func (t *StreamTransport) writer(topic string) *kafka.Writer {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if w, ok := t.writers[topic]; ok {
		return w
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(t.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	t.writers[topic] = w

	return w
}

// Close flushes and closes every topic writer.
func (t *StreamTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	var errs []error

	for topic, w := range t.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", topic, err))
		}

		delete(t.writers, topic)
	}

	return errors.Join(errs...)
}

var (
	_ Transport = (*DatabaseTransport)(nil)
	_ Transport = (*APITransport)(nil)
	_ Transport = (*FileTransport)(nil)
	_ Transport = (*StreamTransport)(nil)
	_ Transport = TransportFunc(nil)
)
