package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// ErrOutputClosed is returned by writes after Close
var ErrOutputClosed = errors.New("log output closed")

// maxBufferedBatches bounds memory when the collector is unreachable
const maxBufferedBatches = 10

// HTTPOutput posts JSON arrays of entries to a collector, flushing when a
// batch fills up or the flush interval passes
type HTTPOutput struct {
	url       string
	authToken string
	batchSize int
	client    *http.Client

	mu      sync.Mutex
	buffer  []*LogEntry
	closed  bool
	batches chan []*LogEntry

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewHTTPOutput starts the background sender
func NewHTTPOutput(url, authToken string, batchSize int, flushInterval time.Duration) *HTTPOutput {
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	h := &HTTPOutput{
		url:       url,
		authToken: authToken,
		batchSize: batchSize,
		client:    &http.Client{Timeout: 10 * time.Second},
		buffer:    make([]*LogEntry, 0, batchSize),
		batches:   make(chan []*LogEntry, maxBufferedBatches),
		stop:      make(chan struct{}),
	}

	h.wg.Add(2)
	go h.ticker(flushInterval)
	go h.sender()
	return h
}

// Write buffers an entry
func (h *HTTPOutput) Write(entry *LogEntry) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrOutputClosed
	}

	h.buffer = append(h.buffer, entry)
	if len(h.buffer) >= h.batchSize {
		return h.flushLocked()
	}
	return nil
}

// flushLocked queues the buffer for sending; the caller holds h.mu
func (h *HTTPOutput) flushLocked() error {
	if len(h.buffer) == 0 {
		return nil
	}

	batch := h.buffer
	h.buffer = make([]*LogEntry, 0, h.batchSize)

	select {
	case h.batches <- batch:
		return nil
	default:
		return fmt.Errorf("log collector backlog full, dropped %d entries", len(batch))
	}
}

func (h *HTTPOutput) ticker(interval time.Duration) {
	defer h.wg.Done()

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			h.mu.Lock()
			if !h.closed {
				h.flushLocked()
			}
			h.mu.Unlock()
		case <-h.stop:
			return
		}
	}
}

func (h *HTTPOutput) sender() {
	defer h.wg.Done()
	for batch := range h.batches {
		// Failed batches are dropped; retrying would only grow the backlog
		h.send(batch)
	}
}

func (h *HTTPOutput) send(entries []*LogEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal log entries: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, h.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+h.authToken)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send logs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("log collector returned status %d", resp.StatusCode)
	}
	return nil
}

// Close flushes buffered entries and waits for in-flight batches
func (h *HTTPOutput) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.stop)
	err := h.flushLocked()
	close(h.batches)
	h.mu.Unlock()

	h.wg.Wait()
	return err
}
