// Package consumer pulls record batches from an SSE endpoint and feeds them
// through a pipeline. Stop requests are honored between batches; a batch in
// flight always runs to completion.
package consumer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sievedata/sieve/pipeline"
)

const (
	batchTimeout  = 30 * time.Second
	dataPrefix    = "data: "
	maxLineLength = 1 << 20
)

type Consumer struct {
	base   string
	client *http.Client
	pipe   *pipeline.Pipeline
	log    *logrus.Entry
}

func New(baseURL string, pipe *pipeline.Pipeline, log *logrus.Entry) *Consumer {
	if log == nil {
		log = logrus.WithField("component", "consumer")
	}
	return &Consumer{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{},
		pipe:   pipe,
		log:    log,
	}
}

// ConsumeBatch requests count records and ingests every well-formed event in
// the stream. Malformed events are logged and skipped; the batch as a whole
// fails only on transport errors or timeout.
func (c *Consumer) ConsumeBatch(ctx context.Context, count int) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, batchTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/record/%d", c.base, count)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("consumer: fetch batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("consumer: unexpected status %s from %s", resp.Status, url)
	}

	ingested := 0
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), maxLineLength)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}

		record, err := decodeRecord(strings.TrimPrefix(line, dataPrefix))
		if err != nil {
			c.log.WithError(err).Warn("skipping malformed event")
			continue
		}
		if err := c.pipe.Ingest(record); err != nil {
			c.log.WithError(err).Warn("record rejected by all backends")
			continue
		}
		ingested++
	}
	if err := scanner.Err(); err != nil {
		return ingested, fmt.Errorf("consumer: read stream: %w", err)
	}
	return ingested, nil
}

// decodeRecord parses one event payload. UseNumber keeps integers intact so
// type detection can tell 42 from 42.5.
func decodeRecord(payload string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(payload))
	dec.UseNumber()

	var record map[string]any
	if err := dec.Decode(&record); err != nil {
		return nil, err
	}
	return record, nil
}

// Run consumes totalBatches batches of batchSize records, sleeping delay
// between them. totalBatches <= 0 means run until the context is canceled.
// A failed batch is logged and the loop continues with the next one.
func (c *Consumer) Run(ctx context.Context, batchSize, totalBatches int, delay time.Duration) error {
	for batch := 0; totalBatches <= 0 || batch < totalBatches; batch++ {
		select {
		case <-ctx.Done():
			c.log.Info("stop requested, shutting down between batches")
			return nil
		default:
		}

		n, err := c.ConsumeBatch(ctx, batchSize)
		if err != nil {
			if ctx.Err() != nil {
				c.log.Info("stop requested, shutting down between batches")
				return nil
			}
			c.log.WithError(err).WithField("batch", batch).Warn("batch failed")
		} else {
			c.log.WithFields(logrus.Fields{
				"batch":    batch,
				"ingested": n,
			}).Debug("batch complete")
		}

		if delay > 0 {
			select {
			case <-ctx.Done():
				c.log.Info("stop requested, shutting down between batches")
				return nil
			case <-time.After(delay):
			}
		}
	}
	return nil
}
