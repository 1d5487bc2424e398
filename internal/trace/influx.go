package trace

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"gangsched/internal/logging"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/sirupsen/logrus"
)

const (
	dispatchMeasurement = "gang_dispatch"
	flushBatchSize      = 1000
)

// InfluxRecorder buffers dispatch decisions and writes them to InfluxDB
// in batches. Points are buffered on the dispatch path and written out
// on Flush or when the buffer fills.
type InfluxRecorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking

	mu  sync.Mutex
	buf []Point
}

func NewInfluxRecorder(url, token, org, bucket string) (*InfluxRecorder, error) {
	if url == "" || org == "" || bucket == "" {
		return nil, fmt.Errorf("incomplete influxdb configuration")
	}

	client := influxdb2.NewClient(url, token)
	writeAPI := client.WriteAPIBlocking(org, bucket)

	logging.GetLogger().WithFields(logrus.Fields{
		"url":    url,
		"org":    org,
		"bucket": bucket,
	}).Info("Connected dispatch trace recorder to InfluxDB")

	return &InfluxRecorder{
		client:   client,
		writeAPI: writeAPI,
		buf:      make([]Point, 0, flushBatchSize),
	}, nil
}

func (r *InfluxRecorder) RecordDispatch(p Point) {
	r.mu.Lock()
	r.buf = append(r.buf, p)
	full := len(r.buf) >= flushBatchSize
	r.mu.Unlock()

	if full {
		if err := r.Flush(); err != nil {
			logging.GetLogger().WithError(err).Warn("Failed to flush dispatch trace batch")
		}
	}
}

func (r *InfluxRecorder) Flush() error {
	r.mu.Lock()
	batch := r.buf
	r.buf = make([]Point, 0, flushBatchSize)
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	ctx := context.Background()
	for _, p := range batch {
		tags := map[string]string{
			"pool": strconv.FormatUint(uint64(p.PoolID), 10),
			"cpu":  strconv.Itoa(p.CPU),
		}
		if p.Idle {
			tags["domid"] = "idle"
		} else {
			tags["domid"] = strconv.FormatInt(int64(p.DomID), 10)
		}

		fields := map[string]interface{}{
			"slice_ns": p.Slice,
			"now_ns":   p.Now,
		}

		pt := influxdb2.NewPoint(dispatchMeasurement, tags, fields, time.Unix(0, p.Now))
		if err := r.writeAPI.WritePoint(ctx, pt); err != nil {
			return fmt.Errorf("writing dispatch point: %w", err)
		}
	}

	return nil
}

func (r *InfluxRecorder) Close() {
	if err := r.Flush(); err != nil {
		logging.GetLogger().WithError(err).Warn("Failed to flush dispatch trace on close")
	}
	r.client.Close()
}
