package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsCollector  int64
	errorsDetector   int64
	errorsHub        int64
	warnsCollector   int64
	warnsDetector    int64
	warnsHub         int64
	quoteReads       int64
	opportunityHits  int64
	staleRejects     int64
	decodeErrors     int64
	sequenceGaps     int64
	conflatedEvents  int64
	droppedBroadcast int64
	channels         sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	switch {
	case strings.Contains(component, "collector"):
		atomic.AddInt64(&warnsCollector, 1)
	case strings.Contains(component, "detector"):
		atomic.AddInt64(&warnsDetector, 1)
	case strings.Contains(component, "hub"):
		atomic.AddInt64(&warnsHub, 1)
	}
}

func recordError(component string) {
	switch {
	case strings.Contains(component, "collector"):
		atomic.AddInt64(&errorsCollector, 1)
	case strings.Contains(component, "detector"):
		atomic.AddInt64(&errorsDetector, 1)
	case strings.Contains(component, "hub"):
		atomic.AddInt64(&errorsHub, 1)
	}
}

// IncrementQuoteRead records one decoded top-of-book update read from a venue.
func IncrementQuoteRead(size int) {
	atomic.AddInt64(&quoteReads, 1)
	recordChannel("venue_ws", size)
}

// IncrementOpportunity records one detected arbitrage opportunity.
func IncrementOpportunity() {
	atomic.AddInt64(&opportunityHits, 1)
}

// IncrementStaleReject records a quote rejected by the sequence check.
func IncrementStaleReject() {
	atomic.AddInt64(&staleRejects, 1)
}

// IncrementDecodeError records a frame dropped due to bad gzip or JSON.
func IncrementDecodeError() {
	atomic.AddInt64(&decodeErrors, 1)
}

// IncrementSequenceGap records a detected orderbook diff discontinuity.
func IncrementSequenceGap() {
	atomic.AddInt64(&sequenceGaps, 1)
}

// IncrementConflated records a quote-change event coalesced for a slow consumer.
func IncrementConflated() {
	atomic.AddInt64(&conflatedEvents, 1)
}

// IncrementDroppedBroadcast records an event shed by a subscriber queue.
func IncrementDroppedBroadcast() {
	atomic.AddInt64(&droppedBroadcast, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// Counters returns a point-in-time copy of the pipeline counters. The hub
// folds these into the periodic stats payload.
func Counters() map[string]int64 {
	return map[string]int64{
		"quote_reads":       atomic.LoadInt64(&quoteReads),
		"opportunities":     atomic.LoadInt64(&opportunityHits),
		"stale_rejects":     atomic.LoadInt64(&staleRejects),
		"decode_errors":     atomic.LoadInt64(&decodeErrors),
		"sequence_gaps":     atomic.LoadInt64(&sequenceGaps),
		"conflated_events":  atomic.LoadInt64(&conflatedEvents),
		"dropped_broadcast": atomic.LoadInt64(&droppedBroadcast),
		"errors_collector":  atomic.LoadInt64(&errorsCollector),
		"errors_detector":   atomic.LoadInt64(&errorsDetector),
		"errors_hub":        atomic.LoadInt64(&errorsHub),
	}
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and channel statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_collector":  atomic.LoadInt64(&errorsCollector),
		"errors_detector":   atomic.LoadInt64(&errorsDetector),
		"errors_hub":        atomic.LoadInt64(&errorsHub),
		"warns_collector":   atomic.LoadInt64(&warnsCollector),
		"warns_detector":    atomic.LoadInt64(&warnsDetector),
		"warns_hub":         atomic.LoadInt64(&warnsHub),
		"quote_reads":       atomic.LoadInt64(&quoteReads),
		"opportunities":     atomic.LoadInt64(&opportunityHits),
		"stale_rejects":     atomic.LoadInt64(&staleRejects),
		"decode_errors":     atomic.LoadInt64(&decodeErrors),
		"sequence_gaps":     atomic.LoadInt64(&sequenceGaps),
		"conflated_events":  atomic.LoadInt64(&conflatedEvents),
		"dropped_broadcast": atomic.LoadInt64(&droppedBroadcast),
		"goroutines":        runtime.NumGoroutine(),
		"cpu_percent":       cpuPct,
		"memory_mb":         int64(memStats.Used) / 1024 / 1024,
		"disk_mb":           int64(diskStats.Used) / 1024 / 1024,
		"channels":          channelData,
		"net_bytes_sent":    int64(bytesSent),
		"net_bytes_recv":    int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("QuoteReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&quoteReads)))},
		cwtypes.MetricDatum{MetricName: aws.String("Opportunities"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&opportunityHits)))},
		cwtypes.MetricDatum{MetricName: aws.String("StaleRejects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&staleRejects)))},
		cwtypes.MetricDatum{MetricName: aws.String("DecodeErrors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&decodeErrors)))},
		cwtypes.MetricDatum{MetricName: aws.String("SequenceGaps"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&sequenceGaps)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsCollector"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorsCollector)))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
