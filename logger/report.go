package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsConnection int64
	errorsEngine     int64
	warnsConnection  int64
	warnsEngine      int64
	depthReads       int64
	tradeReads       int64
	droppedMessages  int64
	reconnects       int64
	channels         sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	if strings.Contains(component, "connection") || strings.Contains(component, "adapter") {
		atomic.AddInt64(&warnsConnection, 1)
	} else if strings.Contains(component, "book") || strings.Contains(component, "feed") {
		atomic.AddInt64(&warnsEngine, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "connection") || strings.Contains(component, "adapter") {
		atomic.AddInt64(&errorsConnection, 1)
	} else if strings.Contains(component, "book") || strings.Contains(component, "feed") {
		atomic.AddInt64(&errorsEngine, 1)
	}
}

// IncrementDepthRead records one inbound depth update of the given size.
func IncrementDepthRead(size int) {
	atomic.AddInt64(&depthReads, 1)
	recordChannel("depth_ws", size)
}

// IncrementTradeRead records one inbound trade of the given size.
func IncrementTradeRead(size int) {
	atomic.AddInt64(&tradeReads, 1)
	recordChannel("trade_ws", size)
}

// IncrementDroppedMessage records a message dropped by backpressure or a full
// channel.
func IncrementDroppedMessage() {
	atomic.AddInt64(&droppedMessages, 1)
}

// IncrementReconnect records a reconnection attempt.
func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

// RecordChannelMessage attributes one message of the given size to a named
// channel for the periodic report.
func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of system and channel statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
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

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
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

	memMB := int64(0)
	if memStats != nil {
		memMB = int64(memStats.Used) / 1024 / 1024
	}

	fields := Fields{
		"errors_connection": atomic.LoadInt64(&errorsConnection),
		"errors_engine":     atomic.LoadInt64(&errorsEngine),
		"warns_connection":  atomic.LoadInt64(&warnsConnection),
		"warns_engine":      atomic.LoadInt64(&warnsEngine),
		"depth_reads":       atomic.LoadInt64(&depthReads),
		"trade_reads":       atomic.LoadInt64(&tradeReads),
		"dropped_messages":  atomic.LoadInt64(&droppedMessages),
		"reconnects":        atomic.LoadInt64(&reconnects),
		"goroutines":        runtime.NumGoroutine(),
		"cpu_percent":       cpuPct,
		"memory_mb":         memMB,
		"channels":          channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memMB))},
		cwtypes.MetricDatum{MetricName: aws.String("DepthReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&depthReads)))},
		cwtypes.MetricDatum{MetricName: aws.String("TradeReads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&tradeReads)))},
		cwtypes.MetricDatum{MetricName: aws.String("DroppedMessages"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&droppedMessages)))},
		cwtypes.MetricDatum{MetricName: aws.String("Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&reconnects)))},
	)
	publishMetrics(ctx, data)
}
