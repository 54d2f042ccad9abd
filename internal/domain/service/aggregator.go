package service

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"whale-flow-analyzer/internal/domain/entity"
)

// AggregatorRules holds the window settings shared by every width
type AggregatorRules struct {
	NoiseThreshold entity.Satoshi // |net| at or below this is NEUTRAL
	HistoryWindows int            // closed windows averaged for the strength baseline
}

// windowAccumulator is the mutable state of one open window
type windowAccumulator struct {
	id          entity.WindowID
	inflow      entity.Satoshi
	outflow     entity.Satoshi
	txCount     int64
	lateCount   int64
	labelCounts map[string]int64
	largest     entity.Satoshi
	largestTxID string
}

func newWindowAccumulator(id entity.WindowID) *windowAccumulator {
	counts := make(map[string]int64, len(entity.FlowLabels))
	for _, l := range entity.FlowLabels {
		counts[l.String()] = 0
	}
	return &windowAccumulator{id: id, labelCounts: counts}
}

// Aggregator folds classified transactions into tumbling windows of one width. Ingest and
// close share one mutex, so a close never observes a half-updated accumulator.
type Aggregator struct {
	mu sync.Mutex

	width time.Duration
	rules AggregatorRules

	open      map[int64]*windowAccumulator
	watermark int64 // start of the newest closed window
	hasClosed bool
	history   []entity.Satoshi // volumes of recently closed windows, oldest first
	latest    *entity.NetFlowMetric
}

// NewAggregator creates an aggregator for windows of the given width
func NewAggregator(width time.Duration, rules AggregatorRules) *Aggregator {
	if rules.HistoryWindows <= 0 {
		rules.HistoryWindows = 1
	}
	return &Aggregator{
		width: width,
		rules: rules,
		open:  make(map[int64]*windowAccumulator),
	}
}

// Width returns the window width
func (a *Aggregator) Width() time.Duration {
	return a.width
}

// WindowFor returns the window containing t. Windows are aligned to the unix epoch.
func (a *Aggregator) WindowFor(t time.Time) entity.WindowID {
	secs := int64(a.width / time.Second)
	if secs <= 0 {
		secs = 1
	}
	unix := t.Unix()
	start := unix - mod(unix, secs)
	return entity.WindowID{Width: a.width, Start: start}
}

// Ingest adds a classified transaction to the window of its observation time. Only INFLOW
// and OUTFLOW move the accumulators; every label is counted.
func (a *Aggregator) Ingest(ct *entity.ClassifiedTransaction) error {
	if ct == nil || ct.Tx == nil {
		return fmt.Errorf("ingest: classified transaction without raw transaction")
	}
	id := a.WindowFor(ct.Tx.ObservedAt)

	a.mu.Lock()
	defer a.mu.Unlock()

	acc, ok := a.open[id.Start]
	if !ok {
		if a.hasClosed && id.Start <= a.watermark {
			return fmt.Errorf("%w: %s window at %d, tx %s", entity.ErrWindowClosed, a.width, id.Start, ct.TxID)
		}
		acc = newWindowAccumulator(id)
		a.open[id.Start] = acc
	}
	acc.add(ct)
	return nil
}

// IngestLate adds a transaction whose window already closed to the window right after the
// newest closed one. Block timestamps are not monotonic, so a block may be stamped before
// windows its predecessor already closed.
func (a *Aggregator) IngestLate(ct *entity.ClassifiedTransaction) error {
	if ct == nil || ct.Tx == nil {
		return fmt.Errorf("ingest: classified transaction without raw transaction")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.hasClosed {
		return fmt.Errorf("ingest late: no %s window closed yet, tx %s", a.width, ct.TxID)
	}
	start := a.watermark + int64(a.width/time.Second)
	acc, ok := a.open[start]
	if !ok {
		acc = newWindowAccumulator(entity.WindowID{Width: a.width, Start: start})
		a.open[start] = acc
	}
	acc.lateCount++
	acc.add(ct)
	return nil
}

func (acc *windowAccumulator) add(ct *entity.ClassifiedTransaction) {
	acc.txCount++
	acc.labelCounts[ct.Label.String()]++

	switch ct.Label {
	case entity.FlowInflow:
		acc.inflow += ct.Amount
	case entity.FlowOutflow:
		acc.outflow += ct.Amount
	default:
		return
	}

	if ct.Amount > acc.largest || (ct.Amount == acc.largest && acc.largestTxID != "" && ct.TxID < acc.largestTxID) {
		acc.largest = ct.Amount
		acc.largestTxID = ct.TxID
	}
}

// CloseWindow finalizes a window whose end boundary has passed
func (a *Aggregator) CloseWindow(id entity.WindowID, now time.Time) (*entity.NetFlowMetric, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id.Width != a.width {
		return nil, fmt.Errorf("%w: width %s, aggregator width %s", entity.ErrWindowNotFound, id.Width, a.width)
	}
	acc, ok := a.open[id.Start]
	if !ok {
		return nil, fmt.Errorf("%w: %s window at %d", entity.ErrWindowNotFound, a.width, id.Start)
	}
	end := time.Unix(id.Start, 0).Add(a.width)
	if now.Before(end) {
		return nil, fmt.Errorf("%w: %s window ends at %s", entity.ErrWindowOpen, a.width, end.UTC().Format(time.RFC3339))
	}
	return a.close(acc), nil
}

// CloseDue closes every open window whose end is at or before now, oldest first
func (a *Aggregator) CloseDue(now time.Time) []*entity.NetFlowMetric {
	a.mu.Lock()
	defer a.mu.Unlock()

	var metrics []*entity.NetFlowMetric
	for _, start := range a.sortedStarts() {
		if now.Before(time.Unix(start, 0).Add(a.width)) {
			break
		}
		metrics = append(metrics, a.close(a.open[start]))
	}
	return metrics
}

// Flush closes every open window regardless of its end boundary, oldest first
func (a *Aggregator) Flush() []*entity.NetFlowMetric {
	a.mu.Lock()
	defer a.mu.Unlock()

	var metrics []*entity.NetFlowMetric
	for _, start := range a.sortedStarts() {
		metrics = append(metrics, a.close(a.open[start]))
	}
	return metrics
}

// OpenWindows returns the ids of the currently open windows, oldest first
func (a *Aggregator) OpenWindows() []entity.WindowID {
	a.mu.Lock()
	defer a.mu.Unlock()

	starts := a.sortedStarts()
	ids := make([]entity.WindowID, 0, len(starts))
	for _, start := range starts {
		ids = append(ids, a.open[start].id)
	}
	return ids
}

// Latest returns the most recently closed metric, or nil
func (a *Aggregator) Latest() *entity.NetFlowMetric {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.latest
}

func (a *Aggregator) sortedStarts() []int64 {
	starts := make([]int64, 0, len(a.open))
	for start := range a.open {
		starts = append(starts, start)
	}
	sort.Slice(starts, func(i, j int) bool { return starts[i] < starts[j] })
	return starts
}

// close must be called with the mutex held
func (a *Aggregator) close(acc *windowAccumulator) *entity.NetFlowMetric {
	delete(a.open, acc.id.Start)
	if !a.hasClosed || acc.id.Start > a.watermark {
		a.watermark = acc.id.Start
		a.hasClosed = true
	}

	start := time.Unix(acc.id.Start, 0).UTC()
	net := acc.outflow - acc.inflow
	volume := acc.inflow + acc.outflow

	metric := &entity.NetFlowMetric{
		Window:      acc.id,
		Start:       start,
		End:         start.Add(a.width),
		Inflow:      acc.inflow,
		Outflow:     acc.outflow,
		Net:         net,
		TxCount:     acc.txCount,
		LateCount:   acc.lateCount,
		LabelCounts: acc.labelCounts,
		LargestTx:   acc.largest,
		LargestTxID: acc.largestTxID,
		Direction:   entity.DirectionNeutral,
	}

	switch {
	case net > a.rules.NoiseThreshold:
		metric.Direction = entity.DirectionAccumulation
	case net < -a.rules.NoiseThreshold:
		metric.Direction = entity.DirectionDistribution
	}
	metric.Strength = a.strength(net, volume)

	a.history = append(a.history, volume)
	if len(a.history) > a.rules.HistoryWindows {
		a.history = a.history[len(a.history)-a.rules.HistoryWindows:]
	}
	a.latest = metric
	return metric
}

// strength normalizes |net| by the mean volume of recent windows, falling back to the
// window's own volume when there is no usable history
func (a *Aggregator) strength(net, volume entity.Satoshi) float64 {
	baseline := float64(volume)
	if len(a.history) > 0 {
		var sum float64
		for _, v := range a.history {
			sum += float64(v)
		}
		if mean := sum / float64(len(a.history)); mean > 0 {
			baseline = mean
		}
	}
	if baseline <= 0 {
		return 0
	}
	return clamp(math.Abs(float64(net))/baseline, 0, 1)
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// WindowSet fans classified transactions out to one aggregator per configured width.
// The first width is the primary one feeding the fusion engine.
type WindowSet struct {
	aggregators []*Aggregator
}

// NewWindowSet creates aggregators for every width
func NewWindowSet(widths []time.Duration, rules AggregatorRules) *WindowSet {
	set := &WindowSet{}
	for _, w := range widths {
		set.aggregators = append(set.aggregators, NewAggregator(w, rules))
	}
	return set
}

// Ingest adds the transaction to every width. When its window of some width already closed
// it is carried into the next open window of that width; the returned widths are those
// where that happened.
func (s *WindowSet) Ingest(ct *entity.ClassifiedTransaction) ([]time.Duration, error) {
	var late []time.Duration
	var errs []error
	for _, agg := range s.aggregators {
		err := agg.Ingest(ct)
		if errors.Is(err, entity.ErrWindowClosed) {
			late = append(late, agg.width)
			err = agg.IngestLate(ct)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return late, errors.Join(errs...)
}

// CloseDue closes due windows of every width, ordered by end then width
func (s *WindowSet) CloseDue(now time.Time) []*entity.NetFlowMetric {
	var metrics []*entity.NetFlowMetric
	for _, agg := range s.aggregators {
		metrics = append(metrics, agg.CloseDue(now)...)
	}
	sortMetrics(metrics)
	return metrics
}

// Flush closes every open window of every width
func (s *WindowSet) Flush() []*entity.NetFlowMetric {
	var metrics []*entity.NetFlowMetric
	for _, agg := range s.aggregators {
		metrics = append(metrics, agg.Flush()...)
	}
	sortMetrics(metrics)
	return metrics
}

// Primary returns the aggregator of the first configured width
func (s *WindowSet) Primary() *Aggregator {
	if len(s.aggregators) == 0 {
		return nil
	}
	return s.aggregators[0]
}

// Aggregator returns the aggregator of the given width, or nil
func (s *WindowSet) Aggregator(width time.Duration) *Aggregator {
	for _, agg := range s.aggregators {
		if agg.width == width {
			return agg
		}
	}
	return nil
}

// Latest returns the latest closed metric of the primary width
func (s *WindowSet) Latest() *entity.NetFlowMetric {
	if p := s.Primary(); p != nil {
		return p.Latest()
	}
	return nil
}

func sortMetrics(metrics []*entity.NetFlowMetric) {
	sort.SliceStable(metrics, func(i, j int) bool {
		if !metrics[i].End.Equal(metrics[j].End) {
			return metrics[i].End.Before(metrics[j].End)
		}
		return metrics[i].Window.Width < metrics[j].Window.Width
	})
}
