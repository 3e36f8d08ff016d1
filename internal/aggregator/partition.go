package aggregator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/money"
)

// ErrVersionNotRetained is returned for reads pinned to a version older than the
// retained history.
var ErrVersionNotRetained = errors.New("partition version no longer retained")

// lateNamespace seeds deterministic late adjustment ids.
var lateNamespace = uuid.MustParse("a3e0b8f2-51c4-4d6e-8f0b-7c2e9d41a6b5")

// LateReasonClosedWindow marks a delta that targeted a closed bucket.
const LateReasonClosedWindow = "closed_window"

type bucketKey struct {
	Granularity models.Granularity
	WindowStart time.Time
}

func keyFor(g models.Granularity, t time.Time) bucketKey {
	return bucketKey{Granularity: g, WindowStart: g.WindowStart(t)}
}

// bucketVersion is one committed state of a bucket. Entries are never mutated
// after they are appended. Sums carry no TTFV samples; Samples is the length of
// the bucket's sample log at this version.
type bucketVersion struct {
	Version   int64             `json:"version"`
	Sums      models.RollupSums `json:"sums"`
	Samples   int               `json:"-"`
	LastSeq   int64             `json:"last_seq"`
	Watermark time.Time         `json:"watermark"`
}

type lateRecord struct {
	Version int64                      `json:"version"`
	Entry   models.LateAdjustmentEntry `json:"entry"`
}

type bucket struct {
	key      bucketKey
	end      time.Time
	versions []bucketVersion // ascending by version, last is current
	created  int64           // version of the first entry, retained or not
	late     []lateRecord

	// samples is the append-only TTFV sample log shared by all versions.
	samples []int64
}

// sums returns the full sums of v, TTFV samples included.
func (b *bucket) sums(v bucketVersion) models.RollupSums {
	out := v.Sums.Clone()
	if v.Samples > 0 {
		out.TTFVSamples = append([]int64(nil), b.samples[:v.Samples]...)
	}
	return out
}

// push appends a version whose sums may carry new samples; they move to the log.
func (b *bucket) push(v bucketVersion, sums models.RollupSums) {
	b.samples = append(b.samples, sums.TTFVSamples...)
	sums.TTFVSamples = nil
	v.Sums = sums
	v.Samples = len(b.samples)
	b.versions = append(b.versions, v)
}

func (b *bucket) at(version int64) (bucketVersion, bool) {
	i := sort.Search(len(b.versions), func(i int) bool { return b.versions[i].Version > version })
	if i == 0 {
		return bucketVersion{}, false
	}
	return b.versions[i-1], true
}

// ===========================================
// FUNNEL
// ===========================================

type funnelStage string

const (
	stageEntered         funnelStage = "entered"
	stageEngaged         funnelStage = "engaged"
	stageConverted       funnelStage = "converted"
	stageAbandoned       funnelStage = "abandoned"
	stageHorizonExceeded funnelStage = "horizon_exceeded"
)

func (s funnelStage) open() bool {
	return s == stageEntered || s == stageEngaged
}

// subjectState tracks one subject's funnel. While the subject is open, an event
// that occurred before EnteredAt moves its cohort and an earlier activation
// touchpoint replaces ActivatedAt, so arrival order does not matter.
type subjectState struct {
	Stage       funnelStage `json:"stage"`
	EnteredAt   time.Time   `json:"entered_at"`
	LastEventAt time.Time   `json:"last_event_at"`
	ActivatedAt time.Time   `json:"activated_at"`
}

// ===========================================
// PARTITION
// ===========================================

// settings are the aggregation parameters shared by all partitions.
type settings struct {
	granularities  []models.Granularity
	reconciliation time.Duration
	horizon        time.Duration
	idleTimeout    time.Duration
	retain         int
}

type versionMark struct {
	Version   int64
	Watermark time.Time
}

// Partition is the versioned aggregation state of one campaign. It is mutated only
// by apply, under mu.
type Partition struct {
	mu sync.RWMutex

	campaignID   string
	modelID      models.ModelID
	isActivation func(touchpointType string) bool

	lastApplied int64
	watermark   time.Time
	version     int64

	subjects map[string]*subjectState
	buckets  map[bucketKey]*bucket
	marks    []versionMark
}

func newPartition(campaignID string, isActivation func(string) bool) *Partition {
	if isActivation == nil {
		isActivation = anyTouchpoint
	}
	return &Partition{
		campaignID:   campaignID,
		isActivation: isActivation,
		subjects:     make(map[string]*subjectState),
		buckets:      make(map[bucketKey]*bucket),
	}
}

func anyTouchpoint(touchpointType string) bool {
	return touchpointType != models.TypeConversion && touchpointType != models.TypeSpend
}

// change is one bucket delta of a committed apply.
type change struct {
	key   bucketKey
	delta models.RollupSums
	late  bool
}

type deltaSet map[bucketKey]*models.RollupSums

func (d deltaSet) at(k bucketKey) *models.RollupSums {
	s, ok := d[k]
	if !ok {
		s = &models.RollupSums{}
		d[k] = s
	}
	return s
}

// apply folds one attribution record into the partition. It returns the bucket
// changes and false when the record was already applied.
func (p *Partition) apply(rec models.AttributionRecord, s settings, now time.Time) ([]change, bool) {
	if rec.Seq <= p.lastApplied {
		return nil, false
	}

	ev := rec.Event
	deltas := deltaSet{}

	p.collectEvent(deltas, rec, s)
	if ev.Kind() != models.KindSpend {
		p.collectFunnel(deltas, ev, s)
	}

	closedBefore := p.watermark
	if ev.OccurredAt.After(p.watermark) {
		p.watermark = ev.OccurredAt.UTC()
		p.collectAbandoned(deltas, s)
	}

	p.version++
	changes := p.commit(deltas, rec, closedBefore, s, now)

	p.lastApplied = rec.Seq
	if rec.ModelID != "" {
		p.modelID = rec.ModelID
	}
	p.marks = append(p.marks, versionMark{Version: p.version, Watermark: p.watermark})
	if len(p.marks) > s.retain {
		p.marks = p.marks[len(p.marks)-s.retain:]
	}
	return changes, true
}

// collectEvent adds the event-time sums: counts, revenue and spend land in the
// bucket containing occurred_at.
func (p *Partition) collectEvent(deltas deltaSet, rec models.AttributionRecord, s settings) {
	ev := rec.Event

	var revenue money.Decimal
	channels := map[string]money.Decimal{}
	noPath := false
	for _, a := range rec.Attributions {
		share, err := money.Parse(a.CreditValue)
		if err != nil {
			continue
		}
		revenue = revenue.Add(share)
		channels[a.TouchpointType] = channels[a.TouchpointType].Add(share)
		noPath = noPath || a.NoAttributionPath
	}

	var spend money.Decimal
	if ev.Kind() == models.KindSpend && ev.Value != "" {
		if v, err := money.Parse(ev.Value); err == nil {
			spend = v
		}
	}

	for _, g := range s.granularities {
		d := deltas.at(keyFor(g, ev.OccurredAt))
		d.EventCount++
		switch ev.Kind() {
		case models.KindTouchpoint:
			d.TouchpointCount++
		case models.KindSpend:
			d.Spend = d.Spend.Add(spend)
		case models.KindConversion:
			d.ConversionCount++
			d.Revenue = d.Revenue.Add(revenue)
			for ch, v := range channels {
				if d.ChannelRevenue == nil {
					d.ChannelRevenue = make(map[string]money.Decimal)
				}
				d.ChannelRevenue[ch] = d.ChannelRevenue[ch].Add(v)
			}
			if noPath {
				d.NoAttributionPath++
			}
			if rec.ModelError != "" {
				d.ModelErrors++
			}
		}
	}
}

// collectFunnel advances the subject's funnel. Funnel counts and TTFV samples
// land in the subject's cohort bucket, the window containing its entry time.
func (p *Partition) collectFunnel(deltas deltaSet, ev models.Event, s settings) {
	at := ev.OccurredAt.UTC()
	subj, ok := p.subjects[ev.SubjectID]
	if !ok {
		subj = &subjectState{Stage: stageEntered, EnteredAt: at, LastEventAt: at}
		p.subjects[ev.SubjectID] = subj
		p.eachCohort(deltas, subj, s, func(d *models.RollupSums) { d.Entered++ })
	}
	if at.After(subj.LastEventAt) {
		subj.LastEventAt = at
	}
	if subj.Stage.open() && at.Before(subj.EnteredAt) {
		for _, g := range s.granularities {
			from, to := keyFor(g, subj.EnteredAt), keyFor(g, at)
			if !from.WindowStart.Equal(to.WindowStart) {
				deltas.at(from).Entered--
				deltas.at(to).Entered++
			}
		}
		subj.EnteredAt = at
	}

	switch ev.Kind() {
	case models.KindTouchpoint:
		if subj.Stage.open() && p.isActivation(ev.TouchpointType) &&
			(subj.ActivatedAt.IsZero() || at.Before(subj.ActivatedAt)) {
			subj.ActivatedAt = at
		}
		if ok && subj.Stage == stageEntered {
			subj.Stage = stageEngaged
		}

	case models.KindConversion:
		if !subj.Stage.open() {
			return
		}
		if subj.ActivatedAt.IsZero() {
			subj.Stage = stageConverted
			p.eachCohort(deltas, subj, s, func(d *models.RollupSums) { d.Converted++ })
			return
		}

		elapsed := ev.OccurredAt.Sub(subj.ActivatedAt)
		if elapsed < 0 {
			elapsed = 0
		}
		if elapsed > s.horizon {
			subj.Stage = stageHorizonExceeded
			p.eachCohort(deltas, subj, s, func(d *models.RollupSums) { d.HorizonExceeded++ })
			return
		}
		subj.Stage = stageConverted
		sample := int64(elapsed / time.Second)
		p.eachCohort(deltas, subj, s, func(d *models.RollupSums) {
			d.Converted++
			d.TTFVSamples = append(d.TTFVSamples, sample)
		})
	}
}

// collectAbandoned marks open subjects idle for longer than the idle timeout,
// measured against the partition watermark.
func (p *Partition) collectAbandoned(deltas deltaSet, s settings) {
	if s.idleTimeout <= 0 {
		return
	}
	cutoff := p.watermark.Add(-s.idleTimeout)
	for _, subj := range p.subjects {
		if subj.Stage.open() && subj.LastEventAt.Before(cutoff) {
			subj.Stage = stageAbandoned
			p.eachCohort(deltas, subj, s, func(d *models.RollupSums) { d.Abandoned++ })
		}
	}
}

func (p *Partition) eachCohort(deltas deltaSet, subj *subjectState, s settings, fn func(*models.RollupSums)) {
	for _, g := range s.granularities {
		fn(deltas.at(keyFor(g, subj.EnteredAt)))
	}
}

// commit writes deltas as new bucket versions in key order. Deltas for buckets
// that were closed under the watermark before this record become late
// adjustments instead.
func (p *Partition) commit(deltas deltaSet, rec models.AttributionRecord, watermark time.Time, s settings, now time.Time) []change {
	keys := make([]bucketKey, 0, len(deltas))
	for k := range deltas {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Granularity != keys[j].Granularity {
			return keys[i].Granularity < keys[j].Granularity
		}
		return keys[i].WindowStart.Before(keys[j].WindowStart)
	})

	changes := make([]change, 0, len(keys))
	for _, k := range keys {
		delta := *deltas[k]
		b := p.bucket(k)

		if !watermark.Before(b.end.Add(s.reconciliation)) {
			entry := models.LateAdjustmentEntry{
				ID:            lateID(p.campaignID, k, rec.Seq),
				CampaignID:    p.campaignID,
				ModelID:       rec.ModelID,
				Granularity:   k.Granularity,
				WindowStart:   k.WindowStart,
				Seq:           rec.Seq,
				SourceEventID: rec.Event.ID,
				Reason:        LateReasonClosedWindow,
				Delta:         delta,
				RecordedAt:    now.UTC(),
			}
			b.late = append(b.late, lateRecord{Version: p.version, Entry: entry})
			changes = append(changes, change{key: k, delta: delta, late: true})
			continue
		}

		var sums models.RollupSums
		if n := len(b.versions); n > 0 {
			sums = b.versions[n-1].Sums.Clone()
		}
		sums.Merge(delta)
		if b.created == 0 {
			b.created = p.version
		}
		b.push(bucketVersion{
			Version:   p.version,
			LastSeq:   rec.Seq,
			Watermark: p.watermark,
		}, sums)
		if len(b.versions) > s.retain {
			b.versions = b.versions[len(b.versions)-s.retain:]
		}
		changes = append(changes, change{key: k, delta: delta})
	}
	return changes
}

func (p *Partition) bucket(k bucketKey) *bucket {
	b, ok := p.buckets[k]
	if !ok {
		b = &bucket{key: k, end: k.Granularity.WindowEnd(k.WindowStart)}
		p.buckets[k] = b
	}
	return b
}

func lateID(campaignID string, k bucketKey, seq int64) string {
	name := fmt.Sprintf("%s|%s|%d|%d", campaignID, k.Granularity, k.WindowStart.Unix(), seq)
	return uuid.NewSHA1(lateNamespace, []byte(name)).String()
}

// ===========================================
// READS
// ===========================================

// watermarkAt returns the partition watermark as of version.
func (p *Partition) watermarkAt(version int64) (time.Time, error) {
	if version == p.version {
		return p.watermark, nil
	}
	i := sort.Search(len(p.marks), func(i int) bool { return p.marks[i].Version > version })
	if i == 0 {
		return time.Time{}, ErrVersionNotRetained
	}
	return p.marks[i-1].Watermark, nil
}

func (p *Partition) closed(b *bucket, watermark time.Time, s settings) bool {
	return !watermark.Before(b.end.Add(s.reconciliation))
}

// snapshot builds the read model of b as of version.
func (p *Partition) snapshot(b *bucket, version int64, watermark time.Time, includeLate bool, s settings) (models.MetricWindowSnapshot, bool, error) {
	entry, ok := b.at(version)
	if !ok && b.created > 0 && version >= b.created {
		return models.MetricWindowSnapshot{}, false, ErrVersionNotRetained
	}

	snap := models.MetricWindowSnapshot{
		CampaignID:  p.campaignID,
		ModelID:     p.modelID,
		Granularity: b.key.Granularity,
		WindowStart: b.key.WindowStart,
		WindowEnd:   b.end,
		Watermark:   watermark,
		IsClosed:    p.closed(b, watermark, s),
	}
	if ok {
		snap.Sums = b.sums(entry)
		snap.LastEventSeq = entry.LastSeq
		snap.Version = entry.Version
	}

	if includeLate {
		for _, l := range b.late {
			if l.Version > version {
				break
			}
			snap.Sums.Merge(l.Entry.Delta)
			snap.IncludesLate = true
			if l.Version > snap.Version {
				snap.Version = l.Version
			}
			if l.Entry.Seq > snap.LastEventSeq {
				snap.LastEventSeq = l.Entry.Seq
			}
		}
	}
	if !ok && !snap.IncludesLate {
		return models.MetricWindowSnapshot{}, false, nil
	}

	snap.Derive()
	return snap, true, nil
}
