package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/radiusdt/vector-attribution/internal/models"
)

type eventPartition struct {
	events    []models.Event // index seq-1
	dedup     map[string]int64
	bySubject map[string][]int64
}

// InMemoryEventLog provides an in-memory event log for tests and single-process runs.
type InMemoryEventLog struct {
	mu         sync.RWMutex
	partitions map[string]*eventPartition
	pageSize   int
	now        func() time.Time
}

// NewInMemoryEventLog creates a new in-memory event log.
func NewInMemoryEventLog(pageSize int) *InMemoryEventLog {
	return &InMemoryEventLog{
		partitions: make(map[string]*eventPartition),
		pageSize:   pageSize,
		now:        time.Now,
	}
}

func (l *InMemoryEventLog) Append(ctx context.Context, ev models.Event) (models.Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.partitions[ev.CampaignID]
	if !ok {
		p = &eventPartition{
			dedup:     make(map[string]int64),
			bySubject: make(map[string][]int64),
		}
		l.partitions[ev.CampaignID] = p
	}

	if seq, dup := p.dedup[ev.DedupKey]; dup {
		return p.events[seq-1], fmt.Errorf("dedup key %s: %w", ev.DedupKey, models.ErrDuplicateEvent)
	}

	ev.Seq = int64(len(p.events)) + 1
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.IngestedAt.IsZero() {
		ev.IngestedAt = l.now().UTC()
	}

	p.events = append(p.events, ev)
	p.dedup[ev.DedupKey] = ev.Seq
	p.bySubject[ev.SubjectID] = append(p.bySubject[ev.SubjectID], ev.Seq)
	return ev, nil
}

func (l *InMemoryEventLog) Replay(ctx context.Context, campaignID string, sinceSeq int64) (*Cursor[models.Event], error) {
	head, err := l.Head(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	fetch := func(ctx context.Context, fromSeq int64, limit int) ([]models.Event, error) {
		l.mu.RLock()
		defer l.mu.RUnlock()

		p, ok := l.partitions[campaignID]
		if !ok || fromSeq > int64(len(p.events)) {
			return nil, nil
		}
		end := fromSeq - 1 + int64(limit)
		if end > int64(len(p.events)) {
			end = int64(len(p.events))
		}
		return append([]models.Event(nil), p.events[fromSeq-1:end]...), nil
	}
	return NewCursor(sinceSeq, head, l.pageSize, eventSeq, fetch), nil
}

func (l *InMemoryEventLog) Head(ctx context.Context, campaignID string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.partitions[campaignID]
	if !ok {
		return 0, nil
	}
	return int64(len(p.events)), nil
}

func (l *InMemoryEventLog) SubjectEvents(ctx context.Context, campaignID, subjectID string, beforeSeq int64, limit int) ([]models.Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	p, ok := l.partitions[campaignID]
	if !ok {
		return nil, nil
	}

	seqs := p.bySubject[subjectID]
	end := len(seqs)
	for end > 0 && seqs[end-1] >= beforeSeq {
		end--
	}
	start := 0
	if limit > 0 && end-start > limit {
		start = end - limit
	}

	result := make([]models.Event, 0, end-start)
	for _, seq := range seqs[start:end] {
		result = append(result, p.events[seq-1])
	}
	return result, nil
}

func eventSeq(e models.Event) int64 { return e.Seq }

// =============================================
// Attribution log
// =============================================

// InMemoryAttributionLog holds attribution records in memory.
type InMemoryAttributionLog struct {
	mu       sync.RWMutex
	records  map[string][]models.AttributionRecord // sorted by seq
	pageSize int
}

// NewInMemoryAttributionLog creates a new in-memory attribution log.
func NewInMemoryAttributionLog(pageSize int) *InMemoryAttributionLog {
	return &InMemoryAttributionLog{
		records:  make(map[string][]models.AttributionRecord),
		pageSize: pageSize,
	}
}

func (l *InMemoryAttributionLog) Append(ctx context.Context, rec models.AttributionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	recs := l.records[rec.CampaignID]
	if n := len(recs); n > 0 && recs[n-1].Seq >= rec.Seq {
		// Already written; records arrive in seq order from a single worker.
		return nil
	}
	l.records[rec.CampaignID] = append(recs, rec)
	return nil
}

func (l *InMemoryAttributionLog) Replay(ctx context.Context, campaignID string, sinceSeq int64) (*Cursor[models.AttributionRecord], error) {
	head, err := l.Head(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	fetch := func(ctx context.Context, fromSeq int64, limit int) ([]models.AttributionRecord, error) {
		l.mu.RLock()
		defer l.mu.RUnlock()

		recs := l.records[campaignID]
		i := 0
		for i < len(recs) && recs[i].Seq < fromSeq {
			i++
		}
		end := i + limit
		if end > len(recs) {
			end = len(recs)
		}
		return append([]models.AttributionRecord(nil), recs[i:end]...), nil
	}
	return NewCursor(sinceSeq, head, l.pageSize, recordSeq, fetch), nil
}

func (l *InMemoryAttributionLog) Head(ctx context.Context, campaignID string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	recs := l.records[campaignID]
	if len(recs) == 0 {
		return 0, nil
	}
	return recs[len(recs)-1].Seq, nil
}

func recordSeq(r models.AttributionRecord) int64 { return r.Seq }
