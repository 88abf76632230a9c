package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/PratikDhanave/lead-sync-service/internal/models"
	"github.com/PratikDhanave/lead-sync-service/internal/remote"
)

// Mode selects a reconciliation strategy.
type Mode string

const (
	ModeFull       Mode = "full"
	ModeRecent     Mode = "recent"
	ModeActiveOnly Mode = "active_only"
)

// ParseMode validates an operator-supplied mode. Empty means recent.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeRecent, nil
	case ModeFull, ModeRecent, ModeActiveOnly:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown reconcile mode %q", s)
}

// pairs holds both sides' view of the candidate records, keyed by id.
type pairs struct {
	ids    []string
	local  map[string]models.Record
	remote map[string]models.Record
}

func newPairs() *pairs {
	return &pairs{local: map[string]models.Record{}, remote: map[string]models.Record{}}
}

func (p *pairs) addLocal(recs []models.Record) {
	for _, r := range recs {
		if _, seen := p.local[r.ID]; !seen {
			if _, other := p.remote[r.ID]; !other {
				p.ids = append(p.ids, r.ID)
			}
		}
		p.local[r.ID] = r
	}
}

func (p *pairs) addRemote(recs []models.Record) {
	for _, r := range recs {
		if _, seen := p.remote[r.ID]; !seen {
			if _, other := p.local[r.ID]; !other {
				p.ids = append(p.ids, r.ID)
			}
		}
		p.remote[r.ID] = r
	}
}

// missing returns ids known on one side only.
func (p *pairs) missing() (notLocal, notRemote []string) {
	for _, id := range p.ids {
		_, l := p.local[id]
		_, r := p.remote[id]
		switch {
		case !l:
			notLocal = append(notLocal, id)
		case !r:
			notRemote = append(notRemote, id)
		}
	}
	return notLocal, notRemote
}

// strategy selects the records a pass compares.
type strategy interface {
	mode() Mode
	// collect loads candidates from both sides. pullOnly strategies never
	// push local state to the partner.
	collect(ctx context.Context, r *Reconciler) (*pairs, error)
	pullOnly() bool
}

type fullStrategy struct{}

func (fullStrategy) mode() Mode     { return ModeFull }
func (fullStrategy) pullOnly() bool { return false }

func (fullStrategy) collect(ctx context.Context, r *Reconciler) (*pairs, error) {
	local, err := r.local.ListRecords(ctx, models.RecordFilter{})
	if err != nil {
		return nil, fmt.Errorf("list local: %w", err)
	}
	rem, err := r.remote.Fetch(ctx, remote.ExportQuery{})
	if err != nil {
		return nil, fmt.Errorf("fetch remote: %w", err)
	}
	p := newPairs()
	p.addLocal(local)
	p.addRemote(rem)
	return p, nil
}

// recentStrategy compares rows touched on either side within the window.
// A row recent on one side only is looked up by id on the other, so an old
// counterpart is updated rather than reported as created.
type recentStrategy struct {
	window time.Duration
	now    func() time.Time
}

func (recentStrategy) mode() Mode     { return ModeRecent }
func (recentStrategy) pullOnly() bool { return false }

func (s recentStrategy) collect(ctx context.Context, r *Reconciler) (*pairs, error) {
	since := s.now().UTC().Add(-s.window)

	local, err := r.local.ListRecords(ctx, models.RecordFilter{Since: since})
	if err != nil {
		return nil, fmt.Errorf("list local: %w", err)
	}
	rem, err := r.remote.Fetch(ctx, remote.ExportQuery{Since: since})
	if err != nil {
		return nil, fmt.Errorf("fetch remote: %w", err)
	}
	p := newPairs()
	p.addLocal(local)
	p.addRemote(rem)

	notLocal, notRemote := p.missing()
	if len(notLocal) > 0 {
		more, err := r.local.ListRecords(ctx, models.RecordFilter{IDs: notLocal})
		if err != nil {
			return nil, fmt.Errorf("list local by id: %w", err)
		}
		p.addLocal(more)
	}
	if len(notRemote) > 0 {
		more, err := r.remote.Fetch(ctx, remote.ExportQuery{IDs: notRemote})
		if err != nil {
			return nil, fmt.Errorf("fetch remote by id: %w", err)
		}
		p.addRemote(more)
	}
	return p, nil
}

// activeStrategy checks freshness of in-flight records only. It fetches the
// partner's active fields for those ids, and the full row only for ids the
// partner holds a strictly newer version of. Outbound changes for these
// records are already queued, so nothing is pushed.
type activeStrategy struct {
	fields []string
}

func (activeStrategy) mode() Mode     { return ModeActiveOnly }
func (activeStrategy) pullOnly() bool { return true }

func (s activeStrategy) collect(ctx context.Context, r *Reconciler) (*pairs, error) {
	p := newPairs()

	ids, err := r.local.InFlightEntityIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("in-flight ids: %w", err)
	}
	if len(ids) == 0 {
		return p, nil
	}

	local, err := r.local.ListRecords(ctx, models.RecordFilter{IDs: ids})
	if err != nil {
		return nil, fmt.Errorf("list local: %w", err)
	}
	p.addLocal(local)

	probe, err := r.remote.Fetch(ctx, remote.ExportQuery{IDs: ids, Fields: s.fields})
	if err != nil {
		return nil, fmt.Errorf("fetch active fields: %w", err)
	}

	var stale []string
	for _, rr := range probe {
		lr, ok := p.local[rr.ID]
		if !ok || rr.NewerThan(lr) {
			stale = append(stale, rr.ID)
		}
	}

	if len(stale) > 0 {
		full, err := r.remote.Fetch(ctx, remote.ExportQuery{IDs: stale})
		if err != nil {
			return nil, fmt.Errorf("fetch stale rows: %w", err)
		}
		p.addRemote(full)
	}
	return p, nil
}
