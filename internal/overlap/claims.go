// Package overlap tells docked shell surfaces (panels, docks) whether an
// application window overlaps the region they occupy on their output.
//
// A ClaimTable holds the claimed regions. A Monitor debounces window
// geometry changes and scans the table once the window settles. Both are
// owned by the event loop and take no locks.
package overlap

import (
	"fmt"
	"image"

	"github.com/treeland-project/sessiond/internal/logging"
)

var log = logging.L("overlap")

// ClaimID identifies a claim for its whole lifetime.
type ClaimID string

// ClaimOwner receives overlap verdicts for its claim.
type ClaimOwner interface {
	SendOverlapped(overlapped bool)
}

// ScanMode selects how far a scan walks the table.
type ScanMode int

const (
	// ScanStrict stops at the first intersecting claim. Claims after it are
	// not visited and keep their previous verdict.
	ScanStrict ScanMode = iota
	// ScanEvaluateAll gives every valid claim its own verdict.
	ScanEvaluateAll
)

func (m ScanMode) String() string {
	if m == ScanEvaluateAll {
		return "evaluate_all"
	}
	return "strict"
}

// ParseScanMode maps the config value to a ScanMode.
func ParseScanMode(s string) (ScanMode, error) {
	switch s {
	case "", "strict":
		return ScanStrict, nil
	case "evaluate_all":
		return ScanEvaluateAll, nil
	}
	return ScanStrict, fmt.Errorf("overlap: unknown scan mode %q", s)
}

// Claim is a shell surface's declared region on an output edge. Region is
// derived from the output size and anchor at refresh time.
type Claim struct {
	ID         ClaimID
	Owner      ClaimOwner
	OutputID   string
	Anchor     Anchor
	Size       Size
	Region     image.Rectangle
	Overlapped bool
}

// ScanResult summarizes one pass over the table.
type ScanResult struct {
	Visited []ClaimID
	Skipped []ClaimID
	Match   ClaimID
	Matched bool
}

// OverlapEvent reports a claim whose verdict changed.
type OverlapEvent struct {
	ClaimID    ClaimID
	Overlapped bool
}

// ClaimTable holds claims in registration order.
type ClaimTable struct {
	outputs   OutputSource
	mode      ScanMode
	claims    map[ClaimID]*Claim
	order     []ClaimID
	listeners []func(OverlapEvent)
}

func NewClaimTable(outputs OutputSource, mode ScanMode) *ClaimTable {
	return &ClaimTable{
		outputs: outputs,
		mode:    mode,
		claims:  make(map[ClaimID]*Claim),
	}
}

func (t *ClaimTable) Mode() ScanMode {
	return t.mode
}

func (t *ClaimTable) SetMode(mode ScanMode) {
	t.mode = mode
}

// Subscribe registers fn for verdict changes.
func (t *ClaimTable) Subscribe(fn func(OverlapEvent)) {
	t.listeners = append(t.listeners, fn)
}

// Refresh inserts the claim or updates it in place. On error the table is
// left unchanged and the error wraps ErrInvalidGeometry.
func (t *ClaimTable) Refresh(id ClaimID, owner ClaimOwner, outputID string, anchor Anchor, size Size) error {
	if !anchor.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidGeometry, anchor)
	}
	out, ok := t.outputs.OutputSize(outputID)
	if !ok {
		return fmt.Errorf("%w: unknown output %q", ErrInvalidGeometry, outputID)
	}
	region, err := AnchorRect(anchor, out, size)
	if err != nil {
		return err
	}

	c, exists := t.claims[id]
	if !exists {
		c = &Claim{ID: id}
		t.claims[id] = c
		t.order = append(t.order, id)
	}
	c.Owner = owner
	c.OutputID = outputID
	c.Anchor = anchor
	c.Size = size
	c.Region = region

	log.Debug("claim refreshed",
		logging.KeyClaimID, string(id),
		logging.KeyOutputID, outputID,
		"anchor", anchor.String(),
		"region", region.String(),
		"new", !exists)
	return nil
}

// Destroy removes the claim immediately.
func (t *ClaimTable) Destroy(id ClaimID) error {
	if _, ok := t.claims[id]; !ok {
		return ErrNotFound
	}
	delete(t.claims, id)
	for i, cid := range t.order {
		if cid == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	log.Debug("claim destroyed", logging.KeyClaimID, string(id))
	return nil
}

// DestroyOwner removes every claim belonging to owner and returns their IDs.
func (t *ClaimTable) DestroyOwner(owner ClaimOwner) []ClaimID {
	var removed []ClaimID
	for _, id := range append([]ClaimID(nil), t.order...) {
		if t.claims[id].Owner == owner {
			t.Destroy(id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Claim returns a copy of the claim with id.
func (t *ClaimTable) Claim(id ClaimID) (Claim, bool) {
	c, ok := t.claims[id]
	if !ok {
		return Claim{}, false
	}
	return *c, true
}

// Claims returns copies of all claims in registration order.
func (t *ClaimTable) Claims() []Claim {
	out := make([]Claim, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.claims[id])
	}
	return out
}

func (t *ClaimTable) Len() int {
	return len(t.order)
}

// Scan tests geometry against every claim in registration order. Each
// claim's region is rederived from its output's current size; a claim whose
// output is gone or whose geometry no longer derives is skipped. Every
// visited claim's owner is sent its verdict.
func (t *ClaimTable) Scan(geometry image.Rectangle) ScanResult {
	var res ScanResult

	for _, id := range t.order {
		c := t.claims[id]

		out, ok := t.outputs.OutputSize(c.OutputID)
		if !ok {
			log.Debug("skipping claim on missing output", logging.KeyClaimID, string(id), logging.KeyOutputID, c.OutputID)
			res.Skipped = append(res.Skipped, id)
			continue
		}
		region, err := AnchorRect(c.Anchor, out, c.Size)
		if err != nil {
			log.Debug("skipping claim with invalid geometry", logging.KeyClaimID, string(id), logging.KeyError, err)
			res.Skipped = append(res.Skipped, id)
			continue
		}
		c.Region = region

		hit := region.Overlaps(geometry)
		res.Visited = append(res.Visited, id)
		t.report(c, hit)

		if hit && !res.Matched {
			res.Match = id
			res.Matched = true
			if t.mode == ScanStrict {
				break
			}
		}
	}

	return res
}

func (t *ClaimTable) report(c *Claim, overlapped bool) {
	if c.Owner != nil {
		c.Owner.SendOverlapped(overlapped)
	}
	if c.Overlapped == overlapped {
		return
	}
	c.Overlapped = overlapped
	ev := OverlapEvent{ClaimID: c.ID, Overlapped: overlapped}
	for _, fn := range t.listeners {
		fn(ev)
	}
}
