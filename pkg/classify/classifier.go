package classify

import "github.com/nscldaq-go/swtrigger/pkg/ringitem"

// Classification bits a SourceClassifier returns, combinable with a
// FilterWorker's mask/value rule.
const (
	// ClassKnown is set once a source has any tracked metadata at all.
	ClassKnown uint32 = 1 << 0
	// ClassActive is set while the source's tracked metadata says it is
	// still active (not retired).
	ClassActive uint32 = 1 << 1
)

// SourceClassifier adapts a Tracker to the filter path's Classifier
// interface: instead of classifying an event from its own bytes, it
// advances the tracker to the event's timestamp and classifies by the
// event's source id's current tracked state, so a classification
// decision reflects recent context (e.g. "source 3 is mid-calibration")
// rather than only the current record.
type SourceClassifier struct {
	Tracker *Tracker
}

// Classify implements the filter path's Classifier interface.
func (c *SourceClassifier) Classify(item *ringitem.Item) uint32 {
	if item.BodyHeader == nil {
		return 0
	}
	c.Tracker.Advance(item.BodyHeader.Timestamp)

	meta, ok := c.Tracker.Get(item.BodyHeader.SourceID)
	if !ok {
		return 0
	}
	class := ClassKnown
	if meta.Active {
		class |= ClassActive
	}
	return class
}
