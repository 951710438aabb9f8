package classify

import (
	"testing"

	"github.com/nscldaq-go/swtrigger/pkg/ringitem"
)

func TestSourceClassifierUsesTrackedState(t *testing.T) {
	tr := NewTracker()
	tr.Set(7, Metadata{Label: "physics", Active: true}, 100)
	c := &SourceClassifier{Tracker: tr}

	item := &ringitem.Item{BodyHeader: &ringitem.BodyHeader{SourceID: 7, Timestamp: 150}}
	class := c.Classify(item)
	if class&ClassKnown == 0 {
		t.Fatalf("expected ClassKnown set, got %#x", class)
	}
	if class&ClassActive == 0 {
		t.Fatalf("expected ClassActive set, got %#x", class)
	}
}

func TestSourceClassifierUnknownSource(t *testing.T) {
	tr := NewTracker()
	c := &SourceClassifier{Tracker: tr}

	item := &ringitem.Item{BodyHeader: &ringitem.BodyHeader{SourceID: 99, Timestamp: 5}}
	if class := c.Classify(item); class != 0 {
		t.Fatalf("expected 0 for untracked source, got %#x", class)
	}
}

func TestSourceClassifierNoBodyHeader(t *testing.T) {
	c := &SourceClassifier{Tracker: NewTracker()}
	if class := c.Classify(&ringitem.Item{}); class != 0 {
		t.Fatalf("expected 0 without a body header, got %#x", class)
	}
}
