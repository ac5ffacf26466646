package probe

import (
	"unicode/utf8"

	"github.com/v0xg/bddscout/internal/crawler"
)

const (
	// HoverScanLimit and PopupScanLimit cap how many candidates one static
	// scan may emit.
	HoverScanLimit = 50
	PopupScanLimit = 30

	// MaxRevealed caps the revealed elements kept per hover confirmation.
	MaxRevealed = 5

	maxCandidateText = 200
	minModalSide     = 100
)

// Box is an element's bounding rectangle in viewport pixels.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Candidate is an element that passed the static filters but has not been
// triggered yet.
type Candidate struct {
	Tag          string          `json:"tag"`
	Text         string          `json:"text"`
	Locator      crawler.Locator `json:"xpath"`
	ID           string          `json:"id,omitempty"`
	Class        string          `json:"class,omitempty"`
	Role         string          `json:"role,omitempty"`
	AriaLabel    string          `json:"aria_label,omitempty"`
	AriaExpanded string          `json:"aria_expanded,omitempty"`
	AriaHasPopup string          `json:"aria_haspopup,omitempty"`
	Box          Box             `json:"position"`
}

// SnapshotElement is one visible interactive element in a Snapshot.
type SnapshotElement struct {
	Text string `json:"text"`
	Tag  string `json:"tag"`
	Href string `json:"href,omitempty"`
}

// Snapshot is a point-in-time summary of the visible interactive elements
// plus the body markup length.
type Snapshot struct {
	Elements     []SnapshotElement `json:"elements"`
	MarkupLength int               `json:"markup_length"`
}

// Change is the outcome of diffing two snapshots.
type Change struct {
	Changed  bool
	Revealed []SnapshotElement
}

// HoverElement is a candidate whose hover produced a page change.
type HoverElement struct {
	Candidate
	Revealed []SnapshotElement `json:"revealed_elements"`
}

// Modal describes one visible modal-like node.
type Modal struct {
	Text           string `json:"text"`
	Role           string `json:"role,omitempty"`
	Class          string `json:"class,omitempty"`
	HasCloseButton bool   `json:"has_close_button"`
}

// Empty reports whether nothing was captured for the node.
func (m Modal) Empty() bool {
	return m.Text == "" && m.Role == "" && m.Class == ""
}

// PopupTrigger is a candidate whose click opened a modal-like node.
type PopupTrigger struct {
	Candidate
	Popups []Modal `json:"popup_details"`
}

// modalState is the result of one modal count.
type modalState struct {
	Count  int     `json:"count"`
	Modals []Modal `json:"modals"`
}

func (s modalState) described() bool {
	for _, m := range s.Modals {
		if !m.Empty() {
			return true
		}
	}
	return false
}

// Diff compares two snapshots. The page changed when more interactive
// elements are visible or the markup length moved; revealed elements are
// the non-empty texts present only in after, unique, at most MaxRevealed.
func Diff(before, after Snapshot) Change {
	if len(after.Elements) <= len(before.Elements) && after.MarkupLength == before.MarkupLength {
		return Change{}
	}

	seen := make(map[string]bool, len(before.Elements))
	for _, el := range before.Elements {
		seen[el.Text] = true
	}

	revealed := []SnapshotElement{}
	for _, el := range after.Elements {
		if len(revealed) == MaxRevealed {
			break
		}
		if el.Text == "" || seen[el.Text] {
			continue
		}
		seen[el.Text] = true
		revealed = append(revealed, el)
	}
	return Change{Changed: true, Revealed: revealed}
}

// Normalize drops candidates with an empty or repeated locator, truncates
// text and keeps at most limit entries in scan order.
func Normalize(cands []Candidate, limit int) []Candidate {
	out := make([]Candidate, 0, min(len(cands), limit))
	seen := make(map[crawler.Locator]bool, len(cands))
	for _, c := range cands {
		if len(out) == limit {
			break
		}
		if c.Locator == "" || seen[c.Locator] {
			continue
		}
		seen[c.Locator] = true
		c.Text = truncate(c.Text, maxCandidateText)
		out = append(out, c)
	}
	return out
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
