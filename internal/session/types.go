package session

import (
	"context"

	"github.com/harimadhavan2000/geocheatr/internal/analysis"
	"github.com/harimadhavan2000/geocheatr/internal/genai"
)

// State is the controller's finite-state-machine state.
type State string

const (
	StateIdle      State = "IDLE"
	StateRecording State = "RECORDING"
	StatePaused    State = "PAUSED"
	StateAnalyzing State = "ANALYZING"
)

// Frame is one captured still image plus its position in capture order.
// Immutable once appended to the session's frame sequence.
type Frame struct {
	Ordinal int
	PNG     []byte

	// Clues is the model's per-frame observation text, kept for the
	// optional history store.
	Clues string
}

// Conversation is the stateful channel to the remote model: each Send
// submits one multi-part turn within the same accumulated history.
type Conversation interface {
	Send(ctx context.Context, parts ...genai.Part) (string, error)
}

// Marker is one ranked map marker derived from a candidate location.
type Marker struct {
	Rank       int     `json:"rank"`
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Confidence string  `json:"confidence,omitempty"`
	Reason     string  `json:"reason,omitempty"`
}

// Presenter is the controller's output surface: a free-form text log and
// a map channel. Implementations must be safe for calls from the
// controller loop goroutine.
type Presenter interface {
	// SessionState reports an FSM transition.
	SessionState(state State)

	// FrameCount refreshes the displayed frames-sent counter.
	FrameCount(n int)

	// AnalysisText updates the text pane, replacing or appending.
	AnalysisText(text string, appendText bool)

	// CoordsStatus updates the status line of the map channel.
	CoordsStatus(text string)

	// ClearMarkers removes all markers from the map.
	ClearMarkers()

	// PlotMarkers places ranked markers and centers the view on the
	// first one at the given zoom level.
	PlotMarkers(markers []Marker, zoom int)

	// Warning surfaces a rejected command or other user-level problem.
	Warning(text string)
}

// AnalysisRecord is what the optional history store persists after a
// completed final analysis.
type AnalysisRecord struct {
	FrameCount int
	Clues      []string
	Analysis   string
	Candidates []analysis.CandidateLocation
}

// HistoryStore persists completed analyses. Store failures must never
// disturb the session loop; the controller only logs them.
type HistoryStore interface {
	SaveAnalysis(ctx context.Context, rec AnalysisRecord) error
}
