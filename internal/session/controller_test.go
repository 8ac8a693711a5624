package session

import (
	"context"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harimadhavan2000/geocheatr/internal/genai"
)

const (
	waitFor  = 3 * time.Second
	pollTick = 5 * time.Millisecond
)

type fakeCapturer struct {
	mu    sync.Mutex
	err   error
	calls int
}

func (f *fakeCapturer) Capture(display int) (image.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return image.NewRGBA(image.Rect(0, 0, 1, 1)), nil
}

// fakeConversation answers frame turns (2 parts) and the final combined
// turn (intro + frames + instruction) separately.
type fakeConversation struct {
	mu         sync.Mutex
	frameReply string
	frameErr   error
	finalReply string
	finalErr   error
	blockSend  chan struct{} // when set, frame sends wait on it

	frameSends int
	finalSends int
	finalParts []genai.Part
}

func (f *fakeConversation) Send(ctx context.Context, parts ...genai.Part) (string, error) {
	f.mu.Lock()
	block := f.blockSend
	f.mu.Unlock()

	if len(parts) == 2 {
		if block != nil {
			<-block
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		f.frameSends++
		if f.frameErr != nil {
			return "", f.frameErr
		}
		return f.frameReply, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalSends++
	f.finalParts = parts
	if f.finalErr != nil {
		return "", f.finalErr
	}
	return f.finalReply, nil
}

func (f *fakeConversation) counts() (frames, finals int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frameSends, f.finalSends
}

type fakePresenter struct {
	mu           sync.Mutex
	states       []State
	frameCounts  []int
	analysisText string
	coordsStatus string
	markers      []Marker
	zoom         int
	clearCalls   int
	warnings     []string
}

func (p *fakePresenter) SessionState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.states = append(p.states, s)
}

func (p *fakePresenter) FrameCount(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frameCounts = append(p.frameCounts, n)
}

func (p *fakePresenter) AnalysisText(text string, appendText bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if appendText {
		p.analysisText += "\n" + text
	} else {
		p.analysisText = text
	}
}

func (p *fakePresenter) CoordsStatus(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.coordsStatus = text
}

func (p *fakePresenter) ClearMarkers() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clearCalls++
	p.markers = nil
}

func (p *fakePresenter) PlotMarkers(markers []Marker, zoom int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.markers = markers
	p.zoom = zoom
}

func (p *fakePresenter) Warning(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.warnings = append(p.warnings, text)
}

type presenterSnapshot struct {
	states       []State
	frameCounts  []int
	analysisText string
	coordsStatus string
	markers      []Marker
	zoom         int
	clearCalls   int
	warnings     []string
}

func (p *fakePresenter) snapshot() presenterSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return presenterSnapshot{
		states:       append([]State{}, p.states...),
		frameCounts:  append([]int{}, p.frameCounts...),
		analysisText: p.analysisText,
		coordsStatus: p.coordsStatus,
		markers:      append([]Marker{}, p.markers...),
		zoom:         p.zoom,
		clearCalls:   p.clearCalls,
		warnings:     append([]string{}, p.warnings...),
	}
}

type fakeStore struct {
	mu      sync.Mutex
	records []AnalysisRecord
}

func (s *fakeStore) SaveAnalysis(ctx context.Context, rec AnalysisRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

type fixture struct {
	ctrl      *Controller
	capturer  *fakeCapturer
	conv      *fakeConversation
	presenter *fakePresenter
	store     *fakeStore
}

func newFixture(t *testing.T, interval time.Duration) *fixture {
	t.Helper()

	f := &fixture{
		capturer:  &fakeCapturer{},
		conv:      &fakeConversation{frameReply: "a road sign", finalReply: "No idea."},
		presenter: &fakePresenter{},
		store:     &fakeStore{},
	}
	f.ctrl = New(Config{
		Capturer:        f.capturer,
		NewConversation: func() Conversation { return f.conv },
		Presenter:       f.presenter,
		Store:           f.store,
		Display:         0,
		Interval:        interval,
		MapZoom:         10,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.ctrl.Run(ctx)
	return f
}

// waitIdle waits for a final analysis to complete.
func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.ctrl.Status().State == StateIdle
	}, waitFor, pollTick)
}

// recordFrames runs the capture timer until n frames have been appended,
// then pauses.
func (f *fixture) recordFrames(t *testing.T, n int) {
	t.Helper()
	require.NoError(t, f.ctrl.Start())
	require.Eventually(t, func() bool {
		return f.ctrl.Status().FrameCount >= n
	}, waitFor, pollTick)
	require.NoError(t, f.ctrl.TogglePause())
}

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name     string
		commands []string
		wantErr  []bool
		want     State
	}{
		{"start", []string{"start"}, []bool{false}, StateRecording},
		{"start then pause", []string{"start", "pause"}, []bool{false, false}, StatePaused},
		{"pause resume", []string{"start", "pause", "pause"}, []bool{false, false, false}, StateRecording},
		{"start twice", []string{"start", "start"}, []bool{false, true}, StateRecording},
		{"pause while idle", []string{"pause"}, []bool{true}, StateIdle},
		{"stop while idle", []string{"stop"}, []bool{true}, StateIdle},
		{"clear while recording", []string{"start", "clear"}, []bool{false, true}, StateRecording},
		{"clear while paused", []string{"start", "pause", "clear"}, []bool{false, false, true}, StatePaused},
		{"clear while idle", []string{"clear"}, []bool{false}, StateIdle},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, time.Hour)

			for i, cmd := range tt.commands {
				var err error
				switch cmd {
				case "start":
					err = f.ctrl.Start()
				case "pause":
					err = f.ctrl.TogglePause()
				case "stop":
					err = f.ctrl.Stop()
				case "clear":
					err = f.ctrl.Clear()
				}
				if tt.wantErr[i] {
					assert.Error(t, err, "command %d (%s)", i, cmd)
				} else {
					assert.NoError(t, err, "command %d (%s)", i, cmd)
				}
			}

			assert.Equal(t, tt.want, f.ctrl.Status().State)
		})
	}
}

func TestInvalidCommandEmitsWarning(t *testing.T) {
	f := newFixture(t, time.Hour)

	require.NoError(t, f.ctrl.Start())
	require.Error(t, f.ctrl.Clear())

	warnings := f.presenter.snapshot().warnings
	require.Len(t, warnings, 1)
	assert.Contains(t, warnings[0], "stop the current session")

	// Rejected command left the frame sequence alone.
	st := f.ctrl.Status()
	assert.Equal(t, StateRecording, st.State)
	assert.Equal(t, 0, st.FrameCount)
}

func TestCaptureCycleAppendsFrames(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)

	require.NoError(t, f.ctrl.Start())
	require.Eventually(t, func() bool {
		return f.ctrl.Status().FrameCount >= 2
	}, waitFor, pollTick)

	st := f.ctrl.Status()
	assert.Equal(t, st.Frames, st.FrameCount, "counter must mirror sequence length")
	assert.True(t, st.HasSession)
}

func TestCaptureFailureSkipsCycle(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)
	f.capturer.err = fmt.Errorf("display 0 not found")

	require.NoError(t, f.ctrl.Start())
	require.Eventually(t, func() bool {
		f.capturer.mu.Lock()
		defer f.capturer.mu.Unlock()
		return f.capturer.calls >= 3
	}, waitFor, pollTick)

	st := f.ctrl.Status()
	assert.Equal(t, StateRecording, st.State)
	assert.Equal(t, 0, st.FrameCount)

	frames, _ := f.conv.counts()
	assert.Equal(t, 0, frames, "failed captures must not reach the model")
}

func TestSendFailureDropsFrame(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)
	f.conv.frameErr = fmt.Errorf("quota exceeded")

	require.NoError(t, f.ctrl.Start())
	require.Eventually(t, func() bool {
		frames, _ := f.conv.counts()
		return frames >= 3
	}, waitFor, pollTick)

	st := f.ctrl.Status()
	assert.Equal(t, 0, st.FrameCount, "frames with failed sends are dropped")
	assert.Equal(t, st.Frames, st.FrameCount)
}

func TestInFlightSendStillAppendsAfterPause(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)
	release := make(chan struct{})
	f.conv.blockSend = release

	require.NoError(t, f.ctrl.Start())

	// Wait for at least one cycle to be in flight, then pause.
	require.Eventually(t, func() bool {
		f.capturer.mu.Lock()
		defer f.capturer.mu.Unlock()
		return f.capturer.calls >= 1
	}, waitFor, pollTick)
	require.NoError(t, f.ctrl.TogglePause())

	assert.Equal(t, 0, f.ctrl.Status().FrameCount)
	close(release)

	// Pause cancels only the future tick; the in-flight cycle completes.
	require.Eventually(t, func() bool {
		return f.ctrl.Status().FrameCount >= 1
	}, waitFor, pollTick)
	assert.Equal(t, StatePaused, f.ctrl.Status().State)
}

func TestStopWithNoFramesReportsError(t *testing.T) {
	f := newFixture(t, time.Hour)

	require.NoError(t, f.ctrl.Start())
	require.NoError(t, f.ctrl.Stop())

	st := f.ctrl.Status()
	assert.Equal(t, StateIdle, st.State)
	assert.True(t, st.HasSession, "session is retained after stop")

	_, finals := f.conv.counts()
	assert.Equal(t, 0, finals, "final analysis must not be sent without frames")

	snap := f.presenter.snapshot()
	assert.Contains(t, snap.analysisText, "No frames were captured")
	assert.Contains(t, snap.coordsStatus, "No frames were captured")
	assert.Contains(t, snap.states, StateAnalyzing)
}

func TestFinalAnalysisPlotsRankedMarkers(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)
	f.conv.finalReply = `Most likely Oslo, Norway.
<<<JSON_START>>>
[
  {"latitude": 59.91, "longitude": 10.75, "radius_km": 2.0, "confidence": "High", "reason": "Norwegian signage"},
  {"latitude": 60.39, "longitude": 5.32, "radius_km": 8.0, "confidence": "Medium", "reason": "Coastal terrain"}
]
<<<JSON_END>>>`

	f.recordFrames(t, 1)
	require.NoError(t, f.ctrl.Stop())
	f.waitIdle(t)

	st := f.ctrl.Status()
	assert.True(t, st.HasSession, "session survives analysis until clear")

	snap := f.presenter.snapshot()
	require.Len(t, snap.markers, 2)
	assert.Equal(t, 1, snap.markers[0].Rank)
	assert.InDelta(t, 59.91, snap.markers[0].Lat, 1e-9)
	assert.Equal(t, 2, snap.markers[1].Rank)
	assert.Equal(t, 10, snap.zoom)
	assert.Equal(t, "Plotted 2 potential locations (ranked).", snap.coordsStatus)
	assert.Equal(t, "Most likely Oslo, Norway.", snap.analysisText)
}

func TestFinalAnalysisSkipsInvalidRecord(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)
	f.conv.finalReply = `analysis text
<<<JSON_START>>>
[
  {"latitude": "unknown", "longitude": 2.0, "radius_km": 1.0, "confidence": "Low", "reason": "bad"},
  {"latitude": 48.85, "longitude": 2.29, "radius_km": 3.0, "confidence": "High", "reason": "good"}
]
<<<JSON_END>>>`

	f.recordFrames(t, 1)
	require.NoError(t, f.ctrl.Stop())
	f.waitIdle(t)

	snap := f.presenter.snapshot()
	require.Len(t, snap.markers, 1)
	// Rank reflects the record's original list position.
	assert.Equal(t, 2, snap.markers[0].Rank)
	assert.Equal(t, "Plotted 1 potential locations (ranked).", snap.coordsStatus)
}

func TestFinalAnalysisMalformedPayload(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)
	f.conv.finalReply = "Some reasoning.\n<<<JSON_START>>>\n[{\"latitude\": 1.0,\n<<<JSON_END>>>"

	f.recordFrames(t, 1)
	require.NoError(t, f.ctrl.Stop())
	f.waitIdle(t)

	snap := f.presenter.snapshot()
	assert.Empty(t, snap.markers)
	assert.Contains(t, snap.coordsStatus, "Error parsing JSON block")
	assert.Contains(t, snap.coordsStatus, `[{"latitude": 1.0,`)
	assert.Equal(t, "Some reasoning.", snap.analysisText)
}

func TestFinalAnalysisMissingDelimiters(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)
	f.conv.finalReply = "I cannot tell where this is."

	f.recordFrames(t, 1)
	require.NoError(t, f.ctrl.Stop())
	f.waitIdle(t)

	snap := f.presenter.snapshot()
	assert.Empty(t, snap.markers)
	assert.Contains(t, snap.coordsStatus, "no structured data found")
	assert.Equal(t, "I cannot tell where this is.", snap.analysisText)
}

func TestFinalAnalysisSendFailure(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)
	f.conv.finalErr = fmt.Errorf("transport closed")

	f.recordFrames(t, 1)
	require.NoError(t, f.ctrl.Stop())
	f.waitIdle(t)

	st := f.ctrl.Status()
	assert.True(t, st.HasSession)

	snap := f.presenter.snapshot()
	assert.Contains(t, snap.analysisText, "ANALYSIS ERROR")
	assert.Contains(t, snap.analysisText, "transport closed")
	assert.Contains(t, snap.coordsStatus, "transport closed")
}

func TestFinalTurnCarriesAllFramesInOrder(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)

	f.recordFrames(t, 2)
	require.NoError(t, f.ctrl.Stop())
	f.waitIdle(t)

	f.conv.mu.Lock()
	parts := f.conv.finalParts
	f.conv.mu.Unlock()

	// In-flight cycles may still have appended between pause and stop, so
	// derive the frame count from the turn itself.
	count := len(parts) - 2
	require.GreaterOrEqual(t, count, 2)
	assert.Contains(t, parts[0].Text, fmt.Sprintf("Here are %d frames", count))
	for _, p := range parts[1 : len(parts)-1] {
		require.NotNil(t, p.InlineData)
		assert.Equal(t, "image/png", p.InlineData.MIMEType)
	}
	assert.Contains(t, parts[len(parts)-1].Text, "<<<JSON_START>>>")
}

func TestResumeReusesSession(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)

	f.recordFrames(t, 1)
	require.NoError(t, f.ctrl.Stop())
	f.waitIdle(t)
	before := f.ctrl.Status().FrameCount

	// Start after stop resumes the same session: counter not reset.
	require.NoError(t, f.ctrl.Start())
	snap := f.presenter.snapshot()
	assert.Equal(t, "Resuming session...", snap.analysisText)
	assert.GreaterOrEqual(t, f.ctrl.Status().FrameCount, before)

	require.Eventually(t, func() bool {
		return f.ctrl.Status().FrameCount > before
	}, waitFor, pollTick)
}

func TestClearResetsEverything(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)

	f.recordFrames(t, 1)
	require.NoError(t, f.ctrl.Stop())
	f.waitIdle(t)

	require.NoError(t, f.ctrl.Clear())

	st := f.ctrl.Status()
	assert.False(t, st.HasSession)
	assert.Equal(t, 0, st.FrameCount)
	assert.Equal(t, 0, st.Frames)

	snap := f.presenter.snapshot()
	assert.Equal(t, "History cleared. Ready for a new session.", snap.analysisText)
	assert.Equal(t, "Coordinates will be plotted here after analysis.", snap.coordsStatus)
	assert.Empty(t, snap.markers)

	// A start after clear opens a brand-new session.
	require.NoError(t, f.ctrl.Start())
	assert.Equal(t, "Starting new session...", f.presenter.snapshot().analysisText)
}

func TestStoreReceivesAnalysisRecord(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)
	f.conv.finalReply = `Oslo.
<<<JSON_START>>>
[{"latitude": 59.91, "longitude": 10.75, "radius_km": 2.0, "confidence": "High", "reason": "signage"}]
<<<JSON_END>>>`

	f.recordFrames(t, 1)
	require.NoError(t, f.ctrl.Stop())
	f.waitIdle(t)

	require.Eventually(t, func() bool {
		f.store.mu.Lock()
		defer f.store.mu.Unlock()
		return len(f.store.records) == 1
	}, waitFor, pollTick)

	f.store.mu.Lock()
	rec := f.store.records[0]
	f.store.mu.Unlock()

	require.GreaterOrEqual(t, rec.FrameCount, 1)
	assert.Len(t, rec.Clues, rec.FrameCount)
	assert.Equal(t, "a road sign", rec.Clues[0])
	assert.Equal(t, "Oslo.", rec.Analysis)
	require.Len(t, rec.Candidates, 1)
}
