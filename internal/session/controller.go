package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/harimadhavan2000/geocheatr/internal/analysis"
	"github.com/harimadhavan2000/geocheatr/internal/capture"
	"github.com/harimadhavan2000/geocheatr/internal/genai"
)

// Config wires a Controller to its collaborators.
type Config struct {
	Capturer capture.Capturer

	// NewConversation opens a fresh chat session with the model.
	NewConversation func() Conversation

	Presenter Presenter

	// Store is optional; nil disables history persistence.
	Store HistoryStore

	// Display is the index of the display surface to capture.
	Display int

	// Interval is the period of the capture-and-send timer.
	Interval time.Duration

	// MapZoom is the zoom level applied when centering on the first
	// plotted marker.
	MapZoom int

	Logger *slog.Logger
}

type cmdKind int

const (
	cmdStart cmdKind = iota
	cmdTogglePause
	cmdStop
	cmdClear
)

type command struct {
	kind  cmdKind
	reply chan error
}

// Status is a consistent snapshot of the controller's mutable state.
type Status struct {
	State      State
	FrameCount int
	Frames     int
	HasSession bool
}

// Controller owns the session state machine. All mutable state lives on
// a single event-loop goroutine; commands are answered synchronously and
// background units post their results back to the loop, so no mutation
// point ever runs off the loop.
//
// The capture cadence is clock-driven: every tick re-arms the timer
// before dispatching its unit of work, so in-flight sends may overlap
// and frames may append out of capture order when the round trip is
// slower than the interval. Pausing or stopping cancels only the future
// tick; an in-flight cycle still appends its frame afterwards.
type Controller struct {
	log       *slog.Logger
	capturer  capture.Capturer
	newConv   func() Conversation
	presenter Presenter
	store     HistoryStore

	display  int
	interval time.Duration
	zoom     int

	cmds    chan command
	posted  chan func()
	started chan struct{}
	ctx     context.Context

	// Loop-owned state. Never touched outside the Run goroutine.
	state      State
	conv       Conversation
	frames     []Frame
	frameCount int
	timer      *time.Timer
	tick       <-chan time.Time
}

// New creates a Controller. Run must be called before any command.
func New(cfg Config) *Controller {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Controller{
		log:       log,
		capturer:  cfg.Capturer,
		newConv:   cfg.NewConversation,
		presenter: cfg.Presenter,
		store:     cfg.Store,
		display:   cfg.Display,
		interval:  cfg.Interval,
		zoom:      cfg.MapZoom,
		cmds:      make(chan command),
		posted:    make(chan func(), 64),
		started:   make(chan struct{}),
		state:     StateIdle,
	}
}

// Run drives the event loop until ctx is canceled. It must be called
// exactly once.
func (c *Controller) Run(ctx context.Context) {
	c.ctx = ctx
	close(c.started)

	c.presenter.SessionState(c.state)

	for {
		select {
		case <-ctx.Done():
			c.disarmTimer()
			return
		case cmd := <-c.cmds:
			err := c.handle(cmd.kind)
			if err != nil {
				c.presenter.Warning(err.Error())
			}
			cmd.reply <- err
		case fn := <-c.posted:
			fn()
		case <-c.tick:
			c.onTick()
		}
	}
}

// Start begins or resumes recording. Allowed only while idle.
func (c *Controller) Start() error { return c.do(cmdStart) }

// TogglePause pauses recording, or resumes it when paused.
func (c *Controller) TogglePause() error { return c.do(cmdTogglePause) }

// Stop ends recording and kicks off the final analysis.
func (c *Controller) Stop() error { return c.do(cmdStop) }

// Clear destroys the session, its frames, and any displayed results.
// Allowed only while idle.
func (c *Controller) Clear() error { return c.do(cmdClear) }

// Status returns a snapshot taken on the loop goroutine.
func (c *Controller) Status() Status {
	<-c.started
	reply := make(chan Status, 1)
	select {
	case c.posted <- func() {
		reply <- Status{
			State:      c.state,
			FrameCount: c.frameCount,
			Frames:     len(c.frames),
			HasSession: c.conv != nil,
		}
	}:
	case <-c.ctx.Done():
		return Status{State: c.state}
	}
	select {
	case s := <-reply:
		return s
	case <-c.ctx.Done():
		return Status{State: c.state}
	}
}

func (c *Controller) do(k cmdKind) error {
	<-c.started
	cmd := command{kind: k, reply: make(chan error, 1)}
	select {
	case c.cmds <- cmd:
	case <-c.ctx.Done():
		return fmt.Errorf("controller stopped")
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-c.ctx.Done():
		return fmt.Errorf("controller stopped")
	}
}

// post hands a closure to the loop goroutine. Background units use this
// for every state mutation and presenter refresh they trigger.
func (c *Controller) post(fn func()) {
	select {
	case c.posted <- fn:
	case <-c.ctx.Done():
	}
}

func (c *Controller) handle(k cmdKind) error {
	switch k {
	case cmdStart:
		return c.handleStart()
	case cmdTogglePause:
		return c.handleTogglePause()
	case cmdStop:
		return c.handleStop()
	case cmdClear:
		return c.handleClear()
	default:
		return fmt.Errorf("unknown command %d", k)
	}
}

func (c *Controller) handleStart() error {
	if c.state != StateIdle {
		return fmt.Errorf("start is only allowed while idle (current state: %s)", c.state)
	}

	if c.conv == nil {
		c.conv = c.newConv()
		c.frames = nil
		c.frameCount = 0
		c.presenter.FrameCount(0)
		c.presenter.AnalysisText("Starting new session...", false)
		c.log.Info("new chat session started")
	} else {
		// Resume semantics: frames keep appending to the same session.
		c.presenter.AnalysisText("Resuming session...", false)
		c.log.Info("resuming existing chat session")
	}

	c.setState(StateRecording)
	c.armTimer()
	return nil
}

func (c *Controller) handleTogglePause() error {
	switch c.state {
	case StateRecording:
		c.disarmTimer()
		c.setState(StatePaused)
		c.log.Info("frame sending paused")
		return nil
	case StatePaused:
		c.setState(StateRecording)
		c.armTimer()
		c.log.Info("frame sending resumed")
		return nil
	default:
		return fmt.Errorf("nothing to pause or resume (current state: %s)", c.state)
	}
}

func (c *Controller) handleStop() error {
	if c.state != StateRecording && c.state != StatePaused {
		return fmt.Errorf("stop is only allowed while recording or paused (current state: %s)", c.state)
	}

	c.disarmTimer()
	c.setState(StateAnalyzing)
	c.log.Info("stopping session, requesting final analysis", "frames", len(c.frames))

	if c.conv == nil {
		c.reportTerminal("Error: No active session to analyze.")
		c.setState(StateIdle)
		return nil
	}
	if len(c.frames) == 0 {
		c.reportTerminal("Error: No frames were captured during the session.")
		c.setState(StateIdle)
		return nil
	}

	c.presenter.AnalysisText(fmt.Sprintf("\nSending %d captured frames and requesting final analysis...", len(c.frames)), true)
	c.presenter.CoordsStatus("Waiting for analysis...")
	c.presenter.ClearMarkers()

	frames := make([]Frame, len(c.frames))
	copy(frames, c.frames)
	go c.finalAnalysis(c.conv, frames)
	return nil
}

func (c *Controller) handleClear() error {
	if c.state != StateIdle {
		return fmt.Errorf("stop the current session before clearing history (current state: %s)", c.state)
	}

	c.conv = nil
	c.frames = nil
	c.frameCount = 0
	c.presenter.FrameCount(0)
	c.presenter.AnalysisText("History cleared. Ready for a new session.", false)
	c.presenter.ClearMarkers()
	c.presenter.CoordsStatus("Coordinates will be plotted here after analysis.")
	c.log.Info("session history cleared")
	return nil
}

// reportTerminal surfaces a final-analysis precondition failure on both
// output channels.
func (c *Controller) reportTerminal(msg string) {
	c.presenter.AnalysisText(msg, false)
	c.presenter.CoordsStatus(msg)
	c.log.Error("final analysis aborted", "reason", msg)
}

func (c *Controller) setState(s State) {
	c.state = s
	c.presenter.SessionState(s)
}

func (c *Controller) armTimer() {
	c.timer = time.NewTimer(c.interval)
	c.tick = c.timer.C
}

func (c *Controller) disarmTimer() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
		c.tick = nil
	}
}

// onTick runs on the loop goroutine for every timer fire. The next tick
// is armed immediately so the cadence stays clock-driven regardless of
// how long the dispatched cycle takes.
func (c *Controller) onTick() {
	if c.state != StateRecording {
		// A tick delivered in the same select round as a state change.
		return
	}
	c.armTimer()
	go c.captureAndSend(c.conv)
}

// captureAndSend is one background capture-and-send cycle. A capture
// failure drops the cycle; a send failure drops the frame. Only after a
// successful send does the posted closure append the frame and bump the
// counter.
func (c *Controller) captureAndSend(conv Conversation) {
	img, err := c.capturer.Capture(c.display)
	if err != nil {
		c.log.Warn("frame capture failed, skipping cycle", "error", err)
		return
	}

	pngData, err := capture.EncodePNG(img)
	if err != nil {
		c.log.Warn("frame encode failed, skipping cycle", "error", err)
		return
	}

	clues, err := conv.Send(c.ctx, genai.Text(framePrompt), genai.ImagePNG(pngData))
	if err != nil {
		c.log.Warn("frame send failed, frame dropped", "error", err)
		return
	}

	c.post(func() {
		c.frames = append(c.frames, Frame{
			Ordinal: len(c.frames) + 1,
			PNG:     pngData,
			Clues:   clues,
		})
		c.frameCount = len(c.frames)
		c.presenter.FrameCount(c.frameCount)
	})
}

// finalAnalysis is the background unit spawned by a stop command: one
// combined turn carrying every captured frame, then the parsed result is
// posted back to the loop.
func (c *Controller) finalAnalysis(conv Conversation, frames []Frame) {
	parts := make([]genai.Part, 0, len(frames)+2)
	parts = append(parts, genai.Text(finalIntro(len(frames))))
	for _, f := range frames {
		parts = append(parts, genai.ImagePNG(f.PNG))
	}
	parts = append(parts, genai.Text(finalPrompt))

	reply, err := conv.Send(c.ctx, parts...)
	if err != nil {
		c.post(func() { c.finishAnalysisError(err) })
		return
	}

	report := analysis.Parse(reply)
	c.post(func() { c.finishAnalysis(report, frames) })
}

func (c *Controller) finishAnalysisError(err error) {
	c.log.Error("final analysis failed", "error", err)
	c.presenter.AnalysisText(fmt.Sprintf("\n--- ANALYSIS ERROR ---\n%v", err), true)
	c.presenter.CoordsStatus(fmt.Sprintf("Analysis error: %v", err))
	c.setState(StateIdle)
}

func (c *Controller) finishAnalysis(report analysis.Report, frames []Frame) {
	c.presenter.AnalysisText(report.Analysis, false)

	switch {
	case !report.StructureFound:
		c.log.Warn("no structured data found in reply")
		c.presenter.CoordsStatus("Warning: no structured data found in the reply. Full response is in the analysis pane.")
	case report.DecodeErr != nil:
		c.log.Warn("failed to decode coordinate block", "error", report.DecodeErr)
		c.presenter.CoordsStatus(fmt.Sprintf("Error parsing JSON block: %v\nRaw JSON:\n%s", report.DecodeErr, report.RawBlock))
	default:
		c.plotCandidates(report.Candidates)
	}

	if c.store != nil {
		rec := AnalysisRecord{
			FrameCount: len(frames),
			Analysis:   report.Analysis,
			Candidates: report.Candidates,
		}
		for _, f := range frames {
			rec.Clues = append(rec.Clues, f.Clues)
		}
		go func() {
			if err := c.store.SaveAnalysis(c.ctx, rec); err != nil {
				c.log.Warn("failed to persist analysis", "error", err)
			}
		}()
	}

	c.setState(StateIdle)
}

func (c *Controller) plotCandidates(candidates []analysis.CandidateLocation) {
	c.presenter.ClearMarkers()

	var markers []Marker
	for i, cand := range candidates {
		lat, lon, err := cand.Coords()
		if err != nil {
			c.log.Warn("skipping invalid marker", "rank", i+1, "error", err)
			continue
		}
		markers = append(markers, Marker{
			Rank:       i + 1,
			Lat:        lat,
			Lon:        lon,
			Confidence: cand.Confidence,
			Reason:     cand.Reason,
		})
	}

	switch {
	case len(markers) > 0:
		c.presenter.PlotMarkers(markers, c.zoom)
		c.presenter.CoordsStatus(fmt.Sprintf("Plotted %d potential locations (ranked).", len(markers)))
		c.log.Info("plotted candidate locations", "count", len(markers))
	case len(candidates) > 0:
		c.presenter.CoordsStatus("Parsed coordinate data, but no valid coordinates to plot.")
	default:
		c.presenter.CoordsStatus("Parsed coordinate data is empty.")
	}
}
