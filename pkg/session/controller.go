// Package session drives one owner's chat flow: thread selection, input
// submission, and completion handling.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"nimbusd/pkg/config"
	"nimbusd/pkg/inference"
	"nimbusd/pkg/logger"
	"nimbusd/pkg/models"
	"nimbusd/pkg/persona"
	"nimbusd/pkg/store"
)

// State is the controller's lifecycle position.
type State int

const (
	// StateIdle: ready for input, no request in flight for the active thread.
	StateIdle State = iota
	// StateAwaitingThread: no thread selected yet; the next submit creates one.
	StateAwaitingThread
	// StateComposing: the owner is drafting input.
	StateComposing
	// StatePending: a generation request is in flight for the active thread.
	StatePending
	// StateError: the last submission failed; resubmission is allowed.
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingThread:
		return "awaiting_thread"
	case StateComposing:
		return "composing"
	case StatePending:
		return "pending"
	case StateError:
		return "error"
	}
	return "unknown"
}

// ErrEmptyInput is returned when a submission carries neither text nor
// attachments after sanitization.
var ErrEmptyInput = errors.New("nothing to send")

// ErrThreadBusy is returned when the target thread already has a request
// in flight.
var ErrThreadBusy = errors.New("request already in flight for this thread")

const (
	defaultMaxContextExchanges = 20
	maxTitleLen                = 40
)

// Controller runs one owner's chat session. Completions are bound to the
// thread id captured at submission time, so switching the active thread
// while a request is pending never misroutes the response.
type Controller struct {
	owner  models.Owner
	store  *store.Store
	llm    *inference.Client
	engine *persona.Engine
	cfg    config.SessionConfig

	mu           sync.Mutex
	state        State
	activeThread string
	lastError    string
	inFlight     map[string]bool // thread id -> pending request
}

// NewController builds a controller for the owner. All collaborators are
// injected; the controller holds no package-level state.
func NewController(owner models.Owner, st *store.Store, llm *inference.Client, eng *persona.Engine, cfg config.SessionConfig) *Controller {
	return &Controller{
		owner:    owner,
		store:    st,
		llm:      llm,
		engine:   eng,
		cfg:      cfg,
		state:    StateAwaitingThread,
		inFlight: make(map[string]bool),
	}
}

// Owner returns the owner this controller serves.
func (c *Controller) Owner() models.Owner { return c.owner }

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ActiveThread returns the currently selected thread id, or empty.
func (c *Controller) ActiveThread() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeThread
}

// LastError returns the user-visible failure message from the most recent
// failed submission, valid while in StateError. It is presentation text,
// never stored as conversation content.
func (c *Controller) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// SelectThread makes the given thread active. Selecting while another
// thread's request is pending is legal; that completion still lands in
// its own thread.
func (c *Controller) SelectThread(threadID string) error {
	if _, err := c.store.GetThread(c.owner, threadID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeThread = threadID
	if !c.inFlight[threadID] {
		c.state = StateIdle
	} else {
		c.state = StatePending
	}
	return nil
}

// BeginCompose marks the owner as drafting. Purely informational; any
// state but Pending may move here.
func (c *Controller) BeginCompose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StatePending {
		c.state = StateComposing
	}
}

// Result is the outcome of a completed submission.
type Result struct {
	Thread   models.Thread
	Exchange models.Exchange
}

// Submit sends one user turn. Input is sanitized first; empty submissions
// are rejected without touching state. A missing active thread is created
// on the fly. The exchange is persisted with an empty response before the
// generation call, then completed in place. model may be empty to use the
// configured default.
func (c *Controller) Submit(ctx context.Context, query string, files []models.Attachment, model string) (Result, error) {
	clean := SanitizeInput(query)
	if clean == "" && len(files) == 0 {
		return Result{}, ErrEmptyInput
	}

	// the busy check and the reservation must share one critical section,
	// or two concurrent submits to the same thread both pass the check
	c.mu.Lock()
	threadID := c.activeThread
	if threadID != "" {
		if c.inFlight[threadID] {
			c.mu.Unlock()
			return Result{}, ErrThreadBusy
		}
		c.inFlight[threadID] = true
	}
	c.mu.Unlock()

	if threadID == "" {
		th, err := c.store.CreateThread(c.owner, titleFor(clean))
		if err != nil {
			return Result{}, err
		}
		threadID = th.ID
		c.mu.Lock()
		c.activeThread = threadID
		c.inFlight[threadID] = true
		c.mu.Unlock()
		logger.Info("session_thread_created", "owner", c.owner.Key(), "thread", threadID)
	}

	ex := models.Exchange{Query: clean, Files: files, TS: time.Now().UTC().UnixNano()}
	th, err := c.store.AppendExchange(c.owner, threadID, ex)
	if err != nil {
		c.mu.Lock()
		delete(c.inFlight, threadID)
		c.mu.Unlock()
		return Result{}, err
	}

	c.mu.Lock()
	c.state = StatePending
	c.lastError = ""
	c.mu.Unlock()

	// the request is bound to threadID from here on; the active thread
	// may change underneath us
	contextText := c.buildContext(th, threadID)

	resp, genErr := c.llm.Generate(ctx, inference.Request{
		Message: clean,
		Context: contextText,
		Model:   model,
		Files:   files,
	})
	if genErr != nil {
		generateFailures.Inc()
		c.finish(threadID, failureMessage(genErr))
		logger.Warn("session_generate_failed", "owner", c.owner.Key(), "thread", threadID, "error", genErr)
		return Result{}, genErr
	}

	resp = c.engine.Apply(resp, clean, c.personaFor())
	saved, err := c.store.SetExchangeResponse(c.owner, threadID, ex.TS, resp)
	if err != nil {
		c.finish(threadID, "failed to save the response")
		return Result{}, err
	}
	c.finish(threadID, "")
	generateCompleted.Inc()

	done := saved.History[len(saved.History)-1]
	for i := len(saved.History) - 1; i >= 0; i-- {
		if saved.History[i].TS == ex.TS {
			done = saved.History[i]
			break
		}
	}
	return Result{Thread: saved, Exchange: done}, nil
}

// finish clears the in-flight mark for threadID and sets the state the
// owner sees, which depends on whether they are still looking at that
// thread. A failure on a thread the owner has navigated away from does
// not flip the session into the error state; the submit error itself
// still reaches the caller.
func (c *Controller) finish(threadID, errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, threadID)
	if errMsg != "" {
		if c.activeThread == threadID {
			c.state = StateError
			c.lastError = errMsg
		}
		return
	}
	if c.activeThread == threadID || !c.inFlight[c.activeThread] {
		c.state = StateIdle
	}
}

// failureMessage maps an error to presentation text shown alongside the
// thread, keeping credential problems distinguishable from model hiccups.
func failureMessage(err error) string {
	if errors.Is(err, inference.ErrUnauthorized) {
		return "the assistant could not authenticate with its model provider; check the server configuration"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "the assistant took too long to respond; please try again"
	}
	return "the assistant could not produce a response; please try again"
}

// buildContext renders prior completed exchanges as text for the
// generation request. Cross-thread context is opt-in.
func (c *Controller) buildContext(current models.Thread, threadID string) string {
	max := c.cfg.MaxContextExchanges
	if max <= 0 {
		max = defaultMaxContextExchanges
	}

	var history []models.Exchange
	if c.cfg.CrossThreadContext {
		threads, err := c.store.ListThreads(c.owner)
		if err == nil {
			for _, th := range threads {
				if th.ID == threadID {
					continue
				}
				history = append(history, th.History...)
			}
		}
	}
	history = append(history, current.History...)

	var b strings.Builder
	// count only completed exchanges toward the cap
	completed := 0
	for _, e := range history {
		if !e.Pending() {
			completed++
		}
	}
	skip := completed - max
	for _, e := range history {
		if e.Pending() {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		fmt.Fprintf(&b, "User: %s\nAI: %s\n", e.Query, e.Response)
	}
	return strings.TrimSpace(b.String())
}

func (c *Controller) personaFor() models.Persona {
	us, err := c.store.GetSettings(c.owner)
	if err != nil {
		us = models.DefaultSettings()
	}
	return us.Persona
}

func titleFor(query string) string {
	t := strings.TrimSpace(query)
	if t == "" {
		return "New chat"
	}
	if len(t) > maxTitleLen {
		// back up to a rune boundary so the cut never splits a character
		cut := maxTitleLen
		for cut > 0 && !utf8.RuneStart(t[cut]) {
			cut--
		}
		t = strings.TrimSpace(t[:cut])
	}
	return t
}
