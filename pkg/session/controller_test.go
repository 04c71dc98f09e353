package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"nimbusd/pkg/config"
	"nimbusd/pkg/inference"
	"nimbusd/pkg/models"
	"nimbusd/pkg/persona"
	"nimbusd/pkg/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// quietEngine never fires the random humor tagline
func quietEngine() *persona.Engine {
	return persona.NewWithRand(func() float64 { return 0.0 })
}

func newTestController(t *testing.T, st *store.Store, upstream http.HandlerFunc) *Controller {
	t.Helper()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)
	llm := inference.NewClient(srv.URL, "", "", 2*time.Second)
	return NewController(models.UserOwner("alice"), st, llm, quietEngine(), config.SessionConfig{})
}

func echoUpstream(text string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(inference.Response{Response: text})
	}
}

func TestSubmitCreatesThreadAndCompletesExchange(t *testing.T) {
	st := openTestStore(t)
	c := newTestController(t, st, echoUpstream("hi there"))

	if c.State() != StateAwaitingThread {
		t.Fatalf("expected awaiting_thread, got %v", c.State())
	}

	res, err := c.Submit(context.Background(), "hello assistant", nil, "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle after completion, got %v", c.State())
	}
	if res.Thread.ID == "" || c.ActiveThread() != res.Thread.ID {
		t.Fatalf("expected created thread to become active: %+v", res.Thread)
	}
	if res.Exchange.Query != "hello assistant" || res.Exchange.Response != "hi there" {
		t.Fatalf("unexpected exchange: %+v", res.Exchange)
	}
	if res.Thread.Title != "hello assistant" {
		t.Fatalf("expected title from first input, got %q", res.Thread.Title)
	}

	// persisted, not just returned
	th, err := st.GetThread(models.UserOwner("alice"), res.Thread.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if len(th.History) != 1 || th.History[0].Response != "hi there" {
		t.Fatalf("exchange not persisted: %+v", th.History)
	}
}

func TestSubmitRejectsEmptyInput(t *testing.T) {
	st := openTestStore(t)
	c := newTestController(t, st, echoUpstream("never called"))

	cases := []string{"", "   ", "<script>alert(1)</script>", "<b></b>"}
	for _, q := range cases {
		if _, err := c.Submit(context.Background(), q, nil, ""); !errors.Is(err, ErrEmptyInput) {
			t.Fatalf("query %q: expected ErrEmptyInput, got %v", q, err)
		}
	}
	if c.State() != StateAwaitingThread {
		t.Fatalf("state changed on rejected input: %v", c.State())
	}

	// attachments alone are enough
	files := []models.Attachment{{Name: "a.png", Type: "image/png", Content: "data:..."}}
	if _, err := c.Submit(context.Background(), "", files, ""); err != nil {
		t.Fatalf("attachment-only submit failed: %v", err)
	}
}

func TestSubmitStripsMarkupBeforeStoring(t *testing.T) {
	st := openTestStore(t)
	var upstreamSaw string
	c := newTestController(t, st, func(w http.ResponseWriter, r *http.Request) {
		var req inference.Request
		json.NewDecoder(r.Body).Decode(&req)
		upstreamSaw = req.Message
		json.NewEncoder(w).Encode(inference.Response{Response: "ok"})
	})

	res, err := c.Submit(context.Background(), "<b>hello</b> <script>evil()</script>world", nil, "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Exchange.Query != "hello world" {
		t.Fatalf("markup not stripped from stored query: %q", res.Exchange.Query)
	}
	if upstreamSaw != "hello world" {
		t.Fatalf("markup leaked to inference: %q", upstreamSaw)
	}
}

func TestSubmitFailureLeavesResponseEmpty(t *testing.T) {
	st := openTestStore(t)
	c := newTestController(t, st, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	})

	_, err := c.Submit(context.Background(), "hello", nil, "")
	if err == nil {
		t.Fatalf("expected submit failure")
	}
	if c.State() != StateError {
		t.Fatalf("expected error state, got %v", c.State())
	}
	if c.LastError() == "" || strings.Contains(c.LastError(), "overloaded") {
		t.Fatalf("expected presentation message, got %q", c.LastError())
	}

	// query is kept, response stays empty
	th, err := st.GetThread(models.UserOwner("alice"), c.ActiveThread())
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if len(th.History) != 1 || !th.History[0].Pending() {
		t.Fatalf("expected pending exchange preserved: %+v", th.History)
	}

	// resubmission is allowed from the error state
	if _, err := c.Submit(context.Background(), "hello again", nil, ""); err == nil {
		t.Fatalf("upstream still failing, expected error")
	}
	if len(mustThread(t, st, c.ActiveThread()).History) != 2 {
		t.Fatalf("resubmit did not append")
	}
}

func mustThread(t *testing.T, st *store.Store, id string) models.Thread {
	t.Helper()
	th, err := st.GetThread(models.UserOwner("alice"), id)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	return th
}

func TestSubmitAuthFailureIsDistinct(t *testing.T) {
	st := openTestStore(t)
	c := newTestController(t, st, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad key"}`, http.StatusUnauthorized)
	})

	_, err := c.Submit(context.Background(), "hello", nil, "")
	if !errors.Is(err, inference.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if !strings.Contains(c.LastError(), "authenticate") {
		t.Fatalf("expected auth-specific message, got %q", c.LastError())
	}
}

func TestCompletionLandsInOriginatingThread(t *testing.T) {
	st := openTestStore(t)
	owner := models.UserOwner("alice")

	entered := make(chan struct{})
	release := make(chan struct{})
	c := newTestController(t, st, func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		json.NewEncoder(w).Encode(inference.Response{Response: "slow answer"})
	})

	first, err := st.CreateThread(owner, "first")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	second, err := st.CreateThread(owner, "second")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if err := c.SelectThread(first.ID); err != nil {
		t.Fatalf("SelectThread: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), "question for first", nil, "")
		done <- err
	}()

	<-entered
	if c.State() != StatePending {
		t.Fatalf("expected pending while in flight, got %v", c.State())
	}
	// switching threads mid-flight is legal
	if err := c.SelectThread(second.ID); err != nil {
		t.Fatalf("SelectThread mid-flight: %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, err := st.GetThread(owner, first.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if len(got.History) != 1 || got.History[0].Response != "slow answer" {
		t.Fatalf("completion missed originating thread: %+v", got.History)
	}
	other, err := st.GetThread(owner, second.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if len(other.History) != 0 {
		t.Fatalf("completion leaked into active thread: %+v", other.History)
	}
}

func TestOnePendingRequestPerThread(t *testing.T) {
	st := openTestStore(t)
	owner := models.UserOwner("alice")

	entered := make(chan struct{})
	release := make(chan struct{})
	c := newTestController(t, st, func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		json.NewEncoder(w).Encode(inference.Response{Response: "ok"})
	})

	th, err := st.CreateThread(owner, "busy")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if err := c.SelectThread(th.ID); err != nil {
		t.Fatalf("SelectThread: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), "first", nil, "")
		done <- err
	}()
	<-entered

	if _, err := c.Submit(context.Background(), "second", nil, ""); !errors.Is(err, ErrThreadBusy) {
		t.Fatalf("expected ErrThreadBusy, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Submit: %v", err)
	}
}

func TestConcurrentSubmitsNeverSharePending(t *testing.T) {
	st := openTestStore(t)
	owner := models.UserOwner("alice")

	// the upstream tracks how many requests it is serving at once; the
	// busy guard must keep that at one per thread
	var cur, peak int64
	c := newTestController(t, st, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&cur, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt64(&cur, -1)
		json.NewEncoder(w).Encode(inference.Response{Response: "ack"})
	})

	th, err := st.CreateThread(owner, "hot")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if err := c.SelectThread(th.ID); err != nil {
		t.Fatalf("SelectThread: %v", err)
	}

	for round := 0; round < 25; round++ {
		var wg sync.WaitGroup
		for i := 0; i < 2; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := c.Submit(context.Background(), "ping", nil, ""); err != nil && !errors.Is(err, ErrThreadBusy) {
					t.Errorf("Submit: %v", err)
				}
			}()
		}
		wg.Wait()
	}
	if p := atomic.LoadInt64(&peak); p > 1 {
		t.Fatalf("%d requests in flight for one thread at once", p)
	}
}

func TestBackgroundFailureDoesNotFlagActiveThread(t *testing.T) {
	st := openTestStore(t)
	owner := models.UserOwner("alice")

	entered := make(chan struct{})
	release := make(chan struct{})
	c := newTestController(t, st, func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	})

	first, err := st.CreateThread(owner, "first")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	second, err := st.CreateThread(owner, "second")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if err := c.SelectThread(first.ID); err != nil {
		t.Fatalf("SelectThread: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background(), "doomed question", nil, "")
		done <- err
	}()
	<-entered
	if err := c.SelectThread(second.ID); err != nil {
		t.Fatalf("SelectThread mid-flight: %v", err)
	}
	close(release)
	if err := <-done; err == nil {
		t.Fatalf("expected submit failure")
	}

	// the submitter got the error; the thread the owner is looking at is fine
	if c.State() != StateIdle {
		t.Fatalf("background failure leaked into session state: %v", c.State())
	}
	if c.LastError() != "" {
		t.Fatalf("background failure left a message on the active thread: %q", c.LastError())
	}
	th := mustThread(t, st, first.ID)
	if len(th.History) != 1 || !th.History[0].Pending() {
		t.Fatalf("expected pending exchange preserved on failed thread: %+v", th.History)
	}
}

func TestTitleTruncationKeepsValidUTF8(t *testing.T) {
	q := strings.Repeat("a", 39) + "日本語の長いタイトル"
	title := titleFor(q)
	if !utf8.ValidString(title) {
		t.Fatalf("title is not valid utf-8: %q", title)
	}
	if len(title) > maxTitleLen {
		t.Fatalf("title exceeds limit: %d bytes", len(title))
	}
	if got := titleFor("short one"); got != "short one" {
		t.Fatalf("short title mangled: %q", got)
	}
}

func TestManagerReturnsOneControllerPerOwner(t *testing.T) {
	st := openTestStore(t)
	srv := httptest.NewServer(echoUpstream("ok"))
	defer srv.Close()
	llm := inference.NewClient(srv.URL, "", "", time.Second)
	m := NewManager(st, llm, quietEngine(), config.SessionConfig{})

	a1 := m.Get(models.UserOwner("alice"))
	a2 := m.Get(models.UserOwner("alice"))
	b := m.Get(models.GuestOwner("10_0_0_1"))
	if a1 != a2 {
		t.Fatalf("expected same controller for same owner")
	}
	if a1 == b {
		t.Fatalf("expected distinct controllers per owner")
	}

	m.Drop(models.UserOwner("alice"))
	if m.Get(models.UserOwner("alice")) == a1 {
		t.Fatalf("expected fresh controller after Drop")
	}
}

func TestSanitizeInput(t *testing.T) {
	cases := []struct{ in, want string }{
		{"plain text", "plain text"},
		{"<b>bold</b> move", "bold move"},
		{"<script>steal()</script>after", "after"},
		{"<SCRIPT src='x'>a</SCRIPT>b", "b"},
		{"a   b\tc", "a b c"},
		{"  padded  ", "padded"},
	}
	for _, c := range cases {
		if got := SanitizeInput(c.in); got != c.want {
			t.Fatalf("SanitizeInput(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
