package bot

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/loykin/trackctl/internal/supervisor"
	"github.com/loykin/trackctl/internal/track"
)

type fakeMessage struct {
	mu      sync.Mutex
	edits   []Embed
	deleted int
	delErr  error
}

func (m *fakeMessage) Edit(_ context.Context, e Embed) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := e
	cp.Fields = append([]Field(nil), e.Fields...)
	m.edits = append(m.edits, cp)
	return nil
}

func (m *fakeMessage) Delete(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted++
	return m.delErr
}

func (m *fakeMessage) last() Embed {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.edits) == 0 {
		return Embed{}
	}
	return m.edits[len(m.edits)-1]
}

func (m *fakeMessage) deletions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleted
}

type fakeInvocation struct {
	cmd     string
	opts    map[string]string
	roles   []string
	deferd  bool
	denied  string
	sent    []Embed
	msgs    []*fakeMessage
	sendErr error
}

func (f *fakeInvocation) Command() string           { return f.cmd }
func (f *fakeInvocation) Option(name string) string { return f.opts[name] }
func (f *fakeInvocation) User() string              { return "tester" }
func (f *fakeInvocation) RoleNames() []string       { return f.roles }

func (f *fakeInvocation) Defer(context.Context) error {
	f.deferd = true
	return nil
}

func (f *fakeInvocation) Deny(_ context.Context, text string) error {
	f.denied = text
	return nil
}

func (f *fakeInvocation) Send(_ context.Context, e Embed) (Message, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	cp := e
	cp.Fields = append([]Field(nil), e.Fields...)
	f.sent = append(f.sent, cp)
	m := &fakeMessage{}
	f.msgs = append(f.msgs, m)
	return m, nil
}

// final returns the last rendering of the first follow-up.
func (f *fakeInvocation) final() Embed {
	if len(f.msgs) == 0 {
		return Embed{}
	}
	if e := f.msgs[0].last(); e.Title != "" {
		return e
	}
	return f.sent[0]
}

type fakeController struct {
	mu       sync.Mutex
	calls    []string
	startRes supervisor.StartResult
	startErr error
	stopRes  supervisor.StopResult
	stopErr  error
	preErr   error
	panicOn  string
}

func (c *fakeController) record(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, op)
	if c.panicOn == op {
		panic("controller exploded")
	}
}

func (c *fakeController) Start(_ context.Context, track string) (supervisor.StartResult, error) {
	c.record("start:" + track)
	res := c.startRes
	res.Track = track
	return res, c.startErr
}

func (c *fakeController) Stop(context.Context) (supervisor.StopResult, error) {
	c.record("stop")
	return c.stopRes, c.stopErr
}

func (c *fakeController) PreStop(context.Context) (supervisor.StopResult, error) {
	c.record("prestop")
	return supervisor.StopResult{Reason: supervisor.ReasonNotRunning}, c.preErr
}

func (c *fakeController) history() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

type fakePresence struct {
	mu    sync.Mutex
	shown []string
	err   error
}

func (p *fakePresence) SetPresence(track string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.shown = append(p.shown, track)
	return p.err
}

func (p *fakePresence) current() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.shown) == 0 {
		return "", false
	}
	return p.shown[len(p.shown)-1], true
}

type listCatalog []string

func (c listCatalog) Names() []string { return append([]string(nil), c...) }

func (c listCatalog) Resolve(name string) (track.Track, bool) {
	for _, n := range c {
		if strings.EqualFold(n, name) {
			return track.Track{Name: n}, true
		}
	}
	return track.Track{}, false
}

func (c listCatalog) Suggest(string) []string { return c.Names() }

var errBoom = errors.New("boom")
