// Package bot turns chat commands into supervisor calls. The Dispatcher is
// platform neutral; discord.go adapts it to Discord.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"

	"github.com/loykin/trackctl/internal/controller"
	"github.com/loykin/trackctl/internal/metrics"
	"github.com/loykin/trackctl/internal/state"
	"github.com/loykin/trackctl/internal/supervisor"
	"github.com/loykin/trackctl/internal/track"
)

// Command names.
const (
	CmdServerList   = "serverlist"
	CmdCurrentTrack = "currenttrack"
	CmdStart        = "start"
	CmdShutdown     = "shutdown"

	// OptTrackName is the /start option carrying the track.
	OptTrackName = "track_name"
)

// DefaultAdminRole may start and stop servers.
const DefaultAdminRole = "Game Admin"

// Controller runs supervisor operations.
type Controller interface {
	Start(ctx context.Context, track string) (supervisor.StartResult, error)
	Stop(ctx context.Context) (supervisor.StopResult, error)
	PreStop(ctx context.Context) (supervisor.StopResult, error)
}

// Catalog lists the tracks users may pick from.
type Catalog interface {
	Names() []string
	Resolve(name string) (track.Track, bool)
	Suggest(partial string) []string
}

// Presence shows the running track in the bot's status; "" means idle.
type Presence interface {
	SetPresence(track string) error
}

// Invocation is one slash command as delivered by the chat platform.
type Invocation interface {
	Command() string
	Option(name string) string
	User() string
	// RoleNames is nil when the invoker is not a guild member.
	RoleNames() []string
	Defer(ctx context.Context) error
	// Deny answers privately and ends the invocation.
	Deny(ctx context.Context, text string) error
	Send(ctx context.Context, e Embed) (Message, error)
}

// Message is a follow-up the bot sent.
type Message interface {
	Edit(ctx context.Context, e Embed) error
	Delete(ctx context.Context) error
}

// RoleAuthorizer admits members holding Role.
type RoleAuthorizer struct {
	Role string
}

// Allowed reports whether roles contains the admin role.
func (a RoleAuthorizer) Allowed(roles []string) bool {
	want := a.Role
	if want == "" {
		want = DefaultAdminRole
	}
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

// Deps wires a Dispatcher.
type Deps struct {
	Controller Controller
	Catalog    Catalog
	State      *state.Store
	Presence   Presence
	Janitor    *Janitor
	Auth       RoleAuthorizer
	Logger     *slog.Logger
}

// Dispatcher handles commands. Handle may be called concurrently.
type Dispatcher struct {
	ctl      Controller
	catalog  Catalog
	state    *state.Store
	presence Presence
	janitor  *Janitor
	auth     RoleAuthorizer
	log      *slog.Logger
}

// NewDispatcher builds a Dispatcher. Presence may be nil.
func NewDispatcher(deps Deps) *Dispatcher {
	d := &Dispatcher{
		ctl:      deps.Controller,
		catalog:  deps.Catalog,
		state:    deps.State,
		presence: deps.Presence,
		janitor:  deps.Janitor,
		auth:     deps.Auth,
		log:      deps.Logger,
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	if d.janitor == nil {
		d.janitor = NewJanitor(0, d.log)
	}
	return d
}

// SetPresence attaches the presence sink once the platform session exists.
func (d *Dispatcher) SetPresence(p Presence) { d.presence = p }

// Handle runs one command. Panics are recovered and reported to the user.
func (d *Dispatcher) Handle(ctx context.Context, inv Invocation) {
	cmd := inv.Command()
	log := d.log.With("command", cmd, "user", inv.User())
	defer func() {
		if r := recover(); r != nil {
			log.Error("command panicked", "panic", r, "stack", string(debug.Stack()))
			metrics.IncCommand(cmd, "panic")
			e := Embed{Title: "❌ Internal Error", Description: "The command failed unexpectedly.", Color: ColorError}
			if msg, err := inv.Send(ctx, e); err == nil {
				d.janitor.Schedule(msg)
			}
		}
	}()

	var outcome string
	var err error
	switch cmd {
	case CmdServerList:
		outcome, err = d.serverList(ctx, inv)
	case CmdCurrentTrack:
		outcome, err = d.currentTrack(ctx, inv)
	case CmdStart:
		outcome, err = d.start(ctx, inv, log)
	case CmdShutdown:
		outcome, err = d.shutdown(ctx, inv, log)
	default:
		outcome, err = "unknown", inv.Deny(ctx, "Unknown command.")
	}
	if err != nil {
		log.Warn("command response failed", "error", err)
		outcome = "error"
	}
	metrics.IncCommand(cmd, outcome)
}

// Autocomplete returns track choices for a partially typed name.
func (d *Dispatcher) Autocomplete(partial string) []string {
	return d.catalog.Suggest(partial)
}

// HandleMessage deletes plain chat messages that look like commands.
func (d *Dispatcher) HandleMessage(ctx context.Context, content string, remove func(context.Context) error) {
	if !strings.HasPrefix(content, "/") {
		return
	}
	if err := remove(ctx); err != nil {
		d.log.Debug("delete command-like message", "error", err)
	}
}

// SyncPresence shows the persisted track, e.g. after reconnecting.
func (d *Dispatcher) SyncPresence() {
	d.setPresence(d.state.Snapshot().TrackName())
}

func (d *Dispatcher) setPresence(track string) {
	metrics.SetServerRunning(track != "")
	if d.presence == nil {
		return
	}
	if err := d.presence.SetPresence(track); err != nil {
		d.log.Warn("update presence", "track", track, "error", err)
	}
}

func (d *Dispatcher) saveState(track, link string, status state.Status) {
	if err := d.state.Set(track, link, status); err != nil {
		d.log.Error("persist state", "error", err)
	}
}

func (d *Dispatcher) clearState() {
	if err := d.state.Clear(); err != nil {
		d.log.Error("persist state", "error", err)
	}
}

// reply sends e as a transient follow-up.
func (d *Dispatcher) reply(ctx context.Context, inv Invocation, e Embed) error {
	msg, err := inv.Send(ctx, e)
	if err != nil {
		return err
	}
	d.janitor.Schedule(msg)
	return nil
}

func (d *Dispatcher) serverList(ctx context.Context, inv Invocation) (string, error) {
	if err := inv.Defer(ctx); err != nil {
		return "", err
	}
	e := Embed{Title: "📂 Available Tracks", Color: ColorInfo}
	if tracks := d.catalog.Names(); len(tracks) == 0 {
		e.Description = "⚠️ No tracks found."
	} else {
		e.Description = bulletList(tracks)
	}
	return "ok", d.reply(ctx, inv, e)
}

func (d *Dispatcher) currentTrack(ctx context.Context, inv Invocation) (string, error) {
	if err := inv.Defer(ctx); err != nil {
		return "", err
	}
	snap := d.state.Snapshot()
	if !snap.Active() {
		e := Embed{Title: "⚠️ No Active Server", Color: ColorWarn,
			Description: "No Assetto Corsa server is currently running."}
		return "ok", d.reply(ctx, inv, e)
	}
	e := Embed{Title: "🏁 Current Track", Color: ColorSuccess, Description: "**" + snap.TrackName() + "**"}
	if link := snap.JoinLink(); link != "" {
		e.AddField("Join Link", link, false)
	}
	switch snap.Status {
	case state.StatusStarting:
		e.Color = ColorWarn
		e.AddField("Status", "⏳ Still starting, no join link yet.", false)
	case state.StatusUnknown:
		e.Color = ColorWarn
		e.AddField("Status", "❔ Unknown, the last start did not report back.", false)
	}
	return "ok", d.reply(ctx, inv, e)
}

// statusField is the index of the Status field in the start embed.
const statusField = 1

func (d *Dispatcher) start(ctx context.Context, inv Invocation, log *slog.Logger) (string, error) {
	if !d.auth.Allowed(inv.RoleNames()) {
		return "denied", inv.Deny(ctx, "🚫 You do not have permission to start a server.")
	}
	if err := inv.Defer(ctx); err != nil {
		return "", err
	}
	requested := strings.TrimSpace(inv.Option(OptTrackName))

	e := Embed{Title: "🏁 Starting Server", Color: ColorInfo}
	e.AddField("Track", requested, true)
	e.AddField("Status", "⚙️ Preparing...", false)
	msg, err := inv.Send(ctx, e)
	if err != nil {
		return "", err
	}
	defer d.janitor.Schedule(msg)
	update := func(color int, status string) {
		e.Color = color
		e.SetField(statusField, "Status", status)
		if err := msg.Edit(ctx, e); err != nil {
			log.Warn("edit status message", "error", err)
		}
	}

	t, ok := d.catalog.Resolve(requested)
	if !ok {
		e.AddField("Available", bulletList(d.catalog.Names()), false)
		update(ColorError, fmt.Sprintf("❌ Track `%s` not found.", requested))
		return "invalid", nil
	}
	e.SetField(0, "Track", t.Name)

	update(ColorInfo, "🧹 Shutting down any existing server...")
	if _, err := d.ctl.PreStop(ctx); err != nil {
		log.Warn("pre-start stop failed", "error", err)
		update(ColorInfo, fmt.Sprintf("⚠️ Error stopping old server: `%v`", err))
	}

	update(ColorInfo, fmt.Sprintf("🚀 Starting **%s**...", t.Name))
	res, err := d.ctl.Start(ctx, t.Name)
	switch {
	case errors.Is(err, controller.ErrCallTimeout):
		log.Warn("start call timed out", "track", t.Name)
		d.saveState(t.Name, "", state.StatusUnknown)
		d.setPresence(t.Name)
		update(ColorWarn, "⚠️ Timeout, the server might still be starting.")
		return "timeout", nil
	case err != nil:
		log.Error("start failed", "track", t.Name, "error", err)
		d.clearState()
		d.setPresence("")
		update(ColorError, fmt.Sprintf("❌ Failed to start: `%v`", err))
		return "failed", nil
	case res.OutputClosed:
		log.Warn("server exited during startup", "track", t.Name, "pid", res.PID)
		d.clearState()
		d.setPresence("")
		update(ColorError, "❌ Server exited during startup.")
		return "failed", nil
	case res.TimedOut:
		d.saveState(t.Name, "", state.StatusStarting)
		d.setPresence(t.Name)
		e.AddField("Join Link", "⚠️ No link found.", false)
		update(ColorWarn, "⏳ Server launched but has not reported a join link yet.")
		return "starting", nil
	}

	d.saveState(t.Name, res.JoinAddress, state.StatusRunning)
	d.setPresence(t.Name)
	link := res.JoinAddress
	if link == "" {
		link = "⚠️ No link found."
	}
	e.AddField("Join Link", link, false)
	update(ColorSuccess, "✅ Server started successfully!")
	log.Info("server started", "track", t.Name, "pid", res.PID, "join_url", res.JoinAddress)
	return "ok", nil
}

func (d *Dispatcher) shutdown(ctx context.Context, inv Invocation, log *slog.Logger) (string, error) {
	if !d.auth.Allowed(inv.RoleNames()) {
		return "denied", inv.Deny(ctx, "🚫 You do not have permission to shut down the server.")
	}
	if err := inv.Defer(ctx); err != nil {
		return "", err
	}
	e := Embed{Title: "🛑 Shutting Down Server", Color: ColorInfo}
	e.AddField("Status", "Stopping server...", false)
	msg, err := inv.Send(ctx, e)
	if err != nil {
		return "", err
	}
	defer d.janitor.Schedule(msg)

	res, err := d.ctl.Stop(ctx)
	if err != nil {
		log.Error("stop failed", "error", err)
		e.Color = ColorError
		e.SetField(0, "Status", fmt.Sprintf("❌ Error: `%v`", err))
		if errors.Is(err, controller.ErrCallTimeout) {
			e.AddField("Note", "The server may still be stopping.", false)
		}
		if eerr := msg.Edit(ctx, e); eerr != nil {
			log.Warn("edit status message", "error", eerr)
		}
		return "failed", nil
	}

	prev := d.state.Snapshot().TrackName()
	if prev == "" {
		prev = "unknown"
	}
	d.clearState()
	d.setPresence("")

	e.Color = ColorSuccess
	e.SetField(0, "Status", fmt.Sprintf("✅ Server stopped (%s).", prev))
	if res.Reason == supervisor.ReasonNotRunning {
		e.SetField(0, "Status", "✅ No server was running.")
	}
	if err := msg.Edit(ctx, e); err != nil {
		log.Warn("edit status message", "error", err)
	}
	log.Info("server stopped", "track", prev, "reason", res.Reason)
	return "ok", nil
}
