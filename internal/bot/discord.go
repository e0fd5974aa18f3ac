package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/loykin/trackctl/internal/track"
)

// idlePresence is shown while no server runs.
const idlePresence = "🛑 No Server Running"

var commandDefs = []*discordgo.ApplicationCommand{
	{Name: CmdServerList, Description: "List available tracks."},
	{Name: CmdCurrentTrack, Description: "Show the currently running track."},
	{
		Name:        CmdStart,
		Description: "Start an Assetto Corsa server for a chosen track.",
		Options: []*discordgo.ApplicationCommandOption{{
			Type:         discordgo.ApplicationCommandOptionString,
			Name:         OptTrackName,
			Description:  "The name of the track to start.",
			Required:     true,
			Autocomplete: true,
		}},
	},
	{Name: CmdShutdown, Description: "Stop the Assetto Corsa server."},
}

// Discord connects a Dispatcher to one Discord guild.
type Discord struct {
	session *discordgo.Session
	guildID string
	log     *slog.Logger

	mu  sync.Mutex
	d   *Dispatcher
	ctx context.Context
}

// NewDiscord prepares a bot session; nothing connects until Run.
func NewDiscord(token, guildID string, logger *slog.Logger) (*Discord, error) {
	if token == "" {
		return nil, errors.New("discord token is required")
	}
	if guildID == "" {
		return nil, errors.New("guild id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentGuilds | discordgo.IntentGuildMembers |
		discordgo.IntentGuildMessages | discordgo.IntentMessageContent
	routeLibraryLogs(logger.With("component", "discordgo"))
	return &Discord{session: s, guildID: guildID, log: logger}, nil
}

// routeLibraryLogs sends discordgo's own log output through slog.
func routeLibraryLogs(l *slog.Logger) {
	discordgo.Logger = func(msgL, _ int, format string, a ...interface{}) {
		msg := fmt.Sprintf(format, a...)
		switch msgL {
		case discordgo.LogError:
			l.Error(msg)
		case discordgo.LogWarning:
			l.Warn(msg)
		case discordgo.LogInformational:
			l.Info(msg)
		default:
			l.Debug(msg)
		}
	}
}

// Run connects, serves d until ctx is done and then disconnects.
func (b *Discord) Run(ctx context.Context, d *Dispatcher) error {
	b.mu.Lock()
	b.d, b.ctx = d, ctx
	b.mu.Unlock()
	d.SetPresence(b)

	b.session.AddHandler(b.onReady)
	b.session.AddHandler(b.onInteraction)
	b.session.AddHandler(b.onMessage)
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	<-ctx.Done()
	b.log.Info("Disconnecting from Discord")
	return b.session.Close()
}

func (b *Discord) dispatcher() (*Dispatcher, context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.d, b.ctx
}

// SetPresence implements Presence.
func (b *Discord) SetPresence(track string) error {
	if track != "" {
		return b.session.UpdateGameStatus(0, "🏁 "+track)
	}
	return b.session.UpdateStatusComplex(discordgo.UpdateStatusData{
		Status:     string(discordgo.StatusIdle),
		Activities: []*discordgo.Activity{{Name: idlePresence, Type: discordgo.ActivityTypeGame}},
	})
}

func (b *Discord) onReady(s *discordgo.Session, r *discordgo.Ready) {
	b.log.Info("Logged in", "user", r.User.Username, "id", r.User.ID)
	cmds, err := s.ApplicationCommandBulkOverwrite(r.User.ID, b.guildID, commandDefs)
	if err != nil {
		b.log.Error("Command sync failed", "guild", b.guildID, "error", err)
	} else {
		b.log.Info("Synced commands", "count", len(cmds), "guild", b.guildID)
	}
	if d, _ := b.dispatcher(); d != nil {
		d.SyncPresence()
	}
}

func (b *Discord) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || (s.State.User != nil && m.Author.ID == s.State.User.ID) {
		return
	}
	d, ctx := b.dispatcher()
	if d == nil {
		return
	}
	d.HandleMessage(ctx, m.Content, func(ctx context.Context) error {
		return s.ChannelMessageDelete(m.ChannelID, m.ID, discordgo.WithContext(ctx))
	})
}

func (b *Discord) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	d, ctx := b.dispatcher()
	if d == nil || i.GuildID != b.guildID {
		return
	}
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		d.Handle(ctx, &interaction{s: s, i: i, guildID: b.guildID})
	case discordgo.InteractionApplicationCommandAutocomplete:
		b.autocomplete(ctx, s, i, d)
	}
}

func (b *Discord) autocomplete(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate, d *Dispatcher) {
	var partial string
	for _, opt := range i.ApplicationCommandData().Options {
		if opt.Focused && opt.Type == discordgo.ApplicationCommandOptionString {
			partial = opt.StringValue()
		}
	}
	names := d.Autocomplete(partial)
	choices := make([]*discordgo.ApplicationCommandOptionChoice, 0, track.MaxSuggestions)
	for _, n := range names {
		choices = append(choices, &discordgo.ApplicationCommandOptionChoice{Name: n, Value: n})
	}
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionApplicationCommandAutocompleteResult,
		Data: &discordgo.InteractionResponseData{Choices: choices},
	}, discordgo.WithContext(ctx))
	if err != nil {
		b.log.Debug("autocomplete response", "error", err)
	}
}

// interaction adapts a Discord slash command to Invocation.
type interaction struct {
	s       *discordgo.Session
	i       *discordgo.InteractionCreate
	guildID string
}

func (x *interaction) Command() string { return x.i.ApplicationCommandData().Name }

func (x *interaction) Option(name string) string {
	for _, opt := range x.i.ApplicationCommandData().Options {
		if opt.Name == name && opt.Type == discordgo.ApplicationCommandOptionString {
			return opt.StringValue()
		}
	}
	return ""
}

func (x *interaction) User() string {
	switch {
	case x.i.Member != nil && x.i.Member.User != nil:
		return x.i.Member.User.Username
	case x.i.User != nil:
		return x.i.User.Username
	}
	return ""
}

// RoleNames resolves the member's role IDs, falling back to a REST lookup
// when the state cache misses.
func (x *interaction) RoleNames() []string {
	if x.i.Member == nil {
		return nil
	}
	names := make([]string, 0, len(x.i.Member.Roles))
	var fetched map[string]string
	for _, id := range x.i.Member.Roles {
		if r, err := x.s.State.Role(x.guildID, id); err == nil {
			names = append(names, r.Name)
			continue
		}
		if fetched == nil {
			fetched = map[string]string{}
			if roles, err := x.s.GuildRoles(x.guildID); err == nil {
				for _, r := range roles {
					fetched[r.ID] = r.Name
				}
			}
		}
		if n, ok := fetched[id]; ok {
			names = append(names, n)
		}
	}
	return names
}

func (x *interaction) Defer(ctx context.Context) error {
	return x.s.InteractionRespond(x.i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}, discordgo.WithContext(ctx))
}

func (x *interaction) Deny(ctx context.Context, text string) error {
	return x.s.InteractionRespond(x.i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{Content: text, Flags: discordgo.MessageFlagsEphemeral},
	}, discordgo.WithContext(ctx))
}

func (x *interaction) Send(ctx context.Context, e Embed) (Message, error) {
	m, err := x.s.FollowupMessageCreate(x.i.Interaction, true, &discordgo.WebhookParams{
		Embeds: []*discordgo.MessageEmbed{toDiscord(e)},
	}, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	return &followup{s: x.s, i: x.i.Interaction, id: m.ID}, nil
}

// followup is a message sent through the interaction webhook.
type followup struct {
	s  *discordgo.Session
	i  *discordgo.Interaction
	id string
}

func (f *followup) Edit(ctx context.Context, e Embed) error {
	embeds := []*discordgo.MessageEmbed{toDiscord(e)}
	_, err := f.s.FollowupMessageEdit(f.i, f.id, &discordgo.WebhookEdit{Embeds: &embeds}, discordgo.WithContext(ctx))
	return err
}

func (f *followup) Delete(ctx context.Context) error {
	return f.s.FollowupMessageDelete(f.i, f.id, discordgo.WithContext(ctx))
}

func toDiscord(e Embed) *discordgo.MessageEmbed {
	out := &discordgo.MessageEmbed{
		Title:       e.Title,
		Description: truncate(e.Description, maxDescription),
		Color:       e.Color,
	}
	for _, f := range e.Fields {
		out.Fields = append(out.Fields, &discordgo.MessageEmbedField{
			Name:   truncate(f.Name, 256),
			Value:  truncate(f.Value, 1024),
			Inline: f.Inline,
		})
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n - len("…")
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut]) + "…"
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
