package discord

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/K3das/turtle/controller"
	"github.com/K3das/turtle/messages"
	"github.com/K3das/turtle/utils"
	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

var DefaultAllowedMentions = &discordgo.MessageAllowedMentions{
	Parse: []discordgo.AllowedMentionType{},
}

type DiscordExecutionError struct {
	Message string
	Err     error
	// If true, do not log this error
	UserError bool
}

func (err DiscordExecutionError) Error() string {
	if err.Err == nil {
		return err.Message
	}
	return err.Err.Error()
}

func (e DiscordExecutionError) Unwrap() error {
	return e.Err
}

// Turtle is what the panel drives.
type Turtle interface {
	ToggleListening(ctx context.Context) (controller.ListeningState, error)
	Reset(ctx context.Context) error
	Snapshot() controller.State
	Subscribe(fn func(controller.State))
}

// CanvasRenderer draws the current canvas for the panel.
type CanvasRenderer interface {
	EncodePNG(w io.Writer) error
}

type panelMessage struct {
	channelID string
	messageID string
}

type DiscordBot struct {
	log *zap.Logger

	discord  *discordgo.Session
	messages *messages.MessageProvider
	turtle   Turtle
	canvas   CanvasRenderer
	http     *http.Client

	self *discordgo.User

	commands   map[string]*discordgo.ApplicationCommand
	commandsMu sync.RWMutex

	knownServers map[string]struct{}

	// the most recent panel, refreshed on every state change
	panel   *panelMessage
	panelMu sync.Mutex

	modelErr     error
	panelUpdates chan controller.State
}

type DiscordBotOptions struct {
	ParentLogger *zap.Logger
	Messages     *messages.MessageProvider
	Turtle       Turtle
	Canvas       CanvasRenderer
	// ModelError is shown on the panel when the classifier failed to load.
	ModelError error

	Token string
	// Servers limits the bot to these guilds. Empty allows every guild.
	Servers []string
}

type DiscordBotOptionsExtraOptions func(*DiscordBot)

func WithHTTPClient(client *http.Client) DiscordBotOptionsExtraOptions {
	return func(b *DiscordBot) {
		b.http = client
	}
}

func newBot(options DiscordBotOptions, extraOptions ...DiscordBotOptionsExtraOptions) *DiscordBot {
	b := &DiscordBot{
		log:      options.ParentLogger.Named("discord_bot"),
		messages: options.Messages,
		turtle:   options.Turtle,
		canvas:   options.Canvas,
		modelErr: options.ModelError,

		http:         http.DefaultClient,
		knownServers: make(map[string]struct{}),
		panelUpdates: make(chan controller.State, 1),
	}
	for _, option := range extraOptions {
		option(b)
	}

	for _, v := range options.Servers {
		b.knownServers[v] = struct{}{}
	}

	return b
}

func NewDiscordBot(ctx context.Context, options DiscordBotOptions, extraOptions ...DiscordBotOptionsExtraOptions) (*DiscordBot, error) {
	b := newBot(options, extraOptions...)

	discord, err := discordgo.New("Bot " + options.Token)
	if err != nil {
		return nil, fmt.Errorf("creating discordgo instance: %w", err)
	}
	b.discord = discord
	b.discord.Client = b.http

	state := discordgo.NewState()
	state.TrackChannels = false
	state.TrackThreads = false
	state.TrackEmojis = false
	state.TrackStickers = false
	state.TrackMembers = false
	state.TrackThreadMembers = false
	state.TrackRoles = false
	state.TrackVoice = false
	state.TrackPresences = false
	b.discord.State = state
	b.discord.StateEnabled = true

	b.discord.AddHandler(b.handleReady)
	b.discord.AddHandler(b.handleInteractionCreate)

	b.discord.Identify.Presence = discordgo.GatewayStatusUpdate{
		Game: discordgo.Activity{
			Name:  "🐢",
			Type:  discordgo.ActivityTypeCustom,
			State: "🐢",
		},
	}

	b.self, err = b.discord.User("@me", discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("checking discord session: %w", err)
	}

	b.log = b.log.With(zap.String("bot_id", b.self.ID))
	b.log.Info("discord api works")

	err = b.registerCommands(ctx)
	if err != nil {
		return nil, fmt.Errorf("registering commands: %w", err)
	}

	b.turtle.Subscribe(b.queuePanelUpdate)

	return b, nil
}

func (b *DiscordBot) handleReady(s *discordgo.Session, e *discordgo.Ready) {
	b.log.Info("gateway ready")
}

func (b *DiscordBot) Open() error {
	return b.discord.Open()
}

func (b *DiscordBot) Close() error {
	return b.discord.Close()
}

func (b *DiscordBot) Run(ctx context.Context) error {
	defer utils.PanicRecovery(b.log)

	err := b.Open()
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}

	go b.runPanelUpdates(ctx)

	<-ctx.Done()

	err = b.Close()
	if err != nil {
		return fmt.Errorf("closing discord websocket: %w", err)
	}

	return nil
}

func (b *DiscordBot) isGuildInScope(guildID string) bool {
	if len(b.knownServers) == 0 {
		return true
	}
	_, ok := b.knownServers[guildID]
	return ok
}
