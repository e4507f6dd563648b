package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/RTCFlyer/discord-media-helper/internal/domain"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"
)

const (
	contextMenuName  = "Embed media"
	slashCommandName = "embed-media"

	presenceInterval = time.Hour
)

// Discord implements domain.Channel for Discord.
type Discord struct {
	token   string
	guildID string
	gateway *Gateway
	gallery *GalleryStore
	now     func() time.Time
	logger  *slog.Logger
	session *discordgo.Session
	ctx     context.Context
	started time.Time
}

// DiscordConfig configures the Discord channel.
type DiscordConfig struct {
	Token string
	// GuildID limits commands and message handling to one server. Empty
	// means global.
	GuildID string
	Gateway *Gateway
	Gallery *GalleryStore
	Now     func() time.Time
	Logger  *slog.Logger
}

// NewDiscord creates a new Discord channel handler.
func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Gallery == nil {
		cfg.Gallery = NewGalleryStore()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Discord{
		token:   cfg.Token,
		guildID: cfg.GuildID,
		gateway: cfg.Gateway,
		gallery: cfg.Gallery,
		now:     cfg.Now,
		logger:  cfg.Logger,
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects to Discord and serves events until ctx is cancelled.
func (d *Discord) Start(ctx context.Context) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	d.session = session
	d.ctx = ctx
	d.started = d.now()

	session.AddHandler(d.onMessage)
	session.AddHandler(d.onInteraction)

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.logger.Info("discord bot connected", "user", session.State.User.Username)

	d.registerCommands()
	go d.presenceLoop(ctx)

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting", "uptime", humanize.RelTime(d.started, d.now(), "", ""))
	return d.Stop()
}

func (d *Discord) Stop() error {
	if d.session == nil {
		return nil
	}
	return d.session.Close()
}

func (d *Discord) inGuild(guildID string) bool {
	return d.guildID == "" || guildID == d.guildID
}

// --- Messages ---

func (d *Discord) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || !d.inGuild(m.GuildID) {
		return
	}
	urls := d.gateway.Resolve(m.Content, false)
	if len(urls) == 0 {
		return
	}

	log := d.logger.With("channel_id", m.ChannelID, "author", m.Author.ID, "urls", len(urls))
	log.Info("discord message with media links")

	if err := s.ChannelTyping(m.ChannelID); err != nil {
		log.Debug("typing indicator failed", "err", err)
	}

	reply := d.gateway.Retrieve(d.ctx, urls, Request{
		UserID:    m.Author.ID,
		Initiator: domain.InitiatorMessage,
	})
	if reply.Status != ReplyOK {
		return
	}

	chunks := splitMessage(reply.Content, discordMaxMsgLen)
	sent, err := s.ChannelMessageSendComplex(m.ChannelID, &discordgo.MessageSend{
		Content:         chunks[0],
		Reference:       m.Reference(),
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	})
	if err != nil {
		log.Error("discord reply failed", "err", err)
		return
	}
	for _, chunk := range chunks[1:] {
		if _, err := s.ChannelMessageSend(m.ChannelID, chunk); err != nil {
			log.Error("discord send failed", "err", err)
		}
	}

	if len(chunks) == 1 {
		d.attachGallery(s, sent, reply, log)
	}

	suppress := discordgo.NewMessageEdit(m.ChannelID, m.ID)
	suppress.Flags = discordgo.MessageFlagsSuppressEmbeds
	if _, err := s.ChannelMessageEditComplex(suppress); err != nil {
		log.Debug("could not suppress embeds on original message", "err", err)
	}
}

// attachGallery adds navigation buttons to a reply holding a gallery and
// starts tracking it. Replies without a gallery are left alone.
func (d *Discord) attachGallery(s *discordgo.Session, msg *discordgo.Message, reply Reply, log *slog.Logger) {
	g, ok := reply.Gallery()
	if !ok {
		return
	}
	components := galleryComponents(msg.ID, 0, len(g.Files))
	edit := discordgo.NewMessageEdit(msg.ChannelID, msg.ID)
	edit.Components = &components
	if _, err := s.ChannelMessageEditComplex(edit); err != nil {
		log.Warn("failed to add gallery buttons", "err", err)
		return
	}
	d.gallery.Put(msg.ID, reply, d.now())
}

// --- Interactions ---

func (d *Discord) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if !d.inGuild(i.GuildID) {
		return
	}
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		data := i.ApplicationCommandData()
		switch data.Name {
		case contextMenuName:
			d.onContextMenu(s, i, data)
		case slashCommandName:
			d.onSlashCommand(s, i, data)
		}
	case discordgo.InteractionMessageComponent:
		d.onButton(s, i)
	}
}

func (d *Discord) onContextMenu(s *discordgo.Session, i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	var content string
	if data.Resolved != nil {
		if msg, ok := data.Resolved.Messages[data.TargetID]; ok {
			content = msg.Content
		}
	}
	urls := d.gateway.Resolve(content, true)
	if len(urls) == 0 {
		d.respondEphemeral(s, i, msgNoURLs)
		return
	}
	d.deferAndRetrieve(s, i, urls, domain.MediaOptions{})
}

func (d *Discord) onSlashCommand(s *discordgo.Session, i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) {
	var link, format string
	if opt := data.GetOption("url"); opt != nil {
		link = opt.StringValue()
	}
	if opt := data.GetOption("format"); opt != nil {
		format = opt.StringValue()
	}
	urls := d.gateway.Resolve(link, true)
	if len(urls) == 0 {
		d.respondEphemeral(s, i, msgInvalidLink)
		return
	}
	d.deferAndRetrieve(s, i, urls, ParseFormat(format))
}

func (d *Discord) deferAndRetrieve(s *discordgo.Session, i *discordgo.InteractionCreate, urls []domain.ResolvedURL, opts domain.MediaOptions) {
	userID := interactionUser(i)
	log := d.logger.With("interaction", i.ID, "user", userID, "urls", len(urls))

	if err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	}); err != nil {
		log.Error("failed to defer interaction", "err", err)
		return
	}

	reply := d.gateway.Retrieve(d.ctx, urls, Request{
		UserID:    userID,
		Initiator: domain.InitiatorInteraction,
		Options:   opts,
	})

	chunks := splitMessage(reply.Content, discordMaxMsgLen)
	msg, err := s.InteractionResponseEdit(i.Interaction, &discordgo.WebhookEdit{Content: &chunks[0]})
	if err != nil {
		log.Error("failed to edit interaction response", "err", err)
		return
	}
	if len(chunks) == 1 {
		d.attachGallery(s, msg, reply, log)
	}
}

func (d *Discord) onButton(s *discordgo.Session, i *discordgo.InteractionCreate) {
	dir, msgID, ok := parseGalleryButton(i.MessageComponentData().CustomID)
	if !ok {
		return
	}

	state, moved, err := d.gallery.Navigate(msgID, dir, d.now())
	if errors.Is(err, ErrGalleryNotFound) {
		d.respondEphemeral(s, i, msgNoGallery)
		return
	}
	if !moved {
		_ = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredMessageUpdate,
		})
		return
	}

	err = s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: &discordgo.InteractionResponseData{
			Content:    state.Content(d.gateway.Host()),
			Components: galleryComponents(msgID, state.CurrentIndex, len(state.Gallery().Files)),
		},
	})
	if err != nil {
		d.logger.Warn("gallery update failed", "message", msgID, "err", err)
	}
}

func (d *Discord) respondEphemeral(s *discordgo.Session, i *discordgo.InteractionCreate, content string) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: content,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		d.logger.Warn("ephemeral response failed", "interaction", i.ID, "err", err)
	}
}

func interactionUser(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

// --- Gallery buttons ---

const (
	prevPrefix = "prev_"
	nextPrefix = "next_"
)

func galleryComponents(msgID string, index, total int) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.Button{
				Label:    "◀️",
				Style:    discordgo.SecondaryButton,
				CustomID: prevPrefix + msgID,
				Disabled: index <= 0,
			},
			discordgo.Button{
				Label:    "▶️",
				Style:    discordgo.SecondaryButton,
				CustomID: nextPrefix + msgID,
				Disabled: index >= total-1,
			},
		}},
	}
}

// parseGalleryButton splits a button ID into its direction and the ID of
// the gallery message.
func parseGalleryButton(customID string) (dir int, msgID string, ok bool) {
	if id, found := strings.CutPrefix(customID, prevPrefix); found && id != "" {
		return -1, id, true
	}
	if id, found := strings.CutPrefix(customID, nextPrefix); found && id != "" {
		return 1, id, true
	}
	return 0, "", false
}

// --- Commands ---

var formatChoices = []*discordgo.ApplicationCommandOptionChoice{
	{Name: "Video (best)", Value: "video_best"},
	{Name: "Video 1080p", Value: "video_1080"},
	{Name: "Video 720p", Value: "video_720"},
	{Name: "Video 480p", Value: "video_480"},
	{Name: "Audio MP3", Value: "audio_mp3"},
	{Name: "Audio M4A", Value: "audio_m4a"},
	{Name: "Audio WAV", Value: "audio_wav"},
	{Name: "Audio OGG", Value: "audio_ogg"},
}

func commands() []*discordgo.ApplicationCommand {
	return []*discordgo.ApplicationCommand{
		{
			Name: contextMenuName,
			Type: discordgo.MessageApplicationCommand,
		},
		{
			Name:        slashCommandName,
			Type:        discordgo.ChatApplicationCommand,
			Description: "Embed media from a supported link",
			Options: []*discordgo.ApplicationCommandOption{
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "url",
					Description: "Link to a post",
					Required:    true,
				},
				{
					Type:        discordgo.ApplicationCommandOptionString,
					Name:        "format",
					Description: "Video quality or audio format",
					Choices:     formatChoices,
				},
			},
		},
	}
}

func (d *Discord) registerCommands() {
	cmds, err := d.session.ApplicationCommandBulkOverwrite(d.session.State.User.ID, d.guildID, commands())
	if err != nil {
		d.logger.Warn("failed to register commands", "err", err)
		return
	}
	d.logger.Info("registered commands", "count", len(cmds), "guild", d.guildID)
}

// --- Presence ---

func (d *Discord) presenceLoop(ctx context.Context) {
	d.updatePresence()
	ticker := time.NewTicker(presenceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.updatePresence()
		}
	}
}

func (d *Discord) updatePresence() {
	n := len(d.session.State.Guilds)
	if err := d.session.UpdateWatchStatus(0, presenceText(n)); err != nil {
		d.logger.Warn("presence update failed", "err", err)
	}
}

func presenceText(guilds int) string {
	if guilds == 1 {
		return "1 server"
	}
	return humanize.Comma(int64(guilds)) + " servers"
}
