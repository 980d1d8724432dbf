// Package bot connects the tracker and report builder to Discord: it turns
// gateway events into presence changes and chat messages into operator
// commands.
package bot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/hashicorp/go-retryablehttp"

	"tools.zach/dev/voicecord/internal/report"
)

// Errors returned by [Platform] lookups. Transport failures are returned
// as-is.
var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// Intents the bot needs: guild metadata, voice states, member lookups and
// message content for commands.
const Intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildVoiceStates |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsMessageContent

// ///////////////////////////////////////////////
// Platform
// ///////////////////////////////////////////////

// VoiceChannel is a voice or stage channel of a server.
type VoiceChannel struct {
	ID   string
	Name string
}

// Platform is everything the bot needs from the chat service.
type Platform interface {
	report.Directory
	// ListVoiceChannels returns the server's voice channels.
	ListVoiceChannels(ctx context.Context, server string) ([]VoiceChannel, error)
	// IsAdmin reports whether user may run privileged commands: the server
	// owner, a member holding role, or (with role empty) an administrator.
	IsAdmin(ctx context.Context, server, user, role string) (bool, error)
	SendText(ctx context.Context, channel, text string) error
	SendFile(ctx context.Context, channel, name string, data []byte, caption string) error
}

// ///////////////////////////////////////////////
// Session
// ///////////////////////////////////////////////

// httpTimeout bounds each REST attempt.
const httpTimeout = 20 * time.Second

// NewSession creates a gateway session for token. REST calls go through a
// retrying client; rate limits are left to discordgo's own bucket handling.
// Handlers run on the gateway goroutine in arrival order, so they must not
// block; see [Events].
func NewSession(token string) (*discordgo.Session, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	s.Identify.Intents = Intents
	s.Client = newHTTPClient()
	s.StateEnabled = true
	s.SyncEvents = true
	return s, nil
}

func newHTTPClient() *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = httpTimeout
	rc.Logger = nil
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	return rc.StandardClient()
}

// checkRetry retries connection errors and 5xx, never 429.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if resp != nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// mapError translates discordgo REST errors into [ErrNotFound] and
// [ErrForbidden].
func mapError(err error) error {
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return err
	}
	if rest.Message != nil {
		switch rest.Message.Code {
		case discordgo.ErrCodeUnknownMember, discordgo.ErrCodeUnknownUser,
			discordgo.ErrCodeUnknownChannel, discordgo.ErrCodeUnknownGuild:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case discordgo.ErrCodeMissingAccess, discordgo.ErrCodeMissingPermissions:
			return fmt.Errorf("%w: %v", ErrForbidden, err)
		}
	}
	if rest.Response != nil {
		switch rest.Response.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrForbidden, err)
		}
	}
	return err
}

// ///////////////////////////////////////////////
// Discord
// ///////////////////////////////////////////////

// Discord implements [Platform] on a discordgo session, reading the state
// cache before falling back to REST.
type Discord struct {
	s *discordgo.Session
}

// NewDiscord wraps s.
func NewDiscord(s *discordgo.Session) *Discord {
	return &Discord{s: s}
}

func (d *Discord) member(ctx context.Context, server, user string) (*discordgo.Member, error) {
	if m, err := d.s.State.Member(server, user); err == nil && m.User != nil {
		return m, nil
	}
	m, err := d.s.GuildMember(server, user, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err)
	}
	return m, nil
}

// ResolveParticipant looks up a member of server.
func (d *Discord) ResolveParticipant(ctx context.Context, server, participant string) (report.Participant, error) {
	m, err := d.member(ctx, server, participant)
	if err != nil {
		return report.Participant{}, err
	}
	return report.Participant{
		ID:          m.User.ID,
		Mention:     m.Mention(),
		Username:    m.User.Username,
		DisplayName: m.DisplayName(),
	}, nil
}

func (d *Discord) channel(ctx context.Context, id string) (*discordgo.Channel, error) {
	if ch, err := d.s.State.Channel(id); err == nil {
		return ch, nil
	}
	ch, err := d.s.Channel(id, discordgo.WithContext(ctx))
	if err != nil {
		return nil, mapError(err)
	}
	return ch, nil
}

// ChannelName returns the channel's current name.
func (d *Discord) ChannelName(ctx context.Context, channel string) (string, error) {
	ch, err := d.channel(ctx, channel)
	if err != nil {
		return "", err
	}
	return ch.Name, nil
}

// ListVoiceChannels returns the voice and stage channels of server.
func (d *Discord) ListVoiceChannels(ctx context.Context, server string) ([]VoiceChannel, error) {
	var channels []*discordgo.Channel
	if g, err := d.s.State.Guild(server); err == nil && len(g.Channels) > 0 {
		channels = g.Channels
	} else {
		channels, err = d.s.GuildChannels(server, discordgo.WithContext(ctx))
		if err != nil {
			return nil, mapError(err)
		}
	}
	var out []VoiceChannel
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildVoice || ch.Type == discordgo.ChannelTypeGuildStageVoice {
			out = append(out, VoiceChannel{ID: ch.ID, Name: ch.Name})
		}
	}
	return out, nil
}

// IsAdmin implements [Platform].
func (d *Discord) IsAdmin(ctx context.Context, server, user, role string) (bool, error) {
	guild, err := d.s.State.Guild(server)
	if err != nil {
		if guild, err = d.s.Guild(server, discordgo.WithContext(ctx)); err != nil {
			return false, mapError(err)
		}
	}
	if guild.OwnerID == user {
		return true, nil
	}
	m, err := d.member(ctx, server, user)
	if err != nil {
		return false, err
	}
	roles := guild.Roles
	if len(roles) == 0 {
		if roles, err = d.s.GuildRoles(server, discordgo.WithContext(ctx)); err != nil {
			return false, mapError(err)
		}
	}
	return hasRole(roles, m.Roles, role), nil
}

// hasRole reports whether any of the member's role IDs names role, or
// grants Administrator when role is empty.
func hasRole(guildRoles []*discordgo.Role, memberRoles []string, role string) bool {
	byID := make(map[string]*discordgo.Role, len(guildRoles))
	for _, r := range guildRoles {
		byID[r.ID] = r
	}
	for _, id := range memberRoles {
		r, ok := byID[id]
		if !ok {
			continue
		}
		if role != "" && r.Name == role {
			return true
		}
		if role == "" && r.Permissions&discordgo.PermissionAdministrator != 0 {
			return true
		}
	}
	return false
}

// SendText posts text to channel.
func (d *Discord) SendText(ctx context.Context, channel, text string) error {
	if _, err := d.s.ChannelMessageSend(channel, text, discordgo.WithContext(ctx)); err != nil {
		return mapError(err)
	}
	return nil
}

// SendFile uploads data as an attachment named name.
func (d *Discord) SendFile(ctx context.Context, channel, name string, data []byte, caption string) error {
	_, err := d.s.ChannelFileSendWithMessage(channel, caption, name, bytes.NewReader(data), discordgo.WithContext(ctx))
	if err != nil {
		return mapError(err)
	}
	return nil
}
