package slackgw

import (
	"bytes"
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/hackclub/certpheus/internal/pkg/logger"
	"github.com/hackclub/certpheus/internal/relay"
)

// Client implements relay.Gateway on top of the Slack Web API.
type Client struct {
	api *slack.Client
	log *logger.Logger

	// Persona shown on user-facing DMs.
	dmUsername  string
	dmIconEmoji string
}

func NewClient(token, dmUsername, dmIconEmoji string, log *logger.Logger) *Client {
	return &Client{
		api:         slack.New(token),
		log:         log,
		dmUsername:  dmUsername,
		dmIconEmoji: dmIconEmoji,
	}
}

// BotUserID resolves the bot's own user id, used to ignore self-authored
// events.
func (c *Client) BotUserID(ctx context.Context) (string, error) {
	resp, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return "", fmt.Errorf("auth test: %w", err)
	}
	return resp.UserID, nil
}

func (c *Client) PostAnchor(ctx context.Context, channel, userID, text string, profile relay.UserProfile) (string, error) {
	_, ts, err := c.api.PostMessageContext(ctx, channel,
		slack.MsgOptionText(fmt.Sprintf("*%s*:\n%s", userID, text), false),
		slack.MsgOptionUsername(profile.DisplayName),
		slack.MsgOptionIconURL(profile.Avatar),
		slack.MsgOptionBlocks(anchorBlocks(userID, text)...),
	)
	if err != nil {
		return "", fmt.Errorf("post anchor message: %w", err)
	}
	return ts, nil
}

func (c *Client) PostThreadReply(ctx context.Context, channel, threadTS, text string, profile relay.UserProfile) error {
	_, _, err := c.api.PostMessageContext(ctx, channel,
		slack.MsgOptionTS(threadTS),
		slack.MsgOptionText(text, false),
		slack.MsgOptionUsername(profile.DisplayName),
		slack.MsgOptionIconURL(profile.Avatar),
	)
	if err != nil {
		return fmt.Errorf("post thread reply: %w", err)
	}
	return nil
}

func (c *Client) SendDM(ctx context.Context, userID, text string) error {
	ch, _, _, err := c.api.OpenConversationContext(ctx, &slack.OpenConversationParameters{
		Users: []string{userID},
	})
	if err != nil {
		return fmt.Errorf("open dm channel: %w", err)
	}
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if c.dmUsername != "" {
		opts = append(opts, slack.MsgOptionUsername(c.dmUsername))
	}
	if c.dmIconEmoji != "" {
		opts = append(opts, slack.MsgOptionIconEmoji(c.dmIconEmoji))
	}
	_, _, err = c.api.PostMessageContext(ctx, ch.ID, opts...)
	if err != nil {
		return fmt.Errorf("post dm: %w", err)
	}
	return nil
}

func (c *Client) PostEphemeral(ctx context.Context, channel, staffID, text string) error {
	_, err := c.api.PostEphemeralContext(ctx, channel, staffID, slack.MsgOptionText(text, false))
	return err
}

func (c *Client) AddReaction(ctx context.Context, channel, ts, name string) error {
	return c.api.AddReactionContext(ctx, name, slack.NewRefToMessage(channel, ts))
}

func (c *Client) DeleteMessage(ctx context.Context, channel, ts string) error {
	_, _, err := c.api.DeleteMessageContext(ctx, channel, ts)
	return err
}

func (c *Client) ListThreadMessages(ctx context.Context, channel, threadTS string) ([]string, error) {
	var out []string
	cursor := ""
	for {
		msgs, hasMore, nextCursor, err := c.api.GetConversationRepliesContext(ctx, &slack.GetConversationRepliesParameters{
			ChannelID: channel,
			Timestamp: threadTS,
			Cursor:    cursor,
			Inclusive: true,
			Limit:     200,
		})
		if err != nil {
			return nil, fmt.Errorf("fetch thread replies: %w", err)
		}
		for _, msg := range msgs {
			out = append(out, msg.Timestamp)
		}
		if !hasMore {
			return out, nil
		}
		cursor = nextCursor
	}
}

func (c *Client) UserProfile(ctx context.Context, userID string) (relay.UserProfile, error) {
	user, err := c.api.GetUserInfoContext(ctx, userID)
	if err != nil {
		return relay.UserProfile{}, fmt.Errorf("fetch user info: %w", err)
	}
	name := user.RealName
	if name == "" {
		name = user.Name
	}
	display := user.Profile.DisplayName
	if display == "" {
		display = user.Name
	}
	return relay.UserProfile{
		Name:        name,
		DisplayName: display,
		Avatar:      user.Profile.Image72,
	}, nil
}

// RehostFiles downloads each attachment and re-uploads it into the thread, so
// staff keep access after the user's original file expires or is deleted.
func (c *Client) RehostFiles(ctx context.Context, channel, threadTS string, files []relay.File) error {
	for _, f := range files {
		var buf bytes.Buffer
		if err := c.api.GetFile(f.DownloadURL, &buf); err != nil {
			c.log.Warn("downloading attachment failed", "file", f.Name, "err", err)
			continue
		}
		_, err := c.api.UploadFileV2Context(ctx, slack.UploadFileV2Parameters{
			Channel:         channel,
			ThreadTimestamp: threadTS,
			Filename:        f.Name,
			FileSize:        buf.Len(),
			Reader:          &buf,
		})
		if err != nil {
			c.log.Warn("re-uploading attachment failed", "file", f.Name, "err", err)
		}
	}
	return nil
}
