package relay

import "context"

// UserProfile is the subset of a chat-platform profile used to impersonate
// the user inside the support thread.
type UserProfile struct {
	Name        string
	DisplayName string
	Avatar      string
}

// File is an attachment on an inbound user message, to be re-hosted into the
// support thread.
type File struct {
	Name        string
	DownloadURL string
}

// Gateway is everything the router needs from the chat platform. Implemented
// by the Slack client wrapper; faked in tests.
type Gateway interface {
	// PostAnchor posts the root message for a new conversation to the
	// support channel, with the action buttons attached, and returns its
	// timestamp.
	PostAnchor(ctx context.Context, channel, userID, text string, profile UserProfile) (string, error)
	// PostThreadReply posts into an existing thread impersonating the
	// given profile.
	PostThreadReply(ctx context.Context, channel, threadTS, text string, profile UserProfile) error
	// SendDM delivers text to the user's private channel as the bot.
	SendDM(ctx context.Context, userID, text string) error
	PostEphemeral(ctx context.Context, channel, staffID, text string) error
	AddReaction(ctx context.Context, channel, ts, name string) error
	DeleteMessage(ctx context.Context, channel, ts string) error
	// ListThreadMessages returns the timestamps of every message in the
	// thread, the anchor included.
	ListThreadMessages(ctx context.Context, channel, threadTS string) ([]string, error)
	UserProfile(ctx context.Context, userID string) (UserProfile, error)
	RehostFiles(ctx context.Context, channel, threadTS string, files []File) error
}

// Service routes chat events between external users and the support channel.
type Service interface {
	HandleUserMessage(ctx context.Context, userID, text string, files []File) error
	HandleStaffReply(ctx context.Context, threadTS, replyTS, text string) error
	HandleCompleteAction(ctx context.Context, userID, messageTS, staffID string) error
	HandleDeleteAction(ctx context.Context, userID, messageTS, staffID string) error
}
