package slackgw

import (
	"fmt"

	"github.com/slack-go/slack"
)

// anchorBlocks builds the root message layout for a new support thread: the
// user id, their message, a hint for staff, and the two action buttons. The
// button values carry the user id back through the interactivity webhook.
func anchorBlocks(userID, text string) []slack.Block {
	if text == "" {
		// Attachment-only message; a section block may not be empty.
		text = "_(attachment only)_"
	}

	completeBtn := slack.NewButtonBlockElement(
		"mark_completed",
		userID,
		slack.NewTextBlockObject(slack.PlainTextType, "Mark as Completed", false, false),
	).WithStyle(slack.StylePrimary)

	deleteBtn := slack.NewButtonBlockElement(
		"delete_thread",
		userID,
		slack.NewTextBlockObject(slack.PlainTextType, "Delete thread", false, false),
	).WithStyle(slack.StyleDanger)
	deleteBtn.Confirm = slack.NewConfirmationBlockObject(
		slack.NewTextBlockObject(slack.PlainTextType, "Are you sure?", false, false),
		slack.NewTextBlockObject(slack.MarkdownType, "This will delete the entire thread and new replies will go into a new thread", false, false),
		slack.NewTextBlockObject(slack.PlainTextType, "Delete", false, false),
		slack.NewTextBlockObject(slack.PlainTextType, "Cancel", false, false),
	)

	return []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, fmt.Sprintf("(User ID: `%s`)", userID), false, false),
			nil, nil,
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject(slack.MarkdownType, text, false, false),
			nil, nil,
		),
		slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, "Reply in this thread to send a response to the user", false, false),
		),
		slack.NewActionBlock("", completeBtn, deleteBtn),
	}
}
