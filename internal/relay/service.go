package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hackclub/certpheus/internal/pkg/logger"
	"github.com/hackclub/certpheus/internal/threads"
)

const (
	userRetryText   = "There was some error during processing of your message, try again another time"
	userProfileText = "Hiya! Couldn't process your message, try again another time"

	completedReaction = "white_check_mark"
	failedReaction    = "x"

	// Pause between message deletions so a long purge doesn't trip the
	// platform rate limit.
	defaultPurgeDelay = 300 * time.Millisecond
)

type service struct {
	threads   *threads.Manager
	gw        Gateway
	log       *logger.Logger
	channel   string
	botUserID string

	purgeDelay time.Duration
	purges     sync.WaitGroup
}

func NewService(mgr *threads.Manager, gw Gateway, log *logger.Logger, channel, botUserID string) Service {
	return &service{
		threads:    mgr,
		gw:         gw,
		log:        log,
		channel:    channel,
		botUserID:  botUserID,
		purgeDelay: defaultPurgeDelay,
	}
}

// HandleUserMessage routes a direct message from an external user: append to
// their active thread if one exists, otherwise open a new anchored thread in
// the support channel.
func (s *service) HandleUserMessage(ctx context.Context, userID, text string, files []File) error {
	if userID == s.botUserID {
		return nil
	}
	if text == "" && len(files) == 0 {
		return nil
	}

	profile, err := s.gw.UserProfile(ctx, userID)
	if err != nil {
		s.log.Error("fetching user profile failed", "user", userID, "err", err)
		if dmErr := s.gw.SendDM(ctx, userID, userProfileText); dmErr != nil {
			s.log.Warn("notifying user about profile failure failed", "user", userID, "err", dmErr)
		}
		return err
	}

	if rec, ok := s.threads.GetActive(userID); ok {
		return s.appendToThread(ctx, rec, userID, text, files, profile)
	}
	return s.openThread(ctx, userID, text, files, profile)
}

func (s *service) appendToThread(ctx context.Context, rec threads.ThreadRecord, userID, text string, files []File, profile UserProfile) error {
	if text != "" {
		if err := s.gw.PostThreadReply(ctx, rec.Channel, rec.ThreadTS, text, profile); err != nil {
			s.log.Error("posting user message into thread failed", "user", userID, "err", err)
			if dmErr := s.gw.SendDM(ctx, userID, userRetryText); dmErr != nil {
				s.log.Warn("notifying user about relay failure failed", "user", userID, "err", dmErr)
			}
			return err
		}
	}
	s.rehost(ctx, rec.Channel, rec.ThreadTS, userID, files)
	s.threads.UpdateActivity(ctx, userID)
	return nil
}

func (s *service) openThread(ctx context.Context, userID, text string, files []File, profile UserProfile) error {
	ts, err := s.gw.PostAnchor(ctx, s.channel, userID, text, profile)
	if err != nil {
		s.log.Error("creating support thread failed", "user", userID, "err", err)
		if dmErr := s.gw.SendDM(ctx, userID, userRetryText); dmErr != nil {
			s.log.Warn("notifying user about relay failure failed", "user", userID, "err", dmErr)
		}
		return err
	}

	if err := s.threads.CreateActive(ctx, userID, s.channel, ts, ts); err != nil {
		// The anchor exists in the channel but the thread is not
		// tracked, so replies would go nowhere. Tell the user to retry.
		s.log.Error("persisting new thread failed", "user", userID, "err", err)
		if dmErr := s.gw.SendDM(ctx, userID, userRetryText); dmErr != nil {
			s.log.Warn("notifying user about store failure failed", "user", userID, "err", dmErr)
		}
		return err
	}

	s.rehost(ctx, s.channel, ts, userID, files)
	return nil
}

func (s *service) rehost(ctx context.Context, channel, threadTS, userID string, files []File) {
	if len(files) == 0 {
		return
	}
	if err := s.gw.RehostFiles(ctx, channel, threadTS, files); err != nil {
		s.log.Warn("re-hosting attachments failed", "user", userID, "err", err)
	}
}

// HandleStaffReply relays a message posted inside a tracked support thread to
// the thread's user. Replies in untracked threads are dropped.
func (s *service) HandleStaffReply(ctx context.Context, threadTS, replyTS, text string) error {
	rec, ok := s.threads.FindByThreadTS(threadTS)
	if !ok {
		s.log.Debug("reply in untracked thread, dropping", "thread_ts", threadTS)
		return nil
	}

	if err := s.gw.SendDM(ctx, rec.UserID, text); err != nil {
		s.log.Error("relaying staff reply failed", "user", rec.UserID, "err", err)
		if reactErr := s.gw.AddReaction(ctx, rec.Channel, replyTS, failedReaction); reactErr != nil {
			s.log.Warn("marking failed reply failed", "err", reactErr)
		}
		return err
	}

	s.log.Info("relayed staff reply", "user", rec.UserID, "thread_ts", threadTS)
	s.threads.UpdateActivity(ctx, rec.UserID)
	return nil
}

// HandleCompleteAction closes the user's active thread and acknowledges it on
// the anchor message.
func (s *service) HandleCompleteAction(ctx context.Context, userID, messageTS, staffID string) error {
	if err := s.threads.Complete(ctx, userID); err != nil {
		if errors.Is(err, threads.ErrNoActiveThread) {
			s.ephemeral(ctx, staffID, "This user has no active thread to complete.")
			return nil
		}
		s.log.Error("completing thread failed", "user", userID, "err", err)
		s.ephemeral(ctx, staffID, "Couldn't mark the thread as completed, try again later.")
		return err
	}

	if err := s.gw.AddReaction(ctx, s.channel, messageTS, completedReaction); err != nil {
		s.log.Warn("adding completed reaction failed", "user", userID, "err", err)
	}
	return nil
}

// HandleDeleteAction drops the thread record matching the clicked message and
// purges the thread's messages in the background.
func (s *service) HandleDeleteAction(ctx context.Context, userID, messageTS, staffID string) error {
	rec, wasActive, err := s.threads.Delete(ctx, userID, messageTS)
	if err != nil {
		s.log.Error("deleting thread failed", "user", userID, "err", err)
		s.ephemeral(ctx, staffID, "Couldn't delete the thread, try again later.")
		return err
	}
	if rec == nil {
		s.ephemeral(ctx, staffID, "No thread found for that message.")
		return nil
	}

	s.log.Info("thread record removed, purging messages",
		"user", userID, "thread_ts", rec.ThreadTS, "was_active", wasActive)

	// The record is already gone; purging the chat history is best-effort
	// and must not block event handling.
	channel, threadTS := rec.Channel, rec.ThreadTS
	s.purges.Add(1)
	go func() {
		defer s.purges.Done()
		s.purgeThread(context.Background(), channel, threadTS)
	}()
	return nil
}

func (s *service) purgeThread(ctx context.Context, channel, threadTS string) {
	tss, err := s.gw.ListThreadMessages(ctx, channel, threadTS)
	if err != nil {
		s.log.Error("listing thread messages for purge failed", "thread_ts", threadTS, "err", err)
		return
	}

	deleted := 0
	for i, ts := range tss {
		if i > 0 {
			time.Sleep(s.purgeDelay)
		}
		if err := s.gw.DeleteMessage(ctx, channel, ts); err != nil {
			s.log.Warn("deleting thread message failed", "ts", ts, "err", err)
			continue
		}
		deleted++
	}
	s.log.Info("purged thread messages", "thread_ts", threadTS, "deleted", deleted, "total", len(tss))
}

func (s *service) ephemeral(ctx context.Context, staffID, text string) {
	if err := s.gw.PostEphemeral(ctx, s.channel, staffID, text); err != nil {
		s.log.Warn("posting ephemeral message failed", "staff", staffID, "err", err)
	}
}
