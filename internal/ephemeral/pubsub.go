package ephemeral

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/boardsync/internal/boards"
	"go.uber.org/zap"
)

const (
	opPublishReset = "ephemeral.publish_reset"

	resubscribeDelay = time.Second
)

// PublishReset notifies every process that the board's cache was replaced.
func (s *RedisStore) PublishReset(ctx context.Context, boardID boards.BoardID) error {
	if err := s.client.Publish(ctx, ResetChannel, boardID.String()).Err(); err != nil {
		s.logError(opPublishReset, reasonCommandFailed, err, zap.String("board_id", boardID.String()))
		return newStoreError(opPublishReset, reasonCommandFailed, err)
	}
	return nil
}

// SubscribeResets delivers reset notifications to handler until ctx is done, resubscribing
// when the channel closes. ready, if non-nil, is closed once the first subscription is confirmed.
func (s *RedisStore) SubscribeResets(ctx context.Context, ready chan<- struct{}, handler func(boards.BoardID)) {
	for {
		subscription := s.client.Subscribe(ctx, ResetChannel)
		if _, err := subscription.Receive(ctx); err != nil {
			_ = subscription.Close()
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("board reset subscription failed", zap.Error(err))
			if !sleepContext(ctx, resubscribeDelay) {
				return
			}
			continue
		}
		if ready != nil {
			close(ready)
			ready = nil
		}
		messages := subscription.Channel()
	consume:
		for {
			select {
			case <-ctx.Done():
				_ = subscription.Close()
				return
			case message, ok := <-messages:
				if !ok {
					break consume
				}
				boardID, err := boards.NewBoardID(message.Payload)
				if err != nil {
					s.logger.Warn("ignoring malformed board reset", zap.String("payload", message.Payload))
					continue
				}
				handler(boardID)
			}
		}
		_ = subscription.Close()
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("board reset channel closed, resubscribing")
		if !sleepContext(ctx, resubscribeDelay) {
			return
		}
	}
}

func sleepContext(ctx context.Context, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
