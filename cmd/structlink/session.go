package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/rickgao/structlink/internal/connection"
	"github.com/rickgao/structlink/internal/protocol"
	"github.com/rickgao/structlink/internal/router"
)

// session keeps one authenticated connection alive, logging in again with
// exponential backoff whenever it drops.
type session struct {
	mgr        connection.Manager
	credential string
	baseDelay  time.Duration
	maxDelay   time.Duration
	logger     *slog.Logger
}

// run blocks until ctx is done or the credential is rejected for good.
func (s *session) run(ctx context.Context) error {
	closed := make(chan string, 16)
	cancel := s.mgr.On(router.TopicClose, func(ev router.Event) {
		select {
		case closed <- ev.ConnID:
		default:
		}
	})
	defer cancel()

	delay := s.baseDelay
	for {
		drain(closed)

		_, err := s.mgr.Login(ctx, s.credential)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if permanent(err) {
				return err
			}
			s.logger.Warn("login failed", "error", err, "retry_in", delay)
			if !sleep(ctx, delay) {
				return nil
			}
			delay = nextDelay(delay, s.maxDelay)
			continue
		}

		delay = s.baseDelay
		connID := s.mgr.Stats().ConnID
		s.logger.Info("session established", "conn_id", connID)

		if connID != "" && !waitClosed(ctx, closed, connID) {
			return nil
		}

		s.logger.Warn("connection lost, logging in again", "conn_id", connID, "retry_in", delay)
		if !sleep(ctx, delay) {
			return nil
		}
		delay = nextDelay(delay, s.maxDelay)
	}
}

// permanent reports failures that another login attempt cannot fix.
func permanent(err error) bool {
	return errors.Is(err, protocol.ErrInvalidCredential) || errors.Is(err, protocol.ErrUnauthenticated)
}

func waitClosed(ctx context.Context, closed <-chan string, connID string) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case id := <-closed:
			if id == connID {
				return true
			}
		}
	}
}

func drain(ch <-chan string) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func nextDelay(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		return max
	}
	return d
}
