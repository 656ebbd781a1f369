package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/surveypulse/internal/broadcast"
	"github.com/MarcoPoloResearchLab/surveypulse/internal/protocol"
	"github.com/MarcoPoloResearchLab/surveypulse/internal/votes"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	errSendBufferFull   = errors.New("session: send buffer full")
	errConnectionClosed = errors.New("session: connection closed")
)

// outbound is a queued frame. computedAt is set for stats updates and is zero for replies.
type outbound struct {
	payload    []byte
	computedAt time.Time
}

// connection is one joined WebSocket. It is the group member; only writeLoop writes data frames.
type connection struct {
	id         string
	manager    *Manager
	conn       *websocket.Conn
	record     Record
	logger     *zap.Logger
	send       chan outbound
	done       chan struct{}
	leaveOnce  sync.Once
	doneOnce   sync.Once
	joined     bool
	snapshotAt time.Time
}

func newConnection(manager *Manager, conn *websocket.Conn, record Record, logger *zap.Logger) *connection {
	return &connection{
		id:      uuid.NewString(),
		manager: manager,
		conn:    conn,
		record:  record,
		logger:  logger,
		send:    make(chan outbound, manager.sendBuffer),
		done:    make(chan struct{}),
	}
}

// MemberID identifies the connection within its group.
func (c *connection) MemberID() string {
	return c.id
}

// Deliver queues a group message for the writer without blocking.
func (c *connection) Deliver(message broadcast.Message) error {
	if message.EventType != broadcast.EventStatsUpdate {
		return fmt.Errorf("session: unsupported event %q", message.EventType)
	}
	payload, err := protocol.EncodeStatsUpdate(message.QuestionID, message.Stats)
	if err != nil {
		return err
	}
	return c.enqueue(outbound{payload: payload, computedAt: message.Timestamp})
}

func (c *connection) enqueue(frame outbound) error {
	select {
	case <-c.done:
		return errConnectionClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return errSendBufferFull
	}
}

func (c *connection) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer c.markDone()

	if err := c.open(ctx); err != nil {
		c.logger.Error("session open failed", zap.Error(err))
		c.leave()
		c.manager.closeWith(c.conn, websocket.CloseInternalServerErr, "internal error")
		return
	}
	defer c.leave()
	c.logger.Debug("session opened", zap.String("member_id", c.id))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return c.readLoop(groupCtx)
	})
	group.Go(func() error {
		return c.writeLoop(groupCtx)
	})
	if err := group.Wait(); err != nil && !isExpectedClose(err) {
		c.logger.Warn("session ended", zap.Error(err))
		return
	}
	c.logger.Debug("session closed", zap.String("member_id", c.id))
}

// open joins the group and writes the initial snapshot before the writer starts.
// Updates queued while joining that were computed before the snapshot read are dropped by the writer.
func (c *connection) open(ctx context.Context) error {
	if err := c.manager.hub.Join(ctx, c.record.GroupName, c); err != nil {
		return fmt.Errorf("join %s: %w", c.record.GroupName, err)
	}
	c.joined = true
	c.snapshotAt = c.manager.clock().UTC()

	var tallies votes.QuestionnaireTally
	err := c.manager.pool.Do(ctx, func(taskCtx context.Context) error {
		var tallyErr error
		tallies, tallyErr = c.manager.ledger.TallyForQuestionnaire(taskCtx, c.record.QuestionnaireID)
		return tallyErr
	})
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	stats := make(map[int64]map[int64]int64, len(tallies))
	for questionID, tally := range tallies {
		stats[questionID] = tally
	}
	payload, err := protocol.EncodeInitialStats(stats)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return c.write(websocket.TextMessage, payload)
}

// leave removes the connection from its group at most once.
func (c *connection) leave() {
	c.leaveOnce.Do(func() {
		if !c.joined {
			return
		}
		c.manager.hub.Leave(context.Background(), c.record.GroupName, c)
	})
}

func (c *connection) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *connection) readLoop(ctx context.Context) error {
	pongWait := c.manager.pongWait
	c.conn.SetReadLimit(maxFrameBytes)
	if err := c.conn.SetReadDeadline(c.manager.clock().Add(pongWait)); err != nil {
		return err
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(c.manager.clock().Add(pongWait))
	})
	for {
		messageType, payload, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := c.conn.SetReadDeadline(c.manager.clock().Add(pongWait)); err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			c.replyError(protocol.CodeInvalidMessage, "expected a text frame")
			continue
		}
		c.handleFrame(ctx, payload)
	}
}

func (c *connection) writeLoop(ctx context.Context) error {
	ticker := time.NewTicker(c.manager.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.manager.closeWith(c.conn, websocket.CloseNormalClosure, "")
			return nil
		case frame := <-c.send:
			if c.supersededBySnapshot(frame) {
				continue
			}
			if err := c.write(websocket.TextMessage, frame.payload); err != nil {
				_ = c.conn.Close()
				return err
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, c.manager.clock().Add(c.manager.writeTimeout)); err != nil {
				_ = c.conn.Close()
				return err
			}
		}
	}
}

func (c *connection) supersededBySnapshot(frame outbound) bool {
	return !frame.computedAt.IsZero() && frame.computedAt.Before(c.snapshotAt)
}

func (c *connection) write(messageType int, payload []byte) error {
	if err := c.conn.SetWriteDeadline(c.manager.clock().Add(c.manager.writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, payload)
}

// handleFrame processes one inbound frame to completion; frames of a connection never overlap.
func (c *connection) handleFrame(ctx context.Context, payload []byte) {
	vote, err := protocol.DecodeVote(payload)
	if err != nil {
		c.replyError(protocol.CodeInvalidMessage, err.Error())
		return
	}

	ballot := votes.Ballot{
		QuestionnaireID: c.record.QuestionnaireID,
		Identity:        c.record.Identity,
		QuestionID:      vote.QuestionID,
		OptionID:        vote.OptionID,
	}
	var tally votes.Tally
	err = c.manager.pool.Do(ctx, func(taskCtx context.Context) error {
		var castErr error
		tally, castErr = c.manager.ledger.CastVote(taskCtx, ballot)
		return castErr
	})
	if err != nil {
		code, detail := errorFrameFor(err)
		fields := []zap.Field{
			zap.Int64("question_id", vote.QuestionID),
			zap.Int64("option_id", vote.OptionID),
			zap.String("code", code),
			zap.Error(err),
		}
		if code == protocol.CodeUnavailable || code == protocol.CodeInternal {
			c.logger.Error("vote failed", fields...)
		} else {
			c.logger.Debug("vote rejected", fields...)
		}
		c.replyError(code, detail)
		return
	}

	message := broadcast.Message{
		Group:      c.record.GroupName,
		EventType:  broadcast.EventStatsUpdate,
		QuestionID: vote.QuestionID,
		Stats:      tally,
		Timestamp:  c.manager.clock().UTC(),
	}
	if err := c.manager.hub.Publish(context.WithoutCancel(ctx), message); err != nil {
		c.logger.Error("stats update publish failed", zap.Int64("question_id", vote.QuestionID), zap.Error(err))
	}
}

func (c *connection) replyError(code, detail string) {
	payload, err := protocol.EncodeError(code, detail)
	if err != nil {
		c.logger.Error("error frame encoding failed", zap.Error(err))
		return
	}
	if err := c.enqueue(outbound{payload: payload}); err != nil {
		c.logger.Debug("error frame dropped", zap.String("code", code), zap.Error(err))
	}
}

func errorFrameFor(err error) (string, string) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return protocol.CodeUnavailable, "vote could not be recorded"
	case errors.Is(err, votes.ErrQuestionnaireNotFound):
		return protocol.CodeNotFound, "questionnaire not found"
	case errors.Is(err, votes.ErrQuestionNotFound):
		return protocol.CodeNotFound, "question not found"
	case errors.Is(err, votes.ErrOptionNotFound):
		return protocol.CodeNotFound, "option not found"
	case errors.Is(err, votes.ErrCrossReference), errors.Is(err, votes.ErrInvalidIdentifier):
		return protocol.CodeInvalidReference, "option does not belong to the question or questionnaire"
	case votes.IsStorageFailure(err):
		return protocol.CodeUnavailable, "vote could not be recorded"
	default:
		return protocol.CodeInternal, "internal error"
	}
}

func isExpectedClose(err error) bool {
	return websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) || errors.Is(err, context.Canceled)
}
