// Package signal maintains the persistent call-signaling channel. One client
// exists per authenticated session; it carries invite/accept/reject events
// out-of-band from the media transport. Delivery is fire-and-forget: there is
// no acknowledgement channel, a dropped frame is only logged.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/carebridge/callkit/internal/domain"
)

var (
	ErrBackpressure = errors.New("signal: send buffer full")
	ErrNotConnected = errors.New("signal: not connected")
)

const (
	sendBuffer   = 32
	writeTimeout = 5 * time.Second
)

// Handler receives inbound call events. It must be registered at dial time so
// no early event is lost.
type Handler interface {
	OnIncoming(domain.Invite)
	OnAccepted(domain.RoomName)
	OnRejected()
}

// Client is the portal side of the signaling channel. Its lifetime is bound
// to the authenticated session, not to any single view.
type Client struct {
	self    domain.User
	conn    *websocket.Conn
	send    chan []byte
	handler Handler
	cancel  context.CancelFunc
	once    sync.Once

	mu        sync.RWMutex
	connected bool
}

// Dial connects to the signaling endpoint, authenticating with the session's
// bearer token, and starts the read/write pumps.
func Dial(ctx context.Context, wsURL, bearer string, self domain.User, h Handler) (*Client, error) {
	hdr := http.Header{}
	if bearer != "" {
		hdr.Set("Authorization", "Bearer "+bearer)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, hdr)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Client{
		self:      self,
		conn:      conn,
		send:      make(chan []byte, sendBuffer),
		handler:   h,
		cancel:    cancel,
		connected: true,
	}

	go c.writePump(ctx)
	go c.readPump(ctx)

	log.Info().Str("module", "signal.client").Str("user", string(self.ID)).Str("url", wsURL).Msg("signaling connected")
	return c, nil
}

func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Close tears the channel down. Safe to call more than once. A pending
// incoming invite is not resurrected on a later reconnect; the caller must
// re-initiate.
func (c *Client) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		c.cancel()
		close(c.send)
		_ = c.conn.Close()
		log.Info().Str("module", "signal.client").Str("user", string(c.self.ID)).Msg("signaling closed")
	})
}

// InitiateCall emits an invite toward target. The event name and payload
// orientation depend on who is dialing.
func (c *Client) InitiateCall(target domain.UserID, room domain.RoomName, callerName string, dir domain.Direction) error {
	switch dir {
	case domain.PatientToDoctor:
		return c.emit(evInitiate, initiatePayload{
			DoctorID:    string(target),
			PatientID:   string(c.self.ID),
			ChannelName: string(room),
			CallerName:  callerName,
		})
	case domain.DoctorToPatient:
		return c.emit(evInitiateDoctor, initiatePayload{
			PatientID:   string(target),
			DoctorID:    string(c.self.ID),
			ChannelName: string(room),
			CallerName:  callerName,
		})
	default:
		return domain.ErrInviteBadDirection
	}
}

// AcceptCall notifies the original caller that the invite was accepted.
func (c *Client) AcceptCall(room domain.RoomName, caller domain.UserID) error {
	return c.emit(evAccept, acceptPayload{ChannelName: string(room), ToUserID: string(caller)})
}

// RejectCall notifies the original caller that the invite was declined.
func (c *Client) RejectCall(caller domain.UserID) error {
	return c.emit(evReject, rejectPayload{ToUserID: string(caller)})
}

func (c *Client) emit(event string, payload any) error {
	if !c.Connected() {
		return ErrNotConnected
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		return err
	}
	if err := c.trySend(frame); err != nil {
		// Accepted limitation: no confirmation channel for signaling
		// delivery, so a dropped frame is logged and swallowed upstream.
		log.Warn().Str("module", "signal.client").Str("event", event).Err(err).Msg("signal frame dropped")
		return err
	}
	return nil
}

func (c *Client) trySend(frame []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return ErrNotConnected
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				log.Error().Str("module", "signal.client").Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Str("module", "signal.client").Err(err).Msg("writePump write")
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
		log.Info().Str("module", "signal.client").Str("user", string(c.self.ID)).Msg("readPump closing")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Str("module", "signal.client").Err(err).Msg("readPump read error")
				}
				return
			}
			c.dispatch(data)
		}
	}
}

func (c *Client) dispatch(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Str("module", "signal.client").Err(err).Msg("bad signal frame")
		return
	}

	switch env.Event {
	case evIncoming:
		var p incomingPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			log.Warn().Str("module", "signal.client").Err(err).Msg("bad incoming payload")
			return
		}
		inv := domain.Invite{
			From:      domain.UserID(p.From),
			FromName:  p.FromName,
			Room:      domain.RoomName(p.ChannelName),
			Direction: domain.Direction(p.Type),
		}
		if err := inv.Validate(); err != nil {
			log.Warn().Str("module", "signal.client").Err(err).Msg("dropping invalid invite")
			return
		}
		c.handler.OnIncoming(inv)
	case evAccepted:
		var p acceptedPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			log.Warn().Str("module", "signal.client").Err(err).Msg("bad accepted payload")
			return
		}
		c.handler.OnAccepted(domain.RoomName(p.ChannelName))
	case evRejected:
		c.handler.OnRejected()
	default:
		log.Debug().Str("module", "signal.client").Str("event", env.Event).Msg("unknown signal event")
	}
}
