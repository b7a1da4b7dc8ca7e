package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/campuslink/realtime/internal/stats"
	"github.com/campuslink/realtime/internal/types"
	"go.uber.org/zap"
)

var (
	ErrServerStopped = errors.New("chat server stopped")
	ErrQueueFull     = errors.New("event queue full")
)

const mirrorTimeout = 2 * time.Second

// PresenceMirror receives a best-effort copy of presence changes. It never
// feeds back into the directory.
type PresenceMirror interface {
	Online(ctx context.Context, userId, connId string) error
	Offline(ctx context.Context, userId string) error
}

type ChatServer struct {
	log            *zap.Logger
	directory      *Directory
	clients        map[*Client]struct{}
	clientsLock    sync.RWMutex
	stats          stats.StatsProvider
	mirror         PresenceMirror
	mirrorRefresh  time.Duration
	mirrorChan     chan mirrorUpdate
	registerChan   chan *Client
	deRegisterChan chan *Client
	clientMsgChan  chan *ClientMessage
	fanOutChan     chan *fanOutReq
	seenChan       chan *seenReq
	stop           chan stopReq
	done           chan struct{}
}

type stopReq struct {
	done chan struct{}
}

type fanOutReq struct {
	message types.Message
	to      string
	from    string
	origin  *Client
}

type seenReq struct {
	by     string
	sender string
	upto   time.Time
}

type mirrorUpdate struct {
	userId string
	connId string
	online bool
}

type Option func(*ChatServer)

// WithPresenceMirror copies presence changes to m and re-publishes the whole
// roster every refresh so mirror entries outlive their TTL.
func WithPresenceMirror(m PresenceMirror, refresh time.Duration) Option {
	return func(cs *ChatServer) {
		cs.mirror = m
		cs.mirrorRefresh = refresh
	}
}

func NewChatServer(logger *zap.Logger, dir *Directory, su stats.StatsProvider, opts ...Option) (*ChatServer, error) {
	if dir == nil {
		return nil, errors.New("directory is required")
	}

	cs := &ChatServer{
		log:            logger,
		directory:      dir,
		clients:        make(map[*Client]struct{}),
		stats:          su,
		mirrorChan:     make(chan mirrorUpdate, 256),
		registerChan:   make(chan *Client),
		deRegisterChan: make(chan *Client),
		clientMsgChan:  make(chan *ClientMessage, 256),
		fanOutChan:     make(chan *fanOutReq, 256),
		seenChan:       make(chan *seenReq, 256),
		stop:           make(chan stopReq),
		done:           make(chan struct{}),
	}

	for _, opt := range opts {
		opt(cs)
	}

	su.RegisterMetric("NumActiveClients")
	su.RegisterMetric("NumOnlineUsers")
	su.RegisterMetric("NumFannedOutMessages")
	su.RegisterMetric("NumDroppedEvents")

	return cs, nil
}

func (cs *ChatServer) Run() {
	var (
		mirrorStop chan struct{}
		mirrorDone chan struct{}
	)
	if cs.mirror != nil {
		mirrorStop = make(chan struct{})
		mirrorDone = make(chan struct{})
		go cs.runMirror(mirrorStop, mirrorDone)
	}

	for {
		select {
		case c := <-cs.registerChan:
			cs.handleRegister(c)
		case c := <-cs.deRegisterChan:
			cs.handleDeRegister(c)
		case msg := <-cs.clientMsgChan:
			cs.handleClientMessage(msg)
		case req := <-cs.fanOutChan:
			cs.handleFanOut(req)
		case req := <-cs.seenChan:
			cs.handleSeen(req)
		case req := <-cs.stop:
			cs.log.Info("shutting down chat server")
			if mirrorStop != nil {
				close(mirrorStop)
				<-mirrorDone
			}

			cs.clientsLock.RLock()
			for c := range cs.clients {
				c.stopClient()
			}
			cs.clientsLock.RUnlock()

			close(cs.done)
			close(req.done)
			return
		}
	}
}

// RegisterClient hands c to the event loop, which maps it in the directory
// and broadcasts the new roster.
func (cs *ChatServer) RegisterClient(c *Client) error {
	select {
	case cs.registerChan <- c:
		return nil
	case <-cs.done:
		return ErrServerStopped
	}
}

func (cs *ChatServer) DeRegisterClient(c *Client) error {
	select {
	case cs.deRegisterChan <- c:
		return nil
	case <-cs.done:
		return ErrServerStopped
	}
}

// FanOut delivers msg to the receiver's session and echoes it to origin. A nil
// origin falls back to the sender's current session. Delivery is best-effort
// and not deduplicated.
func (cs *ChatServer) FanOut(msg types.Message, to, from string, origin *Client) error {
	return enqueue(cs, cs.fanOutChan, &fanOutReq{message: msg, to: to, from: from, origin: origin})
}

// NotifySeen tells sender's session that by has seen their messages up to
// upto.
func (cs *ChatServer) NotifySeen(by, sender string, upto time.Time) error {
	return enqueue(cs, cs.seenChan, &seenReq{by: by, sender: sender, upto: upto})
}

func enqueue[T any](cs *ChatServer, ch chan T, v T) error {
	select {
	case <-cs.done:
		return ErrServerStopped
	default:
	}

	select {
	case ch <- v:
		return nil
	default:
		cs.stats.Incr("NumDroppedEvents")
		return ErrQueueFull
	}
}

func (cs *ChatServer) OnlineUsers() []string {
	return cs.directory.ListOnline()
}

func (cs *ChatServer) Shutdown(ctx context.Context) error {
	req := stopReq{done: make(chan struct{})}

	select {
	case cs.stop <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (cs *ChatServer) addClient(c *Client) {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	cs.clients[c] = struct{}{}
	cs.stats.Incr("NumActiveClients")
}

func (cs *ChatServer) removeClient(c *Client) bool {
	cs.clientsLock.Lock()
	defer cs.clientsLock.Unlock()

	if _, ok := cs.clients[c]; !ok {
		return false
	}

	delete(cs.clients, c)
	cs.stats.Decr("NumActiveClients")
	return true
}

func (cs *ChatServer) handleRegister(c *Client) {
	replaced, err := cs.directory.Register(c.user.Id, c)
	if err != nil {
		cs.log.Warn("rejecting session", zap.String("conn_id", c.id), zap.Error(err))
		c.stopClient()
		return
	}

	cs.addClient(c)
	if replaced == nil {
		cs.stats.Incr("NumOnlineUsers")
	} else {
		cs.log.Debug("session overwritten",
			zap.String("user_id", c.user.Id),
			zap.String("old_conn_id", replaced.id),
			zap.String("new_conn_id", c.id))
	}

	cs.log.Info("session registered", zap.String("user_id", c.user.Id), zap.String("conn_id", c.id))
	cs.publishPresence(mirrorUpdate{userId: c.user.Id, connId: c.id, online: true})
	cs.broadcastRoster()
}

func (cs *ChatServer) handleDeRegister(c *Client) {
	cs.removeClient(c)

	if !cs.directory.Unregister(c.user.Id, c) {
		return
	}

	cs.stats.Decr("NumOnlineUsers")
	cs.log.Info("session unregistered", zap.String("user_id", c.user.Id), zap.String("conn_id", c.id))
	cs.publishPresence(mirrorUpdate{userId: c.user.Id, online: false})
	cs.broadcastRoster()
}

func (cs *ChatServer) handleClientMessage(msg *ClientMessage) {
	switch {
	case msg.Typing != nil:
		if target, ok := cs.directory.Lookup(msg.Typing.To); ok {
			target.queueMessage(typingMessage(msg.UserId))
		}
	case msg.SendMessage != nil:
		sm := msg.SendMessage
		if (sm.From != "" && sm.From != msg.UserId) || sm.Message.Sender != msg.UserId {
			cs.log.Warn("dropping send_message with mismatched sender",
				zap.String("user_id", msg.UserId),
				zap.String("claimed_from", sm.From),
				zap.String("message_sender", sm.Message.Sender))
			return
		}
		if sm.Message.Receiver != sm.To {
			cs.log.Warn("dropping send_message with mismatched receiver",
				zap.String("user_id", msg.UserId),
				zap.String("to", sm.To),
				zap.String("message_receiver", sm.Message.Receiver))
			return
		}

		cs.handleFanOut(&fanOutReq{message: sm.Message, to: sm.To, from: msg.UserId, origin: msg.client})
	}
}

func (cs *ChatServer) handleFanOut(req *fanOutReq) {
	payload := newMessage(req.message)

	if target, ok := cs.directory.Lookup(req.to); ok {
		target.queueMessage(payload)
	}

	origin := req.origin
	if origin == nil {
		origin, _ = cs.directory.Lookup(req.from)
	}
	if origin != nil {
		origin.queueMessage(payload)
	}

	cs.stats.Incr("NumFannedOutMessages")
}

func (cs *ChatServer) handleSeen(req *seenReq) {
	if target, ok := cs.directory.Lookup(req.sender); ok {
		target.queueMessage(seenMessage(req.by, req.upto))
	}
}

func (cs *ChatServer) broadcastRoster() {
	cs.broadcast(rosterMessage(cs.directory.ListOnline()))
}

func (cs *ChatServer) broadcast(msg *ServerMessage) {
	cs.clientsLock.RLock()
	defer cs.clientsLock.RUnlock()

	for c := range cs.clients {
		c.queueMessage(msg)
	}
}

func (cs *ChatServer) publishPresence(u mirrorUpdate) {
	if cs.mirror == nil {
		return
	}

	select {
	case cs.mirrorChan <- u:
	default:
		cs.log.Warn("presence mirror queue full", zap.String("user_id", u.userId))
	}
}

func (cs *ChatServer) runMirror(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	var tick <-chan time.Time
	if cs.mirrorRefresh > 0 {
		ticker := time.NewTicker(cs.mirrorRefresh)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case u := <-cs.mirrorChan:
			cs.applyMirror(u)
		case <-tick:
			for _, userId := range cs.directory.ListOnline() {
				if c, ok := cs.directory.Lookup(userId); ok {
					cs.applyMirror(mirrorUpdate{userId: userId, connId: c.id, online: true})
				}
			}
		case <-stop:
			return
		}
	}
}

func (cs *ChatServer) applyMirror(u mirrorUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()

	var err error
	if u.online {
		err = cs.mirror.Online(ctx, u.userId, u.connId)
	} else {
		err = cs.mirror.Offline(ctx, u.userId)
	}

	if err != nil {
		cs.log.Warn("presence mirror update failed", zap.String("user_id", u.userId), zap.Error(err))
	}
}
