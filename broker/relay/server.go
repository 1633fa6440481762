package relay

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/slatewire/slatewire/address"
	"golang.org/x/time/rate"
)

const (
	// DefaultPostRate is the number of posts per second a single
	// connection may make.
	DefaultPostRate = rate.Limit(10)

	// DefaultPostBurst is the number of posts a connection may make in a
	// burst.
	DefaultPostBurst = 20

	// challengeSize is the number of random bytes in a challenge.
	challengeSize = 16
)

// ServerConfig configures a relay Server.
type ServerConfig struct {
	// PostRate limits the posts per second of each connection.
	PostRate rate.Limit

	// PostBurst is the burst size of the post limit.
	PostBurst int
}

// mailEntry is a slate waiting in a mailbox until its receiver acks it.
type mailEntry struct {
	id        string
	from      string
	to        string
	str       string
	challenge string
	signature string
}

func (m *mailEntry) message() *Message {
	return &Message{
		Type:      MsgSlate,
		ID:        m.id,
		From:      m.from,
		To:        m.to,
		Str:       m.str,
		Challenge: m.challenge,
		Signature: m.signature,
	}
}

// Server is an in-memory relay. It keeps a mailbox per relay key and pushes
// its entries to the subscriber of the key. An entry stays in the mailbox
// until it is acked and is pushed again on every new subscription, so a
// subscriber that drops halfway gets it again.
type Server struct {
	cfg      ServerConfig
	upgrader websocket.Upgrader

	mu          sync.Mutex
	mailboxes   map[string][]*mailEntry
	subscribers map[string]*conn
	conns       map[*conn]struct{}
	nextID      uint64
	closed      bool
}

// A compile time check to ensure Server implements the http.Handler
// interface.
var _ http.Handler = (*Server)(nil)

// NewServer creates a relay server. It serves websocket connections through
// ServeHTTP.
func NewServer(cfg *ServerConfig) *Server {
	c := *cfg
	if c.PostRate <= 0 {
		c.PostRate = DefaultPostRate
	}
	if c.PostBurst <= 0 {
		c.PostBurst = DefaultPostBurst
	}

	return &Server{
		cfg: c,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		mailboxes:   make(map[string][]*mailEntry),
		subscribers: make(map[string]*conn),
		conns:       make(map[*conn]struct{}),
	}
}

// Close disconnects every client. Further connections are refused.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for c := range s.conns {
		_ = c.close()
	}
}

// Pending returns the number of unacked slates in the mailbox of the key.
func (s *Server) Pending(encodedKey string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.mailboxes[encodedKey])
}

// ServeHTTP upgrades the request to a websocket and serves the relay
// protocol on it until the client disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "relay shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugf("Unable to upgrade %v: %v", r.RemoteAddr, err)
		return
	}

	var nonce [challengeSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		log.Errorf("Unable to create challenge: %v", err)
		_ = ws.Close()

		return
	}

	c := newConn(ws)
	c.challenge = hex.EncodeToString(nonce[:])

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ws.Close()

		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	log.Debugf("Relay client connected from %v", r.RemoteAddr)

	s.serve(c)
}

// serve handles the requests of a single connection.
func (s *Server) serve(c *conn) {
	var subKey string
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		if subKey != "" && s.subscribers[subKey] == c {
			delete(s.subscribers, subKey)
		}
		s.mu.Unlock()

		_ = c.close()
	}()

	err := c.write(&Message{Type: MsgChallenge, Str: c.challenge})
	if err != nil {
		return
	}

	limiter := rate.NewLimiter(s.cfg.PostRate, s.cfg.PostBurst)
	for {
		msg, err := c.read()
		if err != nil {
			log.Tracef("Relay client gone: %v", err)
			return
		}

		var reply *Message
		switch msg.Type {
		case MsgSubscribe:
			var key string
			key, reply = s.authorize(c, msg)
			if key == "" {
				break
			}
			if subKey != "" && subKey != key {
				s.unsubscribe(c, subKey)
			}
			subKey = key

			if err := s.subscribe(c, key); err != nil {
				return
			}

			continue

		case MsgUnsubscribe:
			if subKey != "" {
				s.unsubscribe(c, subKey)
				subKey = ""
			}
			reply = &Message{Type: MsgOk}

		case MsgPostSlate:
			if !limiter.Allow() {
				reply = errorMsg(KindTooManyRequests,
					"post rate exceeded")
				break
			}
			reply = s.post(c, msg)

		case MsgAck:
			if subKey != "" {
				s.ack(subKey, msg.ID)
			}

			continue

		default:
			reply = errorMsg(KindInvalidRequest,
				fmt.Sprintf("unexpected %q message", msg.Type))
		}

		if err := c.write(reply); err != nil {
			return
		}
	}
}

func errorMsg(kind ErrorKind, description string) *Message {
	return &Message{
		Type:        MsgError,
		Kind:        kind,
		Description: description,
	}
}

// authorize checks the signature of a subscribe request and returns the
// mailbox key of its address. It returns an empty key together with an error
// reply if the request is refused.
func (s *Server) authorize(c *conn, msg *Message) (string, *Message) {
	addr, err := parseRelayAddress(msg.Address)
	if err != nil {
		return "", errorMsg(KindInvalidRequest, err.Error())
	}

	err = verify(
		addr.PublicKey(), msg.Signature,
		subscribeParts(c.challenge)...,
	)
	if err != nil {
		return "", errorMsg(KindUnauthorized, err.Error())
	}

	return address.EncodeRelayKey(addr.PublicKey()), nil
}

// subscribe makes c the subscriber of key, confirms the subscription and
// pushes everything that is still unacked. Writes to c are held back until
// then, so a slate posted meanwhile is pushed once and after the Ok.
func (s *Server) subscribe(c *conn, key string) error {
	c.writeMtx.Lock()
	defer c.writeMtx.Unlock()

	s.mu.Lock()
	pending := append([]*mailEntry(nil), s.mailboxes[key]...)
	s.subscribers[key] = c
	s.mu.Unlock()

	log.Debugf("Relay subscription for %v with %d pending", key,
		len(pending))

	msgs := make([]*Message, 0, len(pending)+1)
	msgs = append(msgs, &Message{Type: MsgOk})
	for _, entry := range pending {
		msgs = append(msgs, entry.message())
	}

	return c.writeLocked(msgs...)
}

func (s *Server) unsubscribe(c *conn, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subscribers[key] == c {
		delete(s.subscribers, key)
	}
}

// post puts a signed slate into the mailbox of its receiver and pushes it
// to the receiver if it is subscribed.
func (s *Server) post(c *conn, msg *Message) *Message {
	from, err := parseRelayAddress(msg.From)
	if err != nil {
		return errorMsg(KindInvalidRequest, err.Error())
	}
	to, err := parseRelayAddress(msg.To)
	if err != nil {
		return errorMsg(KindInvalidRequest, err.Error())
	}

	err = verify(
		from.PublicKey(), msg.Signature,
		postParts(c.challenge, msg.To, msg.Str)...,
	)
	if err != nil {
		return errorMsg(KindUnauthorized, err.Error())
	}

	key := address.EncodeRelayKey(to.PublicKey())

	s.mu.Lock()
	s.nextID++
	entry := &mailEntry{
		id:        strconv.FormatUint(s.nextID, 10),
		from:      msg.From,
		to:        msg.To,
		str:       msg.Str,
		challenge: c.challenge,
		signature: msg.Signature,
	}
	s.mailboxes[key] = append(s.mailboxes[key], entry)
	sub := s.subscribers[key]
	s.mu.Unlock()

	log.Debugf("Relay stored slate %v for %v", entry.id, key)

	if sub != nil {
		// A failed push is retried on the next subscription.
		if err := sub.write(entry.message()); err != nil {
			log.Debugf("Unable to push slate %v: %v", entry.id, err)
		}
	}

	return &Message{Type: MsgOk}
}

func (s *Server) ack(key, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.mailboxes[key]
	for i, entry := range entries {
		if entry.id != id {
			continue
		}

		entries = append(entries[:i:i], entries[i+1:]...)
		if len(entries) == 0 {
			delete(s.mailboxes, key)
		} else {
			s.mailboxes[key] = entries
		}

		return
	}
}

func parseRelayAddress(s string) (*address.RelayAddress, error) {
	addr, err := address.Parse(s)
	if err != nil {
		return nil, err
	}

	relayAddr, ok := addr.(*address.RelayAddress)
	if !ok {
		return nil, fmt.Errorf("%v is not a relay address", s)
	}

	return relayAddr, nil
}
