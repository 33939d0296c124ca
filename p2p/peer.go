package p2p

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// PeerState tracks the lifecycle of a peer connection. Blacklisted is an
// absorbing terminal state reachable only through the bad-peer filter.
type PeerState int32

const (
	StateConnecting PeerState = iota
	StateConnected
	StateDisconnected
	StateBlacklisted
)

func (s PeerState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateBlacklisted:
		return "blacklisted"
	default:
		return "unknown"
	}
}

// Peer is one live connection plus the ownership the remote side announced.
type Peer struct {
	id            string
	clientVersion string
	conn          net.Conn
	reader        *bufio.Reader
	outbound      chan *Message
	server        *Server
	remoteAddr    string
	dialAddr      string
	listenAddr    string
	inbound       bool
	persistent    bool

	groups   map[string]struct{}
	contacts map[string]struct{}

	state    atomic.Int32
	lastSeen atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
	closed    chan struct{}
}

func newPeer(hello *helloMessage, conn net.Conn, reader *bufio.Reader, server *Server, inbound, persistent bool, dialAddr string) *Peer {
	ctx, cancel := context.WithCancel(context.Background())
	groups := make(map[string]struct{}, len(hello.Groups))
	for _, id := range hello.Groups {
		groups[id] = struct{}{}
	}
	contacts := make(map[string]struct{}, len(hello.Contacts))
	for _, id := range hello.Contacts {
		contacts[id] = struct{}{}
	}
	p := &Peer{
		id:            hello.NodeID,
		clientVersion: hello.ClientVersion,
		conn:          conn,
		reader:        reader,
		outbound:      make(chan *Message, outboundQueueSize),
		server:        server,
		remoteAddr:    conn.RemoteAddr().String(),
		dialAddr:      strings.TrimSpace(dialAddr),
		listenAddr:    strings.TrimSpace(hello.ListenAddr),
		inbound:       inbound,
		persistent:    persistent,
		groups:        groups,
		contacts:      contacts,
		ctx:           ctx,
		cancel:        cancel,
		closed:        make(chan struct{}),
	}
	p.state.Store(int32(StateConnecting))
	p.lastSeen.Store(server.now().UnixNano())
	return p
}

// markConnected moves the peer out of the connecting phase once it is
// registered. A peer torn down in the meantime keeps its terminal state.
func (p *Peer) markConnected() {
	p.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected))
}

func (p *Peer) start() {
	go p.readLoop()
	go p.writeLoop()
}

// State returns the current lifecycle state.
func (p *Peer) State() PeerState {
	return PeerState(p.state.Load())
}

// OwnsContact reports whether the peer announced owning the contact.
func (p *Peer) OwnsContact(contactID string) bool {
	_, ok := p.contacts[contactID]
	return ok
}

// OwnsGroup reports whether the peer announced owning the group.
func (p *Peer) OwnsGroup(groupID string) bool {
	_, ok := p.groups[groupID]
	return ok
}

// LastSeen returns the time of the last inbound message from the peer.
func (p *Peer) LastSeen() time.Time {
	return time.Unix(0, p.lastSeen.Load())
}

func (p *Peer) touch(now time.Time) {
	p.lastSeen.Store(now.UnixNano())
}

// Enqueue hands a message to the peer's outbound queue without blocking the
// caller. Delivery is optimistic; a full queue terminates the peer.
func (p *Peer) Enqueue(msg *Message) error {
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("peer shutting down")
	default:
	}

	select {
	case p.outbound <- msg:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("peer shutting down")
	default:
		return errQueueFull
	}
}

func (p *Peer) readLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		if err := p.conn.SetReadDeadline(time.Now().Add(p.server.cfg.ReadTimeout)); err != nil {
			p.terminate(false, fmt.Errorf("set read deadline: %w", err))
			return
		}

		line, err := p.reader.ReadBytes('\n')
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				p.terminate(false, fmt.Errorf("peer %s read timeout", p.id))
				return
			}
			if errors.Is(err, io.EOF) {
				p.terminate(false, io.EOF)
				return
			}
			p.terminate(false, fmt.Errorf("read error: %w", err))
			return
		}

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		if len(trimmed) > p.server.cfg.MaxMessageBytes {
			p.server.handleProtocolViolation(p, fmt.Errorf("message exceeds max size (%d bytes)", len(trimmed)))
			continue
		}

		var msg Message
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			p.server.handleProtocolViolation(p, fmt.Errorf("malformed message: %w", err))
			continue
		}

		p.touch(p.server.now())
		p.server.dispatch(p, &msg)
	}
}

func (p *Peer) writeLoop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case msg := <-p.outbound:
			ctx, cancel := context.WithTimeout(p.ctx, p.server.cfg.WriteTimeout)
			err := p.writeMessage(ctx, msg)
			cancel()
			if err != nil {
				p.terminate(false, fmt.Errorf("write error: %w", err))
				return
			}
			p.server.metrics.recordMessage("out", msg.Type)
		}
	}
}

func (p *Peer) writeMessage(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := p.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer p.conn.SetWriteDeadline(time.Time{})
	}
	_, err = p.conn.Write(append(data, '\n'))
	return err
}

func (p *Peer) terminate(blacklist bool, reason error) {
	p.closeOnce.Do(func() {
		if blacklist {
			p.state.Store(int32(StateBlacklisted))
		} else {
			p.state.Store(int32(StateDisconnected))
		}
		p.cancel()
		p.conn.Close()
		close(p.closed)
		p.server.removePeer(p, blacklist, reason)
	})
}
