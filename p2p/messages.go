package p2p

import (
	"encoding/json"
	"time"
)

// Constants for our P2P message types. The vocabulary is closed: every
// message carries exactly one of these discriminators and the matching
// payload shape. Anything else is a protocol violation.
const (
	MsgTypeContentCheck      byte = 0x01
	MsgTypeContentRequest    byte = 0x02
	MsgTypeContentResponse   byte = 0x03
	MsgTypeUpdateContact     byte = 0x04
	MsgTypeHeartbeat         byte = 0x05
	MsgTypePeerAnnounce      byte = 0x06
	MsgTypePeerRequest       byte = 0x07
	MsgTypePeerResponse      byte = 0x08
	MsgTypePartitionDetected byte = 0x09
	MsgTypePartitionHealed   byte = 0x0A
)

// Message is the generic envelope for any data sent between nodes.
type Message struct {
	Type    byte            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ContentCheckPayload announces the hash a node currently holds for a
// contact. Peers holding a different hash respond with a content request.
type ContentCheckPayload struct {
	ContactID string `json:"contactId"`
	Hash      string `json:"hash"`
}

// ContentRequestPayload asks the announcing peer for the full content.
type ContentRequestPayload struct {
	ContactID string `json:"contactId"`
}

// ContentResponsePayload carries the full value for a requested contact.
type ContentResponsePayload struct {
	ContactID string `json:"contactId"`
	Content   []byte `json:"content"`
}

// UpdateContactPayload pushes new content at a peer directly, either from the
// subscription router or from a post-heal resync.
type UpdateContactPayload struct {
	ContactID string `json:"contactId"`
	Content   []byte `json:"content"`
}

// HeartbeatPayload is a lightweight liveness signal.
type HeartbeatPayload struct {
	Timestamp int64 `json:"ts"`
}

// PeerAnnouncePayload advertises a node and the contacts it knows about.
type PeerAnnouncePayload struct {
	NodeID     string   `json:"nodeId"`
	Address    string   `json:"addr"`
	ContactIDs []string `json:"contactIds"`
}

// PeerRequestPayload asks a peer for its recently seen peer list.
type PeerRequestPayload struct {
	Token string `json:"token"`
	Limit int    `json:"limit"`
}

// PeerEndpoint captures a gossipable peer.
type PeerEndpoint struct {
	NodeID     string    `json:"nodeId"`
	Address    string    `json:"addr"`
	ContactIDs []string  `json:"contactIds,omitempty"`
	LastSeen   time.Time `json:"lastSeen"`
}

// PeerResponsePayload returns the peers known to the responder.
type PeerResponsePayload struct {
	Token string         `json:"token"`
	Peers []PeerEndpoint `json:"peers"`
}

// PartitionDetectedPayload announces wires that just entered the broken set.
type PartitionDetectedPayload struct {
	WireIDs []string `json:"wireIds"`
}

// PartitionHealedPayload announces wires removed from the broken set.
type PartitionHealedPayload struct {
	WireIDs []string `json:"wireIds"`
}

// --- Message Creation Helpers ---

func newMessage(msgType byte, payload any) (*Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, Payload: body}, nil
}

func NewContentCheckMessage(contactID, hash string) (*Message, error) {
	return newMessage(MsgTypeContentCheck, ContentCheckPayload{ContactID: contactID, Hash: hash})
}

func NewContentRequestMessage(contactID string) (*Message, error) {
	return newMessage(MsgTypeContentRequest, ContentRequestPayload{ContactID: contactID})
}

func NewContentResponseMessage(contactID string, content []byte) (*Message, error) {
	return newMessage(MsgTypeContentResponse, ContentResponsePayload{ContactID: contactID, Content: content})
}

func NewUpdateContactMessage(contactID string, content []byte) (*Message, error) {
	return newMessage(MsgTypeUpdateContact, UpdateContactPayload{ContactID: contactID, Content: content})
}

func NewHeartbeatMessage(ts time.Time) (*Message, error) {
	return newMessage(MsgTypeHeartbeat, HeartbeatPayload{Timestamp: ts.UnixNano()})
}

func NewPeerAnnounceMessage(nodeID, addr string, contactIDs []string) (*Message, error) {
	return newMessage(MsgTypePeerAnnounce, PeerAnnouncePayload{NodeID: nodeID, Address: addr, ContactIDs: contactIDs})
}

func NewPeerRequestMessage(token string, limit int) (*Message, error) {
	return newMessage(MsgTypePeerRequest, PeerRequestPayload{Token: token, Limit: limit})
}

func NewPeerResponseMessage(token string, peers []PeerEndpoint) (*Message, error) {
	return newMessage(MsgTypePeerResponse, PeerResponsePayload{Token: token, Peers: peers})
}

func NewPartitionDetectedMessage(wireIDs []string) (*Message, error) {
	return newMessage(MsgTypePartitionDetected, PartitionDetectedPayload{WireIDs: wireIDs})
}

func NewPartitionHealedMessage(wireIDs []string) (*Message, error) {
	return newMessage(MsgTypePartitionHealed, PartitionHealedPayload{WireIDs: wireIDs})
}
