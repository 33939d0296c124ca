package p2p

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"
)

const (
	protocolVersion        uint32        = 1
	handshakeSkewAllowance time.Duration = 5 * time.Minute
)

// helloMessage is exchanged once per connection, before any protocol traffic.
// It carries the topology digest (fatal mismatch check) and the ownership the
// remote side authoritatively holds.
type helloMessage struct {
	ProtocolVersion uint32   `json:"protoVersion"`
	NodeID          string   `json:"nodeId"`
	ListenAddr      string   `json:"listenAddr"`
	TopologyDigest  string   `json:"topologyDigest"`
	Groups          []string `json:"groups"`
	Contacts        []string `json:"contacts"`
	ClientVersion   string   `json:"clientVersion"`
	Timestamp       int64    `json:"ts"`
}

func (s *Server) performHandshake(ctx context.Context, conn net.Conn, reader *bufio.Reader) (*helloMessage, error) {
	local := s.buildHello()
	if err := writeFrame(ctx, conn, local); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	payload, err := readFrame(ctx, conn, reader)
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty hello from peer")
	}

	var remote helloMessage
	if err := json.Unmarshal(payload, &remote); err != nil {
		return nil, fmt.Errorf("decode hello: %w", err)
	}

	if err := s.verifyHello(&remote); err != nil {
		return nil, err
	}
	return &remote, nil
}

func (s *Server) buildHello() *helloMessage {
	s.mu.RLock()
	groups := setToSorted(s.ownedGroups)
	contacts := setToSorted(s.ownedContacts)
	s.mu.RUnlock()

	return &helloMessage{
		ProtocolVersion: protocolVersion,
		NodeID:          s.nodeID,
		ListenAddr:      s.advertisedAddr(),
		TopologyDigest:  s.topo.DigestHex(),
		Groups:          groups,
		Contacts:        contacts,
		ClientVersion:   s.cfg.ClientVersion,
		Timestamp:       s.now().Unix(),
	}
}

func (s *Server) verifyHello(remote *helloMessage) error {
	if remote == nil {
		return fmt.Errorf("nil hello")
	}
	if remote.ProtocolVersion != protocolVersion {
		return fmt.Errorf("unsupported protocol version %d", remote.ProtocolVersion)
	}
	if strings.TrimSpace(remote.NodeID) == "" {
		return fmt.Errorf("hello missing node identity")
	}
	if remote.ClientVersion == "" {
		return fmt.Errorf("hello missing client version")
	}

	// Topology digest disagreement is fatal: the peer is running a different
	// run and nothing it sends can be applied safely.
	if !strings.EqualFold(remote.TopologyDigest, s.topo.DigestHex()) {
		return fmt.Errorf("%w: remote %s local %s",
			ErrTopologyMismatch, summarizeDigest(remote.TopologyDigest), summarizeDigest(s.topo.DigestHex()))
	}

	ts := time.Unix(remote.Timestamp, 0)
	now := s.now()
	if now.Sub(ts) > handshakeSkewAllowance || ts.Sub(now) > handshakeSkewAllowance {
		return fmt.Errorf("hello timestamp skew too large")
	}

	// Ownership must be internally consistent with the shared topology, and
	// must not overlap the groups this node holds write authority over.
	s.mu.RLock()
	defer s.mu.RUnlock()
	claimedGroups := make(map[string]struct{}, len(remote.Groups))
	for _, groupID := range remote.Groups {
		if _, ok := s.topo.GroupByID(groupID); !ok {
			return fmt.Errorf("hello claims unknown group %q", groupID)
		}
		if _, ours := s.ownedGroups[groupID]; ours {
			return fmt.Errorf("%w: group %q", ErrOwnershipConflict, groupID)
		}
		claimedGroups[groupID] = struct{}{}
	}
	for _, contactID := range remote.Contacts {
		contact, ok := s.topo.ContactByID(contactID)
		if !ok {
			return fmt.Errorf("hello claims unknown contact %q", contactID)
		}
		// A contact claim is only valid together with its owning group;
		// otherwise reachability would count contacts nobody answers for.
		if _, ok := claimedGroups[contact.GroupID]; !ok {
			return fmt.Errorf("hello claims contact %q without its group %q", contactID, contact.GroupID)
		}
	}
	return nil
}

func summarizeDigest(digest string) string {
	if len(digest) <= 12 {
		return digest
	}
	return digest[:6] + ".." + digest[len(digest)-6:]
}

func setToSorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func writeFrame(ctx context.Context, conn net.Conn, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer conn.SetWriteDeadline(time.Time{})
	}
	_, err = conn.Write(append(data, '\n'))
	return err
}

func readFrame(ctx context.Context, conn net.Conn, reader *bufio.Reader) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		defer conn.SetReadDeadline(time.Time{})
	}
	line, err := reader.ReadBytes('\n')
	if err != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		return nil, err
	}
	return bytes.TrimSpace(line), nil
}
