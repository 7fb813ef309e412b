// Package wire implements the protobuf transport framing for messages that
// cross the network boundary: gossip head announcements and DAG sync
// requests/responses. A message is shaped into a google.protobuf.Struct and
// marshaled with the standard protobuf wire codec rather than a bespoke
// generated schema, so the framing stays a genuine protobuf encoding
// without needing a .proto/protoc step for this package's three message
// shapes. The core's own content-identifier hashing never touches this
// package: CIDs are always computed from the canonical little-endian
// encoding in package dag, so re-framing a node for the wire never changes
// its CID.
package wire

import (
	"encoding/hex"
	"fmt"
	"strconv"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/luxfi/crdtstore/dag"
	"github.com/luxfi/crdtstore/gossip"
	"github.com/luxfi/crdtstore/sync"
	"github.com/luxfi/version"
)

func hexList(hs []dag.Hash) []interface{} {
	out := make([]interface{}, len(hs))
	for i, h := range hs {
		out[i] = h.ToHex()
	}
	return out
}

func decodeHexList(v *structpb.Value) ([]dag.Hash, error) {
	lv := v.GetListValue()
	if lv == nil {
		return nil, nil
	}
	out := make([]dag.Hash, 0, len(lv.GetValues()))
	for _, e := range lv.GetValues() {
		h, ok := dag.HashFromHex(e.GetStringValue())
		if !ok {
			return nil, fmt.Errorf("wire: invalid hash %q", e.GetStringValue())
		}
		out = append(out, h)
	}
	return out, nil
}

func nodeToValue(n dag.MerkleNode) interface{} {
	return map[string]interface{}{
		"cid":       n.CID.ToHex(),
		"parents":   hexList(n.Parents),
		"kind":      float64(n.Payload.Kind),
		"data_hex":  hex.EncodeToString(n.Payload.Data),
		"timestamp": strconv.FormatUint(n.Timestamp, 10),
		"creator":   n.Creator,
	}
}

func valueToNode(v *structpb.Value) (dag.MerkleNode, error) {
	fields := v.GetStructValue().GetFields()

	cid, ok := dag.HashFromHex(fields["cid"].GetStringValue())
	if !ok {
		return dag.MerkleNode{}, fmt.Errorf("wire: invalid node cid %q", fields["cid"].GetStringValue())
	}
	parents, err := decodeHexList(fields["parents"])
	if err != nil {
		return dag.MerkleNode{}, err
	}
	data, err := hex.DecodeString(fields["data_hex"].GetStringValue())
	if err != nil {
		return dag.MerkleNode{}, fmt.Errorf("wire: invalid node payload: %w", err)
	}
	timestamp, err := strconv.ParseUint(fields["timestamp"].GetStringValue(), 10, 64)
	if err != nil {
		return dag.MerkleNode{}, fmt.Errorf("wire: invalid node timestamp: %w", err)
	}

	return dag.MerkleNode{
		CID:     cid,
		Parents: parents,
		Payload: dag.Payload{
			Kind: dag.PayloadKind(fields["kind"].GetNumberValue()),
			Data: data,
		},
		Timestamp: timestamp,
		Creator:   fields["creator"].GetStringValue(),
	}, nil
}

func nodesToValue(nodes []dag.MerkleNode) []interface{} {
	out := make([]interface{}, len(nodes))
	for i, n := range nodes {
		out[i] = nodeToValue(n)
	}
	return out
}

func valueToNodes(v *structpb.Value) ([]dag.MerkleNode, error) {
	lv := v.GetListValue()
	if lv == nil {
		return nil, nil
	}
	out := make([]dag.MerkleNode, 0, len(lv.GetValues()))
	for _, e := range lv.GetValues() {
		n, err := valueToNode(e)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// EncodeSyncRequest marshals a sync.Request to its protobuf wire form.
func EncodeSyncRequest(r sync.Request) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]interface{}{
		"want":  hexList(r.Want),
		"have":  hexList(r.Have),
		"limit": float64(r.Limit),
	})
	if err != nil {
		return nil, fmt.Errorf("wire: encode sync request: %w", err)
	}
	return proto.Marshal(s)
}

// DecodeSyncRequest unmarshals a protobuf-framed sync.Request.
func DecodeSyncRequest(data []byte) (sync.Request, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return sync.Request{}, fmt.Errorf("wire: decode sync request: %w", err)
	}
	fields := s.GetFields()
	want, err := decodeHexList(fields["want"])
	if err != nil {
		return sync.Request{}, err
	}
	have, err := decodeHexList(fields["have"])
	if err != nil {
		return sync.Request{}, err
	}
	return sync.Request{
		Want:  want,
		Have:  have,
		Limit: int(fields["limit"].GetNumberValue()),
	}, nil
}

// EncodeSyncResponse marshals a sync.Response to its protobuf wire form.
func EncodeSyncResponse(r sync.Response) ([]byte, error) {
	s, err := structpb.NewStruct(map[string]interface{}{
		"nodes": nodesToValue(r.Nodes),
		"more":  hexList(r.More),
		"heads": hexList(r.Heads),
	})
	if err != nil {
		return nil, fmt.Errorf("wire: encode sync response: %w", err)
	}
	return proto.Marshal(s)
}

// DecodeSyncResponse unmarshals a protobuf-framed sync.Response.
func DecodeSyncResponse(data []byte) (sync.Response, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return sync.Response{}, fmt.Errorf("wire: decode sync response: %w", err)
	}
	fields := s.GetFields()
	nodes, err := valueToNodes(fields["nodes"])
	if err != nil {
		return sync.Response{}, err
	}
	more, err := decodeHexList(fields["more"])
	if err != nil {
		return sync.Response{}, err
	}
	heads, err := decodeHexList(fields["heads"])
	if err != nil {
		return sync.Response{}, err
	}
	return sync.Response{Nodes: nodes, More: more, Heads: heads}, nil
}

// EncodeBroadcastMessage marshals a gossip.Message to its protobuf wire
// form, including its AppVersion stamp when present.
func EncodeBroadcastMessage(m gossip.Message) ([]byte, error) {
	fields := map[string]interface{}{
		"id":        m.ID.ToHex(),
		"origin":    m.Origin,
		"heads":     hexList(m.Heads),
		"ttl":       float64(m.TTL),
		"timestamp": strconv.FormatUint(m.Timestamp, 10),
	}
	if m.AppVersion != nil {
		fields["app_version"] = map[string]interface{}{
			"name":  m.AppVersion.Name,
			"major": float64(m.AppVersion.Major),
			"minor": float64(m.AppVersion.Minor),
			"patch": float64(m.AppVersion.Patch),
		}
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("wire: encode broadcast message: %w", err)
	}
	return proto.Marshal(s)
}

// DecodeBroadcastMessage unmarshals a protobuf-framed gossip.Message.
func DecodeBroadcastMessage(data []byte) (gossip.Message, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return gossip.Message{}, fmt.Errorf("wire: decode broadcast message: %w", err)
	}
	fields := s.GetFields()

	id, ok := dag.HashFromHex(fields["id"].GetStringValue())
	if !ok {
		return gossip.Message{}, fmt.Errorf("wire: invalid message id %q", fields["id"].GetStringValue())
	}
	heads, err := decodeHexList(fields["heads"])
	if err != nil {
		return gossip.Message{}, err
	}
	timestamp, err := strconv.ParseUint(fields["timestamp"].GetStringValue(), 10, 64)
	if err != nil {
		return gossip.Message{}, fmt.Errorf("wire: invalid message timestamp: %w", err)
	}

	msg := gossip.Message{
		ID:        id,
		Origin:    fields["origin"].GetStringValue(),
		Heads:     heads,
		TTL:       uint8(fields["ttl"].GetNumberValue()),
		Timestamp: timestamp,
	}

	if av := fields["app_version"].GetStructValue(); av != nil {
		avFields := av.GetFields()
		msg.AppVersion = &version.Application{
			Name:  avFields["name"].GetStringValue(),
			Major: int(avFields["major"].GetNumberValue()),
			Minor: int(avFields["minor"].GetNumberValue()),
			Patch: int(avFields["patch"].GetNumberValue()),
		}
	}
	return msg, nil
}
