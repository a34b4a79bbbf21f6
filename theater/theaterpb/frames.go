package theaterpb

import (
	"encoding/base64"
	"fmt"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/theater-project/theater/theatererr"
)

// Frame kinds: the tag carried in every envelope's "kind" field. Request
// kinds name a management-protocol command (spec.md §6); Ok/Err are the
// two response variants; Event is a server-pushed notification sent on a
// subscribed stream outside the request/response cycle.
const (
	KindSpawnActor     = "spawn_actor"
	KindStopActor      = "stop_actor"
	KindRestartActor   = "restart_actor"
	KindListActors     = "list_actors"
	KindGetActorState  = "get_actor_state"
	KindGetActorEvents = "get_actor_events"
	KindSubscribe      = "subscribe"
	KindUnsubscribe    = "unsubscribe"
	KindOpenChannel    = "open_channel"
	KindSendOnChannel  = "send_on_channel"
	KindCloseChannel   = "close_channel"
	KindPutComponent   = "put_component"
	KindPutState       = "put_state"

	KindOk    = "ok"
	KindErr   = "err"
	KindEvent = "event"
)

// NewFrame builds a *structpb.Struct envelope tagged with kind, carrying
// fields. fields must only contain values structpb.NewStruct accepts
// (nil, bool, float64, string, []any, map[string]any); use PutBytes to
// embed byte slices.
func NewFrame(kind string, fields map[string]any) (*structpb.Struct, error) {
	tagged := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		tagged[k] = v
	}
	tagged["kind"] = kind
	s, err := structpb.NewStruct(tagged)
	if err != nil {
		return nil, fmt.Errorf("theaterpb: build %s frame: %w", kind, err)
	}
	return s, nil
}

// Kind reads the envelope's "kind" tag.
func Kind(f *structpb.Struct) string {
	if f == nil {
		return ""
	}
	return f.GetFields()["kind"].GetStringValue()
}

// GetString reads a string field, "" if absent or the wrong type.
func GetString(f *structpb.Struct, key string) string {
	return f.GetFields()[key].GetStringValue()
}

// GetBytes reads a field that PutBytes encoded as base64, nil if absent,
// not a string, or not valid base64.
func GetBytes(f *structpb.Struct, key string) []byte {
	v := f.GetFields()[key].GetStringValue()
	if v == "" {
		return nil
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil
	}
	return b
}

// PutBytes base64-encodes b into fields[key], the structpb-safe encoding
// for opaque payloads (state bytes, event data, channel messages).
func PutBytes(fields map[string]any, key string, b []byte) {
	fields[key] = base64.StdEncoding.EncodeToString(b)
}

// GetStringList reads a list-of-strings field, nil if absent or malformed.
func GetStringList(f *structpb.Struct, key string) []string {
	lv := f.GetFields()[key].GetListValue()
	if lv == nil {
		return nil
	}
	out := make([]string, 0, len(lv.Values))
	for _, v := range lv.Values {
		out = append(out, v.GetStringValue())
	}
	return out
}

// Ok builds a KindOk response envelope.
func Ok(fields map[string]any) *structpb.Struct {
	f, err := NewFrame(KindOk, fields)
	if err != nil {
		// fields are always caller-controlled plain values; NewStruct only
		// fails on unsupported Go types, which would be a programming error.
		panic(err)
	}
	return f
}

// Err builds a KindErr response envelope from a theatererr.Kind and
// message, matching spec.md §6's "errors include a symbolic kind string
// plus a human-readable message".
func Err(kind theatererr.Kind, message string) *structpb.Struct {
	f, err := NewFrame(KindErr, map[string]any{
		"error_kind":    string(kind),
		"error_message": message,
	})
	if err != nil {
		panic(err)
	}
	return f
}

// ErrFrom classifies err via theatererr.Of, falling back to Internal for
// errors that do not carry a symbolic kind, and builds an Err frame.
func ErrFrom(err error) *structpb.Struct {
	kind, ok := theatererr.Of(err)
	if !ok {
		kind = theatererr.Internal
	}
	return Err(kind, err.Error())
}
