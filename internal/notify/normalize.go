package notify

// Envelope is the transport wire format: {"type": ..., "payload": {...}}.
// A missing payload is treated as an empty object.
type Envelope struct {
	Type    string         `json:"type"`
	Payload map[string]any `json:"payload"`
}

// EventMeta carries the opaque chain metadata attached to every ledger event.
// Both values are passed through into notification payloads unchanged.
type EventMeta struct {
	TxID    string
	BlockID string
}

// LedgerEvent is a raw event tuple as delivered by the ledger event source:
// an event name plus positional string fields and trailing metadata.
type LedgerEvent struct {
	Name   string
	Fields []string
	Meta   EventMeta
}

// Ledger event names and their positional field layout.
const (
	EventRecordCreated     = "record_created"     // recordId, name, batchId, ownerAddress
	EventRecordTransferred = "record_transferred" // recordId, fromAddress, toAddress, note
	EventRecordPurchased   = "record_purchased"   // recordId, buyerAddress, amount
)

// FromEnvelope normalizes a transport message into a Notification.
// Unrecognized types degrade to TypeUnknown with the payload preserved;
// this function never fails, so downstream consumers stay total over
// whatever the server sends.
func FromEnvelope(env Envelope) Notification {
	payload := env.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	switch Type(env.Type) {
	case TypeRecordCreated, TypeRecordTransferred, TypeRecordPurchased,
		TypeRoleGranted, TypeSystemMessage:
		return New(Type(env.Type), payload)
	default:
		return New(TypeUnknown, map[string]any{
			"type":    env.Type,
			"payload": payload,
		})
	}
}

// FromLedger normalizes a ledger event tuple into a Notification.
// A tuple with too few fields for its event kind, or an unrecognized
// event name, degrades to TypeUnknown with the raw tuple preserved.
func FromLedger(ev LedgerEvent) Notification {
	var keys []string
	var t Type

	switch ev.Name {
	case EventRecordCreated:
		t = TypeRecordCreated
		keys = []string{"recordId", "name", "batchId", "ownerAddress"}
	case EventRecordTransferred:
		t = TypeRecordTransferred
		keys = []string{"recordId", "fromAddress", "toAddress", "note"}
	case EventRecordPurchased:
		t = TypeRecordPurchased
		keys = []string{"recordId", "buyerAddress", "amount"}
	default:
		return ledgerUnknown(ev)
	}

	if len(ev.Fields) < len(keys) {
		return ledgerUnknown(ev)
	}

	payload := make(map[string]any, len(keys)+2)
	for i, k := range keys {
		payload[k] = ev.Fields[i]
	}
	addMeta(payload, ev.Meta)
	return New(t, payload)
}

// ledgerUnknown preserves an unmappable tuple verbatim.
func ledgerUnknown(ev LedgerEvent) Notification {
	payload := map[string]any{
		"event":  ev.Name,
		"fields": append([]string(nil), ev.Fields...),
	}
	addMeta(payload, ev.Meta)
	return New(TypeUnknown, payload)
}

func addMeta(payload map[string]any, meta EventMeta) {
	if meta.TxID != "" {
		payload["txId"] = meta.TxID
	}
	if meta.BlockID != "" {
		payload["blockId"] = meta.BlockID
	}
}
