package models

import (
	"encoding/json"
	"fmt"
)

// SessionMeta is one variant per session-creation path, so each path's fields
// are statically known instead of living in an open map. Stored kind-tagged
// as JSON.
type SessionMeta interface {
	Kind() string
}

// ShopInitiatedMeta marks a session opened by a shop at the counter.
type ShopInitiatedMeta struct {
	Note string `json:"note,omitempty"`
}

func (ShopInitiatedMeta) Kind() string { return "shop_initiated" }

// QRMeta marks a session generated by the customer as a scannable code the
// shop consumes out-of-band.
type QRMeta struct {
	DisplayCode string `json:"display_code,omitempty"`
}

func (QRMeta) Kind() string { return "qr" }

// TransferMeta marks a session created after an on-chain transfer was already
// observed; it carries the transfer hash for audit.
type TransferMeta struct {
	TransferTxHash string `json:"transfer_tx_hash"`
}

func (TransferMeta) Kind() string { return "post_transfer" }

type metaEnvelope struct {
	Kind           string `json:"kind"`
	Note           string `json:"note,omitempty"`
	DisplayCode    string `json:"display_code,omitempty"`
	TransferTxHash string `json:"transfer_tx_hash,omitempty"`
}

func EncodeMeta(m SessionMeta) ([]byte, error) {
	env := metaEnvelope{Kind: m.Kind()}
	switch v := m.(type) {
	case ShopInitiatedMeta:
		env.Note = v.Note
	case QRMeta:
		env.DisplayCode = v.DisplayCode
	case TransferMeta:
		env.TransferTxHash = v.TransferTxHash
	default:
		return nil, fmt.Errorf("unknown session meta kind %q", m.Kind())
	}
	return json.Marshal(env)
}

func DecodeMeta(data []byte) (SessionMeta, error) {
	var env metaEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Kind {
	case "shop_initiated":
		return ShopInitiatedMeta{Note: env.Note}, nil
	case "qr":
		return QRMeta{DisplayCode: env.DisplayCode}, nil
	case "post_transfer":
		return TransferMeta{TransferTxHash: env.TransferTxHash}, nil
	}
	return nil, fmt.Errorf("unknown session meta kind %q", env.Kind)
}
