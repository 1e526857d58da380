// Package relay carries IntentExecuted records to the destination-side
// settlement receiver. Queues give at-least-once delivery; the receiver's
// settled set makes redelivery harmless.
package relay

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"Intent-Ledger/internal/eventlog"
	"Intent-Ledger/internal/settlement"
)

var deliveryNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("intent-ledger/relay"))

// Delivery is one queued cross-domain message.
type Delivery struct {
	ID           string         `json:"id"`
	IntentID     uint64         `json:"intentId"`
	User         common.Address `json:"user"`
	Amount       *big.Int       `json:"amount"`
	SourceRef    common.Hash    `json:"sourceRef"`
	DestDomainID uint64         `json:"destDomainId"`
	Attempts     int            `json:"attempts"`
	EnqueuedAt   int64          `json:"enqueuedAt"`
}

// DeliveryID derives the stable id of the delivery for intentID, so that a
// re-exported record produces the same id.
func DeliveryID(intentID uint64) string {
	return uuid.NewSHA1(deliveryNamespace, []byte(strconv.FormatUint(intentID, 10))).String()
}

// FromRecord builds a delivery from an IntentExecuted record.
func FromRecord(rec eventlog.Record) (Delivery, error) {
	if rec.Kind != eventlog.KindIntentExecuted {
		return Delivery{}, fmt.Errorf("记录类型 %s 不能转换为投递消息", rec.Kind)
	}
	amount := new(big.Int)
	if rec.Amount != nil {
		amount.Set(rec.Amount)
	}
	return Delivery{
		ID:           DeliveryID(rec.IntentID),
		IntentID:     rec.IntentID,
		User:         rec.Account,
		Amount:       amount,
		SourceRef:    rec.SourceRef,
		DestDomainID: rec.DestDomainID,
		EnqueuedAt:   time.Now().Unix(),
	}, nil
}

// Payload returns the settlement message carried by the delivery.
func (d Delivery) Payload() settlement.Payload {
	amount := new(big.Int)
	if d.Amount != nil {
		amount.Set(d.Amount)
	}
	return settlement.Payload{IntentID: d.IntentID, User: d.User, Amount: amount, SourceRef: d.SourceRef}
}

// Encode serialises the delivery for the wire.
func (d Delivery) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// DecodeDelivery parses a delivery produced by Encode.
func DecodeDelivery(data []byte) (Delivery, error) {
	var d Delivery
	if err := json.Unmarshal(data, &d); err != nil {
		return Delivery{}, fmt.Errorf("解析投递消息失败: %w", err)
	}
	if d.IntentID == 0 {
		return Delivery{}, fmt.Errorf("投递消息缺少意图 ID")
	}
	return d, nil
}
