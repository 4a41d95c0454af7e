package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// SourceNode is a load board node allowed to submit rate confirmations
type SourceNode struct {
	NodeID    string    `gorm:"column:node_id;primaryKey;type:varchar(50)" json:"node_id"`
	Operator  string    `gorm:"column:operator;type:varchar(100);not null" json:"operator"`
	Status    string    `gorm:"column:status;type:varchar(20);default:'active'" json:"status"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// Confirmation is the agreed rate of one negotiation as committed to the ledger
type Confirmation struct {
	NegotiationID string          `gorm:"column:negotiation_id;primaryKey;type:varchar(50)" json:"negotiation_id"`
	LoadID        string          `gorm:"column:load_id;type:varchar(50);index;not null" json:"load_id"`
	ReferenceCode string          `gorm:"column:reference_code;type:varchar(50)" json:"reference_code"`
	CarrierID     string          `gorm:"column:carrier_id;type:varchar(50);index;not null" json:"carrier_id"`
	DispatcherID  string          `gorm:"column:dispatcher_id;type:varchar(50);index;not null" json:"dispatcher_id"`
	OriginalRate  decimal.Decimal `gorm:"column:original_rate;type:decimal(12,2);not null" json:"original_rate"`
	AgreedRate    decimal.Decimal `gorm:"column:agreed_rate;type:decimal(12,2);not null" json:"agreed_rate"`
	Origin        string          `gorm:"column:origin;type:varchar(120)" json:"origin"`
	Destination   string          `gorm:"column:destination;type:varchar(120)" json:"destination"`
	EquipmentType string          `gorm:"column:equipment_type;type:varchar(50)" json:"equipment_type"`
	Miles         int             `gorm:"column:miles" json:"miles"`
	OfferCount    int             `gorm:"column:offer_count" json:"offer_count"`
	HistoryDigest string          `gorm:"column:history_digest;type:varchar(64);not null" json:"history_digest"`
	AgreedAt      time.Time       `gorm:"column:agreed_at;not null" json:"agreed_at"`
	SourceNodeID  string          `gorm:"column:source_node_id;type:varchar(50);index;not null" json:"source_node_id"`
	Status        string          `gorm:"column:status;type:varchar(20);not null" json:"status"`
	TxHash        *string         `gorm:"column:tx_hash;type:varchar(66)" json:"tx_hash,omitempty"`
	CreatedAt     time.Time       `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time       `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`

	Transaction *Transaction `gorm:"foreignKey:NegotiationID" json:"transaction,omitempty"`
}

// Transaction is the block that carries a confirmation
type Transaction struct {
	TxHash        string    `gorm:"column:tx_hash;type:varchar(66);index" json:"tx_hash"`
	NegotiationID string    `gorm:"column:negotiation_id;type:varchar(50);primaryKey" json:"negotiation_id"`
	SourceNodeID  string    `gorm:"column:source_node_id;type:varchar(50);index;not null" json:"source_node_id"`
	BlockHeight   int64     `gorm:"column:block_height;not null" json:"block_height"`
	Timestamp     time.Time `gorm:"column:timestamp;not null" json:"timestamp"`
	Status        string    `gorm:"column:status;type:varchar(20);default:'confirmed'" json:"status"`

	Confirmation *Confirmation `gorm:"foreignKey:NegotiationID;references:NegotiationID" json:"confirmation,omitempty"`
}
