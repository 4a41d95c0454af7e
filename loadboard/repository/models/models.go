package models

import (
	"time"

	"github.com/ahmadzakiakmal/freight-negotiation/loadboard/negotiation"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Load statuses
const (
	LoadAvailable = "available"
	LoadPending   = "pending"
	LoadBooked    = "booked"
	LoadInTransit = "in_transit"
	LoadDelivered = "delivered"
)

// Dispatcher posts loads and answers carrier offers
type Dispatcher struct {
	ID      string `gorm:"column:dispatcher_id;primaryKey;type:varchar(50)" json:"id"`
	Name    string `gorm:"column:name;type:varchar(100);not null" json:"name"`
	Company string `gorm:"column:company;type:varchar(100)" json:"company"`
}

// Carrier is the read-only profile of a trucking company
type Carrier struct {
	ID             string  `gorm:"column:carrier_id;primaryKey;type:varchar(50)" json:"id"`
	LegalName      string  `gorm:"column:legal_name;type:varchar(150);not null" json:"legal_name"`
	MCNumber       string  `gorm:"column:mc_number;type:varchar(20)" json:"mc_number"`
	DOTNumber      string  `gorm:"column:dot_number;type:varchar(20)" json:"dot_number"`
	EquipmentTypes string  `gorm:"column:equipment_types;type:varchar(255)" json:"equipment_types"` // comma separated
	Rating         float64 `gorm:"column:rating" json:"rating"`
}

// Load is a freight shipment posted by a dispatcher
type Load struct {
	ID               string           `gorm:"column:load_id;primaryKey;type:varchar(50)" json:"id"`
	ReferenceCode    string           `gorm:"column:reference_code;type:varchar(50);uniqueIndex;not null" json:"reference_code"`
	OriginCity       string           `gorm:"column:origin_city;type:varchar(100);not null" json:"origin_city"`
	OriginState      string           `gorm:"column:origin_state;type:varchar(2);not null" json:"origin_state"`
	DestinationCity  string           `gorm:"column:destination_city;type:varchar(100);not null" json:"destination_city"`
	DestinationState string           `gorm:"column:destination_state;type:varchar(2);not null" json:"destination_state"`
	EquipmentType    string           `gorm:"column:equipment_type;type:varchar(50);not null" json:"equipment_type"`
	WeightLbs        int              `gorm:"column:weight_lbs" json:"weight_lbs"`
	Commodity        string           `gorm:"column:commodity;type:varchar(100)" json:"commodity"`
	Hazmat           bool             `gorm:"column:hazmat;default:false" json:"hazmat"`
	TeamRequired     bool             `gorm:"column:team_required;default:false" json:"team_required"`
	PickupDate       time.Time        `gorm:"column:pickup_date" json:"pickup_date"`
	DeliveryDate     time.Time        `gorm:"column:delivery_date" json:"delivery_date"`
	Rate             decimal.Decimal  `gorm:"column:rate;type:decimal(12,2);not null" json:"rate"`
	RatePerMile      *decimal.Decimal `gorm:"column:rate_per_mile;type:decimal(12,4)" json:"rate_per_mile"`
	Miles            int              `gorm:"column:miles" json:"miles"`
	Status           string           `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	DispatcherID     string           `gorm:"column:dispatcher_id;type:varchar(50);not null;index" json:"dispatcher_id"`
	CarrierID        *string          `gorm:"column:carrier_id;type:varchar(50)" json:"carrier_id"`
	Version          int              `gorm:"column:version;not null;default:1" json:"version"`
	CreatedAt        time.Time        `gorm:"column:created_at;autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time        `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// Negotiation is the rate discussion between one carrier and the load's
// dispatcher. Only one pending negotiation may exist per (load, carrier).
type Negotiation struct {
	ID                string           `gorm:"column:negotiation_id;primaryKey;type:varchar(50)" json:"id"`
	LoadID            string           `gorm:"column:load_id;type:varchar(50);not null;index;uniqueIndex:idx_pending_load_carrier,where:status = 'pending'" json:"load_id"`
	CarrierID         string           `gorm:"column:carrier_id;type:varchar(50);not null;index;uniqueIndex:idx_pending_load_carrier,where:status = 'pending'" json:"carrier_id"`
	OriginalRate      decimal.Decimal  `gorm:"column:original_rate;type:decimal(12,2);not null" json:"original_rate"`
	CurrentOffer      decimal.Decimal  `gorm:"column:current_offer;type:decimal(12,2);not null" json:"current_offer_amount"`
	CurrentOfferBy    string           `gorm:"column:current_offer_by;type:varchar(20);not null" json:"current_offer_by"`
	Status            string           `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	AgreedRate        *decimal.Decimal `gorm:"column:agreed_rate;type:decimal(12,2)" json:"agreed_rate"`
	ExpiresAt         time.Time        `gorm:"column:expires_at;not null" json:"expires_at"`
	CarrierMessage    string           `gorm:"column:carrier_message;type:text" json:"carrier_message,omitempty"`
	DispatcherMessage string           `gorm:"column:dispatcher_message;type:text" json:"dispatcher_message,omitempty"`
	Version           int              `gorm:"column:version;not null;default:1" json:"version"`
	CreatedAt         time.Time        `gorm:"column:created_at" json:"created_at"`
	UpdatedAt         time.Time        `gorm:"column:updated_at" json:"updated_at"`

	// Rate confirmation commitment on the ledger
	LedgerTxHash      *string `gorm:"column:ledger_tx_hash;type:varchar(66)" json:"ledger_tx_hash,omitempty"`
	LedgerBlockHeight *int64  `gorm:"column:ledger_block_height" json:"ledger_block_height,omitempty"`

	// Current offer against the original rate, for display
	PercentDelta *decimal.Decimal `gorm:"-" json:"percent_delta"`
	Trend        string           `gorm:"-" json:"trend,omitempty"`

	// Relationships
	Load *Load `gorm:"foreignKey:LoadID;references:ID" json:"load,omitempty"`
}

// Derive recomputes PercentDelta and Trend from the current offer.
func (n *Negotiation) Derive() {
	delta, ok := negotiation.PercentDelta(n.CurrentOffer, n.OriginalRate)
	if !ok {
		n.PercentDelta = nil
		n.Trend = ""
		return
	}
	rounded := delta.Round(2)
	n.PercentDelta = &rounded
	n.Trend = string(negotiation.Classify(delta))
}

func (n *Negotiation) AfterFind(tx *gorm.DB) error {
	n.Derive()
	return nil
}

// HistoryEntry is one immutable offer or response event of a negotiation
type HistoryEntry struct {
	ID            string           `gorm:"column:history_id;primaryKey;type:varchar(26)" json:"id"`
	NegotiationID string           `gorm:"column:negotiation_id;type:varchar(50);not null;index" json:"negotiation_id"`
	OfferAmount   decimal.Decimal  `gorm:"column:offer_amount;type:decimal(12,2);not null" json:"offer_amount"`
	OfferedBy     string           `gorm:"column:offered_by;type:varchar(20);not null" json:"offered_by"`
	OfferType     string           `gorm:"column:offer_type;type:varchar(20);not null" json:"offer_type"`
	Message       string           `gorm:"column:message;type:text" json:"message,omitempty"`
	RatePerMile   *decimal.Decimal `gorm:"column:rate_per_mile;type:decimal(12,4)" json:"rate_per_mile"`
	CreatedAt     time.Time        `gorm:"column:created_at;not null" json:"created_at"`
}

// TableName keeps the ledger table name singular
func (HistoryEntry) TableName() string {
	return "negotiation_history"
}
