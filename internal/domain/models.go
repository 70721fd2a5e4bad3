// Package domain defines the persistence models for requesters, buyers,
// suppliers, applications and the negotiation transcript. These types are
// mapped with GORM and form the core data layer of the procurement bot.
package domain

import (
	"time"

	"gorm.io/datatypes"
)

// Requester is the individual who talks to the bot through the front end.
// ExternalID is the identity on the conversational channel and never changes;
// Username and FullName are display fields refreshed on every contact.
type Requester struct {
	ID         string    `json:"id"          gorm:"type:char(36);primaryKey"`
	ExternalID string    `json:"external_id" gorm:"type:varchar(64);not null;uniqueIndex"`
	Username   string    `json:"username"    gorm:"type:varchar(255)"`
	FullName   string    `json:"full_name"   gorm:"type:varchar(255)"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName returns the database table name for Requester.
func (Requester) TableName() string { return "requesters" }

// DisplayName returns the best human-readable name for the requester.
func (r Requester) DisplayName() string {
	if r.FullName != "" {
		return r.FullName
	}
	return r.Username
}

// Buyer is the company-level purchasing entity. It can be attached to an
// application after intake once contact details are known.
type Buyer struct {
	ID            string    `json:"id"             gorm:"type:char(36);primaryKey"`
	Name          string    `json:"name"           gorm:"type:varchar(255);not null"`
	ContactPerson *string   `json:"contact_person" gorm:"type:varchar(255)"`
	Phone         *string   `json:"phone"          gorm:"type:varchar(64)"`
	Email         *string   `json:"email"          gorm:"type:varchar(255)"`
	CreatedAt     time.Time `json:"created_at"`
}

// TableName returns the database table name for Buyer.
func (Buyer) TableName() string { return "buyers" }

// Supplier is a candidate vendor found through the listing service.
//
// (Name, Category, City) is the soft natural key used for de-duplication.
// Contact fields are fill-only: a merge sets them when they are nil and
// never replaces an existing value.
type Supplier struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	Name        string    `json:"name"         gorm:"type:varchar(255);not null;index:idx_supplier_key,priority:1"`
	Category    string    `json:"category"     gorm:"type:varchar(255);not null;index:idx_supplier_key,priority:2"`
	City        string    `json:"city"         gorm:"type:varchar(128);index:idx_supplier_key,priority:3"`
	Address     *string   `json:"address"      gorm:"type:varchar(512)"`
	Phone       *string   `json:"phone"        gorm:"type:varchar(64)"`
	Email       *string   `json:"email"        gorm:"type:varchar(255);index"`
	Website     *string   `json:"website"      gorm:"type:varchar(512)"`
	Messaging   *string   `json:"messaging"    gorm:"type:varchar(64)"`
	SourceQuery string    `json:"source_query" gorm:"type:varchar(255)"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName returns the database table name for Supplier.
func (Supplier) TableName() string { return "suppliers" }

// HasContacts reports whether the supplier can be reached through at least
// one channel the negotiation or a manager can use.
func (s Supplier) HasContacts() bool {
	return nonEmpty(s.Phone) || nonEmpty(s.Email) || nonEmpty(s.Website)
}

// Application is one buyer procurement request tracked through its lifecycle.
//
// Fields:
//   - RequesterID: always set; the person who started the request.
//   - BuyerID / SupplierID: optional until assigned.
//   - CRMID: external pipeline lead id, set best-effort after creation.
//   - SearchTerm: free text handed to supplier search ("product city").
//   - Details: structured fields collected during intake.
//   - Status: closed enumeration, see status.go.
type Application struct {
	ID          string            `json:"id"           gorm:"type:char(36);primaryKey"`
	RequesterID string            `json:"requester_id" gorm:"type:char(36);not null;index"`
	BuyerID     *string           `json:"buyer_id"     gorm:"type:char(36);index"`
	SupplierID  *string           `json:"supplier_id"  gorm:"type:char(36);index:idx_app_supplier,priority:1"`
	CRMID       *int64            `json:"crm_id"`
	SearchTerm  string            `json:"search_term"  gorm:"type:varchar(255)"`
	Details     datatypes.JSONMap `json:"details"`
	Status      Status            `json:"status"       gorm:"type:varchar(32);not null;default:'intake';index"`
	CreatedAt   time.Time         `json:"created_at"   gorm:"index:idx_app_supplier,priority:2"`
	UpdatedAt   time.Time         `json:"updated_at"`

	Requester Requester `json:"requester"          gorm:"foreignKey:RequesterID;references:ID"`
	Buyer     *Buyer    `json:"buyer,omitempty"    gorm:"foreignKey:BuyerID;references:ID"`
	Supplier  *Supplier `json:"supplier,omitempty" gorm:"foreignKey:SupplierID;references:ID"`
}

// TableName returns the database table name for Application.
func (Application) TableName() string { return "applications" }

// Detail returns the string value of a structured detail field, or "".
func (a Application) Detail(key string) string {
	if a.Details == nil {
		return ""
	}
	if v, ok := a.Details[key].(string); ok {
		return v
	}
	return ""
}

// ManagerAction is an append-only audit entry of a human decision.
type ManagerAction struct {
	ID            string    `json:"id"             gorm:"type:char(36);primaryKey"`
	ApplicationID string    `json:"application_id" gorm:"type:char(36);not null;index"`
	Action        string    `json:"action"         gorm:"type:varchar(32);not null"`
	Notes         string    `json:"notes"          gorm:"type:text"`
	CreatedAt     time.Time `json:"created_at"`

	Application Application `json:"-" gorm:"foreignKey:ApplicationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for ManagerAction.
func (ManagerAction) TableName() string { return "manager_actions" }

// Email directions.
const (
	DirectionOut = "out"
	DirectionIn  = "in"
)

// EmailRecord is one message of the negotiation transcript. Rows are written
// once and never updated or deleted. Seq orders records within an
// application when timestamps collide. MessageID is the mailbox Message-ID
// of an inbound reply and is empty for outbound rows.
type EmailRecord struct {
	ID            string    `json:"id"             gorm:"type:char(36);primaryKey"`
	ApplicationID string    `json:"application_id" gorm:"type:char(36);not null;index:idx_app_emails,priority:1;uniqueIndex:ux_app_email_seq,priority:1"`
	Seq           int       `json:"seq"            gorm:"not null;uniqueIndex:ux_app_email_seq,priority:2"`
	Direction     string    `json:"direction"      gorm:"type:varchar(8);not null;check:direction IN ('out','in')"`
	ToAddress     string    `json:"to_address"     gorm:"type:varchar(255)"`
	Subject       string    `json:"subject"        gorm:"type:varchar(512)"`
	Body          string    `json:"body"           gorm:"type:text"`
	MessageID     string    `json:"message_id"     gorm:"type:varchar(512);index"`
	SendError     *string   `json:"-"              gorm:"type:text"`
	CreatedAt     time.Time `json:"created_at"     gorm:"index:idx_app_emails,priority:2"`

	Application Application `json:"-" gorm:"foreignKey:ApplicationID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for EmailRecord.
func (EmailRecord) TableName() string { return "emails" }

// Invoice is the single artifact produced for a successful negotiation.
type Invoice struct {
	ID            string    `json:"id"             gorm:"type:char(36);primaryKey"`
	Number        string    `json:"number"         gorm:"type:varchar(32);not null;uniqueIndex"`
	ApplicationID string    `json:"application_id" gorm:"type:char(36);not null;uniqueIndex"`
	SupplierID    string    `json:"supplier_id"    gorm:"type:char(36);not null;index"`
	Amount        float64   `json:"amount"`
	Currency      string    `json:"currency"       gorm:"type:varchar(8);not null;default:'RUB'"`
	Document      string    `json:"document"       gorm:"type:varchar(1024)"`
	CreatedAt     time.Time `json:"created_at"`

	Supplier Supplier `json:"-" gorm:"foreignKey:SupplierID;references:ID"`
}

// TableName returns the database table name for Invoice.
func (Invoice) TableName() string { return "invoices" }

// ConversationTurn is one entry of a keyed generator memory. The key is an
// application id prefixed by the conversation kind ("intake:", "negotiation:").
type ConversationTurn struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	Key       string    `json:"key"        gorm:"type:varchar(96);not null;index:idx_turn_key,priority:1"`
	Role      string    `json:"role"       gorm:"type:varchar(16);not null"`
	Content   string    `json:"content"    gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_turn_key,priority:2"`
}

// TableName returns the database table name for ConversationTurn.
func (ConversationTurn) TableName() string { return "conversation_turns" }

// Notification is an outgoing message to a requester or to the manager desk,
// stored so the front end can deliver it. RequesterID is nil for manager
// notifications.
type Notification struct {
	ID          string    `json:"id"                   gorm:"type:char(36);primaryKey"`
	RequesterID *string   `json:"requester_id"         gorm:"type:char(36);index"`
	Audience    string    `json:"audience"             gorm:"type:varchar(16);not null;check:audience IN ('requester','manager')"`
	Text        string    `json:"text"                 gorm:"type:text;not null"`
	Attachment  *string   `json:"attachment,omitempty" gorm:"type:varchar(1024)"`
	CreatedAt   time.Time `json:"created_at"           gorm:"index"`
}

// TableName returns the database table name for Notification.
func (Notification) TableName() string { return "notifications" }

func nonEmpty(s *string) bool { return s != nil && *s != "" }
