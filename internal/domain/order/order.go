package order

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-promotions/internal/domain/calculator"
)

// State is the checkout state of an order.
type State string

const (
	// StateCart is an open cart; promotions are reconciled only here.
	StateCart State = "cart"
	// StateComplete is a checked-out order.
	StateComplete State = "complete"
)

// Event names a trigger that causes promotions to be re-evaluated.
type Event string

const (
	// EventOrderCreated fires once when a cart is created.
	EventOrderCreated Event = "order.created"
	// EventContentsChanged fires whenever line items or quantities change.
	EventContentsChanged Event = "order.contents_changed"
	// EventCouponCodeAdded fires when the customer enters a coupon code.
	EventCouponCodeAdded Event = "checkout.coupon_code_added"
)

// Valid reports whether e is a known event.
func (e Event) Valid() bool {
	switch e {
	case EventOrderCreated, EventContentsChanged, EventCouponCodeAdded:
		return true
	}
	return false
}

// Payload carries trigger-specific input.
type Payload struct {
	CouponCode string `json:"coupon_code,omitempty"`
}

var (
	// ErrNotFound is returned when an order does not exist.
	ErrNotFound = errors.New("order not found")
	// ErrEmptyItems is returned when an order is placed without items.
	ErrEmptyItems = errors.New("items required")
	// ErrInvalidCoupon is returned when an entered code activated no promotion.
	ErrInvalidCoupon = errors.New("invalid coupon code")
	// ErrNotCart is returned when a completed order is modified.
	ErrNotCart = errors.New("order is not a cart")
)

// User is the customer owning an order.
type User struct {
	ID    string
	Email string
	Roles []string
}

// HasRole reports whether the user holds role.
func (u *User) HasRole(role string) bool {
	return u != nil && slices.Contains(u.Roles, role)
}

// LineItem is a product line in an order. Price is captured when the item is
// added; an invalid Price means the provider could not price the line.
type LineItem struct {
	ID        string              `json:"id"`
	ProductID string              `json:"product_id"`
	Price     decimal.NullDecimal `json:"price"`
	Quantity  int                 `json:"quantity"`
}

// Order is the snapshot of a customer order the engine evaluates and mutates.
type Order struct {
	ID          string
	User        *User
	SessionID   string
	State       State
	LineItems   []LineItem
	Adjustments []Adjustment
	CouponCode  string

	// Provided by shipping and tax collaborators.
	ShipmentTotal decimal.Decimal
	TaxTotal      decimal.Decimal

	// Computed by Recompute.
	ItemTotal       decimal.Decimal
	AdjustmentTotal decimal.Decimal
	Total           decimal.Decimal

	CreatedAt   time.Time
	CompletedAt *time.Time
}

// UserID returns the owning user's ID, or an empty string for guests.
func (o *Order) UserID() string {
	if o.User == nil {
		return ""
	}
	return o.User.ID
}

// Visitor identifies who browsed the shop: the user when signed in,
// otherwise the session.
func (o *Order) Visitor() string {
	if id := o.UserID(); id != "" {
		return id
	}
	return o.SessionID
}

// CalculatorInput converts the line items into calculator input.
func (o *Order) CalculatorInput() calculator.Input {
	items := make([]calculator.Item, len(o.LineItems))
	for i, li := range o.LineItems {
		items[i] = calculator.Item{
			ProductID: li.ProductID,
			Price:     li.Price,
			Quantity:  li.Quantity,
		}
	}
	return calculator.Input{Items: items}
}

// LineItemTotal returns the pre-adjustment item total.
func (o *Order) LineItemTotal() (decimal.Decimal, error) {
	return o.CalculatorInput().ItemTotal()
}

// UnpricedItems returns the products of lines without a price.
func (o *Order) UnpricedItems() []string {
	var ids []string
	for _, li := range o.LineItems {
		if !li.Price.Valid {
			ids = append(ids, li.ProductID)
		}
	}
	return ids
}

// Quantity returns the number of units across all lines.
func (o *Order) Quantity() int {
	n := 0
	for _, li := range o.LineItems {
		n += li.Quantity
	}
	return n
}

// ProductIDs returns the distinct products in the order.
func (o *Order) ProductIDs() []string {
	ids := make([]string, 0, len(o.LineItems))
	for _, li := range o.LineItems {
		if !slices.Contains(ids, li.ProductID) {
			ids = append(ids, li.ProductID)
		}
	}
	return ids
}

// HasProduct reports whether any line item references productID.
func (o *Order) HasProduct(productID string) bool {
	for _, li := range o.LineItems {
		if li.ProductID == productID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so a failed evaluation leaves the original intact.
func (o *Order) Clone() *Order {
	c := *o
	c.LineItems = slices.Clone(o.LineItems)
	c.Adjustments = slices.Clone(o.Adjustments)
	if o.User != nil {
		u := *o.User
		u.Roles = slices.Clone(o.User.Roles)
		c.User = &u
	}
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Repository defines persistence operations for orders.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	// SetItemQuantity changes the quantity of a product line, inserting it
	// at price when missing and removing it when quantity is zero.
	SetItemQuantity(ctx context.Context, orderID, productID string, price decimal.Decimal, quantity int) error
	SetCouponCode(ctx context.Context, orderID, code string) error
}

// History answers questions about a customer's past orders.
type History interface {
	// CompletedCount returns the number of completed orders of userID,
	// not counting excludeOrderID.
	CompletedCount(ctx context.Context, userID, excludeOrderID string) (int, error)
}
