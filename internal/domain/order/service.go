package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-promotions/internal/domain/product"
)

// ProductNotFoundError indicates a requested product does not exist.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// InvalidQuantityError indicates a line item has an invalid quantity.
type InvalidQuantityError struct {
	ProductID string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for product %s", e.ProductID)
}

// OrderItem is a requested product and quantity.
type OrderItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Dispatcher delivers order events to the promotion engine and returns the
// reconciled order.
type Dispatcher interface {
	Dispatch(ctx context.Context, orderID string, ev Event, payload Payload) (*Order, error)
}

// PlaceOrderRequest holds the input for placing an order.
type PlaceOrderRequest struct {
	User          *User
	SessionID     string
	Items         []OrderItem
	CouponCode    string
	ShipmentTotal decimal.Decimal
	TaxTotal      decimal.Decimal
}

// Service encapsulates cart operations and fires the matching promotion
// events after every change.
type Service struct {
	products   product.Repository
	orders     Repository
	dispatcher Dispatcher
	now        func() time.Time
}

// NewService creates an order Service with the required domain dependencies.
func NewService(
	products product.Repository,
	orders Repository,
	dispatcher Dispatcher,
) *Service {
	return &Service{
		products:   products,
		orders:     orders,
		dispatcher: dispatcher,
		now:        time.Now,
	}
}

// PlaceOrder validates items, prices them in a single batch, persists the
// cart, and dispatches order.created. A coupon code in the request is applied
// afterwards as if entered at checkout.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Order, error) {
	if len(req.Items) == 0 {
		return nil, ErrEmptyItems
	}

	ids := make([]string, len(req.Items))
	for i, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, &InvalidQuantityError{ProductID: item.ProductID}
		}
		ids[i] = item.ProductID
	}

	fetched, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	prices := make(map[string]decimal.Decimal, len(fetched))
	for _, p := range fetched {
		prices[p.ID] = p.Price
	}

	o := &Order{
		ID:            uuid.New().String(),
		User:          req.User,
		SessionID:     req.SessionID,
		State:         StateCart,
		ShipmentTotal: req.ShipmentTotal,
		TaxTotal:      req.TaxTotal,
		CreatedAt:     s.now(),
	}
	for _, item := range req.Items {
		price, ok := prices[item.ProductID]
		if !ok {
			return nil, &ProductNotFoundError{ProductID: item.ProductID}
		}
		o.LineItems = append(o.LineItems, LineItem{
			ID:        uuid.New().String(),
			ProductID: item.ProductID,
			Price:     decimal.NewNullDecimal(price),
			Quantity:  item.Quantity,
		})
	}
	o.Recompute()

	if err := s.orders.Create(ctx, o); err != nil {
		return nil, errors.Wrap(err, "create order")
	}

	reconciled, err := s.dispatcher.Dispatch(ctx, o.ID, EventOrderCreated, Payload{})
	if err != nil {
		return nil, errors.Wrap(err, "dispatch order created")
	}

	if req.CouponCode != "" {
		return s.ApplyCoupon(ctx, o.ID, req.CouponCode)
	}
	return reconciled, nil
}

// UpdateQuantity sets the quantity of productID in the cart; zero removes the
// line. The contents-changed event re-evaluates every promotion.
func (s *Service) UpdateQuantity(ctx context.Context, orderID, productID string, quantity int) (*Order, error) {
	if quantity < 0 {
		return nil, &InvalidQuantityError{ProductID: productID}
	}

	o, err := s.cart(ctx, orderID)
	if err != nil {
		return nil, err
	}

	var price decimal.Decimal
	if quantity > 0 && !o.HasProduct(productID) {
		p, err := s.products.GetByID(ctx, productID)
		if err != nil {
			if errors.Is(err, product.ErrNotFound) {
				return nil, &ProductNotFoundError{ProductID: productID}
			}
			return nil, errors.Wrapf(err, "get product %s", productID)
		}
		price = p.Price
	}

	if err := s.orders.SetItemQuantity(ctx, orderID, productID, price, quantity); err != nil {
		return nil, errors.Wrap(err, "set item quantity")
	}

	reconciled, err := s.dispatcher.Dispatch(ctx, orderID, EventContentsChanged, Payload{})
	if err != nil {
		return nil, errors.Wrap(err, "dispatch contents changed")
	}
	return reconciled, nil
}

// ApplyCoupon records code on the cart and dispatches the coupon event. It
// returns ErrInvalidCoupon when no promotion accepted the code; the cart then
// keeps its previous code.
func (s *Service) ApplyCoupon(ctx context.Context, orderID, code string) (*Order, error) {
	if code == "" {
		return nil, ErrInvalidCoupon
	}
	o, err := s.cart(ctx, orderID)
	if err != nil {
		return nil, err
	}
	previous := o.CouponCode

	if err := s.orders.SetCouponCode(ctx, orderID, code); err != nil {
		return nil, errors.Wrap(err, "set coupon code")
	}

	reconciled, err := s.dispatcher.Dispatch(ctx, orderID, EventCouponCodeAdded, Payload{CouponCode: code})
	if err != nil {
		return nil, errors.Wrap(err, "dispatch coupon code added")
	}
	if !reconciled.CouponApplied(code) {
		if err := s.orders.SetCouponCode(ctx, orderID, previous); err != nil {
			return nil, errors.Wrap(err, "restore coupon code")
		}
		return nil, ErrInvalidCoupon
	}
	return reconciled, nil
}

// Get returns the order.
func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	return s.orders.Get(ctx, orderID)
}

func (s *Service) cart(ctx context.Context, orderID string) (*Order, error) {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.State != StateCart {
		return nil, ErrNotCart
	}
	return o, nil
}
