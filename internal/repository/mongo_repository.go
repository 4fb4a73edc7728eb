package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/go_cart/order-service/internal/domain"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func ConnectMongoDB(ctx context.Context, uri, database string) (*mongo.Database, error) {
	clientOpts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(5 * time.Second).
		SetMaxPoolSize(100).
		SetMinPoolSize(10)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping to verify connection
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	return client.Database(database), nil
}

// Server error codes that describe the document rather than the server:
// BadValue, TypeMismatch, DocumentValidationFailure and BSONObjectTooLarge.
var rejectedCodes = map[int]bool{2: true, 14: true, 121: true, 10334: true}

func isMongoRejection(err error) bool {
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if rejectedCodes[e.Code] {
				return true
			}
		}
	}
	var ce mongo.CommandError
	if errors.As(err, &ce) {
		return rejectedCodes[int(ce.Code)]
	}
	return false
}

func mongoError(op string, err error) error {
	if isMongoRejection(err) {
		return rejected(op, err)
	}
	return unavailable(op, err)
}

// Documents keep amounts as decimal strings so no float rounding reaches storage.

type cartDocument struct {
	OwnerKey  string             `bson:"owner_key"`
	ID        string             `bson:"id"`
	Items     []cartItemDocument `bson:"items"`
	CreatedAt time.Time          `bson:"created_at"`
	UpdatedAt time.Time          `bson:"updated_at"`
}

// Quantity is decoded loosely; legacy documents may hold doubles or strings.
type cartItemDocument struct {
	ProductID   string      `bson:"product_id"`
	Quantity    interface{} `bson:"quantity"`
	UnitPrice   string      `bson:"unit_price"`
	DisplayName string      `bson:"display_name,omitempty"`
	AddedAt     time.Time   `bson:"added_at"`
}

type inventoryDocument struct {
	ProductID         string    `bson:"product_id"`
	DisplayName       string    `bson:"display_name,omitempty"`
	UnitPrice         string    `bson:"unit_price"`
	AvailableQuantity int       `bson:"available_quantity"`
	LowStockThreshold int       `bson:"low_stock_threshold"`
	UpdatedAt         time.Time `bson:"updated_at"`
}

type orderItemDocument struct {
	ProductID   string `bson:"product_id"`
	DisplayName string `bson:"display_name"`
	Quantity    int    `bson:"quantity"`
	UnitPrice   string `bson:"unit_price"`
}

type orderDocument struct {
	ID              string              `bson:"_id"`
	OwnerKey        string              `bson:"owner_key"`
	Items           []orderItemDocument `bson:"items"`
	Subtotal        string              `bson:"subtotal"`
	Discount        string              `bson:"discount"`
	ShippingCost    string              `bson:"shipping_cost"`
	TaxAmount       string              `bson:"tax_amount"`
	TotalAmount     string              `bson:"total_amount"`
	Currency        string              `bson:"currency"`
	Status          string              `bson:"status"`
	ShippingAddress domain.Address      `bson:"shipping_address"`
	BillingAddress  domain.Address      `bson:"billing_address"`
	PlacedAt        time.Time           `bson:"placed_at"`
	CreatedAt       time.Time           `bson:"created_at"`
	UpdatedAt       time.Time           `bson:"updated_at"`
}

type paymentDocument struct {
	ID                  string            `bson:"_id"`
	OrderID             string            `bson:"order_id"`
	Amount              string            `bson:"amount"`
	Currency            string            `bson:"currency"`
	Gateway             string            `bson:"gateway"`
	Status              string            `bson:"status"`
	GatewayReferenceIDs map[string]string `bson:"gateway_reference_ids,omitempty"`
	Meta                map[string]string `bson:"meta,omitempty"`
	CreatedAt           time.Time         `bson:"created_at"`
	UpdatedAt           time.Time         `bson:"updated_at"`
}

type invoiceLineDocument struct {
	Description string `bson:"description"`
	Quantity    int    `bson:"quantity"`
	UnitPrice   string `bson:"unit_price"`
	Amount      string `bson:"amount"`
}

type invoiceDocument struct {
	ID             string                `bson:"_id"`
	OrderID        string                `bson:"order_id"`
	Number         string                `bson:"number"`
	OwnerKey       string                `bson:"owner_key"`
	Lines          []invoiceLineDocument `bson:"lines"`
	Subtotal       string                `bson:"subtotal"`
	Discount       string                `bson:"discount"`
	ShippingCost   string                `bson:"shipping_cost"`
	TaxAmount      string                `bson:"tax_amount"`
	TotalAmount    string                `bson:"total_amount"`
	Currency       string                `bson:"currency"`
	BillingAddress domain.Address        `bson:"billing_address"`
	IssuedAt       time.Time             `bson:"issued_at"`
}

func parseAmount(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func toCartDocument(c *domain.Cart) cartDocument {
	doc := cartDocument{
		OwnerKey:  c.Owner.String(),
		ID:        c.ID,
		Items:     make([]cartItemDocument, 0, len(c.Items)),
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
	}
	for _, item := range c.ValidItems() {
		doc.Items = append(doc.Items, cartItemDocument{
			ProductID:   item.ProductID,
			Quantity:    int64(item.Quantity),
			UnitPrice:   item.UnitPrice.String(),
			DisplayName: item.DisplayName,
			AddedAt:     item.AddedAt,
		})
	}
	return doc
}

func (d cartDocument) toDomain() (*domain.Cart, error) {
	owner, err := domain.ParseOwnerKey(d.OwnerKey)
	if err != nil {
		return nil, err
	}
	cart := &domain.Cart{
		ID:        d.ID,
		Owner:     owner,
		Items:     make([]domain.CartItem, 0, len(d.Items)),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	for _, item := range d.Items {
		quantity, ok := domain.ParseQuantity(item.Quantity)
		if !ok || item.ProductID == "" {
			continue
		}
		cart.Items = append(cart.Items, domain.CartItem{
			ProductID:   item.ProductID,
			Quantity:    quantity,
			UnitPrice:   parseAmount(item.UnitPrice),
			DisplayName: item.DisplayName,
			AddedAt:     item.AddedAt,
		})
	}
	return cart, nil
}

func toOrderDocument(o *domain.Order) orderDocument {
	doc := orderDocument{
		ID:              o.ID,
		OwnerKey:        o.Owner.String(),
		Items:           make([]orderItemDocument, len(o.Items)),
		Subtotal:        o.Subtotal.String(),
		Discount:        o.Discount.String(),
		ShippingCost:    o.ShippingCost.String(),
		TaxAmount:       o.TaxAmount.String(),
		TotalAmount:     o.TotalAmount.String(),
		Currency:        o.Currency,
		Status:          string(o.Status),
		ShippingAddress: o.ShippingAddress,
		BillingAddress:  o.BillingAddress,
		PlacedAt:        o.PlacedAt,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	for i, item := range o.Items {
		doc.Items[i] = orderItemDocument{
			ProductID:   item.ProductID,
			DisplayName: item.DisplayName,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice.String(),
		}
	}
	return doc
}

func (d orderDocument) toDomain() (*domain.Order, error) {
	owner, err := domain.ParseOwnerKey(d.OwnerKey)
	if err != nil {
		return nil, err
	}
	o := &domain.Order{
		ID:              d.ID,
		Owner:           owner,
		Items:           make([]domain.OrderItem, len(d.Items)),
		Subtotal:        parseAmount(d.Subtotal),
		Discount:        parseAmount(d.Discount),
		ShippingCost:    parseAmount(d.ShippingCost),
		TaxAmount:       parseAmount(d.TaxAmount),
		TotalAmount:     parseAmount(d.TotalAmount),
		Currency:        d.Currency,
		Status:          domain.OrderStatus(d.Status),
		ShippingAddress: d.ShippingAddress,
		BillingAddress:  d.BillingAddress,
		PlacedAt:        d.PlacedAt,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
	for i, item := range d.Items {
		o.Items[i] = domain.OrderItem{
			ProductID:   item.ProductID,
			DisplayName: item.DisplayName,
			Quantity:    item.Quantity,
			UnitPrice:   parseAmount(item.UnitPrice),
		}
	}
	return o, nil
}

// MongoStore implements Stores on one MongoDB database.
type MongoStore struct {
	db        *mongo.Database
	carts     *mongo.Collection
	inventory *mongo.Collection
	orders    *mongo.Collection
	payments  *mongo.Collection
	invoices  *mongo.Collection
	loyalty   *mongo.Collection
	now       func() time.Time
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		db:        db,
		carts:     db.Collection("carts"),
		inventory: db.Collection("inventory"),
		orders:    db.Collection("orders"),
		payments:  db.Collection("payments"),
		invoices:  db.Collection("invoices"),
		loyalty:   db.Collection("loyalty"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *MongoStore) CreateIndexes(ctx context.Context) error {
	indexes := map[*mongo.Collection][]mongo.IndexModel{
		m.carts: {
			{Keys: bson.D{{Key: "owner_key", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "updated_at", Value: 1}}, Options: options.Index().SetExpireAfterSeconds(90 * 24 * 60 * 60)}, // 90 days TTL
		},
		m.inventory: {
			{Keys: bson.D{{Key: "product_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		m.orders: {
			{Keys: bson.D{{Key: "owner_key", Value: 1}, {Key: "placed_at", Value: -1}}},
		},
		m.payments: {
			{Keys: bson.D{{Key: "order_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		m.invoices: {
			{Keys: bson.D{{Key: "order_id", Value: 1}}, Options: options.Index().SetUnique(true)},
			{Keys: bson.D{{Key: "number", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
		m.loyalty: {
			{Keys: bson.D{{Key: "owner_key", Value: 1}}, Options: options.Index().SetUnique(true)},
		},
	}

	for coll, models := range indexes {
		if _, err := coll.Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", coll.Name(), err)
		}
	}
	return nil
}

func (m *MongoStore) GetCart(ctx context.Context, owner domain.OwnerKey) (*domain.Cart, error) {
	var doc cartDocument
	err := m.carts.FindOne(ctx, bson.M{"owner_key": owner.String()}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrCartNotFound
		}
		return nil, mongoError("failed to get cart", err)
	}
	return doc.toDomain()
}

func (m *MongoStore) UpsertCart(ctx context.Context, cart *domain.Cart) error {
	now := m.now()
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = now
	}
	cart.UpdatedAt = now

	filter := bson.M{"owner_key": cart.Owner.String()}
	update := bson.M{"$set": toCartDocument(cart)}
	opts := options.Update().SetUpsert(true)

	if _, err := m.carts.UpdateOne(ctx, filter, update, opts); err != nil {
		return mongoError("failed to upsert cart", err)
	}
	return nil
}

func (m *MongoStore) DeleteCart(ctx context.Context, owner domain.OwnerKey) (bool, error) {
	result, err := m.carts.DeleteOne(ctx, bson.M{"owner_key": owner.String()})
	if err != nil {
		return false, mongoError("failed to delete cart", err)
	}
	return result.DeletedCount > 0, nil
}

func (m *MongoStore) GetInventory(ctx context.Context, productID string) (*domain.InventoryRecord, error) {
	var doc inventoryDocument
	err := m.inventory.FindOne(ctx, bson.M{"product_id": productID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrProductNotFound
		}
		return nil, mongoError("failed to get inventory", err)
	}
	return &domain.InventoryRecord{
		ProductID:         doc.ProductID,
		DisplayName:       doc.DisplayName,
		UnitPrice:         parseAmount(doc.UnitPrice),
		AvailableQuantity: doc.AvailableQuantity,
		LowStockThreshold: doc.LowStockThreshold,
		UpdatedAt:         doc.UpdatedAt,
	}, nil
}

func (m *MongoStore) ConditionalDecrement(ctx context.Context, productID string, quantity int) (bool, error) {
	if quantity <= 0 {
		return false, nil
	}
	filter := bson.M{
		"product_id":         productID,
		"available_quantity": bson.M{"$gte": quantity},
	}
	update := bson.M{
		"$inc": bson.M{"available_quantity": -quantity},
		"$set": bson.M{"updated_at": m.now()},
	}

	result, err := m.inventory.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, mongoError("failed to decrement inventory", err)
	}
	return result.MatchedCount == 1, nil
}

func (m *MongoStore) Increment(ctx context.Context, productID string, quantity int) error {
	update := bson.M{
		"$inc": bson.M{"available_quantity": quantity},
		"$set": bson.M{"updated_at": m.now()},
	}
	result, err := m.inventory.UpdateOne(ctx, bson.M{"product_id": productID}, update)
	if err != nil {
		return mongoError("failed to increment inventory", err)
	}
	if result.MatchedCount == 0 {
		return ErrProductNotFound
	}
	return nil
}

func (m *MongoStore) SetStock(ctx context.Context, record domain.InventoryRecord) error {
	doc := inventoryDocument{
		ProductID:         record.ProductID,
		DisplayName:       record.DisplayName,
		UnitPrice:         record.UnitPrice.String(),
		AvailableQuantity: record.AvailableQuantity,
		LowStockThreshold: record.LowStockThreshold,
		UpdatedAt:         m.now(),
	}
	opts := options.Update().SetUpsert(true)
	if _, err := m.inventory.UpdateOne(ctx, bson.M{"product_id": record.ProductID}, bson.M{"$set": doc}, opts); err != nil {
		return mongoError("failed to set stock", err)
	}
	return nil
}

func (m *MongoStore) InsertOrder(ctx context.Context, order *domain.Order) error {
	if _, err := m.orders.InsertOne(ctx, toOrderDocument(order)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("order %s: %w", order.ID, ErrDuplicate)
		}
		return mongoError("failed to insert order", err)
	}
	return nil
}

func (m *MongoStore) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var doc orderDocument
	err := m.orders.FindOne(ctx, bson.M{"_id": orderID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrOrderNotFound
		}
		return nil, mongoError("failed to get order", err)
	}
	return doc.toDomain()
}

func (m *MongoStore) ListOrdersByOwner(ctx context.Context, owner domain.OwnerKey) ([]domain.Order, error) {
	opts := options.Find().SetSort(bson.D{{Key: "placed_at", Value: -1}})
	cursor, err := m.orders.Find(ctx, bson.M{"owner_key": owner.String()}, opts)
	if err != nil {
		return nil, mongoError("failed to list orders", err)
	}
	defer cursor.Close(ctx)

	var docs []orderDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mongoError("failed to list orders", err)
	}

	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		order, err := doc.toDomain()
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, nil
}

func (m *MongoStore) UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus, at time.Time) error {
	update := bson.M{"$set": bson.M{"status": string(status), "updated_at": at}}
	result, err := m.orders.UpdateOne(ctx, bson.M{"_id": orderID}, update)
	if err != nil {
		return mongoError("failed to update order status", err)
	}
	if result.MatchedCount == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (m *MongoStore) InsertPayment(ctx context.Context, p *domain.Payment) error {
	doc := paymentDocument{
		ID:                  p.ID,
		OrderID:             p.OrderID,
		Amount:              p.Amount.String(),
		Currency:            p.Currency,
		Gateway:             string(p.Gateway),
		Status:              string(p.Status),
		GatewayReferenceIDs: p.GatewayReferenceIDs,
		Meta:                p.Meta,
		CreatedAt:           p.CreatedAt,
		UpdatedAt:           p.UpdatedAt,
	}
	if _, err := m.payments.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("payment for order %s: %w", p.OrderID, ErrDuplicate)
		}
		return mongoError("failed to insert payment", err)
	}
	return nil
}

func (m *MongoStore) GetPaymentByOrder(ctx context.Context, orderID string) (*domain.Payment, error) {
	var doc paymentDocument
	err := m.payments.FindOne(ctx, bson.M{"order_id": orderID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrPaymentNotFound
		}
		return nil, mongoError("failed to get payment", err)
	}
	return &domain.Payment{
		ID:                  doc.ID,
		OrderID:             doc.OrderID,
		Amount:              parseAmount(doc.Amount),
		Currency:            doc.Currency,
		Gateway:             domain.PaymentGateway(doc.Gateway),
		Status:              domain.PaymentStatus(doc.Status),
		GatewayReferenceIDs: doc.GatewayReferenceIDs,
		Meta:                doc.Meta,
		CreatedAt:           doc.CreatedAt,
		UpdatedAt:           doc.UpdatedAt,
	}, nil
}

func (m *MongoStore) DeleteOrder(ctx context.Context, orderID string) error {
	if _, err := m.payments.DeleteOne(ctx, bson.M{"order_id": orderID}); err != nil {
		return mongoError("failed to delete payment", err)
	}
	if _, err := m.orders.DeleteOne(ctx, bson.M{"_id": orderID}); err != nil {
		return mongoError("failed to delete order", err)
	}
	return nil
}

func (m *MongoStore) SaveInvoice(ctx context.Context, inv *domain.Invoice) error {
	doc := invoiceDocument{
		ID:             inv.ID,
		OrderID:        inv.OrderID,
		Number:         inv.Number,
		OwnerKey:       inv.Owner.String(),
		Lines:          make([]invoiceLineDocument, len(inv.Lines)),
		Subtotal:       inv.Subtotal.String(),
		Discount:       inv.Discount.String(),
		ShippingCost:   inv.ShippingCost.String(),
		TaxAmount:      inv.TaxAmount.String(),
		TotalAmount:    inv.TotalAmount.String(),
		Currency:       inv.Currency,
		BillingAddress: inv.BillingAddress,
		IssuedAt:       inv.IssuedAt,
	}
	for i, line := range inv.Lines {
		doc.Lines[i] = invoiceLineDocument{
			Description: line.Description,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice.String(),
			Amount:      line.Amount.String(),
		}
	}
	if _, err := m.invoices.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return fmt.Errorf("invoice for order %s: %w", inv.OrderID, ErrDuplicate)
		}
		return mongoError("failed to save invoice", err)
	}
	return nil
}

func (m *MongoStore) GetInvoiceByOrder(ctx context.Context, orderID string) (*domain.Invoice, error) {
	var doc invoiceDocument
	err := m.invoices.FindOne(ctx, bson.M{"order_id": orderID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrInvoiceNotFound
		}
		return nil, mongoError("failed to get invoice", err)
	}
	owner, err := domain.ParseOwnerKey(doc.OwnerKey)
	if err != nil {
		return nil, err
	}
	inv := &domain.Invoice{
		ID:             doc.ID,
		OrderID:        doc.OrderID,
		Number:         doc.Number,
		Owner:          owner,
		Lines:          make([]domain.InvoiceLine, len(doc.Lines)),
		Subtotal:       parseAmount(doc.Subtotal),
		Discount:       parseAmount(doc.Discount),
		ShippingCost:   parseAmount(doc.ShippingCost),
		TaxAmount:      parseAmount(doc.TaxAmount),
		TotalAmount:    parseAmount(doc.TotalAmount),
		Currency:       doc.Currency,
		BillingAddress: doc.BillingAddress,
		IssuedAt:       doc.IssuedAt,
	}
	for i, line := range doc.Lines {
		inv.Lines[i] = domain.InvoiceLine{
			Description: line.Description,
			Quantity:    line.Quantity,
			UnitPrice:   parseAmount(line.UnitPrice),
			Amount:      parseAmount(line.Amount),
		}
	}
	return inv, nil
}

func (m *MongoStore) AccruePoints(ctx context.Context, owner domain.OwnerKey, points int64) (int64, error) {
	filter := bson.M{"owner_key": owner.String()}
	update := bson.M{
		"$inc": bson.M{"points": points},
		"$set": bson.M{"updated_at": m.now()},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)

	var doc struct {
		Points int64 `bson:"points"`
	}
	if err := m.loyalty.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		return 0, mongoError("failed to accrue loyalty points", err)
	}
	return doc.Points, nil
}

type mongoTx struct {
	*MongoStore
}

func (t *mongoTx) Transactional() bool { return true }

func (t *mongoTx) OnRollback(string, func(ctx context.Context) error) {}

// MongoUnitOfWork runs the callback inside a session transaction. It needs a
// replica set or sharded cluster.
type MongoUnitOfWork struct {
	store *MongoStore
}

func NewMongoUnitOfWork(store *MongoStore) *MongoUnitOfWork {
	return &MongoUnitOfWork{store: store}
}

func (u *MongoUnitOfWork) Mode() Mode { return ModeTransactional }

func (u *MongoUnitOfWork) Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	session, err := u.store.db.Client().StartSession()
	if err != nil {
		return mongoError("failed to start session", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc, &mongoTx{MongoStore: u.store})
	})
	return err
}
